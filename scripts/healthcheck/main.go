// 连通性与数据完整性探针，供 cron 与部署脚本使用
// 退出码: 0 全部正常, 1 配置/数据库异常, 2 券商连接异常
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/MostafaiQ/japan225-bot/config"
	"github.com/MostafaiQ/japan225-bot/market"
	"github.com/MostafaiQ/japan225-bot/storage"
)

func main() {
	skipBroker := flag.Bool("skip-broker", false, "跳过券商连通性检查")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fail(1, "配置加载失败: %v", err)
	}
	ok("配置加载成功 (paper=%v demo=%v)", cfg.PaperMode, cfg.IGDemo)

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		fail(1, "数据库打开失败: %v", err)
	}
	defer store.Close()

	if _, err := store.PositionState(); err != nil {
		fail(1, "position_state 读取失败: %v", err)
	}
	if _, err := store.AccountState(); err != nil {
		fail(1, "account_state 读取失败: %v", err)
	}
	trades, err := store.RecentTrades(1)
	if err != nil {
		fail(1, "trades 读取失败: %v", err)
	}
	ok("数据库完整 (%s, 最近交易 %d 条)", cfg.DBPath, len(trades))

	if *skipBroker || cfg.PaperMode {
		ok("跳过券商连通性检查")
		os.Exit(0)
	}

	client := market.NewClient(cfg)
	start := time.Now()
	if err := client.Login(); err != nil {
		fail(2, "IG 登录失败: %v", err)
	}
	price, err := client.MarketSnapshot()
	if err != nil {
		fail(2, "行情获取失败: %v", err)
	}
	ok("IG 连通正常 (中间价 %.1f, 耗时 %s)", price.Mid(), time.Since(start).Round(time.Millisecond))
}

func ok(format string, args ...any) {
	fmt.Printf("✅ "+format+"\n", args...)
}

func fail(code int, format string, args ...any) {
	fmt.Printf("❌ "+format+"\n", args...)
	os.Exit(code)
}
