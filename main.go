// 日经225 CFD 半自动交易机器人入口
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MostafaiQ/japan225-bot/config"
	"github.com/MostafaiQ/japan225-bot/decision"
	"github.com/MostafaiQ/japan225-bot/logger"
	"github.com/MostafaiQ/japan225-bot/market"
	"github.com/MostafaiQ/japan225-bot/session"
	"github.com/MostafaiQ/japan225-bot/storage"
	"github.com/MostafaiQ/japan225-bot/telegram"
	"github.com/MostafaiQ/japan225-bot/trader"
	"github.com/MostafaiQ/japan225-bot/web"
)

// streamingBroker 优先使用流式报价，流断开或过期时回退 REST 快照
type streamingBroker struct {
	*market.Client
	stream *market.PriceStream
}

func (b *streamingBroker) MarketSnapshot() (market.PriceSnapshot, error) {
	if snap, ok := b.stream.Latest(); ok {
		return snap, nil
	}
	return b.Client.MarketSnapshot()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}
	if err := logger.Init(cfg.LogFile, cfg.LogLevel); err != nil {
		log.Fatalf("❌ 初始化日志失败: %v", err)
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ 打开数据库失败: %v", err)
	}
	defer store.Close()

	client := market.NewClient(cfg)
	if !cfg.PaperMode {
		if err := client.Login(); err != nil {
			log.Fatalf("❌ IG 登录失败: %v", err)
		}
	} else {
		log.Printf("📝 纸面交易模式，不连接真实券商下单")
	}

	var broker trader.Broker = client
	var stream *market.PriceStream
	if cfg.UseStreaming && cfg.StreamURL != "" {
		stream = market.NewPriceStream(cfg.StreamURL, config.Epic)
		stream.Start()
		broker = &streamingBroker{Client: client, stream: stream}
		log.Printf("📡 已启用流式报价: %s", cfg.StreamURL)
	}

	gate := session.NewGate()
	advisor := decision.NewHTTPAdvisor(cfg)
	pipeline := decision.NewPipeline(advisor, store)
	researcher := decision.NewResearcher(cfg, store, gate)
	overrides := config.NewOverrideStore(cfg.OverridesFile)

	monitor := trader.NewMonitor(trader.Deps{
		Config:    cfg,
		Store:     store,
		Broker:    broker,
		Snapshots: func() (*market.Snapshot, error) { return market.BuildSnapshot(client) },
		Gate:      gate,
		Scanner:   pipeline,
		Macro:     researcher,
		Overrides: overrides,
	})

	var bot *telegram.Bot
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		bot, err = telegram.New(cfg.TelegramToken, cfg.TelegramChatID, telegram.Callbacks{
			Status: func() string {
				st, _ := store.PositionState()
				return telegram.FormatStatus("运行中", st.Entry, st, time.Now())
			},
			ConfirmAlert:  monitor.ConfirmAlert,
			RejectAlert:   monitor.RejectAlert,
			ClosePosition: monitor.ClosePositionNow,
			ForceScan:     monitor.Wake,
			Kill:          monitor.Kill,
			Pause:         func() error { return store.SetTradingEnabled(false) },
			Resume:        func() error { return store.SetTradingEnabled(true) },
			ClearCooldown: store.ClearLossCooldown,
			History:       store.RecentTrades,
		})
		if err != nil {
			log.Fatalf("❌ Telegram 初始化失败: %v", err)
		}
		bot.Start()
	} else {
		log.Printf("📴 未配置 Telegram，提议确认与远程控制不可用")
	}
	// 注入通知器后再启动循环，确保首个周期的通知不丢失
	if bot != nil {
		monitor.SetNotifier(bot)
	}

	var dashboard *web.Server
	if cfg.DashboardAddr != "" {
		dashboard = web.NewServer(cfg, store, overrides, web.Controls{
			Pause:     func() error { return store.SetTradingEnabled(false) },
			Resume:    func() error { return store.SetTradingEnabled(true) },
			ForceScan: monitor.Wake,
		})
		dashboard.Start()
	}

	if err := monitor.Start(); err != nil {
		log.Fatalf("❌ 启动监控循环失败: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("🛑 收到信号 %s，开始关停", sig)

	monitor.Stop()
	if stream != nil {
		stream.Stop()
	}
	if dashboard != nil {
		dashboard.Stop()
	}
	if bot != nil {
		bot.Stop()
	}
	log.Printf("👋 已退出")
}
