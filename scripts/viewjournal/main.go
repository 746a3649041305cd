// 交易日志查看器: 读取 sqlite 数据库，彩色打印交易与扫描记录
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/MostafaiQ/japan225-bot/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func main() {
	dbPath := flag.String("db", "data/japan225.db", "数据库路径")
	limit := flag.Int("n", 20, "显示条数")
	showScans := flag.Bool("scans", false, "同时显示扫描审计记录")
	flag.Parse()

	store, err := storage.Open(*dbPath)
	if err != nil {
		fmt.Printf("%s打开数据库失败: %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	defer store.Close()

	printTrades(store, *limit)
	if *showScans {
		printScans(store, *limit)
	}
}

func printTrades(store *storage.Store, limit int) {
	trades, err := store.RecentTrades(limit)
	if err != nil {
		fmt.Printf("%s读取交易失败: %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}

	fmt.Printf("%s═══ 交易日志 (%d 条) ═══%s\n", colorBold, len(trades), colorReset)
	if len(trades) == 0 {
		fmt.Printf("%s暂无交易%s\n", colorYellow, colorReset)
		return
	}

	for _, t := range trades {
		dirColor := colorGreen
		if t.Direction == "SHORT" {
			dirColor = colorRed
		}
		fmt.Printf("\n%s#%d%s %s%s%s %.2f 手\n", colorBold, t.ID, colorReset, dirColor, t.Direction, colorReset, t.Size)
		fmt.Printf("  开仓: %s%s%s @ %s%.1f%s\n",
			colorCyan, t.OpenedAt.Format("2006-01-02 15:04:05"), colorReset,
			colorYellow, t.Entry, colorReset)
		fmt.Printf("  止损/止盈: %s%.1f%s / %s%.1f%s\n",
			colorRed, t.Stop, colorReset, colorGreen, t.Limit, colorReset)

		if t.Outcome == "" {
			fmt.Printf("  状态: %s仍在持仓%s\n", colorBlue, colorReset)
			continue
		}

		pnlColor := colorGreen
		if t.PnLPoints < 0 {
			pnlColor = colorRed
		}
		fmt.Printf("  平仓: %s%s%s @ %.1f\n",
			colorCyan, t.ClosedAt.Format("2006-01-02 15:04:05"), colorReset, t.ExitLevel)
		fmt.Printf("  结局: %s%s %+.0f 点%s\n", pnlColor, t.Outcome, t.PnLPoints, colorReset)
		if t.Confidence > 0 {
			fmt.Printf("  信心: %s%d%s\n", colorPurple, t.Confidence, colorReset)
		}
		if t.Notes != "" {
			fmt.Printf("  备注: %s\n", t.Notes)
		}
	}
}

func printScans(store *storage.Store, limit int) {
	scans, err := store.RecentScans(limit)
	if err != nil {
		fmt.Printf("%s读取扫描记录失败: %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}

	fmt.Printf("\n%s═══ 扫描审计 (%d 条) ═══%s\n", colorBold, len(scans), colorReset)
	for _, s := range scans {
		stageColor := colorYellow
		if s.Approved {
			stageColor = colorGreen
		} else if s.Stage == "fast" || s.Stage == "main" || s.Stage == "confirm" {
			stageColor = colorRed
		}
		fmt.Printf("%s %s%-10s%s %-18s 信心=%d 成本=$%.4f %s\n",
			s.Time.Format("01-02 15:04"),
			stageColor, s.Stage, colorReset,
			s.SetupName, s.Confidence, s.CostUSD, s.Reason)
	}
}
