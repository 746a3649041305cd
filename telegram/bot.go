// Package telegram 提供人工确认与远程控制的 Telegram 机器人
package telegram

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/MostafaiQ/japan225-bot/storage"
)

// Callbacks 机器人需要的控制回调，由监控循环在构造时注入
type Callbacks struct {
	Status        func() string
	ConfirmAlert  func(alertID string) error
	RejectAlert   func(alertID string) error
	ClosePosition func(reason string) error
	ForceScan     func()
	Kill          func() error
	Pause         func() error
	Resume        func() error
	ClearCooldown func() error
	History       func(n int) ([]storage.Trade, error)
}

// Bot Telegram 机器人，只响应配置的 chat ID
type Bot struct {
	api    *tgbotapi.BotAPI
	chatID int64
	cb     Callbacks

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New 创建机器人并校验 token
func New(token string, chatID int64, cb Callbacks) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram 初始化失败: %w", err)
	}
	log.Printf("🤖 [TG] 机器人已连接: @%s", api.Self.UserName)
	return &Bot{
		api:    api,
		chatID: chatID,
		cb:     cb,
		stopCh: make(chan struct{}),
	}, nil
}

// Start 启动消息轮询
func (b *Bot) Start() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.stopCh:
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				b.dispatch(update)
			}
		}
	}()
	log.Printf("🤖 [TG] 消息轮询已启动")
}

// Stop 停止轮询并等待处理中的消息
func (b *Bot) Stop() {
	b.api.StopReceivingUpdates()
	close(b.stopCh)
	b.wg.Wait()
	log.Printf("👋 [TG] 机器人已停止")
}

// dispatch 分发单条更新，券商相关操作丢给 worker 协程避免阻塞轮询
func (b *Bot) dispatch(update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		if update.Message.Chat.ID != b.chatID {
			log.Printf("🚷 [TG] 忽略未授权会话 %d", update.Message.Chat.ID)
			return
		}
		b.handleCommand(update.Message)
	case update.CallbackQuery != nil:
		if update.CallbackQuery.Message == nil || update.CallbackQuery.Message.Chat.ID != b.chatID {
			return
		}
		b.handleCallback(update.CallbackQuery)
	}
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		return
	}

	switch msg.Command() {
	case "status":
		if b.cb.Status != nil {
			b.Notify(b.cb.Status())
		}
	case "pause":
		b.runControl("暂停", b.cb.Pause, "⏸️ 扫描已暂停")
	case "resume":
		b.runControl("恢复", b.cb.Resume, "▶️ 扫描已恢复")
	case "forcescan":
		if b.cb.ForceScan != nil {
			b.cb.ForceScan()
			b.Notify("🔍 已触发立即扫描")
		}
	case "kill":
		b.runControl("kill", b.cb.Kill, "🛑 kill switch 已执行")
	case "cooldownclear":
		b.runControl("清除冷却", b.cb.ClearCooldown, "🧹 熔断冷却已清除")
	case "history":
		b.sendHistory()
	default:
		b.Notify("❓ 未知命令。可用: /status /pause /resume /forcescan /kill /history /cooldownclear")
	}
}

// runControl 在 worker 协程执行控制回调，轮询循环不等待
func (b *Bot) runControl(name string, fn func() error, okText string) {
	if fn == nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := fn(); err != nil {
			log.Printf("⚠️  [TG] %s 失败: %v", name, err)
			b.Notify(fmt.Sprintf("⚠️ %s 失败: %v", name, err))
			return
		}
		b.Notify(okText)
	}()
}

func (b *Bot) sendHistory() {
	if b.cb.History == nil {
		return
	}
	trades, err := b.cb.History(10)
	if err != nil {
		b.Notify(fmt.Sprintf("⚠️ 读取交易记录失败: %v", err))
		return
	}
	if len(trades) == 0 {
		b.Notify("📒 暂无交易记录")
		return
	}

	var sb strings.Builder
	sb.WriteString("📒 最近交易:\n")
	for _, t := range trades {
		outcome := string(t.Outcome)
		if outcome == "" {
			outcome = "OPEN"
		}
		sb.WriteString(fmt.Sprintf("%s %s %.2f @ %.1f → %.1f (%+.0f 点, %s)\n",
			t.OpenedAt.Format("01-02 15:04"), t.Direction, t.Size, t.Entry, t.ExitLevel, t.PnLPoints, outcome))
	}
	b.Notify(sb.String())
}

// ==================== 回调按钮 ====================

const (
	cbConfirmPrefix = "confirm:"
	cbRejectPrefix  = "reject:"
	cbCloseNow      = "close_now"
	cbHold          = "hold"
)

func (b *Bot) handleCallback(q *tgbotapi.CallbackQuery) {
	data := q.Data

	// 先应答按钮点击，实际处理丢给 worker
	if _, err := b.api.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		log.Printf("⚠️  [TG] 应答回调失败: %v", err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		switch {
		case strings.HasPrefix(data, cbConfirmPrefix):
			id := strings.TrimPrefix(data, cbConfirmPrefix)
			if b.cb.ConfirmAlert == nil {
				return
			}
			if err := b.cb.ConfirmAlert(id); err != nil {
				b.Notify(fmt.Sprintf("⚠️ 确认失败: %v", err))
			}
		case strings.HasPrefix(data, cbRejectPrefix):
			id := strings.TrimPrefix(data, cbRejectPrefix)
			if b.cb.RejectAlert == nil {
				return
			}
			if err := b.cb.RejectAlert(id); err != nil {
				b.Notify(fmt.Sprintf("⚠️ 拒绝失败: %v", err))
			} else {
				b.Notify("🙅 提议已拒绝")
			}
		case data == cbCloseNow:
			if b.cb.ClosePosition == nil {
				return
			}
			if err := b.cb.ClosePosition("人工选择立即平仓"); err != nil {
				b.Notify(fmt.Sprintf("⚠️ 平仓失败: %v", err))
			}
		case data == cbHold:
			b.Notify("🤝 已选择继续持有")
		}
	}()
}

// ==================== Notifier 实现 ====================

// Notify 发送纯文本消息
func (b *Bot) Notify(text string) {
	if b == nil || text == "" {
		return
	}
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Printf("⚠️  [TG] 发送消息失败: %v", err)
	}
}

// ProposeTrade 推送交易提议，附确认/拒绝按钮
func (b *Bot) ProposeTrade(alert storage.PendingAlert) {
	if b == nil {
		return
	}
	text := fmt.Sprintf(
		"🔔 交易提议 (信心 %d)\n%s %.2f @ %.1f\n止损 %.1f / 止盈 %.1f\n%s\n\n⏱ %s 前有效",
		alert.Confidence, alert.Direction, alert.Size, alert.Entry,
		alert.Stop, alert.Limit, alert.Reasoning,
		alert.ExpiresAt.Format("15:04:05"))

	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ 确认", cbConfirmPrefix+alert.ID),
			tgbotapi.NewInlineKeyboardButtonData("🙅 拒绝", cbRejectPrefix+alert.ID),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		log.Printf("⚠️  [TG] 推送提议失败: %v", err)
	}
}

// AskCloseOrHold 严重不利偏移时询问平仓或持有
func (b *Bot) AskCloseOrHold(text string) {
	if b == nil {
		return
	}
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🏃 立即平仓", cbCloseNow),
			tgbotapi.NewInlineKeyboardButtonData("🤝 继续持有", cbHold),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		log.Printf("⚠️  [TG] 发送询问失败: %v", err)
	}
}

// FormatStatus 把状态快照渲染成消息文本
func FormatStatus(mode string, price float64, st storage.PositionState, updated time.Time) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📊 模式: %s\n💹 最新价: %.1f\n", mode, price))
	if st.HasOpen {
		sb.WriteString(fmt.Sprintf("📈 持仓: %s %.2f @ %.1f\n止损 %.1f 止盈 %.1f 阶段 %s\n",
			st.Direction, st.Size, st.Entry, st.StopLevel, st.LimitLevel, st.Phase))
	} else {
		sb.WriteString("📭 无持仓\n")
	}
	if st.Alert != nil {
		sb.WriteString(fmt.Sprintf("🔔 待确认提议: %s @ %.1f (至 %s)\n",
			st.Alert.Direction, st.Alert.Entry, st.Alert.ExpiresAt.Format("15:04")))
	}
	sb.WriteString(fmt.Sprintf("🕒 更新: %s", updated.Format("15:04:05")))
	return sb.String()
}
