package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MostafaiQ/japan225-bot/config"
	"github.com/MostafaiQ/japan225-bot/decision"
	"github.com/MostafaiQ/japan225-bot/logger"
	"github.com/MostafaiQ/japan225-bot/market"
	"github.com/MostafaiQ/japan225-bot/session"
	"github.com/MostafaiQ/japan225-bot/storage"
)

// Broker 券商操作接口，由 market.Client 实现
type Broker interface {
	MarketSnapshot() (market.PriceSnapshot, error)
	Positions() ([]market.Position, error)
	Account() (market.AccountInfo, error)
	OpenPosition(req market.DealRequest) (market.DealConfirmation, error)
	UpdateStop(dealID string, stopLevel, limitLevel float64) error
	ClosePosition(pos market.Position) (market.DealConfirmation, error)
}

// Notifier 通知接口，由 telegram 机器人实现，nil 时全部成为空操作
type Notifier interface {
	Notify(text string)
	ProposeTrade(alert storage.PendingAlert)
	AskCloseOrHold(text string)
}

// Scanner 扫描决策接口，由 decision.Pipeline 实现
type Scanner interface {
	Run(ctx context.Context, now time.Time, snap *market.Snapshot,
		sess session.Status, macro decision.MacroContext, o config.Overrides) (*decision.Proposal, error)
}

// SessionGate 交易时段判定接口
type SessionGate interface {
	Status(now time.Time) session.Status
}

// MacroSource 宏观上下文来源
type MacroSource interface {
	Context(now time.Time) decision.MacroContext
}

// Deps 监控循环的全部依赖
type Deps struct {
	Config    *config.Config
	Store     *storage.Store
	Broker    Broker
	Snapshots func() (*market.Snapshot, error)
	Gate      SessionGate
	Scanner   Scanner
	Macro     MacroSource
	Notifier  Notifier
	Overrides *config.OverrideStore
}

// Monitor 控制循环: 平仓时扫描入场机会，持仓时跟踪离场
type Monitor struct {
	deps Deps

	mu       sync.Mutex
	tracker  *Tracker
	exit     *ExitEngine
	cycleN   int     // 监控周期计数，用于持仓存在性核实节流
	emptyN   int     // 连续空仓核实计数
	lastMid  float64 // 最近观察到的中间价
	lastMode string
	lastScan string // 最近一次扫描结局，写入状态文件

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor 创建监控循环
func NewMonitor(deps Deps) *Monitor {
	return &Monitor{
		deps:   deps,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// SetNotifier 注入通知器（在 Start 之前调用）
func (m *Monitor) SetNotifier(n Notifier) {
	m.deps.Notifier = n
}

// Start 启动控制循环（先与券商对账，再进入周期调度）
func (m *Monitor) Start() error {
	if err := m.Reconcile(); err != nil {
		return fmt.Errorf("启动对账失败: %w", err)
	}

	m.wg.Add(1)
	go m.loop()
	log.Printf("🚀 [监控] 控制循环已启动")
	return nil
}

// Stop 停止控制循环并等待当前周期结束
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	log.Printf("👋 [监控] 控制循环已停止")
}

// Wake 请求立即执行下一个周期（强制扫描）
func (m *Monitor) Wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	for {
		interval := m.RunCycle(time.Now())

		select {
		case <-m.stopCh:
			return
		case <-time.After(interval):
		case <-m.wakeCh:
			log.Printf("⏰ [监控] 被唤醒，立即执行下一周期")
		}
	}
}

// RunCycle 执行一个完整周期，返回到下一周期的休眠时长
func (m *Monitor) RunCycle(now time.Time) time.Duration {
	start := time.Now()
	o := m.reloadOverrides()
	m.checkTriggers()
	m.rollAnchors(now)

	st, err := m.deps.Store.PositionState()
	if err != nil {
		log.Printf("⚠️  [监控] 读取持仓状态失败: %v", err)
		return o.MonitorInterval()
	}

	sess := m.deps.Gate.Status(now)

	var mode string
	var interval time.Duration
	switch {
	case st.HasOpen:
		mode = "monitoring"
		interval = o.MonitorInterval()
		m.monitorCycle(now, st)
	case sess.Open:
		mode = "scanning"
		interval = o.ScanInterval()
		m.scanCycle(now, st, sess, o)
	default:
		mode = "idle"
		interval = o.ScanInterval()
		if m.lastMode != "idle" {
			log.Printf("💤 [监控] 时段关闭 (%s)，进入空闲", sess.Reason)
		}
	}

	if mode != m.lastMode {
		log.Printf("🔄 [监控] 模式切换: %s → %s", m.lastMode, mode)
		m.lastMode = mode
	}

	m.writeStateFile(now, mode, sess, now.Add(interval))
	logger.Cycle(mode, m.lastKnownMid(), time.Since(start))
	return interval
}

// ==================== 启动对账 ====================

// Reconcile 启动时核对券商持仓与本地状态，可重复执行
func (m *Monitor) Reconcile() error {
	positions, err := m.deps.Broker.Positions()
	if err != nil {
		return fmt.Errorf("读取券商持仓: %w", err)
	}
	st, err := m.deps.Store.PositionState()
	if err != nil {
		return fmt.Errorf("读取本地状态: %w", err)
	}

	var live *market.Position
	for i := range positions {
		if positions[i].DealID != "" {
			live = &positions[i]
			break
		}
	}

	switch {
	case live != nil && st.HasOpen && live.DealID == st.DealID:
		// 情况1: 两侧一致，恢复跟踪
		log.Printf("🔁 [对账] 恢复持仓跟踪 %s %s @ %.1f", st.DealID, st.Direction, st.Entry)
		m.resumeTracking(st)

	case live != nil && (!st.HasOpen || live.DealID != st.DealID):
		// 情况2: 券商有仓本地没有（或不一致），收养
		// 不一致时先把本地旧仓归档，避免留下悬空的未完结交易记录
		if st.HasOpen && live.DealID != st.DealID {
			if err := m.archiveExternalClose(st, 0, 0, time.Now()); err != nil {
				return fmt.Errorf("归档失配持仓: %w", err)
			}
			log.Printf("📦 [对账] 本地持仓 %s 与券商侧 %s 不符，旧记录归档为外部平仓", st.DealID, live.DealID)
		}
		adopted := storage.PositionState{
			HasOpen:    true,
			DealID:     live.DealID,
			Direction:  string(live.Direction),
			Size:       live.Size,
			Entry:      live.Level,
			StopLevel:  live.StopLevel,
			LimitLevel: live.LimitLevel,
			OpenedAt:   live.CreatedAt,
		}
		if _, err := m.deps.Store.AdoptPosition(adopted, "启动对账收养"); err != nil {
			return fmt.Errorf("收养持仓: %w", err)
		}
		log.Printf("🤝 [对账] 收养券商侧持仓 %s %s @ %.1f", live.DealID, live.Direction, live.Level)
		m.resumeTracking(adopted)
		m.notify(fmt.Sprintf("🤝 启动对账: 收养券商侧持仓 %s %s @ %.1f", live.DealID, live.Direction, live.Level))

	case live == nil && st.HasOpen:
		// 情况3: 本地有仓券商没有，归档为外部平仓
		exit := m.lastKnownMid()
		pnl := (exit - st.Entry) * market.Direction(st.Direction).Sign()
		if exit == 0 {
			pnl = 0
		}
		if err := m.archiveExternalClose(st, exit, pnl, time.Now()); err != nil {
			return fmt.Errorf("归档外部平仓: %w", err)
		}
		log.Printf("📦 [对账] 本地持仓在券商侧已不存在，归档为外部平仓 (盈亏 %.0f 点)", pnl)
		m.notify(fmt.Sprintf("📦 启动对账: 持仓 %s 已在券商侧关闭，归档 (盈亏 %.0f 点)", st.DealID, pnl))

	default:
		// 情况4: 两侧都空，干净启动
		log.Printf("✨ [对账] 无持仓，干净启动")
	}
	return nil
}

func (m *Monitor) resumeTracking(st storage.PositionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracker = NewTracker(market.Direction(st.Direction), st.Entry, st.OpenedAt)
	m.exit = NewExitEngine(st.StopLevel)
	m.cycleN = 0
	m.emptyN = 0
}

func (m *Monitor) dropTracking() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracker = nil
	m.exit = nil
	m.emptyN = 0
}

// ==================== 持仓监控周期 ====================

func (m *Monitor) monitorCycle(now time.Time, st storage.PositionState) {
	m.mu.Lock()
	if m.tracker == nil {
		m.mu.Unlock()
		m.resumeTracking(st)
		m.mu.Lock()
	}
	tracker, exit := m.tracker, m.exit
	m.cycleN++
	cycleN := m.cycleN
	m.mu.Unlock()

	// 每N个周期向券商核实一次持仓是否仍存在
	if cycleN%config.PositionCheckEveryN == 0 {
		if closed := m.verifyPositionExists(st, now); closed {
			return
		}
	}

	price, err := m.deps.Broker.MarketSnapshot()
	if err != nil {
		log.Printf("⚠️  [监控] 获取价格失败: %v", err)
		return
	}
	mid := price.Mid()
	m.mu.Lock()
	m.lastMid = mid
	m.mu.Unlock()

	obs := tracker.Observe(mid, now)

	if obs.StaleFired {
		log.Printf("🧊 [监控] 价格连续 %d 次未变动，数据源可能停滞", config.StaleDataThreshold)
		m.notify(fmt.Sprintf("🧊 价格连续 %d 个周期静止在 %.1f，数据源可能停滞", config.StaleDataThreshold, mid))
	}
	if obs.StaleCleared {
		log.Printf("🌊 [监控] 价格恢复变动")
	}

	for _, ms := range obs.Milestones {
		log.Printf("🏁 [监控] 达成盈利里程碑 +%.0f 点", ms)
		m.notify(fmt.Sprintf("🏁 盈利里程碑: +%.0f 点 (当前 %.1f)", ms, mid))
	}

	switch obs.TierFired {
	case TierMild:
		log.Printf("🟡 [监控] 不利偏移 MILD: 回撤 %.0f 点", obs.AdverseExcursion)
	case TierModerate:
		log.Printf("🟠 [监控] 不利偏移 MODERATE: 回撤 %.0f 点", obs.AdverseExcursion)
		m.notify(fmt.Sprintf("🟠 不利偏移 MODERATE: 从水位 %.1f 回撤 %.0f 点", obs.Watermark, obs.AdverseExcursion))
	case TierSevere:
		log.Printf("🔴 [监控] 不利偏移 SEVERE: 回撤 %.0f 点", obs.AdverseExcursion)
		m.handleSevereAdverse(st, exit, obs)
	}

	action := exit.Evaluate(st, obs, now)
	m.applyExitAction(st, exit, action)
}

// verifyPositionExists 返回 true 表示持仓已确认消失并完成归档
func (m *Monitor) verifyPositionExists(st storage.PositionState, now time.Time) bool {
	positions, err := m.deps.Broker.Positions()
	if err != nil {
		log.Printf("⚠️  [监控] 核实持仓失败: %v", err)
		return false
	}

	for _, p := range positions {
		if p.DealID == st.DealID {
			m.mu.Lock()
			m.emptyN = 0
			m.mu.Unlock()
			return false
		}
	}

	// 单次空结果视为瞬态，连续达到阈值才归档
	m.mu.Lock()
	m.emptyN++
	emptyN := m.emptyN
	m.mu.Unlock()

	log.Printf("❓ [监控] 持仓 %s 未在券商侧找到 (%d/%d)", st.DealID, emptyN, config.SafetyConsecutiveEmpty)
	if emptyN < config.SafetyConsecutiveEmpty {
		return false
	}

	exit := m.lastKnownMid()
	pnl := (exit - st.Entry) * market.Direction(st.Direction).Sign()
	if exit == 0 {
		pnl = 0
	}
	if err := m.archiveExternalClose(st, exit, pnl, now); err != nil {
		log.Printf("⚠️  [监控] 归档外部平仓失败: %v", err)
		return false
	}
	log.Printf("📦 [监控] 持仓 %s 在券商侧已关闭 (止损触发或人工平仓)，归档完成", st.DealID)
	m.notify(fmt.Sprintf("📦 持仓 %s 已在券商侧关闭，盈亏约 %.0f 点", st.DealID, pnl))
	return true
}

func (m *Monitor) archiveExternalClose(st storage.PositionState, exit, pnl float64, now time.Time) error {
	if err := m.deps.Store.CloseTrade(st.TradeID, exit, pnl, storage.OutcomeExternal, now); err != nil {
		return err
	}
	outcome := storage.OutcomeFlat
	if pnl > 0 {
		outcome = storage.OutcomeWin
	} else if pnl < 0 {
		outcome = storage.OutcomeLoss
	}
	if err := m.deps.Store.RegisterOutcome(outcome, now.Add(config.LossCooldownDuration)); err != nil {
		log.Printf("⚠️  [监控] 登记交易结局失败: %v", err)
	}
	m.dropTracking()
	return nil
}

func (m *Monitor) handleSevereAdverse(st storage.PositionState, exit *ExitEngine, obs Observation) {
	action, ok := exit.ProtectBreakeven(st)
	if ok {
		m.applyExitAction(st, exit, action)
		m.notify(fmt.Sprintf("🔴 严重不利偏移 (回撤 %.0f 点)，止损已移至保本 %.1f", obs.AdverseExcursion, action.NewStop))
	}
	if m.deps.Notifier != nil {
		m.deps.Notifier.AskCloseOrHold(fmt.Sprintf(
			"🔴 严重不利偏移: %s @ %.1f 当前 %.1f 回撤 %.0f 点。立即平仓还是继续持有?",
			st.Direction, st.Entry, obs.Price, obs.AdverseExcursion))
	}
}

func (m *Monitor) applyExitAction(st storage.PositionState, exit *ExitEngine, action ExitAction) {
	if action.UpdateStop {
		limit := st.LimitLevel
		if action.RemoveLimit {
			limit = 0
		}
		if err := m.deps.Broker.UpdateStop(st.DealID, action.NewStop, limit); err != nil {
			log.Printf("⚠️  [监控] 更新止损失败 (下轮重试): %v", err)
			return
		}
		exit.MarkStopSent(action.NewStop)
		if err := m.deps.Store.SetStopLevel(action.NewStop); err != nil {
			log.Printf("⚠️  [监控] 持久化止损失败: %v", err)
		}
	} else if action.RemoveLimit {
		if err := m.deps.Broker.UpdateStop(st.DealID, st.StopLevel, 0); err != nil {
			log.Printf("⚠️  [监控] 撤销止盈失败 (下轮重试): %v", err)
			return
		}
	}

	if action.RemoveLimit {
		if err := m.deps.Store.SetLimitLevel(0); err != nil {
			log.Printf("⚠️  [监控] 持久化止盈失败: %v", err)
		}
	}
	if action.PhaseChanged {
		if err := m.deps.Store.SetPhase(action.NewPhase); err != nil {
			log.Printf("⚠️  [监控] 持久化阶段失败: %v", err)
		}
		log.Printf("📈 [监控] 阶段推进: %s (%s)", action.NewPhase, action.Reason)
		m.notify(fmt.Sprintf("📈 离场阶段推进至 %s: %s", action.NewPhase, action.Reason))
	}
}

// ==================== 扫描周期 ====================

func (m *Monitor) scanCycle(now time.Time, st storage.PositionState, sess session.Status, o config.Overrides) {
	// 已有待确认提议时不再扫描，先处理过期
	if st.Alert != nil {
		if st.Alert.Expired(now) {
			log.Printf("⌛ [扫描] 待确认提议 %s 已过期，清除", st.Alert.ID)
			if err := m.deps.Store.SetPendingAlert(nil); err != nil {
				log.Printf("⚠️  [扫描] 清除过期提议失败: %v", err)
			}
			m.notify(fmt.Sprintf("⌛ 交易提议已过期未确认: %s @ %.1f", st.Alert.Direction, st.Alert.Entry))
		} else {
			log.Printf("⏳ [扫描] 等待提议 %s 确认 (剩余 %s)", st.Alert.ID, time.Until(st.Alert.ExpiresAt).Round(time.Second))
		}
		return
	}

	if !o.TradingEnabled {
		log.Printf("⏸️  [扫描] 交易已暂停，跳过扫描")
		m.setLastScan("交易已暂停")
		return
	}

	snap, err := m.deps.Snapshots()
	if err != nil {
		log.Printf("⚠️  [扫描] 构建市场快照失败: %v", err)
		m.setLastScan("市场快照失败")
		return
	}
	m.mu.Lock()
	m.lastMid = snap.Price.Mid()
	m.mu.Unlock()

	macro := m.deps.Macro.Context(now)

	proposal, err := m.deps.Scanner.Run(context.Background(), now, snap, sess, macro, o)
	if err != nil {
		log.Printf("⚠️  [扫描] 决策管线失败: %v", err)
		m.setLastScan("决策管线失败")
		return
	}
	if proposal == nil {
		m.setLastScan("无通过验证的提议")
		return
	}

	account, err := m.deps.Broker.Account()
	if err != nil {
		log.Printf("⚠️  [扫描] 读取账户失败: %v", err)
		m.setLastScan("读取账户失败")
		return
	}
	acctState, err := m.deps.Store.AccountState()
	if err != nil {
		log.Printf("⚠️  [扫描] 读取账户状态失败: %v", err)
		m.setLastScan("读取账户状态失败")
		return
	}

	report := ValidateRisk(RiskInput{
		Proposal:  *proposal,
		Account:   account,
		AcctState: acctState,
		Position:  st,
		Session:   sess,
		Overrides: o,
		Enabled:   o.TradingEnabled && acctState.TradingEnabled,
		Now:       now,
	})
	if !report.Approved {
		m.recordRiskRejection(now, proposal, report)
		m.setLastScan("风控否决: " + report.PrimaryReason)
		return
	}

	alert := storage.PendingAlert{
		ID:         uuid.NewString(),
		Direction:  string(proposal.Direction),
		Entry:      proposal.Entry,
		Stop:       proposal.Stop,
		Limit:      proposal.Limit,
		Size:       proposal.Size,
		Confidence: proposal.Confidence,
		Reasoning:  proposal.Reasoning,
		CreatedAt:  now,
		ExpiresAt:  now.Add(config.TradeExpiry),
	}
	if err := m.deps.Store.SetPendingAlert(&alert); err != nil {
		log.Printf("⚠️  [扫描] 保存待确认提议失败: %v", err)
		return
	}

	m.setLastScan(fmt.Sprintf("提议 %s @ %.1f 待确认", alert.Direction, alert.Entry))
	log.Printf("🔔 [扫描] 新交易提议 %s: %s @ %.1f 止损 %.1f 止盈 %.1f (信心 %d, %s 内有效)",
		alert.ID, alert.Direction, alert.Entry, alert.Stop, alert.Limit, alert.Confidence, config.TradeExpiry)
	if m.deps.Notifier != nil {
		m.deps.Notifier.ProposeTrade(alert)
	}
}

func (m *Monitor) recordRiskRejection(now time.Time, p *decision.Proposal, report RiskReport) {
	detail, _ := json.Marshal(report.Checks)
	if _, err := m.deps.Store.SaveScan(storage.ScanRecord{
		Time:       now,
		SetupName:  p.SetupName,
		Direction:  string(p.Direction),
		Stage:      "risk",
		Confidence: p.Confidence,
		Reason:     report.PrimaryReason,
		Detail:     string(detail),
	}); err != nil {
		log.Printf("⚠️  [扫描] 保存风控记录失败: %v", err)
	}
}

// ==================== 人工确认回调 ====================

// ConfirmAlert 人工确认交易提议，执行下单
func (m *Monitor) ConfirmAlert(alertID string) error {
	now := time.Now()
	st, err := m.deps.Store.PositionState()
	if err != nil {
		return fmt.Errorf("读取状态: %w", err)
	}
	if st.Alert == nil || st.Alert.ID != alertID {
		return fmt.Errorf("提议 %s 不存在或已被处理", alertID)
	}
	alert := *st.Alert

	if alert.Expired(now) {
		if err := m.deps.Store.SetPendingAlert(nil); err != nil {
			log.Printf("⚠️  [确认] 清除过期提议失败: %v", err)
		}
		return fmt.Errorf("提议已过期 (%s 前失效)", now.Sub(alert.ExpiresAt).Round(time.Second))
	}
	if st.HasOpen {
		return fmt.Errorf("已有持仓 %s，拒绝重复开仓", st.DealID)
	}

	// 重新取价，偏离提议入场价过多时放弃
	price, err := m.deps.Broker.MarketSnapshot()
	if err != nil {
		return fmt.Errorf("确认前取价失败: %w", err)
	}
	drift := price.Mid() - alert.Entry
	if drift < 0 {
		drift = -drift
	}
	if drift > config.PriceDriftAbortPts {
		if err := m.deps.Store.SetPendingAlert(nil); err != nil {
			log.Printf("⚠️  [确认] 清除提议失败: %v", err)
		}
		return fmt.Errorf("价格已漂移 %.1f 点 (上限 %.0f)，提议作废", drift, config.PriceDriftAbortPts)
	}

	confirmation, err := m.deps.Broker.OpenPosition(market.DealRequest{
		Direction:  market.Direction(alert.Direction),
		Size:       alert.Size,
		StopLevel:  alert.Stop,
		LimitLevel: alert.Limit,
	})
	if err != nil {
		return fmt.Errorf("下单失败: %w", err)
	}
	if !confirmation.Accepted() {
		return fmt.Errorf("券商拒绝下单: %s", confirmation.Reason)
	}

	entry := confirmation.Level
	if entry == 0 {
		entry = alert.Entry
	}
	trade := storage.Trade{
		DealID:     confirmation.DealID,
		Direction:  alert.Direction,
		Size:       alert.Size,
		Entry:      entry,
		Stop:       alert.Stop,
		Limit:      alert.Limit,
		OpenedAt:   now,
		Confidence: alert.Confidence,
		Notes:      alert.Reasoning,
	}
	if _, err := m.deps.Store.OpenTradeAtomic(trade, storage.PhaseInitial); err != nil {
		// 订单已成交但本地记录失败，人工介入比自动回滚更安全
		log.Printf("🆘 [确认] 订单 %s 已成交但本地记录失败: %v", confirmation.DealID, err)
		m.notify(fmt.Sprintf("🆘 订单 %s 已成交但本地记录失败，需要人工核对: %v", confirmation.DealID, err))
		return fmt.Errorf("订单已成交但本地记录失败: %w", err)
	}

	m.resumeTracking(storage.PositionState{
		HasOpen: true, DealID: confirmation.DealID,
		Direction: alert.Direction, Size: alert.Size,
		Entry: entry, StopLevel: alert.Stop, LimitLevel: alert.Limit,
		OpenedAt: now,
	})

	log.Printf("✅ [确认] 开仓成功 %s %s %.2f @ %.1f", confirmation.DealID, alert.Direction, alert.Size, entry)
	m.notify(fmt.Sprintf("✅ 开仓成功: %s %.2f @ %.1f 止损 %.1f 止盈 %.1f",
		alert.Direction, alert.Size, entry, alert.Stop, alert.Limit))
	m.Wake()
	return nil
}

// RejectAlert 人工拒绝交易提议
func (m *Monitor) RejectAlert(alertID string) error {
	st, err := m.deps.Store.PositionState()
	if err != nil {
		return fmt.Errorf("读取状态: %w", err)
	}
	if st.Alert == nil || st.Alert.ID != alertID {
		return fmt.Errorf("提议 %s 不存在或已被处理", alertID)
	}
	if err := m.deps.Store.SetPendingAlert(nil); err != nil {
		return fmt.Errorf("清除提议: %w", err)
	}
	log.Printf("🙅 [确认] 提议 %s 被人工拒绝", alertID)
	return nil
}

// ClosePositionNow 立即市价平仓（kill switch 与严重偏移「立即平仓」回调共用）
func (m *Monitor) ClosePositionNow(reason string) error {
	now := time.Now()
	st, err := m.deps.Store.PositionState()
	if err != nil {
		return fmt.Errorf("读取状态: %w", err)
	}
	if !st.HasOpen {
		return fmt.Errorf("当前无持仓")
	}

	confirmation, err := m.deps.Broker.ClosePosition(market.Position{
		DealID:    st.DealID,
		Direction: market.Direction(st.Direction),
		Size:      st.Size,
	})
	if err != nil {
		return fmt.Errorf("平仓失败: %w", err)
	}
	if !confirmation.Accepted() {
		return fmt.Errorf("券商拒绝平仓: %s", confirmation.Reason)
	}

	exitLevel := confirmation.Level
	if exitLevel == 0 {
		exitLevel = m.lastKnownMid()
	}
	pnl := (exitLevel - st.Entry) * market.Direction(st.Direction).Sign()

	outcome := storage.OutcomeFlat
	if pnl > 0 {
		outcome = storage.OutcomeWin
	} else if pnl < 0 {
		outcome = storage.OutcomeLoss
	}
	if err := m.deps.Store.CloseTrade(st.TradeID, exitLevel, pnl, outcome, now); err != nil {
		return fmt.Errorf("记录平仓: %w", err)
	}
	if err := m.deps.Store.RegisterOutcome(outcome, now.Add(config.LossCooldownDuration)); err != nil {
		log.Printf("⚠️  [平仓] 登记交易结局失败: %v", err)
	}
	m.dropTracking()

	log.Printf("🏁 [平仓] %s @ %.1f 盈亏 %.0f 点 (%s)", st.DealID, exitLevel, pnl, reason)
	m.notify(fmt.Sprintf("🏁 已平仓 %s @ %.1f 盈亏 %.0f 点 (%s)", st.Direction, exitLevel, pnl, reason))
	m.Wake()
	return nil
}

// Kill 平掉持仓并关闭交易开关
func (m *Monitor) Kill() error {
	if err := m.deps.Store.SetTradingEnabled(false); err != nil {
		return fmt.Errorf("关闭交易开关: %w", err)
	}
	log.Printf("🛑 [监控] kill switch 触发，交易已禁用")
	if st, err := m.deps.Store.PositionState(); err == nil && st.HasOpen {
		if err := m.ClosePositionNow("kill switch"); err != nil {
			return err
		}
	}
	m.notify("🛑 kill switch: 持仓已平，交易已禁用")
	return nil
}

// ==================== 周期边界杂务 ====================

func (m *Monitor) reloadOverrides() config.Overrides {
	if m.deps.Overrides == nil {
		return config.DefaultOverrides()
	}
	return m.deps.Overrides.Reload()
}

// checkTriggers 处理文件触发器（dashboard 与外部脚本的简易控制通道）
func (m *Monitor) checkTriggers() {
	if m.deps.Config == nil {
		return
	}
	if path := m.deps.Config.ForceScanTrigger; path != "" {
		if _, err := os.Stat(path); err == nil {
			os.Remove(path)
			log.Printf("📂 [监控] 检测到强制扫描触发文件")
			// 当前周期即为响应，无需额外唤醒
		}
	}
	if path := m.deps.Config.CooldownTrigger; path != "" {
		if _, err := os.Stat(path); err == nil {
			os.Remove(path)
			if err := m.deps.Store.ClearLossCooldown(); err != nil {
				log.Printf("⚠️  [监控] 清除熔断冷却失败: %v", err)
			} else {
				log.Printf("📂 [监控] 触发文件: 熔断冷却已清除")
			}
		}
	}
}

func (m *Monitor) rollAnchors(now time.Time) {
	account, err := m.deps.Broker.Account()
	if err != nil {
		return
	}
	day := now.UTC().Format("2006-01-02")
	monday := now.UTC()
	for monday.Weekday() != time.Monday {
		monday = monday.AddDate(0, 0, -1)
	}
	if err := m.deps.Store.RollAnchors(day, monday.Format("2006-01-02"), account.Balance); err != nil {
		log.Printf("⚠️  [监控] 滚动锚点失败: %v", err)
	}
}

// stateSnapshot dashboard 读取的状态快照
type stateSnapshot struct {
	Time       time.Time              `json:"time"`
	Mode       string                 `json:"mode"`
	Session    session.Status         `json:"session"`
	LastPrice  float64                `json:"last_price"`
	NextWakeAt time.Time              `json:"next_wake_at"`
	LastScan   string                 `json:"last_scan,omitempty"`
	Position   *storage.PositionState `json:"position,omitempty"`
	Alert      *storage.PendingAlert  `json:"alert,omitempty"`
}

// writeStateFile 原子写出状态快照（临时文件 + rename）
func (m *Monitor) writeStateFile(now time.Time, mode string, sess session.Status, nextWake time.Time) {
	if m.deps.Config == nil || m.deps.Config.StateFile == "" {
		return
	}

	snap := stateSnapshot{
		Time:       now,
		Mode:       mode,
		Session:    sess,
		LastPrice:  m.lastKnownMid(),
		NextWakeAt: nextWake,
		LastScan:   m.lastScanOutcome(),
	}
	if st, err := m.deps.Store.PositionState(); err == nil {
		if st.HasOpen {
			snap.Position = &st
		}
		snap.Alert = st.Alert
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}

	path := m.deps.Config.StateFile
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Printf("⚠️  [监控] 写状态文件失败: %v", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Printf("⚠️  [监控] 替换状态文件失败: %v", err)
	}
}

func (m *Monitor) lastKnownMid() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMid
}

func (m *Monitor) setLastScan(outcome string) {
	m.mu.Lock()
	m.lastScan = outcome
	m.mu.Unlock()
}

func (m *Monitor) lastScanOutcome() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastScan
}

func (m *Monitor) notify(text string) {
	if m.deps.Notifier != nil {
		m.deps.Notifier.Notify(text)
	}
}
