package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenTradeAtomic(t *testing.T) {
	s := openTestStore(t)

	openedAt := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	tradeID, err := s.OpenTradeAtomic(Trade{
		DealID:     "DEAL-1",
		Direction:  "LONG",
		Size:       1,
		Entry:      38000,
		Stop:       37850,
		Limit:      38300,
		OpenedAt:   openedAt,
		Confidence: 81,
	}, PhaseInitial)
	if err != nil {
		t.Fatalf("OpenTradeAtomic: %v", err)
	}
	if tradeID == 0 {
		t.Fatalf("tradeID 不应为0")
	}

	st, err := s.PositionState()
	if err != nil {
		t.Fatalf("PositionState: %v", err)
	}
	if !st.HasOpen {
		t.Fatalf("开仓后 HasOpen 应为 true")
	}
	if st.DealID != "DEAL-1" || st.Entry != 38000 || st.Phase != PhaseInitial {
		t.Fatalf("持仓状态不完整: %+v", st)
	}
	if st.TradeID != tradeID {
		t.Fatalf("TradeID = %d, want %d", st.TradeID, tradeID)
	}
	if !st.OpenedAt.Equal(openedAt) {
		t.Fatalf("OpenedAt = %v, want %v", st.OpenedAt, openedAt)
	}
}

func TestCloseTradeClearsPosition(t *testing.T) {
	s := openTestStore(t)

	tradeID, err := s.OpenTradeAtomic(Trade{
		DealID: "DEAL-2", Direction: "SHORT", Size: 1, Entry: 38500, Stop: 38650,
		OpenedAt: time.Now().UTC(),
	}, PhaseInitial)
	if err != nil {
		t.Fatal(err)
	}

	closedAt := time.Now().UTC()
	if err := s.CloseTrade(tradeID, 38300, 200, OutcomeWin, closedAt); err != nil {
		t.Fatalf("CloseTrade: %v", err)
	}

	st, _ := s.PositionState()
	if st.HasOpen {
		t.Fatalf("平仓后 HasOpen 应为 false")
	}

	trades, err := s.RecentTrades(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Fatalf("应有1条交易记录, got %d", len(trades))
	}
	if trades[0].Outcome != OutcomeWin || trades[0].PnLPoints != 200 {
		t.Fatalf("交易结局记录错误: %+v", trades[0])
	}
}

func TestPendingAlertRoundTrip(t *testing.T) {
	s := openTestStore(t)

	created := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	alert := &PendingAlert{
		ID:         "alert-1",
		Direction:  "LONG",
		Entry:      38000,
		Stop:       37850,
		Limit:      38300,
		Size:       1,
		Confidence: 78,
		CreatedAt:  created,
		ExpiresAt:  created.Add(15 * time.Minute),
	}
	if err := s.SetPendingAlert(alert); err != nil {
		t.Fatal(err)
	}

	st, _ := s.PositionState()
	if st.Alert == nil {
		t.Fatalf("应读回待确认提议")
	}
	if st.Alert.ID != "alert-1" || st.Alert.Confidence != 78 {
		t.Fatalf("提议字段错误: %+v", st.Alert)
	}

	// 第16分钟确认视为过期
	if !st.Alert.Expired(created.Add(16 * time.Minute)) {
		t.Fatalf("15分钟窗口后应判定过期")
	}
	if st.Alert.Expired(created.Add(14 * time.Minute)) {
		t.Fatalf("窗口内不应判定过期")
	}
	// 恰好到期时刻按过期处理
	if !st.Alert.Expired(created.Add(15 * time.Minute)) {
		t.Fatalf("到期时刻应判定过期")
	}

	if err := s.SetPendingAlert(nil); err != nil {
		t.Fatal(err)
	}
	st, _ = s.PositionState()
	if st.Alert != nil {
		t.Fatalf("清除后不应再读到提议")
	}
}

func TestRegisterOutcomeCircuitBreaker(t *testing.T) {
	s := openTestStore(t)

	cooldownUntil := time.Now().Add(4 * time.Hour).UTC()

	if err := s.RegisterOutcome(OutcomeLoss, cooldownUntil); err != nil {
		t.Fatal(err)
	}
	st, _ := s.AccountState()
	if st.ConsecutiveLosses != 1 {
		t.Fatalf("连亏计数 = %d, want 1", st.ConsecutiveLosses)
	}
	if !st.CooldownUntil.IsZero() {
		t.Fatalf("单次亏损不应触发熔断")
	}

	if err := s.RegisterOutcome(OutcomeLoss, cooldownUntil); err != nil {
		t.Fatal(err)
	}
	st, _ = s.AccountState()
	if st.ConsecutiveLosses != 2 {
		t.Fatalf("连亏计数 = %d, want 2", st.ConsecutiveLosses)
	}
	if st.CooldownUntil.IsZero() {
		t.Fatalf("连续2次亏损应触发熔断冷却")
	}

	// 盈利重置计数
	if err := s.RegisterOutcome(OutcomeWin, time.Time{}); err != nil {
		t.Fatal(err)
	}
	st, _ = s.AccountState()
	if st.ConsecutiveLosses != 0 {
		t.Fatalf("盈利后连亏计数应清零, got %d", st.ConsecutiveLosses)
	}

	if err := s.ClearLossCooldown(); err != nil {
		t.Fatal(err)
	}
	st, _ = s.AccountState()
	if !st.CooldownUntil.IsZero() {
		t.Fatalf("清除后冷却应为空")
	}
}

func TestRollAnchors(t *testing.T) {
	s := openTestStore(t)

	if err := s.RollAnchors("2026-03-04", "2026-03-02", 1_000_000); err != nil {
		t.Fatal(err)
	}
	st, _ := s.AccountState()
	if st.DayAnchor != "2026-03-04" || st.DayStartBalance != 1_000_000 {
		t.Fatalf("日锚点错误: %+v", st)
	}
	if st.WeekAnchor != "2026-03-02" || st.WeekStartBalance != 1_000_000 {
		t.Fatalf("周锚点错误: %+v", st)
	}

	// 同日重复滚动不应改变起始余额
	if err := s.RollAnchors("2026-03-04", "2026-03-02", 950_000); err != nil {
		t.Fatal(err)
	}
	st, _ = s.AccountState()
	if st.DayStartBalance != 1_000_000 {
		t.Fatalf("同日不应重置日起始余额, got %.0f", st.DayStartBalance)
	}

	// 新的一天滚动
	if err := s.RollAnchors("2026-03-05", "2026-03-02", 950_000); err != nil {
		t.Fatal(err)
	}
	st, _ = s.AccountState()
	if st.DayStartBalance != 950_000 {
		t.Fatalf("新一天应重置日起始余额, got %.0f", st.DayStartBalance)
	}
	if st.WeekStartBalance != 1_000_000 {
		t.Fatalf("同周不应重置周起始余额, got %.0f", st.WeekStartBalance)
	}
}

func TestAICooldown(t *testing.T) {
	s := openTestStore(t)

	until, err := s.AICooldownUntil()
	if err != nil {
		t.Fatal(err)
	}
	if !until.IsZero() {
		t.Fatalf("初始应无冷却")
	}

	want := time.Now().Add(30 * time.Minute).UTC()
	if err := s.SetAICooldown(want); err != nil {
		t.Fatal(err)
	}
	until, _ = s.AICooldownUntil()
	if !until.Equal(want) {
		t.Fatalf("冷却时间 = %v, want %v", until, want)
	}

	if err := s.ClearAICooldown(); err != nil {
		t.Fatal(err)
	}
	until, _ = s.AICooldownUntil()
	if !until.IsZero() {
		t.Fatalf("清除后应无冷却")
	}
}

func TestMarketContext(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	if err := s.SetContext("usdjpy", `{"rate":151.2,"trend":"up"}`, now); err != nil {
		t.Fatal(err)
	}

	value, updated, err := s.GetContext("usdjpy")
	if err != nil {
		t.Fatal(err)
	}
	if value == "" || updated.IsZero() {
		t.Fatalf("上下文读取失败: %q %v", value, updated)
	}

	// 不存在的键返回零值而不是错误
	value, _, err = s.GetContext("missing")
	if err != nil || value != "" {
		t.Fatalf("缺失键应返回空值: %q %v", value, err)
	}
}

func TestAdoptPosition(t *testing.T) {
	s := openTestStore(t)

	_, err := s.AdoptPosition(PositionState{
		DealID:    "EXT-1",
		Direction: "LONG",
		Size:      1,
		Entry:     38100,
		StopLevel: 37950,
		OpenedAt:  time.Now().UTC(),
	}, "adopted from broker on startup")
	if err != nil {
		t.Fatal(err)
	}

	st, _ := s.PositionState()
	if !st.HasOpen || st.DealID != "EXT-1" {
		t.Fatalf("收养持仓失败: %+v", st)
	}
	if st.Phase != PhaseInitial {
		t.Fatalf("无阶段信息时应默认 INITIAL, got %s", st.Phase)
	}
}
