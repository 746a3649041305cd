package decision

import (
	"context"
	"testing"
	"time"

	"github.com/MostafaiQ/japan225-bot/config"
	"github.com/MostafaiQ/japan225-bot/market"
	"github.com/MostafaiQ/japan225-bot/session"
	"github.com/MostafaiQ/japan225-bot/storage"
)

// fakeAdvisor 按脚本返回判定，并记录各层调用次数
type fakeAdvisor struct {
	fastVerdict    Verdict
	mainVerdict    Verdict
	confirmVerdict Verdict

	fastCalls    int
	mainCalls    int
	confirmCalls int
}

func (f *fakeAdvisor) FastGate(ctx context.Context, setup market.Setup, snap *market.Snapshot, macro MacroContext) (Verdict, error) {
	f.fastCalls++
	return f.fastVerdict, nil
}

func (f *fakeAdvisor) Analyze(ctx context.Context, setup market.Setup, snap *market.Snapshot, macro MacroContext, localScore int) (Verdict, error) {
	f.mainCalls++
	return f.mainVerdict, nil
}

func (f *fakeAdvisor) Confirm(ctx context.Context, proposal Proposal, snap *market.Snapshot, macro MacroContext) (Verdict, error) {
	f.confirmCalls++
	return f.confirmVerdict, nil
}

// fakeAudit 内存版审计存储
type fakeAudit struct {
	scans    []storage.ScanRecord
	cooldown time.Time
}

func (f *fakeAudit) SaveScan(r storage.ScanRecord) (int64, error) {
	f.scans = append(f.scans, r)
	return int64(len(f.scans)), nil
}

func (f *fakeAudit) AICooldownUntil() (time.Time, error) { return f.cooldown, nil }

func (f *fakeAudit) SetAICooldown(until time.Time) error {
	f.cooldown = until
	return nil
}

// strongLongSnapshot 能通过预筛与全部本地判据的多头快照
func strongLongSnapshot() *market.Snapshot {
	candles := []market.Candle{
		{Low: 38090, High: 38150, Close: 38120},
		{Low: 38075, High: 38130, Close: 38100},
		{Low: 38085, High: 38140, Close: 38110},
	}
	return &market.Snapshot{
		Price: market.PriceSnapshot{Bid: 38109, Offer: 38111}, // mid 38110
		FiveMin: market.TimeframeIndicators{
			Close:      38110,
			EMA20:      38050,
			EMA50:      38060,
			RSI14:      40,
			PrevRSI14:  32,
			BollUpper:  38400,
			BollMiddle: 38240,
			BollLower:  38080,
			ATR14:      12,
		},
		Fifteen: market.TimeframeIndicators{EMA20: 38100, EMA50: 38000},
		Hourly:  market.TimeframeIndicators{EMA50: 37900},
		Candles5: candles,
	}
}

func openSession() session.Status {
	return session.Status{Open: true, Session: "London"}
}

func freshMacro() MacroContext {
	return MacroContext{USDJPYRate: 151.0, USDJPYTrend: "up", Fresh: true}
}

func defaultOverrides() config.Overrides {
	return config.Overrides{
		TradingEnabled:      true,
		ConfidenceFloorLong: config.ConfidenceFloorLong,
		ConfidenceFloorShrt: config.ConfidenceFloorShrt,
	}
}

func TestPipelineApprovedSkipsConfirmOnHighConfidence(t *testing.T) {
	advisor := &fakeAdvisor{
		fastVerdict: Verdict{Approve: true},
		mainVerdict: Verdict{Approve: true, Direction: "LONG", Entry: 38110, Stop: 37960, Limit: 38410, Size: 1, Confidence: 90},
	}
	audit := &fakeAudit{}
	p := NewPipeline(advisor, audit)

	proposal, err := p.Run(context.Background(), time.Now(), strongLongSnapshot(), openSession(), freshMacro(), defaultOverrides())
	if err != nil {
		t.Fatal(err)
	}
	if proposal == nil {
		t.Fatalf("应返回提议")
	}
	if advisor.confirmCalls != 0 {
		t.Fatalf("信心 90 >= 87 应跳过确认层")
	}
	if proposal.Direction != market.DirectionLong || proposal.Entry != 38110 {
		t.Fatalf("提议参数错误: %+v", proposal)
	}

	last := audit.scans[len(audit.scans)-1]
	if last.Stage != "approved" || !last.Approved {
		t.Fatalf("应记录 approved 阶段: %+v", last)
	}
}

func TestPipelineSkipsConfirmNearFloor(t *testing.T) {
	// 主层信心 72 <= 70+2，贴着下限，跳过确认层
	advisor := &fakeAdvisor{
		fastVerdict: Verdict{Approve: true},
		mainVerdict: Verdict{Approve: true, Direction: "LONG", Entry: 38110, Stop: 37960, Limit: 38410, Size: 1, Confidence: 72},
	}
	p := NewPipeline(advisor, &fakeAudit{})

	proposal, err := p.Run(context.Background(), time.Now(), strongLongSnapshot(), openSession(), freshMacro(), defaultOverrides())
	if err != nil {
		t.Fatal(err)
	}
	if proposal == nil {
		t.Fatalf("应返回提议")
	}
	if advisor.confirmCalls != 0 {
		t.Fatalf("贴下限信心应跳过确认层")
	}
}

func TestPipelineConfirmRejects(t *testing.T) {
	advisor := &fakeAdvisor{
		fastVerdict:    Verdict{Approve: true},
		mainVerdict:    Verdict{Approve: true, Direction: "LONG", Entry: 38110, Stop: 37960, Limit: 38410, Size: 1, Confidence: 80},
		confirmVerdict: Verdict{Approve: false, Reasoning: "风险回报不足"},
	}
	audit := &fakeAudit{}
	p := NewPipeline(advisor, audit)

	proposal, err := p.Run(context.Background(), time.Now(), strongLongSnapshot(), openSession(), freshMacro(), defaultOverrides())
	if err != nil {
		t.Fatal(err)
	}
	if proposal != nil {
		t.Fatalf("确认层否决后不应返回提议")
	}
	if advisor.confirmCalls != 1 {
		t.Fatalf("信心 80 应调用确认层, calls=%d", advisor.confirmCalls)
	}
	last := audit.scans[len(audit.scans)-1]
	if last.Stage != "confirm" {
		t.Fatalf("应记录 confirm 阶段: %+v", last)
	}
}

func TestPipelineFastRejectStartsCooldown(t *testing.T) {
	advisor := &fakeAdvisor{
		fastVerdict: Verdict{Approve: false, Reasoning: "形态不清晰"},
	}
	audit := &fakeAudit{}
	p := NewPipeline(advisor, audit)

	now := time.Now()
	proposal, err := p.Run(context.Background(), now, strongLongSnapshot(), openSession(), freshMacro(), defaultOverrides())
	if err != nil {
		t.Fatal(err)
	}
	if proposal != nil {
		t.Fatalf("快速层否决后不应返回提议")
	}
	if advisor.mainCalls != 0 {
		t.Fatalf("快速层否决后不应调用主层")
	}
	if audit.cooldown.Before(now.Add(29 * time.Minute)) {
		t.Fatalf("快速层否决应记录30分钟冷却, got %v", audit.cooldown)
	}
}

func TestPipelineMainRejectNoCooldown(t *testing.T) {
	advisor := &fakeAdvisor{
		fastVerdict: Verdict{Approve: true},
		mainVerdict: Verdict{Approve: false, Reasoning: "动能不足"},
	}
	audit := &fakeAudit{}
	p := NewPipeline(advisor, audit)

	proposal, err := p.Run(context.Background(), time.Now(), strongLongSnapshot(), openSession(), freshMacro(), defaultOverrides())
	if err != nil {
		t.Fatal(err)
	}
	if proposal != nil {
		t.Fatalf("主层否决后不应返回提议")
	}
	// 主层否决不触发冷却，下个形态仍可立即评估
	if !audit.cooldown.IsZero() {
		t.Fatalf("主层否决不应记录冷却")
	}
}

func TestPipelineConfirmOverridesNearMissReject(t *testing.T) {
	// 主层否决但信心 73 距下限 70 不足 5 点，确认层复核并推翻
	advisor := &fakeAdvisor{
		fastVerdict:    Verdict{Approve: true},
		mainVerdict:    Verdict{Approve: false, Confidence: 73, Reasoning: "动能存疑"},
		confirmVerdict: Verdict{Approve: true, Direction: "LONG", Entry: 38112, Stop: 37962, Limit: 38412, Size: 1, Confidence: 78, Reasoning: "回踩结构完好"},
	}
	audit := &fakeAudit{}
	p := NewPipeline(advisor, audit)

	proposal, err := p.Run(context.Background(), time.Now(), strongLongSnapshot(), openSession(), freshMacro(), defaultOverrides())
	if err != nil {
		t.Fatal(err)
	}
	if advisor.confirmCalls != 1 {
		t.Fatalf("近距离否决应调用确认层复核, calls=%d", advisor.confirmCalls)
	}
	if proposal == nil {
		t.Fatalf("确认层批准后应返回提议")
	}
	if proposal.Entry != 38112 || proposal.Confidence != 78 {
		t.Fatalf("提议应采用确认层参数: %+v", proposal)
	}
	last := audit.scans[len(audit.scans)-1]
	if last.Stage != "approved" || !last.Approved {
		t.Fatalf("应记录 approved 阶段: %+v", last)
	}
}

func TestPipelineConfirmUpholdsNearMissReject(t *testing.T) {
	advisor := &fakeAdvisor{
		fastVerdict:    Verdict{Approve: true},
		mainVerdict:    Verdict{Approve: false, Confidence: 68, Reasoning: "量能不足"},
		confirmVerdict: Verdict{Approve: false, Reasoning: "同意主层判断"},
	}
	audit := &fakeAudit{}
	p := NewPipeline(advisor, audit)

	proposal, err := p.Run(context.Background(), time.Now(), strongLongSnapshot(), openSession(), freshMacro(), defaultOverrides())
	if err != nil {
		t.Fatal(err)
	}
	if advisor.confirmCalls != 1 {
		t.Fatalf("信心 68 >= 下限-5 应复核, calls=%d", advisor.confirmCalls)
	}
	if proposal != nil {
		t.Fatalf("确认层维持否决后不应返回提议")
	}
	last := audit.scans[len(audit.scans)-1]
	if last.Stage != "confirm" {
		t.Fatalf("应记录 confirm 阶段: %+v", last)
	}
}

func TestPipelineFarMissRejectSkipsConfirm(t *testing.T) {
	advisor := &fakeAdvisor{
		fastVerdict: Verdict{Approve: true},
		mainVerdict: Verdict{Approve: false, Confidence: 50, Reasoning: "结构破坏"},
	}
	audit := &fakeAudit{}
	p := NewPipeline(advisor, audit)

	proposal, err := p.Run(context.Background(), time.Now(), strongLongSnapshot(), openSession(), freshMacro(), defaultOverrides())
	if err != nil {
		t.Fatal(err)
	}
	if proposal != nil || advisor.confirmCalls != 0 {
		t.Fatalf("信心 50 远低于下限，不应复核 (calls=%d)", advisor.confirmCalls)
	}
	last := audit.scans[len(audit.scans)-1]
	if last.Stage != "main" {
		t.Fatalf("应记录 main 阶段否决: %+v", last)
	}
}

func TestPipelineCooldownBlocksAdvisor(t *testing.T) {
	advisor := &fakeAdvisor{}
	audit := &fakeAudit{cooldown: time.Now().Add(10 * time.Minute)}
	p := NewPipeline(advisor, audit)

	proposal, err := p.Run(context.Background(), time.Now(), strongLongSnapshot(), openSession(), freshMacro(), defaultOverrides())
	if err != nil {
		t.Fatal(err)
	}
	if proposal != nil {
		t.Fatalf("冷却期内不应返回提议")
	}
	if advisor.fastCalls != 0 {
		t.Fatalf("冷却期内不应调用任何 AI 层")
	}
	last := audit.scans[len(audit.scans)-1]
	if last.Stage != "cooldown" {
		t.Fatalf("应记录 cooldown 阶段: %+v", last)
	}
}

func TestPipelineNoSetupNoCost(t *testing.T) {
	advisor := &fakeAdvisor{}
	audit := &fakeAudit{}
	p := NewPipeline(advisor, audit)

	// 中性快照不触发预筛
	snap := &market.Snapshot{
		Price:    market.PriceSnapshot{Bid: 38499, Offer: 38501},
		FiveMin:  market.TimeframeIndicators{Close: 38500, BollLower: 38200, BollUpper: 38800, EMA20: 38520, EMA50: 38480, RSI14: 50, PrevRSI14: 50},
		Candles5: []market.Candle{{Low: 38480, High: 38520}, {Low: 38490, High: 38515}, {Low: 38485, High: 38510}},
	}

	proposal, err := p.Run(context.Background(), time.Now(), snap, openSession(), freshMacro(), defaultOverrides())
	if err != nil {
		t.Fatal(err)
	}
	if proposal != nil {
		t.Fatalf("无形态不应返回提议")
	}
	if advisor.fastCalls+advisor.mainCalls+advisor.confirmCalls != 0 {
		t.Fatalf("无形态不应产生任何 AI 成本")
	}
}

func TestPipelineDirectionMismatchRejected(t *testing.T) {
	advisor := &fakeAdvisor{
		fastVerdict: Verdict{Approve: true},
		mainVerdict: Verdict{Approve: true, Direction: "SHORT", Entry: 38110, Stop: 38260, Limit: 37810, Size: 1, Confidence: 85},
	}
	p := NewPipeline(advisor, &fakeAudit{})

	proposal, err := p.Run(context.Background(), time.Now(), strongLongSnapshot(), openSession(), freshMacro(), defaultOverrides())
	if err != nil {
		t.Fatal(err)
	}
	if proposal != nil {
		t.Fatalf("方向不一致应否决提议")
	}
}
