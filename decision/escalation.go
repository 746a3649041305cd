package decision

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/MostafaiQ/japan225-bot/config"
	"github.com/MostafaiQ/japan225-bot/market"
	"github.com/MostafaiQ/japan225-bot/session"
	"github.com/MostafaiQ/japan225-bot/storage"
)

// AuditStore 升级管线需要的持久化能力
type AuditStore interface {
	SaveScan(storage.ScanRecord) (int64, error)
	AICooldownUntil() (time.Time, error)
	SetAICooldown(until time.Time) error
}

// Pipeline 分层升级验证管线
// 顺序: 本地预筛 → AI冷却 → 本地信心下限 → 快速否决层 → 主分析层 → (条件)确认层
// 每一步失败立即终止，越便宜的检查越靠前
type Pipeline struct {
	advisor Advisor
	store   AuditStore
}

// NewPipeline 创建升级管线
func NewPipeline(advisor Advisor, store AuditStore) *Pipeline {
	return &Pipeline{advisor: advisor, store: store}
}

// monthEndFloorBump 月末流动性异常，信心下限上调
const monthEndFloorBump = 5

// Run 执行一次完整扫描，返回通过全部验证的提议（无提议时返回 nil）
func (p *Pipeline) Run(ctx context.Context, now time.Time, snap *market.Snapshot,
	sess session.Status, macro MacroContext, o config.Overrides) (*Proposal, error) {

	rec := storage.ScanRecord{Time: now}

	// 1. 本地形态预筛（零成本）
	setup, found := market.DetectSetup(snap)
	if !found {
		rec.Stage = "prescreen"
		rec.Reason = "无候选形态"
		p.save(rec)
		return nil, nil
	}
	rec.SetupName = setup.Name
	rec.Direction = string(setup.Direction)

	// 2. AI 冷却检查
	until, err := p.store.AICooldownUntil()
	if err != nil {
		return nil, fmt.Errorf("读取AI冷却失败: %w", err)
	}
	if now.Before(until) {
		rec.Stage = "cooldown"
		rec.Reason = fmt.Sprintf("AI冷却中，剩余 %s", until.Sub(now).Round(time.Second))
		p.save(rec)
		log.Printf("⏳ [升级] %s", rec.Reason)
		return nil, nil
	}

	// 3. 本地信心下限
	floor := FloorFor(setup.Direction, o)
	if sess.MonthEnd {
		floor += monthEndFloorBump
		log.Printf("📅 [升级] 月末窗口，信心下限上调至 %d", floor)
	}

	conf := ScoreConfidence(snap, setup.Direction, macro, sess.Session)
	rec.Confidence = conf.Score
	if conf.Score < floor {
		rec.Stage = "confidence"
		rec.Reason = fmt.Sprintf("本地信心 %d 低于下限 %d (%d/%d 项)", conf.Score, floor, conf.Passed, conf.Total)
		p.save(rec)
		log.Printf("📉 [升级] %s", rec.Reason)
		return nil, nil
	}

	// 4. 快速否决层（否决时记录30分钟AI冷却，避免同一形态反复烧钱）
	fast, err := p.advisor.FastGate(ctx, setup, snap, macro)
	if err != nil {
		rec.Stage = "fast"
		rec.Reason = fmt.Sprintf("快速层调用失败: %v", err)
		p.save(rec)
		return nil, err
	}
	rec.CostUSD += fast.CostUSD
	if !fast.Approve {
		rec.Stage = "fast"
		rec.Reason = "快速层否决: " + fast.Reasoning
		p.save(rec)
		if err := p.store.SetAICooldown(now.Add(config.AICooldownDuration)); err != nil {
			log.Printf("⚠️  [升级] 写入AI冷却失败: %v", err)
		}
		log.Printf("🚫 [升级] %s", rec.Reason)
		return nil, nil
	}

	// 5. 主分析层
	main, err := p.advisor.Analyze(ctx, setup, snap, macro, conf.Score)
	if err != nil {
		rec.Stage = "main"
		rec.Reason = fmt.Sprintf("主分析层调用失败: %v", err)
		p.save(rec)
		return nil, err
	}
	rec.CostUSD += main.CostUSD
	if !main.Approve {
		// 否决但信心贴近下限时请求第二意见，确认层可以推翻主层
		if main.Confidence >= floor-config.ConfirmNearMissMargin {
			return p.secondOpinion(ctx, rec, setup, main, snap, macro)
		}
		rec.Stage = "main"
		rec.Reason = "主分析层否决: " + main.Reasoning
		p.save(rec)
		log.Printf("🚫 [升级] %s", rec.Reason)
		return nil, nil
	}
	if market.Direction(main.Direction) != setup.Direction {
		rec.Stage = "main"
		rec.Reason = fmt.Sprintf("主分析层方向 %s 与形态方向 %s 不一致", main.Direction, setup.Direction)
		p.save(rec)
		log.Printf("🚫 [升级] %s", rec.Reason)
		return nil, nil
	}

	proposal := &Proposal{
		Direction:  setup.Direction,
		Entry:      main.Entry,
		Stop:       main.Stop,
		Limit:      main.Limit,
		Size:       clampSize(main.Size),
		Confidence: main.Confidence,
		Reasoning:  main.Reasoning,
		SetupName:  setup.Name,
	}

	// 6. 确认层：信心极高或贴着下限时跳过（前者无需确认，后者大概率徒增成本）
	skipConfirm := main.Confidence >= config.ConfirmSkipHigh || main.Confidence <= floor+config.ConfirmSkipMargin
	if skipConfirm {
		log.Printf("⏭️  [升级] 跳过确认层 (主层信心 %d, 下限 %d)", main.Confidence, floor)
	} else {
		confirm, err := p.advisor.Confirm(ctx, *proposal, snap, macro)
		if err != nil {
			rec.Stage = "confirm"
			rec.Reason = fmt.Sprintf("确认层调用失败: %v", err)
			p.save(rec)
			return nil, err
		}
		rec.CostUSD += confirm.CostUSD
		if !confirm.Approve {
			rec.Stage = "confirm"
			rec.Reason = "确认层否决: " + confirm.Reasoning
			p.save(rec)
			log.Printf("🚫 [升级] %s", rec.Reason)
			return nil, nil
		}
	}

	rec.Stage = "approved"
	rec.Approved = true
	rec.Reason = proposal.Reasoning
	p.save(rec)

	log.Printf("✅ [升级] 提议通过全部验证: %s @ %.1f (信心 %d)", proposal.Direction, proposal.Entry, proposal.Confidence)
	return proposal, nil
}

// secondOpinion 主层近距离否决后的确认层复核，批准即推翻主层
func (p *Pipeline) secondOpinion(ctx context.Context, rec storage.ScanRecord, setup market.Setup,
	main Verdict, snap *market.Snapshot, macro MacroContext) (*Proposal, error) {

	draft := Proposal{
		Direction:  setup.Direction,
		Entry:      main.Entry,
		Stop:       main.Stop,
		Limit:      main.Limit,
		Size:       clampSize(main.Size),
		Confidence: main.Confidence,
		Reasoning:  main.Reasoning,
		SetupName:  setup.Name,
	}
	log.Printf("🔍 [升级] 主层否决但信心 %d 贴近下限，请求确认层复核", main.Confidence)

	confirm, err := p.advisor.Confirm(ctx, draft, snap, macro)
	if err != nil {
		rec.Stage = "confirm"
		rec.Reason = fmt.Sprintf("确认层调用失败: %v", err)
		p.save(rec)
		return nil, err
	}
	rec.CostUSD += confirm.CostUSD

	if confirm.Approve && market.Direction(confirm.Direction) == setup.Direction {
		proposal := &Proposal{
			Direction:  setup.Direction,
			Entry:      confirm.Entry,
			Stop:       confirm.Stop,
			Limit:      confirm.Limit,
			Size:       clampSize(confirm.Size),
			Confidence: confirm.Confidence,
			Reasoning:  confirm.Reasoning,
			SetupName:  setup.Name,
		}
		rec.Stage = "approved"
		rec.Approved = true
		rec.Reason = "确认层推翻主层否决: " + confirm.Reasoning
		p.save(rec)
		log.Printf("✅ [升级] 确认层推翻主层否决: %s @ %.1f (信心 %d)", proposal.Direction, proposal.Entry, proposal.Confidence)
		return proposal, nil
	}

	rec.Stage = "confirm"
	rec.Reason = "确认层维持否决: " + confirm.Reasoning
	p.save(rec)
	log.Printf("🚫 [升级] %s", rec.Reason)
	return nil, nil
}

func (p *Pipeline) save(rec storage.ScanRecord) {
	if _, err := p.store.SaveScan(rec); err != nil {
		log.Printf("⚠️  [升级] 保存扫描记录失败: %v", err)
	}
}

func clampSize(size float64) float64 {
	if size < config.MinPositionSize {
		return config.MinPositionSize
	}
	if size > config.MaxPositionSize {
		return config.MaxPositionSize
	}
	return size
}
