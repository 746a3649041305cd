package trader

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/MostafaiQ/japan225-bot/config"
	"github.com/MostafaiQ/japan225-bot/decision"
	"github.com/MostafaiQ/japan225-bot/market"
	"github.com/MostafaiQ/japan225-bot/session"
	"github.com/MostafaiQ/japan225-bot/storage"
)

// marginFactorRatio 日经225 CFD 零售保证金比例估算
const marginFactorRatio = 0.05

// CheckResult 单项风控检查结果
type CheckResult struct {
	Name    string
	Passed  bool
	Skipped bool
	Detail  string
}

// RiskReport 完整风控报告
// 除排序硬中止外所有检查都会执行，报告给出全部未通过原因而非第一个
type RiskReport struct {
	Approved      bool
	PrimaryReason string
	Checks        []CheckResult
}

// RiskInput 风控校验所需的全部上下文
type RiskInput struct {
	Proposal  decision.Proposal
	Account   market.AccountInfo
	AcctState storage.AccountState
	Position  storage.PositionState
	Session   session.Status
	Overrides config.Overrides
	Enabled   bool
	Now       time.Time
}

// ValidateRisk 对交易提议执行固定顺序的风控检查
func ValidateRisk(in RiskInput) RiskReport {
	p := in.Proposal
	sign := p.Direction.Sign()

	// 检查0: 止损/止盈与方向的排序合法性，违反则其余检查无意义，硬中止
	ordered := (p.Entry-p.Stop)*sign > 0 && (p.Limit-p.Entry)*sign > 0
	order := CheckResult{
		Name:   "stop_limit_ordering",
		Passed: ordered,
		Detail: fmt.Sprintf("entry=%.1f stop=%.1f limit=%.1f %s", p.Entry, p.Stop, p.Limit, p.Direction),
	}
	if !ordered {
		report := RiskReport{PrimaryReason: "止损/止盈排序非法", Checks: []CheckResult{order}}
		for _, name := range []string{
			"confidence_floor", "risk_reward", "margin", "balance_risk", "daily_loss", "weekly_loss",
			"loss_cooldown", "position_size", "single_position", "session_open", "trading_enabled",
		} {
			report.Checks = append(report.Checks, CheckResult{Name: name, Skipped: true})
		}
		log.Printf("🛑 [风控] 硬中止: %s", order.Detail)
		return report
	}

	checks := []CheckResult{order}

	// 方向相关的信心下限（做空结构性风险更高，下限也更高）
	floor := decision.FloorFor(p.Direction, in.Overrides)
	checks = append(checks, CheckResult{
		Name:   "confidence_floor",
		Passed: p.Confidence >= floor,
		Detail: fmt.Sprintf("信心 %d (需 ≥%d, %s)", p.Confidence, floor, p.Direction),
	})

	// 点差对称计入两腿后的风险回报比
	risk := math.Abs(p.Entry-p.Stop) + config.SpreadEstimatePoints
	reward := math.Abs(p.Limit-p.Entry) - config.SpreadEstimatePoints
	rr := 0.0
	if risk > 0 {
		rr = reward / risk
	}
	checks = append(checks, CheckResult{
		Name:   "risk_reward",
		Passed: rr >= config.MinRiskReward,
		Detail: fmt.Sprintf("%.2f (需 ≥%.1f, 风险 %.0f 回报 %.0f)", rr, config.MinRiskReward, risk, reward),
	})

	marginRequired := p.Size * p.Entry * marginFactorRatio
	marginOK := in.Account.Available > 0 && marginRequired <= in.Account.Available*config.MaxMarginRatio
	checks = append(checks, CheckResult{
		Name:   "margin",
		Passed: marginOK,
		Detail: fmt.Sprintf("需 %.0f / 可用 %.0f 的 %.0f%%", marginRequired, in.Account.Available, config.MaxMarginRatio*100),
	})

	// 止损被打时的账面损失不得超过余额的固定比例
	stopRisk := p.Size * math.Abs(p.Entry-p.Stop)
	maxRisk := in.Account.Balance * config.MaxBalanceRiskRatio
	checks = append(checks, CheckResult{
		Name:   "balance_risk",
		Passed: in.Account.Balance > 0 && stopRisk <= maxRisk,
		Detail: fmt.Sprintf("止损风险 %.0f / 上限 %.0f (余额 %.0f 的 %.0f%%)", stopRisk, maxRisk, in.Account.Balance, config.MaxBalanceRiskRatio*100),
	})

	dayLoss := in.AcctState.DayStartBalance - in.Account.Balance
	dayOK := in.AcctState.DayStartBalance <= 0 || dayLoss < in.AcctState.DayStartBalance*config.MaxDailyLossRatio
	checks = append(checks, CheckResult{
		Name:   "daily_loss",
		Passed: dayOK,
		Detail: fmt.Sprintf("今日 %.0f / 上限 %.0f", dayLoss, in.AcctState.DayStartBalance*config.MaxDailyLossRatio),
	})

	weekLoss := in.AcctState.WeekStartBalance - in.Account.Balance
	weekOK := in.AcctState.WeekStartBalance <= 0 || weekLoss < in.AcctState.WeekStartBalance*config.MaxWeeklyLossRatio
	checks = append(checks, CheckResult{
		Name:   "weekly_loss",
		Passed: weekOK,
		Detail: fmt.Sprintf("本周 %.0f / 上限 %.0f", weekLoss, in.AcctState.WeekStartBalance*config.MaxWeeklyLossRatio),
	})

	cooldownOK := !in.Now.Before(in.AcctState.CooldownUntil)
	checks = append(checks, CheckResult{
		Name:   "loss_cooldown",
		Passed: cooldownOK,
		Detail: fmt.Sprintf("连亏 %d, 冷却至 %s", in.AcctState.ConsecutiveLosses, in.AcctState.CooldownUntil.Format("15:04")),
	})

	sizeOK := p.Size >= config.MinPositionSize && p.Size <= config.MaxPositionSize
	checks = append(checks, CheckResult{
		Name:   "position_size",
		Passed: sizeOK,
		Detail: fmt.Sprintf("%.2f (允许 %.1f~%.1f)", p.Size, config.MinPositionSize, config.MaxPositionSize),
	})

	checks = append(checks, CheckResult{
		Name:   "single_position",
		Passed: !in.Position.HasOpen,
		Detail: fmt.Sprintf("已有持仓=%v", in.Position.HasOpen),
	})

	checks = append(checks, CheckResult{
		Name:   "session_open",
		Passed: in.Session.Open,
		Detail: in.Session.Session,
	})

	checks = append(checks, CheckResult{
		Name:   "trading_enabled",
		Passed: in.Enabled,
		Detail: fmt.Sprintf("enabled=%v", in.Enabled),
	})

	report := RiskReport{Approved: true, Checks: checks}
	for _, c := range checks {
		if !c.Passed {
			report.Approved = false
			if report.PrimaryReason == "" {
				report.PrimaryReason = c.Name + ": " + c.Detail
			}
		}
	}

	if report.Approved {
		log.Printf("✅ [风控] 全部 %d 项检查通过", len(checks))
	} else {
		log.Printf("🚫 [风控] 否决: %s", report.PrimaryReason)
	}
	return report
}
