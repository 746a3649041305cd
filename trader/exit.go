package trader

import (
	"fmt"
	"math"
	"time"

	"github.com/MostafaiQ/japan225-bot/config"
	"github.com/MostafaiQ/japan225-bot/market"
	"github.com/MostafaiQ/japan225-bot/storage"
)

// ExitAction 一次离场评估给出的动作指令，由监控循环执行
type ExitAction struct {
	UpdateStop bool
	NewStop    float64

	RemoveLimit bool

	NewPhase     storage.Phase
	PhaseChanged bool

	Reason string
}

// ExitEngine 分阶段离场管理: INITIAL → BREAKEVEN → RUNNER，阶段只进不退
// 止损只朝有利方向收紧，lastSentStop 缓存避免向券商重复发送相同止损
type ExitEngine struct {
	lastSentStop float64
}

// NewExitEngine 创建离场引擎，resume 为重启后恢复的已知止损
func NewExitEngine(resumeStop float64) *ExitEngine {
	return &ExitEngine{lastSentStop: resumeStop}
}

// Evaluate 根据当前阶段与价格观察计算离场动作
func (e *ExitEngine) Evaluate(st storage.PositionState, obs Observation, now time.Time) ExitAction {
	dir := market.Direction(st.Direction)
	action := ExitAction{NewPhase: st.Phase}

	switch st.Phase {
	case storage.PhaseInitial:
		// 盈利达到触发点后止损移至保本
		if obs.ProfitPoints >= config.BreakevenTriggerPoints {
			stop := breakevenStop(dir, st.Entry)
			action.NewPhase = storage.PhaseBreakeven
			action.PhaseChanged = true
			action.Reason = fmt.Sprintf("盈利 %.0f 点，止损移至保本 %.1f", obs.ProfitPoints, stop)
			if e.stopImproves(dir, stop) {
				action.UpdateStop = true
				action.NewStop = stop
			}
		}

	case storage.PhaseBreakeven:
		// 窗口期内快速接近止盈目标 → 撤掉止盈挂单改为追踪跑单
		// 慢速磨到同样盈利不触发，该转换奖励动能而非单纯幅度
		if st.LimitLevel > 0 && now.Sub(st.OpenedAt) < config.RunnerVelocityWindow {
			targetDist := math.Abs(st.LimitLevel-st.Entry) * config.RunnerVelocityRatio
			if obs.ProfitPoints >= targetDist {
				action.NewPhase = storage.PhaseRunner
				action.PhaseChanged = true
				action.RemoveLimit = true
				action.Reason = fmt.Sprintf("盈利 %.0f 点达到目标距离 %.0f%%，进入跑单模式",
					obs.ProfitPoints, config.RunnerVelocityRatio*100)
				if trail, ok := e.trailingStop(dir, st.Entry, obs.Price); ok {
					action.UpdateStop = true
					action.NewStop = trail
				}
			}
		}

	case storage.PhaseRunner:
		if trail, ok := e.trailingStop(dir, st.Entry, obs.Price); ok {
			action.UpdateStop = true
			action.NewStop = trail
			action.Reason = fmt.Sprintf("追踪止损收紧至 %.1f", trail)
		}
	}

	return action
}

// ProtectBreakeven 严重不利偏移时的一次性保护动作
// 阶段只进不退: 记为 BREAKEVEN 后，之后的盈利触发自然成为空操作
func (e *ExitEngine) ProtectBreakeven(st storage.PositionState) (ExitAction, bool) {
	if st.Phase != storage.PhaseInitial {
		return ExitAction{}, false
	}
	dir := market.Direction(st.Direction)
	stop := breakevenStop(dir, st.Entry)
	if !e.stopImproves(dir, stop) {
		return ExitAction{}, false
	}
	return ExitAction{
		UpdateStop:   true,
		NewStop:      stop,
		NewPhase:     storage.PhaseBreakeven,
		PhaseChanged: true,
		Reason:       "严重不利偏移，止损提前移至保本",
	}, true
}

// MarkStopSent 止损成功提交后记录，失败时不调用以便下轮重试
func (e *ExitEngine) MarkStopSent(stop float64) {
	e.lastSentStop = stop
}

// trailingStop 固定距离追踪，只有严格优于已发送止损且不松于保本时才更新
func (e *ExitEngine) trailingStop(dir market.Direction, entry, price float64) (float64, bool) {
	trail := price - config.TrailingStopPoints*dir.Sign()

	// 进入保本后止损不允许退回保本线以下
	floor := breakevenStop(dir, entry)
	if (trail-floor)*dir.Sign() < 0 {
		trail = floor
	}
	if !e.stopImproves(dir, trail) {
		return 0, false
	}
	return trail, true
}

// stopImproves 止损棘轮: 新止损必须严格优于已发送值
func (e *ExitEngine) stopImproves(dir market.Direction, stop float64) bool {
	if e.lastSentStop == 0 {
		return true
	}
	return (stop-e.lastSentStop)*dir.Sign() > 0
}

func breakevenStop(dir market.Direction, entry float64) float64 {
	return entry + config.BreakevenBufferPoints*dir.Sign()
}
