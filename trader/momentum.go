// Package trader 负责持仓生命周期管理: 动能跟踪、离场引擎、风控校验与监控循环
package trader

import (
	"fmt"
	"sync"
	"time"

	"github.com/MostafaiQ/japan225-bot/config"
	"github.com/MostafaiQ/japan225-bot/market"
)

// AdverseTier 不利偏移分级
type AdverseTier int

const (
	TierNone AdverseTier = iota
	TierMild
	TierModerate
	TierSevere
)

func (t AdverseTier) String() string {
	switch t {
	case TierMild:
		return "MILD"
	case TierModerate:
		return "MODERATE"
	case TierSevere:
		return "SEVERE"
	default:
		return "NONE"
	}
}

// Observation 单次价格观察的结果，监控循环据此决定告警与保护动作
type Observation struct {
	Price            float64
	Watermark        float64 // 滚动窗口内的有利极值
	AdverseExcursion float64 // 从窗口内极值回撤的点数
	ProfitPoints     float64 // 相对开仓价的有利点数

	TierFired  AdverseTier // 本次新触发的分级（TierNone 表示无新触发）
	Milestones []float64   // 本次新达成的盈利里程碑

	StaleFired   bool // 价格连续静止刚达到阈值
	StaleCleared bool // 价格恢复变动
}

// priceSample 窗口中的一次报价观察
type priceSample struct {
	price float64
	at    time.Time
}

// Tracker 仅在持仓期间存在，在滚动窗口内跟踪不利偏移
// 窗口按容量淘汰最旧样本，几小时的慢速阴跌不会累积成急跌级别的回撤
// 分级告警在回撤低于阈值后重新武装，里程碑一次性触发不再重置
type Tracker struct {
	mu sync.RWMutex

	direction market.Direction
	entry     float64
	openedAt  time.Time

	window    []priceSample
	lastPrice float64

	tierFired [4]bool // 按 AdverseTier 下标

	milestonesHit map[float64]bool

	staleCount int
	staleFired bool
}

// NewTracker 开仓或收养持仓时创建
func NewTracker(dir market.Direction, entry float64, openedAt time.Time) *Tracker {
	return &Tracker{
		direction:     dir,
		entry:         entry,
		openedAt:      openedAt,
		milestonesHit: make(map[float64]bool),
	}
}

// Observe 输入一个价格观察，返回本次触发的事件
func (t *Tracker) Observe(price float64, now time.Time) Observation {
	if t == nil {
		return Observation{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	obs := Observation{Price: price}

	// 静止数据检测: 连续相同价格达到阈值说明数据源可能卡死
	if price == t.lastPrice {
		t.staleCount++
		if t.staleCount >= config.StaleDataThreshold && !t.staleFired {
			t.staleFired = true
			obs.StaleFired = true
		}
	} else {
		if t.staleFired {
			obs.StaleCleared = true
		}
		t.staleCount = 1
		t.staleFired = false
	}
	t.lastPrice = price

	// 样本入窗，超出容量淘汰最旧
	t.window = append(t.window, priceSample{price: price, at: now})
	if len(t.window) > config.AdverseWindowSize {
		t.window = t.window[1:]
	}

	sign := t.direction.Sign()
	obs.Watermark = t.windowExtreme(sign)

	obs.AdverseExcursion = (obs.Watermark - price) * sign
	obs.ProfitPoints = (price - t.entry) * sign

	obs.TierFired = t.evaluateTiers(obs.AdverseExcursion)
	obs.Milestones = t.evaluateMilestones(obs.ProfitPoints)

	return obs
}

// windowExtreme 窗口内对持仓最有利的价格（多头取最高，空头取最低）
func (t *Tracker) windowExtreme(sign float64) float64 {
	extreme := t.window[0].price
	for _, s := range t.window[1:] {
		if (s.price-extreme)*sign > 0 {
			extreme = s.price
		}
	}
	return extreme
}

// evaluateTiers 返回本次新触发的最高分级，回撤收窄后各级重新武装
func (t *Tracker) evaluateTiers(excursion float64) AdverseTier {
	thresholds := []struct {
		tier AdverseTier
		pts  float64
	}{
		{TierSevere, config.AdverseSeverePoints},
		{TierModerate, config.AdverseModeratePoints},
		{TierMild, config.AdverseMildPoints},
	}

	fired := TierNone
	for _, th := range thresholds {
		if excursion >= th.pts {
			if !t.tierFired[th.tier] {
				t.tierFired[th.tier] = true
				if fired == TierNone {
					fired = th.tier
				}
			}
		} else {
			t.tierFired[th.tier] = false
		}
	}
	return fired
}

func (t *Tracker) evaluateMilestones(profit float64) []float64 {
	var hit []float64
	for _, m := range config.ProfitMilestones {
		if profit >= m && !t.milestonesHit[m] {
			t.milestonesHit[m] = true
			hit = append(hit, m)
		}
	}
	return hit
}

// TrackerState 跟踪器状态快照
type TrackerState struct {
	Direction market.Direction
	Entry     float64
	OpenedAt  time.Time
	Watermark float64 // 窗口内有利极值，无样本时为开仓价
	LastPrice float64
}

// Snapshot 返回状态副本
func (t *Tracker) Snapshot() TrackerState {
	if t == nil {
		return TrackerState{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	watermark := t.entry
	if len(t.window) > 0 {
		watermark = t.windowExtreme(t.direction.Sign())
	}
	return TrackerState{
		Direction: t.direction,
		Entry:     t.entry,
		OpenedAt:  t.openedAt,
		Watermark: watermark,
		LastPrice: t.lastPrice,
	}
}

// OpenedAt 开仓时间
func (t *Tracker) OpenedAt() time.Time {
	if t == nil {
		return time.Time{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.openedAt
}

// Describe 文本摘要，用于通知与日志
func (t *Tracker) Describe() string {
	if t == nil {
		return "无跟踪器"
	}
	s := t.Snapshot()
	return fmt.Sprintf("%s @ %.1f 水位 %.1f 最新 %.1f", s.Direction, s.Entry, s.Watermark, s.LastPrice)
}
