// Package session 判定日经225 CFD 当前是否适合交易
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MostafaiQ/japan225-bot/config"
)

// Status 交易时段判定结果
type Status struct {
	Open     bool
	Session  string // Tokyo / London / London-NY overlap / New York / Closed
	Reason   string // 不可交易时的原因
	MonthEnd bool   // 月末最后两个交易日，降低信心要求
}

// EventWindow 高影响事件禁入窗口
type EventWindow struct {
	Title string
	Start time.Time
	End   time.Time
}

// Gate 交易时段闸门
// 所有时间判断一律使用 UTC
type Gate struct {
	mu     sync.RWMutex
	events []EventWindow
}

// NewGate 创建时段闸门
func NewGate() *Gate {
	return &Gate{}
}

// AddEvent 登记高影响事件窗口（仅关键词命中时生效）
// 重复登记同一事件是空操作，已结束的窗口顺带清理
func (g *Gate) AddEvent(title string, start, end time.Time) {
	if g == nil || !matchesHighImpact(title) {
		return
	}
	start, end = start.UTC(), end.UTC()

	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().UTC()
	kept := make([]EventWindow, 0, len(g.events)+1)
	exists := false
	for _, ev := range g.events {
		if ev.End.Before(cutoff) {
			continue
		}
		if ev.Title == title && ev.Start.Equal(start) {
			exists = true
		}
		kept = append(kept, ev)
	}
	if !exists {
		kept = append(kept, EventWindow{Title: title, Start: start, End: end})
	}
	g.events = kept
}

func matchesHighImpact(title string) bool {
	upper := strings.ToUpper(title)
	for _, kw := range config.HighImpactKeywords {
		if strings.Contains(upper, kw) {
			return true
		}
	}
	return false
}

// Status 判定给定时刻的交易时段状态
func (g *Gate) Status(now time.Time) Status {
	now = now.UTC()

	// 周末停盘: 周五 21:00 UTC → 周日 21:00 UTC
	if isWeekendClosure(now) {
		return Status{Session: "Closed", Reason: "周末停盘 (Fri 21:00 → Sun 21:00 UTC)"}
	}

	session, open := classifySession(now)
	if !open {
		return Status{Session: "Closed", Reason: fmt.Sprintf("时段间歇 (%02d:%02d UTC)", now.Hour(), now.Minute())}
	}

	// 周五 12:00-16:00 UTC 美国数据窗口，波动异常，禁止开仓
	if now.Weekday() == time.Friday {
		mins := minuteOfDay(now)
		if mins >= 12*60 && mins < 16*60 {
			return Status{Session: session, Reason: "周五高影响数据窗口 (12:00-16:00 UTC)"}
		}
	}

	// 登记的高影响事件窗口
	if title, blocked := g.inEventWindow(now); blocked {
		return Status{Session: session, Reason: fmt.Sprintf("高影响事件窗口: %s", title)}
	}

	return Status{
		Open:     true,
		Session:  session,
		MonthEnd: isMonthEnd(now),
	}
}

// StatusNow 以当前时间判定时段状态
func (g *Gate) StatusNow() Status {
	return g.Status(time.Now())
}

func (g *Gate) inEventWindow(now time.Time) (string, bool) {
	if g == nil {
		return "", false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, ev := range g.events {
		if !now.Before(ev.Start) && now.Before(ev.End) {
			return ev.Title, true
		}
	}
	return "", false
}

// isWeekendClosure 周五 21:00 至周日 21:00 期间市场关闭
func isWeekendClosure(now time.Time) bool {
	switch now.Weekday() {
	case time.Saturday:
		return true
	case time.Friday:
		return now.Hour() >= 21
	case time.Sunday:
		return now.Hour() < 21
	default:
		return false
	}
}

// classifySession 按 UTC 时间划分交易时段，重叠时段优先
func classifySession(now time.Time) (string, bool) {
	mins := minuteOfDay(now)

	switch {
	case mins >= 13*60+30 && mins < 16*60:
		return "London-NY overlap", true
	case mins >= 0 && mins < 6*60:
		return "Tokyo", true
	case mins >= 8*60 && mins < 16*60:
		return "London", true
	case mins >= 13*60+30 && mins < 21*60:
		return "New York", true
	default:
		return "", false
	}
}

func minuteOfDay(now time.Time) int {
	return now.Hour()*60 + now.Minute()
}

// isMonthEnd 是否为当月最后两个交易日（跳过周末倒数）
func isMonthEnd(now time.Time) bool {
	year, month, day := now.Date()

	lastDay := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)

	counted := 0
	for d := lastDay; d.Month() == month; d = d.AddDate(0, 0, -1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		counted++
		if d.Day() == day {
			return counted <= 2
		}
		if counted >= 2 {
			break
		}
	}
	return false
}
