package decision

import (
	"fmt"
	"log"
	"math"

	"github.com/MostafaiQ/japan225-bot/config"
	"github.com/MostafaiQ/japan225-bot/market"
)

// CriterionResult 单项信心判据结果
type CriterionResult struct {
	Name   string
	Passed bool
	Detail string
}

// ConfidenceResult 本地信心评分结果
type ConfidenceResult struct {
	Score    int
	Passed   int
	Total    int
	Criteria []CriterionResult
}

const (
	maxEMADistancePts = 120.0 // 距 EMA50 超过该点数视为追高/追低
	minATRPts         = 8.0   // 低于该波动视为死盘
	roundLevelStep    = 100.0
	roundLevelRoomPts = 30.0
)

// ScoreConfidence 对候选方向做11项布尔判据评分
// 得分 = min(30 + floor(通过数*70/11), 100)，全过=100，全挂=30
func ScoreConfidence(snap *market.Snapshot, dir market.Direction, macro MacroContext, sessionName string) ConfidenceResult {
	five := snap.FiveMin
	fifteen := snap.Fifteen
	hourly := snap.Hourly
	price := snap.Price.Mid()
	long := dir == market.DirectionLong

	criteria := []CriterionResult{
		check("trend_5m", alignedAbove(price, five.EMA20, long),
			fmt.Sprintf("价格 %.0f vs 5m EMA20 %.0f", price, five.EMA20)),
		check("trend_15m", alignedAbove(fifteen.EMA20, fifteen.EMA50, long),
			fmt.Sprintf("15m EMA20 %.0f vs EMA50 %.0f", fifteen.EMA20, fifteen.EMA50)),
		check("trend_1h", alignedAbove(price, hourly.EMA50, long),
			fmt.Sprintf("价格 %.0f vs 1h EMA50 %.0f", price, hourly.EMA50)),
		rsiHeadroom(five, long),
		check("rsi_momentum", alignedAbove(five.RSI14, five.PrevRSI14, long),
			fmt.Sprintf("5m RSI %.1f prev %.1f", five.RSI14, five.PrevRSI14)),
		bollRoom(five, price, long),
		notOverextended(five, price),
		check("volatility_ok", five.ATR14 >= minATRPts,
			fmt.Sprintf("5m ATR %.1f (min %.1f)", five.ATR14, minATRPts)),
		sessionMomentum(sessionName),
		roundLevelRoom(price, long),
		macroAlignment(macro, long),
	}

	passed := 0
	for _, c := range criteria {
		if c.Passed {
			passed++
		}
	}

	score := config.ConfidenceBase + passed*config.ConfidenceSpan/config.ConfidenceCriteria
	if score > 100 {
		score = 100
	}

	log.Printf("🧮 [信心] %s 评分 %d (%d/%d 项通过)", dir, score, passed, len(criteria))
	return ConfidenceResult{
		Score:    score,
		Passed:   passed,
		Total:    len(criteria),
		Criteria: criteria,
	}
}

// FloorFor 方向对应的信心下限（做空要求更高）
func FloorFor(dir market.Direction, o config.Overrides) int {
	if dir == market.DirectionShort {
		return o.ConfidenceFloorShrt
	}
	return o.ConfidenceFloorLong
}

func check(name string, passed bool, detail string) CriterionResult {
	return CriterionResult{Name: name, Passed: passed, Detail: detail}
}

// alignedAbove 多头要求 a>b，空头要求 a<b
func alignedAbove(a, b float64, long bool) bool {
	if b == 0 {
		return false
	}
	if long {
		return a > b
	}
	return a < b
}

func rsiHeadroom(five market.TimeframeIndicators, long bool) CriterionResult {
	passed := five.RSI14 > 0
	if long {
		passed = passed && five.RSI14 < 70
	} else {
		passed = passed && five.RSI14 > 30
	}
	return check("rsi_headroom", passed, fmt.Sprintf("5m RSI %.1f", five.RSI14))
}

// bollRoom 入场侧到对侧布林带仍有空间
func bollRoom(five market.TimeframeIndicators, price float64, long bool) CriterionResult {
	if five.BollUpper == 0 || five.BollLower == 0 {
		return check("boll_room", false, "布林带未就绪")
	}
	if long {
		return check("boll_room", price < five.BollUpper,
			fmt.Sprintf("价格 %.0f < 上轨 %.0f", price, five.BollUpper))
	}
	return check("boll_room", price > five.BollLower,
		fmt.Sprintf("价格 %.0f > 下轨 %.0f", price, five.BollLower))
}

func notOverextended(five market.TimeframeIndicators, price float64) CriterionResult {
	if five.EMA50 == 0 {
		return check("not_overextended", false, "EMA50 未就绪")
	}
	dist := math.Abs(price - five.EMA50)
	return check("not_overextended", dist <= maxEMADistancePts,
		fmt.Sprintf("距 5m EMA50 %.0f 点 (max %.0f)", dist, maxEMADistancePts))
}

// sessionMomentum 欧美时段动能更可靠
func sessionMomentum(sessionName string) CriterionResult {
	switch sessionName {
	case "London", "London-NY overlap", "New York":
		return check("session_momentum", true, sessionName)
	default:
		return check("session_momentum", false, sessionName)
	}
}

// roundLevelRoom 到交易方向上最近的百点整数位仍有空间
func roundLevelRoom(price float64, long bool) CriterionResult {
	var dist float64
	if long {
		next := math.Ceil(price/roundLevelStep) * roundLevelStep
		dist = next - price
	} else {
		next := math.Floor(price/roundLevelStep) * roundLevelStep
		dist = price - next
	}
	// 已在整数位上视为刚突破，有空间
	if dist == 0 {
		dist = roundLevelStep
	}
	return check("round_level_room", dist >= roundLevelRoomPts,
		fmt.Sprintf("距整数位 %.0f 点 (min %.0f)", dist, roundLevelRoomPts))
}

// macroAlignment 日元走弱(USD/JPY上行)利多日经；数据过期按中性放行
func macroAlignment(macro MacroContext, long bool) CriterionResult {
	if !macro.Fresh {
		return check("macro_alignment", true, "宏观数据过期，按中性处理")
	}
	var passed bool
	if long {
		passed = macro.USDJPYTrend != "down"
	} else {
		passed = macro.USDJPYTrend != "up"
	}
	return check("macro_alignment", passed,
		fmt.Sprintf("USD/JPY %.2f %s", macro.USDJPYRate, macro.USDJPYTrend))
}
