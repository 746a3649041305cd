package market

import (
	"fmt"
	"log"
	"math"
)

// Setup 本地预筛识别出的候选形态
type Setup struct {
	Direction Direction
	Name      string
	Reason    string
}

const (
	bounceTolerancePts   = 15.0 // 触碰布林带的容差
	emaRejectionTolPts   = 20.0 // EMA50 拒绝形态的容差
	rsiRecoveryThreshold = 35.0 // 多头形态要求 RSI 从超卖区回升
	rsiFadeThreshold     = 65.0 // 空头形态要求 RSI 从超买区回落
)

// DetectSetup 本地形态预筛，没有候选形态时不消耗任何 AI 成本
// 形态只是入场的必要条件，后续仍需通过信心评分与 AI 验证
func DetectSetup(snap *Snapshot) (Setup, bool) {
	if snap == nil || len(snap.Candles5) < 3 {
		return Setup{}, false
	}

	five := snap.FiveMin
	price := five.Close

	// 多头1: 布林带下轨/中轨触碰后收回，RSI 从低位回升
	if five.BollLower > 0 {
		touchedLower := lowestLow(snap.Candles5, 3) <= five.BollLower+bounceTolerancePts
		recovered := price > five.BollLower && five.RSI14 > five.PrevRSI14 && five.RSI14 >= rsiRecoveryThreshold
		if touchedLower && recovered {
			s := Setup{
				Direction: DirectionLong,
				Name:      "bb_lower_bounce",
				Reason:    fmt.Sprintf("下轨 %.0f 触碰后收回 %.0f, RSI %.1f↑", five.BollLower, price, five.RSI14),
			}
			log.Printf("🟢 [预筛] 发现多头形态: %s (%s)", s.Name, s.Reason)
			return s, true
		}

		touchedMiddle := math.Abs(lowestLow(snap.Candles5, 3)-five.BollMiddle) <= bounceTolerancePts
		aboveMiddle := price > five.BollMiddle && five.RSI14 > five.PrevRSI14
		uptrend := five.EMA20 > five.EMA50 && five.EMA50 > 0
		if touchedMiddle && aboveMiddle && uptrend {
			s := Setup{
				Direction: DirectionLong,
				Name:      "bb_middle_bounce",
				Reason:    fmt.Sprintf("上升趋势中回踩中轨 %.0f 企稳 %.0f", five.BollMiddle, price),
			}
			log.Printf("🟢 [预筛] 发现多头形态: %s (%s)", s.Name, s.Reason)
			return s, true
		}
	}

	// 空头1: 布林带上轨触碰后回落，RSI 从高位回落
	if five.BollUpper > 0 {
		touchedUpper := highestHigh(snap.Candles5, 3) >= five.BollUpper-bounceTolerancePts
		faded := price < five.BollUpper && five.RSI14 < five.PrevRSI14 && five.RSI14 <= rsiFadeThreshold
		if touchedUpper && faded {
			s := Setup{
				Direction: DirectionShort,
				Name:      "bb_upper_rejection",
				Reason:    fmt.Sprintf("上轨 %.0f 触碰后回落 %.0f, RSI %.1f↓", five.BollUpper, price, five.RSI14),
			}
			log.Printf("🔴 [预筛] 发现空头形态: %s (%s)", s.Name, s.Reason)
			return s, true
		}
	}

	// 空头2: 下降趋势中反弹至 EMA50 被拒
	if five.EMA50 > 0 && five.EMA20 < five.EMA50 {
		touchedEMA := highestHigh(snap.Candles5, 3) >= five.EMA50-emaRejectionTolPts
		rejected := price < five.EMA50 && five.RSI14 < five.PrevRSI14
		if touchedEMA && rejected {
			s := Setup{
				Direction: DirectionShort,
				Name:      "ema50_rejection",
				Reason:    fmt.Sprintf("下降趋势反弹至 EMA50 %.0f 被拒 %.0f", five.EMA50, price),
			}
			log.Printf("🔴 [预筛] 发现空头形态: %s (%s)", s.Name, s.Reason)
			return s, true
		}
	}

	return Setup{}, false
}

func lowestLow(candles []Candle, n int) float64 {
	if len(candles) == 0 {
		return 0
	}
	if n > len(candles) {
		n = len(candles)
	}
	low := math.MaxFloat64
	for _, c := range candles[len(candles)-n:] {
		if c.Low < low {
			low = c.Low
		}
	}
	return low
}

func highestHigh(candles []Candle, n int) float64 {
	if len(candles) == 0 {
		return 0
	}
	if n > len(candles) {
		n = len(candles)
	}
	high := -math.MaxFloat64
	for _, c := range candles[len(candles)-n:] {
		if c.High > high {
			high = c.High
		}
	}
	return high
}
