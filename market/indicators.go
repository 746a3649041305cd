package market

import (
	"fmt"
	"log"
	"math"
)

const (
	fiveMinCandleLimit  = 120
	fifteenCandleLimit  = 120
	hourlyCandleLimit   = 120
	bollingerPeriod     = 20
	bollingerMultiplier = 2.0
)

// BuildSnapshot 拉取三个时间框架的K线并生成指标快照
func BuildSnapshot(c *Client) (*Snapshot, error) {
	price, err := c.MarketSnapshot()
	if err != nil {
		return nil, fmt.Errorf("获取报价失败: %w", err)
	}

	candles5, err := c.Candles(Resolution5Min, fiveMinCandleLimit)
	if err != nil {
		return nil, fmt.Errorf("获取5分钟K线失败: %w", err)
	}
	candles15, err := c.Candles(Resolution15Min, fifteenCandleLimit)
	if err != nil {
		return nil, fmt.Errorf("获取15分钟K线失败: %w", err)
	}
	candles1h, err := c.Candles(ResolutionHour, hourlyCandleLimit)
	if err != nil {
		return nil, fmt.Errorf("获取1小时K线失败: %w", err)
	}

	log.Printf("📊 K线数据: 5m=%d条, 15m=%d条, 1h=%d条", len(candles5), len(candles15), len(candles1h))

	return &Snapshot{
		Price:    price,
		FiveMin:  buildTimeframeIndicators(candles5),
		Fifteen:  buildTimeframeIndicators(candles15),
		Hourly:   buildTimeframeIndicators(candles1h),
		Candles5: candles5,
	}, nil
}

// buildTimeframeIndicators 计算单一时间框架的最新指标值
func buildTimeframeIndicators(candles []Candle) TimeframeIndicators {
	if len(candles) == 0 {
		return TimeframeIndicators{}
	}

	ema20 := calculateEMASeries(candles, 20)
	ema50 := calculateEMASeries(candles, 50)
	sma20 := calculateSMASeries(candles, 20)
	rsi14 := calculateRSISeries(candles, 14)
	atr14 := calculateATRSeries(candles, 14)
	upper, middle, lower := calculateBollingerBands(candles, bollingerPeriod, bollingerMultiplier)

	last := len(candles) - 1
	ind := TimeframeIndicators{
		Close:      candles[last].Close,
		EMA20:      ema20[last],
		EMA50:      ema50[last],
		SMA20:      sma20[last],
		RSI14:      rsi14[last],
		BollUpper:  upper[last],
		BollMiddle: middle[last],
		BollLower:  lower[last],
		ATR14:      atr14[last],
	}
	if last >= 1 {
		ind.PrevRSI14 = rsi14[last-1]
	}
	return ind
}

// calculateSMASeries 计算 SMA 序列（长度与 K线一致，数据不足时填 0）
func calculateSMASeries(candles []Candle, period int) []float64 {
	res := make([]float64, len(candles))
	if len(candles) < period || period <= 0 {
		return res
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += candles[i].Close
	}
	res[period-1] = sum / float64(period)

	for i := period; i < len(candles); i++ {
		sum += candles[i].Close - candles[i-period].Close
		res[i] = sum / float64(period)
	}

	return res
}

// calculateEMASeries 计算 EMA 序列（SMA 起种，长度与 K线一致，数据不足时填 0）
func calculateEMASeries(candles []Candle, period int) []float64 {
	res := make([]float64, len(candles))
	if len(candles) < period || period <= 0 {
		return res
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += candles[i].Close
	}
	ema := sum / float64(period)
	res[period-1] = ema

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(candles); i++ {
		ema = (candles[i].Close-ema)*multiplier + ema
		res[i] = ema
	}

	return res
}

// calculateRSISeries 计算 RSI 序列（Wilder 平滑）
func calculateRSISeries(candles []Candle, period int) []float64 {
	rsi := make([]float64, len(candles))
	if len(candles) <= period || period <= 0 {
		return rsi
	}

	gain := 0.0
	loss := 0.0
	for i := 1; i <= period; i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	if avgLoss == 0 {
		rsi[period] = 100
	} else {
		rs := avgGain / avgLoss
		rsi[period] = 100 - (100 / (1 + rs))
	}

	for i := period + 1; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			avgGain = (avgGain*float64(period-1) + change) / float64(period)
			avgLoss = (avgLoss * float64(period-1)) / float64(period)
		} else {
			avgGain = (avgGain * float64(period-1)) / float64(period)
			avgLoss = (avgLoss*float64(period-1) - change) / float64(period)
		}

		if avgLoss == 0 {
			rsi[i] = 100
			continue
		}
		rs := avgGain / avgLoss
		rsi[i] = 100 - (100 / (1 + rs))
	}

	return rsi
}

// calculateATRSeries 计算 ATR 序列
func calculateATRSeries(candles []Candle, period int) []float64 {
	atr := make([]float64, len(candles))
	if len(candles) <= period || period <= 0 {
		return atr
	}

	trs := make([]float64, len(candles))
	for i := 1; i < len(candles); i++ {
		high := candles[i].High
		low := candles[i].Low
		prevClose := candles[i-1].Close

		tr1 := high - low
		tr2 := math.Abs(high - prevClose)
		tr3 := math.Abs(low - prevClose)

		trs[i] = math.Max(tr1, math.Max(tr2, tr3))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trs[i]
	}
	atr[period] = sum / float64(period)

	for i := period + 1; i < len(candles); i++ {
		atr[i] = (atr[i-1]*float64(period-1) + trs[i]) / float64(period)
	}

	return atr
}

// calculateBollingerBands 计算布林带
func calculateBollingerBands(candles []Candle, period int, multiplier float64) (upper, middle, lower []float64) {
	n := len(candles)
	upper = make([]float64, n)
	middle = make([]float64, n)
	lower = make([]float64, n)
	if n < period || period <= 0 {
		return
	}

	sma := calculateSMASeries(candles, period)
	for i := period - 1; i < n; i++ {
		middle[i] = sma[i]
		sum := 0.0
		for j := i - period + 1; j <= i; j++ {
			diff := candles[j].Close - middle[i]
			sum += diff * diff
		}
		variance := sum / float64(period)
		stdDev := math.Sqrt(variance)
		upper[i] = middle[i] + multiplier*stdDev
		lower[i] = middle[i] - multiplier*stdDev
	}

	return
}
