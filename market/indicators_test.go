package market

import (
	"testing"
	"time"
)

// generateCandles 生成简单的K线数据（价格缓慢上升）
func generateCandles(count int) []Candle {
	candles := make([]Candle, count)
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < count; i++ {
		price := 38000.0 + float64(i)*5
		candles[i] = Candle{
			Time:   base.Add(time.Duration(i) * 5 * time.Minute),
			Open:   price,
			High:   price + 20,
			Low:    price - 20,
			Close:  price + 8,
			Volume: 1000 + float64(i),
		}
	}
	return candles
}

func TestBuildTimeframeIndicators(t *testing.T) {
	candles := generateCandles(120)
	ind := buildTimeframeIndicators(candles)

	if ind.Close != candles[len(candles)-1].Close {
		t.Fatalf("Close = %.2f, want %.2f", ind.Close, candles[len(candles)-1].Close)
	}
	if ind.EMA20 == 0 || ind.EMA50 == 0 || ind.SMA20 == 0 {
		t.Fatalf("均线不应为0: ema20=%.2f ema50=%.2f sma20=%.2f", ind.EMA20, ind.EMA50, ind.SMA20)
	}
	if ind.RSI14 <= 0 || ind.RSI14 > 100 {
		t.Fatalf("RSI14 超出范围: %.2f", ind.RSI14)
	}
	if ind.PrevRSI14 <= 0 {
		t.Fatalf("PrevRSI14 应有值: %.2f", ind.PrevRSI14)
	}
	// 单边上涨行情 RSI 应偏高
	if ind.RSI14 < 60 {
		t.Fatalf("持续上涨行情 RSI 应偏高, got %.2f", ind.RSI14)
	}
	if !(ind.BollLower < ind.BollMiddle && ind.BollMiddle < ind.BollUpper) {
		t.Fatalf("布林带顺序错误: %.2f/%.2f/%.2f", ind.BollLower, ind.BollMiddle, ind.BollUpper)
	}
	if ind.ATR14 <= 0 {
		t.Fatalf("ATR14 应为正: %.2f", ind.ATR14)
	}
}

func TestBuildTimeframeIndicatorsShortSeries(t *testing.T) {
	candles := generateCandles(10)
	ind := buildTimeframeIndicators(candles)

	if ind.Close == 0 {
		t.Fatalf("Close 应始终有值")
	}
	// 数据不足时指标填0而不是报错
	if ind.EMA50 != 0 {
		t.Fatalf("数据不足时 EMA50 应为0, got %.2f", ind.EMA50)
	}
	if ind.RSI14 != 0 {
		t.Fatalf("数据不足时 RSI14 应为0, got %.2f", ind.RSI14)
	}
}

func TestBuildTimeframeIndicatorsEmpty(t *testing.T) {
	ind := buildTimeframeIndicators(nil)
	if ind != (TimeframeIndicators{}) {
		t.Fatalf("空K线应返回零值快照: %+v", ind)
	}
}

func TestCalculateEMASeriesSeededWithSMA(t *testing.T) {
	candles := generateCandles(30)
	ema := calculateEMASeries(candles, 20)
	sma := calculateSMASeries(candles, 20)

	if len(ema) != len(candles) {
		t.Fatalf("EMA length = %d, want %d", len(ema), len(candles))
	}
	for i := 0; i < 19; i++ {
		if ema[i] != 0 {
			t.Fatalf("EMA[%d] 在起种前应为0", i)
		}
	}
	if ema[19] != sma[19] {
		t.Fatalf("EMA 应以 SMA 起种: ema=%.4f sma=%.4f", ema[19], sma[19])
	}
}

func TestCalculateRSIAllGains(t *testing.T) {
	candles := generateCandles(30)
	rsi := calculateRSISeries(candles, 14)

	// 只涨不跌时 avgLoss=0，RSI 固定为100
	if rsi[len(rsi)-1] != 100 {
		t.Fatalf("单边上涨 RSI 应为100, got %.2f", rsi[len(rsi)-1])
	}
}
