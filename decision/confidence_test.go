package decision

import (
	"testing"

	"github.com/MostafaiQ/japan225-bot/config"
	"github.com/MostafaiQ/japan225-bot/market"
)

// sevenOfElevenSnapshot 构造恰好通过7项判据的多头快照
// 失败项: trend_1h / rsi_headroom / session_momentum / round_level_room
func sevenOfElevenSnapshot() *market.Snapshot {
	return &market.Snapshot{
		Price: market.PriceSnapshot{Bid: 38484, Offer: 38486}, // mid 38485
		FiveMin: market.TimeframeIndicators{
			Close:     38485,
			EMA20:     38400, // pass: 价格在上方
			EMA50:     38420, // pass: 距离65点未过度延伸
			RSI14:     72,    // fail: 多头要求 <70
			PrevRSI14: 70,    // pass: RSI 向上
			BollUpper: 38700, // pass: 上方仍有空间
			BollLower: 38200,
			ATR14:     10, // pass: 波动充足
		},
		Fifteen: market.TimeframeIndicators{
			EMA20: 38400, EMA50: 38300, // pass
		},
		Hourly: market.TimeframeIndicators{
			EMA50: 38600, // fail: 价格在 1h EMA50 下方
		},
	}
}

func TestScoreConfidenceSevenOfEleven(t *testing.T) {
	macro := MacroContext{USDJPYRate: 151.2, USDJPYTrend: "up", Fresh: true} // pass

	// session "Tokyo" fail; round: 38485 距 38500 仅15点 fail
	res := ScoreConfidence(sevenOfElevenSnapshot(), market.DirectionLong, macro, "Tokyo")

	if res.Total != 11 {
		t.Fatalf("判据总数 = %d, want 11", res.Total)
	}
	if res.Passed != 7 {
		for _, c := range res.Criteria {
			t.Logf("%-18s passed=%v (%s)", c.Name, c.Passed, c.Detail)
		}
		t.Fatalf("通过数 = %d, want 7", res.Passed)
	}
	// 30 + floor(7*70/11) = 74
	if res.Score != 74 {
		t.Fatalf("得分 = %d, want 74", res.Score)
	}
}

func TestScoreBoundaries(t *testing.T) {
	// 7/11 = 74: 过多头下限70，不过空头下限75
	o := config.Overrides{
		ConfidenceFloorLong: config.ConfidenceFloorLong,
		ConfidenceFloorShrt: config.ConfidenceFloorShrt,
	}

	if floor := FloorFor(market.DirectionLong, o); 74 < floor {
		t.Fatalf("74 应通过多头下限 %d", floor)
	}
	if floor := FloorFor(market.DirectionShort, o); 74 >= floor {
		t.Fatalf("74 不应通过空头下限 %d", floor)
	}
}

func TestScoreAllPass(t *testing.T) {
	snap := sevenOfElevenSnapshot()
	snap.FiveMin.RSI14 = 60
	snap.FiveMin.PrevRSI14 = 55
	snap.Hourly.EMA50 = 37900
	snap.Price = market.PriceSnapshot{Bid: 38439, Offer: 38441} // mid 38440, 距38500有60点
	snap.FiveMin.Close = 38440

	macro := MacroContext{USDJPYRate: 151.2, USDJPYTrend: "up", Fresh: true}
	res := ScoreConfidence(snap, market.DirectionLong, macro, "London")

	if res.Passed != 11 {
		for _, c := range res.Criteria {
			t.Logf("%-18s passed=%v (%s)", c.Name, c.Passed, c.Detail)
		}
		t.Fatalf("通过数 = %d, want 11", res.Passed)
	}
	if res.Score != 100 {
		t.Fatalf("全过应得100, got %d", res.Score)
	}
}

func TestMacroStaleIsNeutral(t *testing.T) {
	res := macroAlignment(MacroContext{Fresh: false}, true)
	if !res.Passed {
		t.Fatalf("宏观数据过期应按中性放行")
	}

	// 新鲜数据方向冲突时不放行
	res = macroAlignment(MacroContext{USDJPYTrend: "down", Fresh: true}, true)
	if res.Passed {
		t.Fatalf("USD/JPY 下行不应支持做多")
	}
	res = macroAlignment(MacroContext{USDJPYTrend: "down", Fresh: true}, false)
	if !res.Passed {
		t.Fatalf("USD/JPY 下行应支持做空")
	}
}

func TestShortDirectionCriteria(t *testing.T) {
	// 空头对称性: RSI 超卖区不给空头余量
	res := rsiHeadroom(market.TimeframeIndicators{RSI14: 25}, false)
	if res.Passed {
		t.Fatalf("RSI 25 做空不应通过余量检查")
	}
	res = rsiHeadroom(market.TimeframeIndicators{RSI14: 55}, false)
	if !res.Passed {
		t.Fatalf("RSI 55 做空应通过余量检查")
	}
}
