package market

import "testing"

func TestPaperBookOpenCloseCycle(t *testing.T) {
	book := newPaperBook()
	snap := PriceSnapshot{Bid: 38000, Offer: 38007}

	conf := book.open(DealRequest{Direction: DirectionLong, Size: 1, StopLevel: 37800, LimitLevel: 38300}, snap)
	if !conf.Accepted() {
		t.Fatalf("纸面开仓应被接受: %+v", conf)
	}
	if conf.Level != 38007 {
		t.Fatalf("多单应按卖价成交, got %.1f", conf.Level)
	}

	positions := book.positions()
	if len(positions) != 1 {
		t.Fatalf("应有1个持仓, got %d", len(positions))
	}
	if positions[0].StopLevel != 37800 || positions[0].LimitLevel != 38300 {
		t.Fatalf("止损止盈未正确记录: %+v", positions[0])
	}

	// 重复开仓应被拒绝
	again := book.open(DealRequest{Direction: DirectionShort, Size: 1}, snap)
	if again.Accepted() {
		t.Fatalf("持仓存在时重复开仓应被拒绝")
	}

	// 修改止损
	if err := book.updateStop(conf.DealID, 38010, 0); err != nil {
		t.Fatalf("修改止损失败: %v", err)
	}
	if got := book.positions()[0].StopLevel; got != 38010 {
		t.Fatalf("止损未更新: %.1f", got)
	}

	// 获利平仓
	closeConf, err := book.close(conf.DealID, PriceSnapshot{Bid: 38200, Offer: 38207})
	if err != nil {
		t.Fatalf("平仓失败: %v", err)
	}
	if closeConf.Level != 38200 {
		t.Fatalf("多单应按买价平仓, got %.1f", closeConf.Level)
	}

	if got := len(book.positions()); got != 0 {
		t.Fatalf("平仓后不应有持仓, got %d", got)
	}

	acct := book.account()
	wantPnL := (38200.0 - 38007.0) * 1
	if acct.PnL != wantPnL {
		t.Fatalf("已实现盈亏 = %.1f, want %.1f", acct.PnL, wantPnL)
	}
	if acct.Balance != paperInitialBalance+wantPnL {
		t.Fatalf("余额 = %.1f, want %.1f", acct.Balance, paperInitialBalance+wantPnL)
	}
}

func TestPaperBookCloseUnknownDeal(t *testing.T) {
	book := newPaperBook()
	if _, err := book.close("PAPER-missing", PriceSnapshot{Bid: 38000, Offer: 38007}); err == nil {
		t.Fatalf("平不存在的持仓应报错")
	}
}
