package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const paperInitialBalance = 1_000_000 // JPY

// paperBook 纸面交易账本，模拟 IG 的成交与持仓
type paperBook struct {
	mu       sync.Mutex
	pos      *Position
	balance  float64
	realized float64
}

func newPaperBook() *paperBook {
	return &paperBook{balance: paperInitialBalance}
}

func (b *paperBook) positions() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pos == nil {
		return nil
	}
	copied := *b.pos
	return []Position{copied}
}

func (b *paperBook) account() AccountInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	return AccountInfo{
		Balance:   b.balance,
		Available: b.balance,
		PnL:       b.realized,
	}
}

func (b *paperBook) open(req DealRequest, snap PriceSnapshot) DealConfirmation {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pos != nil {
		return DealConfirmation{DealStatus: "REJECTED", Reason: "已有持仓"}
	}

	// 多单按卖价成交，空单按买价成交
	level := snap.Offer
	if req.Direction == DirectionShort {
		level = snap.Bid
	}

	dealID := "PAPER-" + uuid.NewString()[:8]
	b.pos = &Position{
		DealID:     dealID,
		Reference:  "PAPERREF-" + uuid.NewString()[:8],
		Direction:  req.Direction,
		Size:       req.Size,
		Level:      level,
		StopLevel:  req.StopLevel,
		LimitLevel: req.LimitLevel,
		CreatedAt:  time.Now().UTC(),
	}

	return DealConfirmation{
		DealID:     dealID,
		Reference:  b.pos.Reference,
		Status:     "OPEN",
		DealStatus: "ACCEPTED",
		Level:      level,
	}
}

func (b *paperBook) updateStop(dealID string, stopLevel, limitLevel float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pos == nil || b.pos.DealID != dealID {
		return fmt.Errorf("纸面持仓 %s 不存在", dealID)
	}
	b.pos.StopLevel = stopLevel
	b.pos.LimitLevel = limitLevel
	return nil
}

func (b *paperBook) close(dealID string, snap PriceSnapshot) (DealConfirmation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pos == nil || b.pos.DealID != dealID {
		return DealConfirmation{}, fmt.Errorf("纸面持仓 %s 不存在", dealID)
	}

	level := snap.Bid
	if b.pos.Direction == DirectionShort {
		level = snap.Offer
	}

	pnl := (level - b.pos.Level) * b.pos.Direction.Sign() * b.pos.Size
	b.balance += pnl
	b.realized += pnl
	b.pos = nil

	return DealConfirmation{
		DealID:     dealID,
		Status:     "CLOSED",
		DealStatus: "ACCEPTED",
		Level:      level,
	}, nil
}
