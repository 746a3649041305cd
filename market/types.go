package market

import "time"

// Direction 持仓方向
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Opposite 反方向
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Sign 方向符号：多=+1 空=-1，用于统一盈亏/偏移计算
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// Candle 单根K线
type Candle struct {
	Time   time.Time // 开盘时间 UTC
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// PriceSnapshot 实时报价快照
type PriceSnapshot struct {
	Bid   float64
	Offer float64
	Time  time.Time
}

// Mid 中间价
func (s PriceSnapshot) Mid() float64 {
	return (s.Bid + s.Offer) / 2
}

// Spread 点差
func (s PriceSnapshot) Spread() float64 {
	return s.Offer - s.Bid
}

// Position 券商侧持仓
type Position struct {
	DealID     string
	Reference  string
	Direction  Direction
	Size       float64
	Level      float64 // 开仓价
	StopLevel  float64 // 0 表示无止损
	LimitLevel float64 // 0 表示无止盈
	CreatedAt  time.Time
}

// AccountInfo 账户资金信息
type AccountInfo struct {
	Balance   float64
	Available float64
	Margin    float64
	PnL       float64
}

// DealRequest 开仓请求
type DealRequest struct {
	Direction  Direction
	Size       float64
	StopLevel  float64
	LimitLevel float64
}

// DealConfirmation 交易确认结果
type DealConfirmation struct {
	DealID     string
	Reference  string
	Status     string // OPEN / AMENDED / CLOSED ...
	Reason     string
	Level      float64 // 实际成交价
	DealStatus string  // ACCEPTED / REJECTED
}

// Accepted 交易是否被接受
func (c DealConfirmation) Accepted() bool {
	return c.DealStatus == "ACCEPTED"
}

// Resolution K线分辨率（IG 命名）
type Resolution string

const (
	Resolution5Min  Resolution = "MINUTE_5"
	Resolution15Min Resolution = "MINUTE_15"
	ResolutionHour  Resolution = "HOUR"
)

// TimeframeIndicators 单一时间框架的指标快照（仅保留最新值）
type TimeframeIndicators struct {
	Close      float64
	EMA20      float64
	EMA50      float64
	SMA20      float64
	RSI14      float64
	PrevRSI14  float64
	BollUpper  float64
	BollMiddle float64
	BollLower  float64
	ATR14      float64
}

// Snapshot 多时间框架行情快照，驱动本地预筛与信心评分
type Snapshot struct {
	Price    PriceSnapshot
	FiveMin  TimeframeIndicators
	Fifteen  TimeframeIndicators
	Hourly   TimeframeIndicators
	Candles5 []Candle // 最近的5分钟K线，供 setup 检测使用
}
