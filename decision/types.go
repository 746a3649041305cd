// Package decision 实现本地信心评分与三层 AI 升级验证
package decision

import (
	"time"

	"github.com/MostafaiQ/japan225-bot/market"
)

// Proposal 通过全部验证层后的交易提议
type Proposal struct {
	Direction  market.Direction
	Entry      float64
	Stop       float64
	Limit      float64
	Size       float64
	Confidence int
	Reasoning  string
	SetupName  string
}

// Verdict AI 单层判定结果
type Verdict struct {
	Approve    bool    `json:"approve"`
	Direction  string  `json:"direction"`
	Entry      float64 `json:"entry"`
	Stop       float64 `json:"stop"`
	Limit      float64 `json:"limit"`
	Size       float64 `json:"size"`
	Confidence int     `json:"confidence"`
	Reasoning  string  `json:"reasoning"`

	CostUSD float64 `json:"-"` // 按 token 用量估算的调用成本
}

// MacroContext 宏观上下文（USD/JPY 与日经正相关）
type MacroContext struct {
	USDJPYRate  float64
	USDJPYTrend string // up / down / flat
	UpdatedAt   time.Time
	Fresh       bool // 数据是否在有效期内
}
