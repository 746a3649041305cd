package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/MostafaiQ/japan225-bot/config"
	"github.com/MostafaiQ/japan225-bot/market"
)

// Advisor 三层 AI 验证接口
// FastGate 便宜的快速否决层，Analyze 主分析层，Confirm 高价确认层
type Advisor interface {
	FastGate(ctx context.Context, setup market.Setup, snap *market.Snapshot, macro MacroContext) (Verdict, error)
	Analyze(ctx context.Context, setup market.Setup, snap *market.Snapshot, macro MacroContext, localScore int) (Verdict, error)
	Confirm(ctx context.Context, proposal Proposal, snap *market.Snapshot, macro MacroContext) (Verdict, error)
}

// HTTPAdvisor 基于 messages REST 接口的 Advisor 实现
type HTTPAdvisor struct {
	cfg    *config.Config
	client *http.Client
}

// NewHTTPAdvisor 创建 AI 顾问客户端
func NewHTTPAdvisor(cfg *config.Config) *HTTPAdvisor {
	return &HTTPAdvisor{
		cfg:    cfg,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

// 每百万 token 的价格估算，用于成本审计
var modelRates = map[string][2]float64{
	// {input, output} USD / 1M tokens
	"haiku":  {0.80, 4.00},
	"sonnet": {3.00, 15.00},
	"opus":   {15.00, 75.00},
}

const fastGateSystem = `你是一名严格的日经225日内交易风控员。你的任务是快速否决明显不佳的交易形态。
只输出JSON: {"approve": bool, "reasoning": "一句话理由"}。有任何明显疑点就否决。`

const analyzeSystem = `你是一名资深日经225 CFD 交易员。给定形态、多时间框架指标与宏观背景，
判断是否开仓并给出具体参数。只输出JSON:
{"approve": bool, "direction": "LONG|SHORT", "entry": number, "stop": number, "limit": number,
 "size": number, "confidence": 0-100, "reasoning": "简要理由"}。
止损止盈必须在入场价的正确一侧，风险回报比至少1.5。`

const confirmSystem = `你是最终确认层，审查一笔已通过初审的日经225交易提议。
从反方角度找出否决理由。只输出JSON: {"approve": bool, "reasoning": "简要理由"}。`

// FastGate 快速否决层
func (a *HTTPAdvisor) FastGate(ctx context.Context, setup market.Setup, snap *market.Snapshot, macro MacroContext) (Verdict, error) {
	prompt := fmt.Sprintf("形态: %s (%s)\n方向: %s\n%s", setup.Name, setup.Reason, setup.Direction, describeSnapshot(snap, macro))
	return a.call(ctx, a.cfg.AdvisorFastMode, fastGateSystem, prompt, 256)
}

// Analyze 主分析层
func (a *HTTPAdvisor) Analyze(ctx context.Context, setup market.Setup, snap *market.Snapshot, macro MacroContext, localScore int) (Verdict, error) {
	prompt := fmt.Sprintf("形态: %s (%s)\n方向: %s\n本地信心评分: %d\n%s",
		setup.Name, setup.Reason, setup.Direction, localScore, describeSnapshot(snap, macro))
	return a.call(ctx, a.cfg.AdvisorMainMode, analyzeSystem, prompt, 1024)
}

// Confirm 确认层
func (a *HTTPAdvisor) Confirm(ctx context.Context, proposal Proposal, snap *market.Snapshot, macro MacroContext) (Verdict, error) {
	prompt := fmt.Sprintf("提议: %s 入场 %.1f 止损 %.1f 止盈 %.1f 手数 %.1f 信心 %d\n理由: %s\n%s",
		proposal.Direction, proposal.Entry, proposal.Stop, proposal.Limit, proposal.Size,
		proposal.Confidence, proposal.Reasoning, describeSnapshot(snap, macro))
	return a.call(ctx, a.cfg.AdvisorConfMode, confirmSystem, prompt, 512)
}

// describeSnapshot 压缩成紧凑的提示文本，控制 token 成本
func describeSnapshot(snap *market.Snapshot, macro MacroContext) string {
	var sb strings.Builder
	p := snap.Price
	sb.WriteString(fmt.Sprintf("报价: bid %.1f / offer %.1f (点差 %.1f)\n", p.Bid, p.Offer, p.Spread()))

	writeTF := func(name string, tf market.TimeframeIndicators) {
		sb.WriteString(fmt.Sprintf("%s: close %.1f ema20 %.1f ema50 %.1f rsi %.1f bb %.1f/%.1f/%.1f atr %.1f\n",
			name, tf.Close, tf.EMA20, tf.EMA50, tf.RSI14, tf.BollLower, tf.BollMiddle, tf.BollUpper, tf.ATR14))
	}
	writeTF("5m", snap.FiveMin)
	writeTF("15m", snap.Fifteen)
	writeTF("1h", snap.Hourly)

	if macro.Fresh {
		sb.WriteString(fmt.Sprintf("USD/JPY: %.2f (%s)\n", macro.USDJPYRate, macro.USDJPYTrend))
	} else {
		sb.WriteString("USD/JPY: 数据不可用\n")
	}
	return sb.String()
}

type messagesRequest struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	System    string           `json:"system"`
	Messages  []messagePayload `json:"messages"`
}

type messagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *HTTPAdvisor) call(ctx context.Context, model, system, prompt string, maxTokens int) (Verdict, error) {
	payload, err := json.Marshal(messagesRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []messagePayload{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Verdict{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AdvisorBaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.cfg.AdvisorAPIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("AI 调用失败: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Verdict{}, err
	}

	var out messagesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Verdict{}, fmt.Errorf("AI 响应解析失败: %w", err)
	}
	if out.Error != nil {
		return Verdict{}, fmt.Errorf("AI 接口错误: %s: %s", out.Error.Type, out.Error.Message)
	}
	if len(out.Content) == 0 {
		return Verdict{}, fmt.Errorf("AI 响应内容为空")
	}

	verdict, err := parseVerdict(out.Content[0].Text)
	if err != nil {
		return Verdict{}, err
	}
	verdict.CostUSD = estimateCost(model, out.Usage.InputTokens, out.Usage.OutputTokens)
	log.Printf("🤖 [AI] %s 判定 approve=%v (in=%d out=%d tokens, $%.4f)",
		model, verdict.Approve, out.Usage.InputTokens, out.Usage.OutputTokens, verdict.CostUSD)
	return verdict, nil
}

// parseVerdict 从模型文本中提取第一个JSON对象
func parseVerdict(text string) (Verdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("AI 响应中未找到JSON: %q", truncate(text, 200))
	}

	var v Verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return Verdict{}, fmt.Errorf("AI 判定JSON无效: %w", err)
	}
	v.Direction = strings.ToUpper(v.Direction)
	return v, nil
}

func estimateCost(model string, inTokens, outTokens int) float64 {
	for family, rates := range modelRates {
		if strings.Contains(model, family) {
			return float64(inTokens)/1e6*rates[0] + float64(outTokens)/1e6*rates[1]
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
