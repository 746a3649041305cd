package market

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MostafaiQ/japan225-bot/config"
)

const (
	sessionLifetime = 5 * time.Hour // IG 会话约6小时过期，提前刷新
	requestTimeout  = 30 * time.Second
)

// Client IG Markets REST 客户端
// paper 模式下所有交易操作走内存模拟，行情仍可来自真实API
type Client struct {
	cfg    *config.Config
	client *http.Client

	mu            sync.Mutex
	cst           string
	securityToken string
	lastAuth      time.Time

	paper *paperBook
}

// NewClient 创建 IG 客户端
func NewClient(cfg *config.Config) *Client {
	c := &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: requestTimeout},
	}
	if cfg.PaperMode {
		c.paper = newPaperBook()
		log.Printf("📝 [IG] 纸面交易模式启用，下单与持仓走本地模拟")
	}
	return c
}

// Login 建立 IG 会话，获取 CST 与安全令牌
func (c *Client) Login() error {
	body, _ := json.Marshal(map[string]any{
		"identifier": c.cfg.IGUsername,
		"password":   c.cfg.IGPassword,
	})

	req, err := http.NewRequest(http.MethodPost, c.cfg.IGBaseURL()+"/session", bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setCommonHeaders(req, "2", false)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("IG 登录请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("IG 登录失败: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	c.mu.Lock()
	c.cst = resp.Header.Get("CST")
	c.securityToken = resp.Header.Get("X-SECURITY-TOKEN")
	c.lastAuth = time.Now()
	c.mu.Unlock()

	log.Printf("🔐 [IG] 会话建立成功 (demo=%v)", c.cfg.IGDemo)
	return nil
}

// ensureSession 会话过期前自动重连
func (c *Client) ensureSession() error {
	c.mu.Lock()
	fresh := c.cst != "" && time.Since(c.lastAuth) < sessionLifetime
	c.mu.Unlock()

	if fresh {
		return nil
	}
	return c.Login()
}

func (c *Client) setCommonHeaders(req *http.Request, version string, withTokens bool) {
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Accept", "application/json; charset=UTF-8")
	req.Header.Set("X-IG-API-KEY", c.cfg.IGAPIKey)
	req.Header.Set("Version", version)
	if withTokens {
		c.mu.Lock()
		req.Header.Set("CST", c.cst)
		req.Header.Set("X-SECURITY-TOKEN", c.securityToken)
		c.mu.Unlock()
	}
}

// doJSON 发送请求并解析响应，401 时重登一次后重试
func (c *Client) doJSON(method, path, version string, payload any, out any, extraHeaders map[string]string) error {
	if err := c.ensureSession(); err != nil {
		return err
	}

	send := func() (*http.Response, error) {
		var body io.Reader
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(raw)
		}

		req, err := http.NewRequest(method, c.cfg.IGBaseURL()+path, body)
		if err != nil {
			return nil, err
		}
		c.setCommonHeaders(req, version, true)
		for k, v := range extraHeaders {
			req.Header.Set(k, v)
		}
		return c.client.Do(req)
	}

	resp, err := send()
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		log.Printf("🔄 [IG] 会话失效，重新登录后重试")
		if err := c.Login(); err != nil {
			return err
		}
		resp, err = send()
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("IG %s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			log.Printf("⚠️  [IG] 响应解析失败, 原始内容: %s", string(raw))
			return err
		}
	}
	return nil
}

// ==================== 行情 ====================

type igMarketResponse struct {
	Snapshot struct {
		Bid            float64 `json:"bid"`
		Offer          float64 `json:"offer"`
		UpdateTime     string  `json:"updateTime"`
		MarketStatus   string  `json:"marketStatus"`
		NetChange      float64 `json:"netChange"`
		PercentChange  float64 `json:"percentageChange"`
		High           float64 `json:"high"`
		Low            float64 `json:"low"`
		DecimalsPlaces int     `json:"decimalPlacesFactor"`
	} `json:"snapshot"`
}

// MarketSnapshot 获取当前报价快照
func (c *Client) MarketSnapshot() (PriceSnapshot, error) {
	var out igMarketResponse
	if err := c.doJSON(http.MethodGet, "/markets/"+config.Epic, "3", nil, &out, nil); err != nil {
		return PriceSnapshot{}, err
	}

	snap := PriceSnapshot{
		Bid:   out.Snapshot.Bid,
		Offer: out.Snapshot.Offer,
		Time:  time.Now().UTC(),
	}
	if snap.Bid == 0 && snap.Offer == 0 {
		return snap, fmt.Errorf("行情快照为空 (marketStatus=%s)", out.Snapshot.MarketStatus)
	}
	return snap, nil
}

type igPricesResponse struct {
	Prices []struct {
		SnapshotTimeUTC string `json:"snapshotTimeUTC"`
		OpenPrice       struct {
			Bid float64 `json:"bid"`
			Ask float64 `json:"ask"`
		} `json:"openPrice"`
		HighPrice struct {
			Bid float64 `json:"bid"`
			Ask float64 `json:"ask"`
		} `json:"highPrice"`
		LowPrice struct {
			Bid float64 `json:"bid"`
			Ask float64 `json:"ask"`
		} `json:"lowPrice"`
		ClosePrice struct {
			Bid float64 `json:"bid"`
			Ask float64 `json:"ask"`
		} `json:"closePrice"`
		LastTradedVolume float64 `json:"lastTradedVolume"`
	} `json:"prices"`
	Metadata struct {
		Allowance struct {
			RemainingAllowance int `json:"remainingAllowance"`
		} `json:"allowance"`
	} `json:"metadata"`
}

// Candles 获取最近 max 根K线（买卖中间价）
func (c *Client) Candles(res Resolution, max int) ([]Candle, error) {
	path := fmt.Sprintf("/prices/%s?resolution=%s&max=%d", config.Epic, res, max)

	var out igPricesResponse
	if err := c.doJSON(http.MethodGet, path, "3", nil, &out, nil); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(out.Prices))
	for _, p := range out.Prices {
		ts, err := time.Parse("2006-01-02T15:04:05", p.SnapshotTimeUTC)
		if err != nil {
			log.Printf("⚠️  [IG] 跳过无法解析时间的K线: %s", p.SnapshotTimeUTC)
			continue
		}
		candles = append(candles, Candle{
			Time:   ts.UTC(),
			Open:   mid(p.OpenPrice.Bid, p.OpenPrice.Ask),
			High:   mid(p.HighPrice.Bid, p.HighPrice.Ask),
			Low:    mid(p.LowPrice.Bid, p.LowPrice.Ask),
			Close:  mid(p.ClosePrice.Bid, p.ClosePrice.Ask),
			Volume: p.LastTradedVolume,
		})
	}

	if remaining := out.Metadata.Allowance.RemainingAllowance; remaining > 0 && remaining < 500 {
		log.Printf("⚠️  [IG] 历史数据配额剩余 %d，注意节流", remaining)
	}
	return candles, nil
}

func mid(bid, ask float64) float64 {
	if bid == 0 {
		return ask
	}
	if ask == 0 {
		return bid
	}
	return (bid + ask) / 2
}

// ==================== 账户与持仓 ====================

type igPositionsResponse struct {
	Positions []struct {
		Position struct {
			DealID       string  `json:"dealId"`
			DealRef      string  `json:"dealReference"`
			Direction    string  `json:"direction"`
			Size         float64 `json:"size"`
			Level        float64 `json:"level"`
			StopLevel    float64 `json:"stopLevel"`
			LimitLevel   float64 `json:"limitLevel"`
			CreatedDate  string  `json:"createdDateUTC"`
			ContractSize string  `json:"contractSize"`
		} `json:"position"`
		Market struct {
			Epic string `json:"epic"`
		} `json:"market"`
	} `json:"positions"`
}

// Positions 获取本 Epic 的当前持仓
// 返回 (nil, nil) 表示确认无持仓；error 非空表示查询失败，调用方不得当作空仓处理
func (c *Client) Positions() ([]Position, error) {
	if c.paper != nil {
		return c.paper.positions(), nil
	}

	var out igPositionsResponse
	if err := c.doJSON(http.MethodGet, "/positions", "2", nil, &out, nil); err != nil {
		return nil, err
	}

	var result []Position
	for _, item := range out.Positions {
		if item.Market.Epic != config.Epic {
			continue
		}
		p := item.Position
		created, _ := time.Parse("2006-01-02T15:04:05", p.CreatedDate)
		dir := DirectionLong
		if strings.EqualFold(p.Direction, "SELL") {
			dir = DirectionShort
		}
		result = append(result, Position{
			DealID:     p.DealID,
			Reference:  p.DealRef,
			Direction:  dir,
			Size:       p.Size,
			Level:      p.Level,
			StopLevel:  p.StopLevel,
			LimitLevel: p.LimitLevel,
			CreatedAt:  created.UTC(),
		})
	}
	return result, nil
}

type igAccountsResponse struct {
	Accounts []struct {
		AccountID string `json:"accountId"`
		Balance   struct {
			Balance   float64 `json:"balance"`
			Available float64 `json:"available"`
			Deposit   float64 `json:"deposit"`
			PnL       float64 `json:"profitLoss"`
		} `json:"balance"`
	} `json:"accounts"`
}

// Account 获取账户资金信息
func (c *Client) Account() (AccountInfo, error) {
	if c.paper != nil {
		return c.paper.account(), nil
	}

	var out igAccountsResponse
	if err := c.doJSON(http.MethodGet, "/accounts", "1", nil, &out, nil); err != nil {
		return AccountInfo{}, err
	}

	for _, acct := range out.Accounts {
		if c.cfg.IGAccountID != "" && acct.AccountID != c.cfg.IGAccountID {
			continue
		}
		return AccountInfo{
			Balance:   acct.Balance.Balance,
			Available: acct.Balance.Available,
			Margin:    acct.Balance.Deposit,
			PnL:       acct.Balance.PnL,
		}, nil
	}
	return AccountInfo{}, fmt.Errorf("账户 %s 未找到", c.cfg.IGAccountID)
}

// ==================== 交易 ====================

type igDealRefResponse struct {
	DealReference string `json:"dealReference"`
}

type igConfirmResponse struct {
	DealID        string  `json:"dealId"`
	DealReference string  `json:"dealReference"`
	DealStatus    string  `json:"dealStatus"`
	Status        string  `json:"status"`
	Reason        string  `json:"reason"`
	Level         float64 `json:"level"`
}

// OpenPosition 市价开仓并等待确认
func (c *Client) OpenPosition(req DealRequest) (DealConfirmation, error) {
	if c.paper != nil {
		snap, err := c.MarketSnapshot()
		if err != nil {
			return DealConfirmation{}, fmt.Errorf("纸面开仓获取行情失败: %w", err)
		}
		return c.paper.open(req, snap), nil
	}

	direction := "BUY"
	if req.Direction == DirectionShort {
		direction = "SELL"
	}

	payload := map[string]any{
		"epic":           config.Epic,
		"expiry":         "-",
		"direction":      direction,
		"size":           req.Size,
		"orderType":      "MARKET",
		"guaranteedStop": false,
		"forceOpen":      true,
		"currencyCode":   "JPY",
	}
	if req.StopLevel > 0 {
		payload["stopLevel"] = req.StopLevel
	}
	if req.LimitLevel > 0 {
		payload["limitLevel"] = req.LimitLevel
	}

	var ref igDealRefResponse
	if err := c.doJSON(http.MethodPost, "/positions/otc", "2", payload, &ref, nil); err != nil {
		return DealConfirmation{}, err
	}
	return c.awaitConfirmation(ref.DealReference)
}

// UpdateStop 修改持仓止损（limitLevel 传 0 表示撤销止盈）
func (c *Client) UpdateStop(dealID string, stopLevel, limitLevel float64) error {
	if c.paper != nil {
		return c.paper.updateStop(dealID, stopLevel, limitLevel)
	}

	payload := map[string]any{
		"trailingStop": false,
	}
	if stopLevel > 0 {
		payload["stopLevel"] = stopLevel
	} else {
		payload["stopLevel"] = nil
	}
	if limitLevel > 0 {
		payload["limitLevel"] = limitLevel
	} else {
		payload["limitLevel"] = nil
	}

	var ref igDealRefResponse
	if err := c.doJSON(http.MethodPut, "/positions/otc/"+dealID, "2", payload, &ref, nil); err != nil {
		return err
	}

	confirm, err := c.awaitConfirmation(ref.DealReference)
	if err != nil {
		return err
	}
	if !confirm.Accepted() {
		return fmt.Errorf("修改止损被拒绝: %s", confirm.Reason)
	}
	return nil
}

// ClosePosition 市价平仓
// IG 的平仓接口使用 POST + _method:DELETE 头（网关不接受带 body 的 DELETE）
func (c *Client) ClosePosition(pos Position) (DealConfirmation, error) {
	if c.paper != nil {
		snap, err := c.MarketSnapshot()
		if err != nil {
			return DealConfirmation{}, fmt.Errorf("纸面平仓获取行情失败: %w", err)
		}
		return c.paper.close(pos.DealID, snap)
	}

	direction := "SELL"
	if pos.Direction == DirectionShort {
		direction = "BUY"
	}

	payload := map[string]any{
		"dealId":    pos.DealID,
		"direction": direction,
		"size":      pos.Size,
		"orderType": "MARKET",
	}

	var ref igDealRefResponse
	err := c.doJSON(http.MethodPost, "/positions/otc", "1", payload, &ref, map[string]string{"_method": "DELETE"})
	if err != nil {
		return DealConfirmation{}, err
	}
	return c.awaitConfirmation(ref.DealReference)
}

// awaitConfirmation 轮询交易确认接口，带重试
func (c *Client) awaitConfirmation(dealRef string) (DealConfirmation, error) {
	var lastErr error
	for attempt := 0; attempt < config.DealConfirmRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(config.DealConfirmRetryWait)
		}

		var out igConfirmResponse
		if err := c.doJSON(http.MethodGet, "/confirms/"+dealRef, "1", nil, &out, nil); err != nil {
			lastErr = err
			log.Printf("⏳ [IG] 确认查询重试 %d/%d: %v", attempt+1, config.DealConfirmRetries, err)
			continue
		}

		conf := DealConfirmation{
			DealID:     out.DealID,
			Reference:  out.DealReference,
			Status:     out.Status,
			Reason:     out.Reason,
			Level:      out.Level,
			DealStatus: out.DealStatus,
		}
		if conf.DealStatus == "" {
			lastErr = fmt.Errorf("确认状态为空")
			continue
		}
		if !conf.Accepted() {
			log.Printf("❌ [IG] 交易被拒绝: %s", conf.Reason)
		}
		return conf, nil
	}
	return DealConfirmation{}, fmt.Errorf("交易确认超时 (ref=%s): %w", dealRef, lastErr)
}
