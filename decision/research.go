package decision

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/MostafaiQ/japan225-bot/config"
)

const (
	fxEndpoint       = "https://open.er-api.com/v6/latest/USD"
	calendarEndpoint = "https://finnhub.io/api/v1/calendar/economic"
	macroCacheKey    = "usdjpy"
	macroCacheTTL    = time.Hour
	calendarCacheKey = "calendar"
	calendarCacheTTL = 12 * time.Hour
	trendEpsilon     = 0.15 // 汇率变化小于该值视为横盘
)

// ContextStore 宏观数据缓存所需的持久化能力
type ContextStore interface {
	SetContext(key, value string, now time.Time) error
	GetContext(key string) (string, time.Time, error)
}

// EventSink 接收高影响事件禁入窗口，由 session.Gate 实现
type EventSink interface {
	AddEvent(title string, start, end time.Time)
}

// Researcher 获取 USD/JPY 宏观背景与经济日历，结果落缓存
// 任一取数失败时降级为中性，不阻塞扫描
type Researcher struct {
	store ContextStore
	sink  EventSink
	token string

	client *http.Client
	fxURL  string
	calURL string
}

// NewResearcher 创建宏观研究器
func NewResearcher(cfg *config.Config, store ContextStore, sink EventSink) *Researcher {
	token := ""
	if cfg != nil {
		token = cfg.FinnhubToken
	}
	if token == "" {
		log.Printf("📴 [宏观] 未配置 FINNHUB_TOKEN，经济日历抓取禁用")
	}
	return &Researcher{
		store:  store,
		sink:   sink,
		token:  token,
		client: &http.Client{Timeout: 15 * time.Second},
		fxURL:  fxEndpoint,
		calURL: calendarEndpoint,
	}
}

type cachedMacro struct {
	Rate  float64 `json:"rate"`
	Trend string  `json:"trend"`
}

type fxResponse struct {
	Result string             `json:"result"`
	Rates  map[string]float64 `json:"rates"`
}

// Context 返回当前宏观上下文，优先使用缓存
// 顺带刷新经济日历并把高影响事件推给时段闸门
func (r *Researcher) Context(now time.Time) MacroContext {
	r.refreshCalendar(now)

	raw, updated, err := r.store.GetContext(macroCacheKey)
	if err == nil && raw != "" && now.Sub(updated) < macroCacheTTL {
		var cached cachedMacro
		if json.Unmarshal([]byte(raw), &cached) == nil {
			return MacroContext{
				USDJPYRate:  cached.Rate,
				USDJPYTrend: cached.Trend,
				UpdatedAt:   updated,
				Fresh:       true,
			}
		}
	}

	rate, err := r.fetchRate()
	if err != nil {
		log.Printf("⚠️  [宏观] USD/JPY 获取失败，按中性处理: %v", err)
		return MacroContext{}
	}

	// 趋势用上一次缓存值对比得出
	trend := "flat"
	if raw != "" {
		var prev cachedMacro
		if json.Unmarshal([]byte(raw), &prev) == nil && prev.Rate > 0 {
			switch {
			case rate-prev.Rate > trendEpsilon:
				trend = "up"
			case prev.Rate-rate > trendEpsilon:
				trend = "down"
			}
		}
	}

	payload, _ := json.Marshal(cachedMacro{Rate: rate, Trend: trend})
	if err := r.store.SetContext(macroCacheKey, string(payload), now); err != nil {
		log.Printf("⚠️  [宏观] 缓存写入失败: %v", err)
	}

	log.Printf("🌍 [宏观] USD/JPY %.2f (%s)", rate, trend)
	return MacroContext{
		USDJPYRate:  rate,
		USDJPYTrend: trend,
		UpdatedAt:   now,
		Fresh:       true,
	}
}

// CalendarEvent 经济日历条目
type CalendarEvent struct {
	Name   string    `json:"event"`
	Impact string    `json:"impact"`
	Time   time.Time `json:"time"`
}

type calendarResponse struct {
	EconomicCalendar []struct {
		Event  string `json:"event"`
		Impact string `json:"impact"`
		Time   string `json:"time"` // "2026-08-31 12:30:00" (UTC)
	} `json:"economicCalendar"`
}

// refreshCalendar 按需抓取经济日历，把未过期的高影响事件推给时段闸门
// sink 侧负责关键词过滤与去重
func (r *Researcher) refreshCalendar(now time.Time) {
	if r.token == "" || r.sink == nil {
		return
	}

	raw, updated, err := r.store.GetContext(calendarCacheKey)
	if err != nil || raw == "" || now.Sub(updated) >= calendarCacheTTL {
		fetched, err := r.fetchCalendar()
		if err != nil {
			log.Printf("⚠️  [宏观] 经济日历获取失败，沿用缓存: %v", err)
		} else {
			payload, _ := json.Marshal(fetched)
			raw = string(payload)
			if err := r.store.SetContext(calendarCacheKey, raw, now); err != nil {
				log.Printf("⚠️  [宏观] 日历缓存写入失败: %v", err)
			}
			log.Printf("📅 [宏观] 经济日历已更新 (%d 条)", len(fetched))
		}
	}
	if raw == "" {
		return
	}

	var events []CalendarEvent
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		return
	}
	for _, ev := range events {
		if ev.Time.Before(now) {
			continue
		}
		r.sink.AddEvent(ev.Name, ev.Time.Add(-config.EventBlackoutWindow), ev.Time)
	}
}

func (r *Researcher) fetchCalendar() ([]CalendarEvent, error) {
	resp, err := r.client.Get(r.calURL + "?token=" + url.QueryEscape(r.token))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("日历接口返回 %d", resp.StatusCode)
	}

	var out calendarResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	var events []CalendarEvent
	for _, raw := range out.EconomicCalendar {
		if !isHighImpact(raw.Impact) {
			continue
		}
		at, err := time.Parse("2006-01-02 15:04:05", raw.Time)
		if err != nil {
			continue
		}
		events = append(events, CalendarEvent{Name: raw.Event, Impact: raw.Impact, Time: at.UTC()})
	}
	return events, nil
}

func isHighImpact(impact string) bool {
	return impact == "high" || impact == "HIGH" || impact == "High"
}

func (r *Researcher) fetchRate() (float64, error) {
	resp, err := r.client.Get(r.fxURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var out fxResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Result != "success" {
		return 0, fmt.Errorf("汇率接口返回 %q", out.Result)
	}

	rate, ok := out.Rates["JPY"]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("响应中缺少 JPY 汇率")
	}
	return rate, nil
}
