package decision

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MostafaiQ/japan225-bot/config"
	"github.com/MostafaiQ/japan225-bot/session"
)

// memContextStore 内存版上下文缓存
type memContextStore struct {
	values map[string]string
	times  map[string]time.Time
}

func newMemContextStore() *memContextStore {
	return &memContextStore{values: map[string]string{}, times: map[string]time.Time{}}
}

func (m *memContextStore) SetContext(key, value string, now time.Time) error {
	m.values[key] = value
	m.times[key] = now
	return nil
}

func (m *memContextStore) GetContext(key string) (string, time.Time, error) {
	return m.values[key], m.times[key], nil
}

func calendarJSON(events ...string) string {
	body := "["
	for i, ev := range events {
		if i > 0 {
			body += ","
		}
		body += ev
	}
	return `{"economicCalendar":` + body + `]}`
}

func TestResearcherFeedsCalendarIntoGate(t *testing.T) {
	// 周三 12:00 UTC（London 时段），90 分钟后有高影响 CPI
	now := time.Date(2026, 9, 2, 12, 0, 0, 0, time.UTC)
	eventAt := now.Add(90 * time.Minute)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, calendarJSON(
			fmt.Sprintf(`{"event":"US CPI YoY","impact":"high","time":"%s"}`, eventAt.Format("2006-01-02 15:04:05")),
			fmt.Sprintf(`{"event":"US CPI YoY","impact":"low","time":"%s"}`, eventAt.Format("2006-01-02 15:04:05")),
		))
	}))
	defer srv.Close()

	gate := session.NewGate()
	r := NewResearcher(&config.Config{FinnhubToken: "test-token"}, newMemContextStore(), gate)
	r.calURL = srv.URL
	r.fxURL = srv.URL + "/fx" // 汇率取数失败降级为中性，不影响本测试

	r.Context(now)

	// 事件公布前 1 小时起禁入
	if st := gate.Status(eventAt.Add(-30 * time.Minute)); st.Open {
		t.Fatalf("高影响事件窗口内应禁止交易")
	}
	if st := gate.Status(now); !st.Open {
		t.Fatalf("窗口外应可交易: %s", st.Reason)
	}
	if st := gate.Status(eventAt.Add(time.Minute)); !st.Open {
		t.Fatalf("事件公布后应恢复交易: %s", st.Reason)
	}
}

func TestResearcherCalendarCached(t *testing.T) {
	now := time.Date(2026, 9, 2, 12, 0, 0, 0, time.UTC)
	eventAt := now.Add(2 * time.Hour)

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			return // 汇率取数走 /fx，不计入日历次数
		}
		calls++
		fmt.Fprint(w, calendarJSON(
			fmt.Sprintf(`{"event":"FOMC Rate Decision","impact":"high","time":"%s"}`, eventAt.Format("2006-01-02 15:04:05")),
		))
	}))
	defer srv.Close()

	gate := session.NewGate()
	r := NewResearcher(&config.Config{FinnhubToken: "test-token"}, newMemContextStore(), gate)
	r.calURL = srv.URL
	r.fxURL = srv.URL + "/fx"

	r.Context(now)
	r.Context(now.Add(15 * time.Minute))
	if calls != 1 {
		t.Fatalf("缓存有效期内应只抓取一次日历, calls=%d", calls)
	}

	// 缓存期内的重复推送不会在闸门里堆积
	if st := gate.Status(eventAt.Add(-30 * time.Minute)); st.Open {
		t.Fatalf("FOMC 窗口内应禁止交易")
	}
}

func TestResearcherNoTokenSkipsCalendar(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	gate := session.NewGate()
	r := NewResearcher(&config.Config{}, newMemContextStore(), gate)
	r.calURL = srv.URL
	r.fxURL = srv.URL + "/fx"

	r.Context(time.Now())
	if calls != 1 { // 仅汇率取数会命中测试服务器
		t.Fatalf("未配置 token 时不应抓取日历, calls=%d", calls)
	}
}
