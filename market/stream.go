package market

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamReadTimeout    = 60 * time.Second
	streamReconnectDelay = 5 * time.Second
	streamMaxBackoff     = 2 * time.Minute
)

// PriceStream 可选的实时报价流
// 连接断开时自动重连，调用方通过 Latest 读取缓存报价；
// 流不可用时 Latest 返回 false，调用方回退到 REST 轮询
type PriceStream struct {
	url  string
	epic string

	mu       sync.RWMutex
	latest   PriceSnapshot
	hasPrice bool

	stopCh    chan struct{}
	wg        sync.WaitGroup
	isRunning bool
}

// NewPriceStream 创建报价流客户端
func NewPriceStream(url, epic string) *PriceStream {
	return &PriceStream{
		url:    url,
		epic:   epic,
		stopCh: make(chan struct{}),
	}
}

// streamTick 服务端推送的报价消息
type streamTick struct {
	Epic  string  `json:"epic"`
	Bid   float64 `json:"bid"`
	Offer float64 `json:"offer"`
	TS    int64   `json:"ts"` // 毫秒时间戳
}

// Start 启动流式连接（独立goroutine，断线自动重连）
func (s *PriceStream) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		log.Println("⚠️  [行情流] 已在运行，跳过启动")
		return
	}
	s.stopCh = make(chan struct{})
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		backoff := streamReconnectDelay
		for {
			select {
			case <-s.stopCh:
				return
			default:
			}

			conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
			if err != nil {
				log.Printf("❌ [行情流] 连接失败: %v，%v后重试", err, backoff)
				select {
				case <-time.After(backoff):
				case <-s.stopCh:
					return
				}
				backoff *= 2
				if backoff > streamMaxBackoff {
					backoff = streamMaxBackoff
				}
				continue
			}

			log.Printf("🔌 [行情流] 已连接 %s", s.url)
			backoff = streamReconnectDelay
			s.readLoop(conn)
			conn.Close()

			s.mu.Lock()
			s.hasPrice = false
			s.mu.Unlock()

			select {
			case <-s.stopCh:
				return
			default:
				log.Printf("🔄 [行情流] 连接断开，准备重连")
			}
		}
	}()
}

func (s *PriceStream) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("⚠️  [行情流] 读取失败: %v", err)
			return
		}

		var tick streamTick
		if err := json.Unmarshal(raw, &tick); err != nil {
			continue
		}
		if tick.Epic != "" && tick.Epic != s.epic {
			continue
		}
		if tick.Bid <= 0 || tick.Offer <= 0 {
			continue
		}

		s.mu.Lock()
		s.latest = PriceSnapshot{
			Bid:   tick.Bid,
			Offer: tick.Offer,
			Time:  time.UnixMilli(tick.TS).UTC(),
		}
		s.hasPrice = true
		s.mu.Unlock()
	}
}

// Latest 返回缓存的最新报价，流不可用时 ok=false
func (s *PriceStream) Latest() (PriceSnapshot, bool) {
	if s == nil {
		return PriceSnapshot{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasPrice {
		return PriceSnapshot{}, false
	}
	// 超过读超时仍未更新的报价视为失效
	if time.Since(s.latest.Time) > streamReadTimeout {
		return PriceSnapshot{}, false
	}
	return s.latest, true
}

// Stop 停止报价流
func (s *PriceStream) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	log.Println("⏹  [行情流] 已停止")
}
