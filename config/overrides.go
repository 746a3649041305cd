package config

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

// Overrides 运行期可热更新的参数子集（仅在周期边界重新读取）
type Overrides struct {
	ScanIntervalSec     int  `json:"scan_interval_sec"`
	MonitorIntervalSec  int  `json:"monitor_interval_sec"`
	TradingEnabled      bool `json:"trading_enabled"`
	ConfidenceFloorLong int  `json:"confidence_floor_long"`
	ConfidenceFloorShrt int  `json:"confidence_floor_short"`
}

// OverrideStore 覆盖文件的读取器，带修改时间缓存避免每周期重复解析
type OverrideStore struct {
	path    string
	mu      sync.RWMutex
	current Overrides
	modTime time.Time
}

// DefaultOverrides 编译期默认值
func DefaultOverrides() Overrides {
	return Overrides{
		ScanIntervalSec:     int(DefaultScanInterval.Seconds()),
		MonitorIntervalSec:  int(DefaultMonitorInterval.Seconds()),
		TradingEnabled:      true,
		ConfidenceFloorLong: ConfidenceFloorLong,
		ConfidenceFloorShrt: ConfidenceFloorShrt,
	}
}

// NewOverrideStore 创建覆盖读取器并填入默认值
func NewOverrideStore(path string) *OverrideStore {
	return &OverrideStore{
		path:    path,
		current: DefaultOverrides(),
	}
}

// Reload 重新读取覆盖文件，文件未变化或不存在时保持现值
func (s *OverrideStore) Reload() Overrides {
	if s == nil {
		return Overrides{}
	}

	info, err := os.Stat(s.path)
	if err != nil {
		return s.Current()
	}

	s.mu.RLock()
	unchanged := info.ModTime().Equal(s.modTime)
	s.mu.RUnlock()
	if unchanged {
		return s.Current()
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		log.Printf("⚠️  [配置] 读取覆盖文件失败: %v", err)
		return s.Current()
	}

	next := s.Current()
	if err := json.Unmarshal(data, &next); err != nil {
		log.Printf("⚠️  [配置] 覆盖文件格式无效，沿用现有配置: %v", err)
		return s.Current()
	}

	if next.ScanIntervalSec < 60 {
		next.ScanIntervalSec = 60
	}
	if next.MonitorIntervalSec < 5 {
		next.MonitorIntervalSec = 5
	}

	s.mu.Lock()
	s.current = next
	s.modTime = info.ModTime()
	s.mu.Unlock()

	log.Printf("🔄 [配置] 覆盖参数已热更新: scan=%ds monitor=%ds trading=%v floors=%d/%d",
		next.ScanIntervalSec, next.MonitorIntervalSec, next.TradingEnabled,
		next.ConfidenceFloorLong, next.ConfidenceFloorShrt)
	return next
}

// Current 返回当前覆盖参数快照
func (s *OverrideStore) Current() Overrides {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Save 将覆盖参数写回文件（供仪表盘修改配置使用）
func (s *OverrideStore) Save(o Overrides) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = o
	if info, err := os.Stat(s.path); err == nil {
		s.modTime = info.ModTime()
	}
	s.mu.Unlock()
	return nil
}

// ScanInterval 扫描周期
func (o Overrides) ScanInterval() time.Duration {
	return time.Duration(o.ScanIntervalSec) * time.Second
}

// MonitorInterval 监控周期
func (o Overrides) MonitorInterval() time.Duration {
	return time.Duration(o.MonitorIntervalSec) * time.Second
}
