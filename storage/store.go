// Package storage 提供基于 sqlite 的持久化层
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Phase 退出管理阶段
type Phase string

const (
	PhaseInitial   Phase = "INITIAL"
	PhaseBreakeven Phase = "BREAKEVEN"
	PhaseRunner    Phase = "RUNNER"
)

// Outcome 交易结局
type Outcome string

const (
	OutcomeWin      Outcome = "WIN"
	OutcomeLoss     Outcome = "LOSS"
	OutcomeFlat     Outcome = "FLAT"
	OutcomeExternal Outcome = "EXTERNAL" // 在券商侧被关闭（止损触发或人工平仓）
)

// Trade 交易日志记录
type Trade struct {
	ID         int64
	DealID     string
	Direction  string
	Size       float64
	Entry      float64
	Stop       float64
	Limit      float64
	ExitLevel  float64
	PnLPoints  float64
	Outcome    Outcome
	OpenedAt   time.Time
	ClosedAt   time.Time
	Confidence int
	Notes      string
}

// PendingAlert 等待人工确认的交易提议
type PendingAlert struct {
	ID         string    `json:"id"`
	Direction  string    `json:"direction"`
	Entry      float64   `json:"entry"`
	Stop       float64   `json:"stop"`
	Limit      float64   `json:"limit"`
	Size       float64   `json:"size"`
	Confidence int       `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired 提议是否已过绝对有效期
func (a PendingAlert) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// PositionState 单例持仓状态（id=1）
type PositionState struct {
	HasOpen    bool
	DealID     string
	Direction  string
	Size       float64
	Entry      float64
	StopLevel  float64
	LimitLevel float64
	Phase      Phase
	OpenedAt   time.Time
	TradeID    int64
	Alert      *PendingAlert
}

// AccountState 单例账户状态（id=1）
type AccountState struct {
	DayAnchor         string // YYYY-MM-DD
	DayStartBalance   float64
	WeekAnchor        string // 周一日期 YYYY-MM-DD
	WeekStartBalance  float64
	ConsecutiveLosses int
	CooldownUntil     time.Time
	TradingEnabled    bool
}

// ScanRecord 扫描审计记录
type ScanRecord struct {
	ID         int64
	Time       time.Time
	SetupName  string
	Direction  string
	Stage      string // prescreen / cooldown / confidence / fast / main / confirm / risk / alerted
	Confidence int
	Approved   bool
	Reason     string
	CostUSD    float64
	Detail     string // JSON 扩展字段
}

// Store sqlite 持久化入口
type Store struct {
	db *sql.DB
}

// Open 打开（必要时创建）数据库
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// sqlite 单写者，限制连接避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS scans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			setup_name TEXT,
			direction TEXT,
			stage TEXT,
			confidence INTEGER,
			approved INTEGER,
			reason TEXT,
			cost_usd REAL,
			detail TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			deal_id TEXT,
			direction TEXT,
			size REAL,
			entry REAL,
			stop REAL,
			limit_level REAL,
			exit_level REAL,
			pnl_points REAL,
			outcome TEXT,
			opened_at TEXT,
			closed_at TEXT,
			confidence INTEGER,
			notes TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS position_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			has_open INTEGER NOT NULL DEFAULT 0,
			deal_id TEXT,
			direction TEXT,
			size REAL,
			entry REAL,
			stop_level REAL,
			limit_level REAL,
			phase TEXT,
			opened_at TEXT,
			trade_id INTEGER,
			pending_alert TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS account_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			day_anchor TEXT,
			day_start_balance REAL,
			week_anchor TEXT,
			week_start_balance REAL,
			consecutive_losses INTEGER NOT NULL DEFAULT 0,
			cooldown_until TEXT,
			trading_enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS market_context (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS ai_cooldown (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			until TEXT
		)`,
		`INSERT OR IGNORE INTO position_state (id, has_open) VALUES (1, 0)`,
		`INSERT OR IGNORE INTO account_state (id, trading_enabled) VALUES (1, 1)`,
		`INSERT OR IGNORE INTO ai_cooldown (id, until) VALUES (1, '')`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("初始化表结构失败: %w", err)
		}
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ==================== 扫描审计 ====================

// SaveScan 保存一次扫描审计记录
func (s *Store) SaveScan(r ScanRecord) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO scans (ts, setup_name, direction, stage, confidence, approved, reason, cost_usd, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fmtTime(r.Time), r.SetupName, r.Direction, r.Stage, r.Confidence,
		boolToInt(r.Approved), r.Reason, r.CostUSD, r.Detail,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentScans 最近 n 条扫描记录（新→旧）
func (s *Store) RecentScans(n int) ([]ScanRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, setup_name, direction, stage, confidence, approved, reason, cost_usd, detail
		 FROM scans ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScanRecord
	for rows.Next() {
		var r ScanRecord
		var ts string
		var approved int
		if err := rows.Scan(&r.ID, &ts, &r.SetupName, &r.Direction, &r.Stage,
			&r.Confidence, &approved, &r.Reason, &r.CostUSD, &r.Detail); err != nil {
			return nil, err
		}
		r.Time = parseTime(ts)
		r.Approved = approved != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ==================== 交易日志 ====================

// OpenTradeAtomic 在单事务内写入交易记录并更新持仓状态
// 下单确认后调用；任一步失败则整体回滚，避免数据库与券商侧不一致
func (s *Store) OpenTradeAtomic(t Trade, phase Phase) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO trades (deal_id, direction, size, entry, stop, limit_level, outcome, opened_at, confidence, notes)
		 VALUES (?, ?, ?, ?, ?, ?, '', ?, ?, ?)`,
		t.DealID, t.Direction, t.Size, t.Entry, t.Stop, t.Limit,
		fmtTime(t.OpenedAt), t.Confidence, t.Notes,
	)
	if err != nil {
		return 0, err
	}
	tradeID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(
		`UPDATE position_state SET has_open=1, deal_id=?, direction=?, size=?, entry=?,
		 stop_level=?, limit_level=?, phase=?, opened_at=?, trade_id=?, pending_alert=NULL
		 WHERE id=1`,
		t.DealID, t.Direction, t.Size, t.Entry, t.Stop, t.Limit,
		string(phase), fmtTime(t.OpenedAt), tradeID,
	)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	log.Printf("💾 [存储] 交易已原子落库: #%d %s %.1f @ %.1f", tradeID, t.Direction, t.Size, t.Entry)
	return tradeID, nil
}

// CloseTrade 填写交易结局并清空持仓状态
func (s *Store) CloseTrade(tradeID int64, exitLevel, pnlPoints float64, outcome Outcome, closedAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE trades SET exit_level=?, pnl_points=?, outcome=?, closed_at=? WHERE id=?`,
		exitLevel, pnlPoints, string(outcome), fmtTime(closedAt), tradeID,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`UPDATE position_state SET has_open=0, deal_id='', direction='', size=0, entry=0,
		 stop_level=0, limit_level=0, phase='', opened_at='', trade_id=0 WHERE id=1`,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// RecentTrades 最近 n 条交易记录（新→旧）
func (s *Store) RecentTrades(n int) ([]Trade, error) {
	rows, err := s.db.Query(
		`SELECT id, deal_id, direction, size, entry, stop, limit_level, exit_level,
		        pnl_points, outcome, opened_at, closed_at, confidence, notes
		 FROM trades ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		var outcome, openedAt, closedAt string
		if err := rows.Scan(&t.ID, &t.DealID, &t.Direction, &t.Size, &t.Entry, &t.Stop,
			&t.Limit, &t.ExitLevel, &t.PnLPoints, &outcome, &openedAt, &closedAt,
			&t.Confidence, &t.Notes); err != nil {
			return nil, err
		}
		t.Outcome = Outcome(outcome)
		t.OpenedAt = parseTime(openedAt)
		t.ClosedAt = parseTime(closedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ==================== 持仓状态 ====================

// PositionState 读取单例持仓状态
func (s *Store) PositionState() (PositionState, error) {
	row := s.db.QueryRow(
		`SELECT has_open, deal_id, direction, size, entry, stop_level, limit_level,
		        phase, opened_at, trade_id, pending_alert
		 FROM position_state WHERE id=1`)

	var st PositionState
	var hasOpen int
	var dealID, direction, phase, openedAt sql.NullString
	var size, entry, stop, limit sql.NullFloat64
	var tradeID sql.NullInt64
	var alertJSON sql.NullString

	err := row.Scan(&hasOpen, &dealID, &direction, &size, &entry, &stop, &limit,
		&phase, &openedAt, &tradeID, &alertJSON)
	if err != nil {
		return st, err
	}

	st.HasOpen = hasOpen != 0
	st.DealID = dealID.String
	st.Direction = direction.String
	st.Size = size.Float64
	st.Entry = entry.Float64
	st.StopLevel = stop.Float64
	st.LimitLevel = limit.Float64
	st.Phase = Phase(phase.String)
	st.OpenedAt = parseTime(openedAt.String)
	st.TradeID = tradeID.Int64

	if alertJSON.Valid && alertJSON.String != "" {
		var alert PendingAlert
		if err := json.Unmarshal([]byte(alertJSON.String), &alert); err == nil {
			st.Alert = &alert
		}
	}
	return st, nil
}

// SetPhase 更新退出管理阶段
func (s *Store) SetPhase(phase Phase) error {
	_, err := s.db.Exec(`UPDATE position_state SET phase=? WHERE id=1`, string(phase))
	return err
}

// SetStopLevel 更新持仓状态中的止损价
func (s *Store) SetStopLevel(level float64) error {
	_, err := s.db.Exec(`UPDATE position_state SET stop_level=? WHERE id=1`, level)
	return err
}

// SetLimitLevel 更新持仓状态中的止盈价（0 表示已撤销）
func (s *Store) SetLimitLevel(level float64) error {
	_, err := s.db.Exec(`UPDATE position_state SET limit_level=? WHERE id=1`, level)
	return err
}

// AdoptPosition 收养券商侧已存在但本地无记录的持仓（重启对账用）
func (s *Store) AdoptPosition(st PositionState, note string) (int64, error) {
	t := Trade{
		DealID:    st.DealID,
		Direction: st.Direction,
		Size:      st.Size,
		Entry:     st.Entry,
		Stop:      st.StopLevel,
		Limit:     st.LimitLevel,
		OpenedAt:  st.OpenedAt,
		Notes:     note,
	}
	phase := st.Phase
	if phase == "" {
		phase = PhaseInitial
	}
	return s.OpenTradeAtomic(t, phase)
}

// SetPendingAlert 保存等待确认的交易提议（nil 表示清除）
func (s *Store) SetPendingAlert(alert *PendingAlert) error {
	if alert == nil {
		_, err := s.db.Exec(`UPDATE position_state SET pending_alert=NULL WHERE id=1`)
		return err
	}
	raw, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE position_state SET pending_alert=? WHERE id=1`, string(raw))
	return err
}

// ==================== 账户状态 ====================

// AccountState 读取单例账户状态
func (s *Store) AccountState() (AccountState, error) {
	row := s.db.QueryRow(
		`SELECT day_anchor, day_start_balance, week_anchor, week_start_balance,
		        consecutive_losses, cooldown_until, trading_enabled
		 FROM account_state WHERE id=1`)

	var st AccountState
	var dayAnchor, weekAnchor, cooldown sql.NullString
	var dayBal, weekBal sql.NullFloat64
	var enabled int

	err := row.Scan(&dayAnchor, &dayBal, &weekAnchor, &weekBal,
		&st.ConsecutiveLosses, &cooldown, &enabled)
	if err != nil {
		return st, err
	}

	st.DayAnchor = dayAnchor.String
	st.DayStartBalance = dayBal.Float64
	st.WeekAnchor = weekAnchor.String
	st.WeekStartBalance = weekBal.Float64
	st.CooldownUntil = parseTime(cooldown.String)
	st.TradingEnabled = enabled != 0
	return st, nil
}

// RollAnchors 必要时滚动日/周锚点余额
// day 格式 YYYY-MM-DD，week 为该周周一的 YYYY-MM-DD
func (s *Store) RollAnchors(day, week string, balance float64) error {
	st, err := s.AccountState()
	if err != nil {
		return err
	}

	if st.DayAnchor != day {
		if _, err := s.db.Exec(
			`UPDATE account_state SET day_anchor=?, day_start_balance=? WHERE id=1`,
			day, balance); err != nil {
			return err
		}
		log.Printf("📅 [存储] 日锚点滚动: %s 起始余额 %.0f", day, balance)
	}
	if st.WeekAnchor != week {
		if _, err := s.db.Exec(
			`UPDATE account_state SET week_anchor=?, week_start_balance=? WHERE id=1`,
			week, balance); err != nil {
			return err
		}
		log.Printf("📅 [存储] 周锚点滚动: %s 起始余额 %.0f", week, balance)
	}
	return nil
}

// RegisterOutcome 登记交易结局，维护连亏计数与熔断冷却
func (s *Store) RegisterOutcome(outcome Outcome, cooldownUntil time.Time) error {
	switch outcome {
	case OutcomeLoss:
		st, err := s.AccountState()
		if err != nil {
			return err
		}
		losses := st.ConsecutiveLosses + 1
		var until string
		if losses >= maxConsecutiveLossesForCooldown {
			until = fmtTime(cooldownUntil)
			log.Printf("🛑 [存储] 连续亏损 %d 次，熔断冷却至 %s", losses, until)
		} else {
			until = fmtTime(st.CooldownUntil)
		}
		_, err = s.db.Exec(
			`UPDATE account_state SET consecutive_losses=?, cooldown_until=? WHERE id=1`,
			losses, until)
		return err
	case OutcomeWin, OutcomeFlat:
		_, err := s.db.Exec(`UPDATE account_state SET consecutive_losses=0 WHERE id=1`)
		return err
	default:
		return nil
	}
}

const maxConsecutiveLossesForCooldown = 2

// SetTradingEnabled 设置交易开关（kill switch 持久化）
func (s *Store) SetTradingEnabled(enabled bool) error {
	_, err := s.db.Exec(`UPDATE account_state SET trading_enabled=? WHERE id=1`, boolToInt(enabled))
	return err
}

// ClearLossCooldown 清除熔断冷却
func (s *Store) ClearLossCooldown() error {
	_, err := s.db.Exec(`UPDATE account_state SET cooldown_until='', consecutive_losses=0 WHERE id=1`)
	return err
}

// ==================== AI 冷却 ====================

// SetAICooldown 记录 AI 冷却截止时间
func (s *Store) SetAICooldown(until time.Time) error {
	_, err := s.db.Exec(`UPDATE ai_cooldown SET until=? WHERE id=1`, fmtTime(until))
	return err
}

// AICooldownUntil 读取 AI 冷却截止时间（零值表示无冷却）
func (s *Store) AICooldownUntil() (time.Time, error) {
	var raw string
	err := s.db.QueryRow(`SELECT until FROM ai_cooldown WHERE id=1`).Scan(&raw)
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(raw), nil
}

// ClearAICooldown 清除 AI 冷却
func (s *Store) ClearAICooldown() error {
	_, err := s.db.Exec(`UPDATE ai_cooldown SET until='' WHERE id=1`)
	return err
}

// ==================== 市场上下文 ====================

// SetContext 保存键值上下文（宏观数据缓存等）
func (s *Store) SetContext(key, value string, now time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO market_context (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, fmtTime(now))
	return err
}

// GetContext 读取键值上下文，返回值与更新时间
func (s *Store) GetContext(key string) (string, time.Time, error) {
	var value, updated string
	err := s.db.QueryRow(
		`SELECT value, updated_at FROM market_context WHERE key=?`, key).Scan(&value, &updated)
	if err == sql.ErrNoRows {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return value, parseTime(updated), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
