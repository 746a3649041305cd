package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ==================== 固定交易参数 ====================

const (
	// Epic 日经225 CFD 合约标识
	Epic = "IX.D.NIKKEI.IFD.IP"

	// 不利波动分级阈值（点数）
	AdverseMildPoints     = 60.0
	AdverseModeratePoints = 120.0
	AdverseSeverePoints   = 175.0

	// 数据冻结判定：连续相同报价次数
	StaleDataThreshold = 10

	// 不利偏移滚动窗口容量（监控周期30秒时约1小时）
	AdverseWindowSize = 120

	// 退出管理
	BreakevenTriggerPoints = 150.0 // 盈利达到该点数后止损移至保本
	BreakevenBufferPoints  = 10.0  // 保本止损在开仓价基础上的缓冲
	RunnerVelocityRatio    = 0.75  // 在时间窗口内达到止盈距离的该比例则进入跑单模式
	RunnerVelocityWindow   = 2 * time.Hour
	TrailingStopPoints     = 150.0

	// 风险校验
	SpreadEstimatePoints = 7.0
	MinRiskReward        = 1.5
	MaxMarginRatio       = 0.50
	MaxDailyLossRatio    = 0.10
	MaxWeeklyLossRatio   = 0.20
	MaxBalanceRiskRatio  = 0.10 // 单笔止损风险占账户余额的上限
	MaxConsecutiveLosses = 2
	LossCooldownDuration = 4 * time.Hour
	MinPositionSize      = 0.5
	MaxPositionSize      = 5.0

	// 交易确认
	TradeExpiry          = 15 * time.Minute
	PriceDriftAbortPts   = 20.0
	DealConfirmRetries   = 5
	DealConfirmRetryWait = 2 * time.Second

	// AI 信心评分
	ConfidenceBase      = 30
	ConfidenceSpan      = 70
	ConfidenceCriteria  = 11
	ConfidenceFloorLong = 70
	ConfidenceFloorShrt = 75
	ConfirmSkipHigh       = 87 // 信心不低于该值时跳过确认层
	ConfirmSkipMargin     = 2  // 信心不高于下限+该值时跳过确认层
	ConfirmNearMissMargin = 5 // 主层否决但信心距下限不超过该值时，仍请求确认层复核
	AICooldownDuration    = 30 * time.Minute

	// EventBlackoutWindow 高影响事件公布前的禁入窗口
	EventBlackoutWindow = time.Hour

	// 周期调度
	DefaultScanInterval    = 15 * time.Minute
	DefaultMonitorInterval = 30 * time.Second
	PositionCheckEveryN    = 15 // 每N个监控周期向券商核实一次持仓存在性
	SafetyConsecutiveEmpty = 2  // 连续空仓确认次数，达到后视为已平仓
)

// ProfitMilestones 盈利里程碑（点数，每个仅提醒一次）
var ProfitMilestones = []float64{150, 200, 250, 300, 400, 500}

// HighImpactKeywords 高影响事件关键词（命中则在事件窗口内禁止开仓）
var HighImpactKeywords = []string{"FOMC", "NFP", "CPI", "BOJ", "GDP", "FED", "RATE DECISION"}

// ==================== 运行配置 ====================

// Config 运行配置（凭据与部署参数来自环境变量）
type Config struct {
	// IG Markets
	IGAPIKey    string
	IGUsername  string
	IGPassword  string
	IGAccountID string
	IGDemo      bool
	PaperMode   bool

	// AI 顾问
	AdvisorAPIKey   string
	AdvisorBaseURL  string
	AdvisorFastMode string
	AdvisorMainMode string
	AdvisorConfMode string

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// 仪表盘
	DashboardAddr     string
	DashboardPassHash string
	DashboardTOTPKey  string
	JWTSecret         string

	// 路径
	DBPath           string
	StateFile        string
	OverridesFile    string
	ForceScanTrigger string
	CooldownTrigger  string
	LogFile          string
	LogLevel         string

	// 行情
	UseStreaming bool
	StreamURL    string

	// 经济日历（留空则禁用日历抓取）
	FinnhubToken string
}

// Load 加载配置（存在 .env 时优先加载）
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("加载 .env 失败: %w", err)
		}
	}

	cfg := &Config{
		IGAPIKey:    os.Getenv("IG_API_KEY"),
		IGUsername:  os.Getenv("IG_USERNAME"),
		IGPassword:  os.Getenv("IG_PASSWORD"),
		IGAccountID: os.Getenv("IG_ACCOUNT_ID"),
		IGDemo:      envBool("IG_DEMO", true),
		PaperMode:   envBool("PAPER_MODE", true),

		AdvisorAPIKey:   os.Getenv("ADVISOR_API_KEY"),
		AdvisorBaseURL:  envString("ADVISOR_BASE_URL", "https://api.anthropic.com"),
		AdvisorFastMode: envString("ADVISOR_FAST_MODEL", "claude-3-5-haiku-latest"),
		AdvisorMainMode: envString("ADVISOR_MAIN_MODEL", "claude-sonnet-4-5"),
		AdvisorConfMode: envString("ADVISOR_CONFIRM_MODEL", "claude-opus-4-1"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DashboardAddr:     envString("DASHBOARD_ADDR", ":8090"),
		DashboardPassHash: os.Getenv("DASHBOARD_PASSWORD_HASH"),
		DashboardTOTPKey:  os.Getenv("DASHBOARD_TOTP_SECRET"),
		JWTSecret:         os.Getenv("DASHBOARD_JWT_SECRET"),

		DBPath:           envString("DB_PATH", "data/japan225.db"),
		StateFile:        envString("STATE_FILE", "data/bot_state.json"),
		OverridesFile:    envString("OVERRIDES_FILE", "data/overrides.json"),
		ForceScanTrigger: envString("FORCE_SCAN_TRIGGER", "data/force_scan.trigger"),
		CooldownTrigger:  envString("COOLDOWN_TRIGGER", "data/clear_cooldown.trigger"),
		LogFile:          envString("LOG_FILE", "logs/bot.log"),
		LogLevel:         envString("LOG_LEVEL", "info"),

		UseStreaming: envBool("MONITOR_USE_STREAMING", false),
		StreamURL:    os.Getenv("STREAM_URL"),

		FinnhubToken: os.Getenv("FINNHUB_TOKEN"),
	}

	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("TELEGRAM_CHAT_ID 无效: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if !cfg.PaperMode {
		if cfg.IGAPIKey == "" || cfg.IGUsername == "" || cfg.IGPassword == "" {
			return nil, fmt.Errorf("实盘模式缺少 IG 凭据（IG_API_KEY/IG_USERNAME/IG_PASSWORD）")
		}
	}

	return cfg, nil
}

// IGBaseURL 根据 demo 开关返回 IG 网关地址
func (c *Config) IGBaseURL() string {
	if c.IGDemo {
		return "https://demo-api.ig.com/gateway/deal"
	}
	return "https://api.ig.com/gateway/deal"
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
