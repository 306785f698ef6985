package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// 全局配置实例
var global *Config

// Config 全局配置（从 .env 加载）
// 策略参数保存在数据库，这里只有进程级别的配置
type Config struct {
	// 日志
	LogLevel string
	LogJSON  bool

	// 数据库
	DBType string // sqlite | postgres
	DBPath string
	DBDSN  string

	// 券商
	Broker           string // paper | binance
	BinanceAPIKey    string
	BinanceSecretKey string
	BinanceTestnet   bool
	AccountCurrency  string

	// 调度
	TickInterval            time.Duration
	TickTimeout             time.Duration
	CallTimeout             time.Duration
	RateLimitRPS            float64
	MaxConcurrentStrategies int
	TradingDays             string
	TradingHours            string
	TradingTZ               string

	// 网格
	ZoneTolerance   decimal.Decimal // fraction of a step
	PriceBandPct    decimal.Decimal // percent, 20 = ±20% around market
	MaxLadderLevels int

	// 通知 / 控制面
	TelegramBotToken string
	TelegramAdminIDs []int64
	APIServerPort    int
	SeedFile         string
}

// Init 初始化全局配置（从环境变量加载）
func Init() {
	cfg := &Config{
		LogLevel:                "info",
		DBType:                  "sqlite",
		DBPath:                  "data/ladderbot.db",
		Broker:                  "paper",
		AccountCurrency:         "usdt",
		TickInterval:            time.Minute,
		TickTimeout:             45 * time.Second,
		CallTimeout:             10 * time.Second,
		RateLimitRPS:            10,
		MaxConcurrentStrategies: 4,
		ZoneTolerance:           decimal.RequireFromString("0.1"),
		PriceBandPct:            decimal.NewFromInt(20),
		MaxLadderLevels:         100,
		APIServerPort:           8080,
	}

	if v := env("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.LogJSON = strings.ToLower(env("LOG_FORMAT")) == "json"
	if v := env("DB_TYPE"); v != "" {
		cfg.DBType = strings.ToLower(v)
	}
	if v := env("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	cfg.DBDSN = env("DB_DSN")

	if v := env("BROKER"); v != "" {
		cfg.Broker = strings.ToLower(v)
	}
	cfg.BinanceAPIKey = env("BINANCE_API_KEY")
	cfg.BinanceSecretKey = env("BINANCE_SECRET_KEY")
	cfg.BinanceTestnet = strings.ToLower(env("BINANCE_TESTNET")) == "true"
	if v := env("ACCOUNT_CURRENCY"); v != "" {
		cfg.AccountCurrency = strings.ToLower(v)
	}

	if d, ok := duration("TICK_INTERVAL"); ok {
		cfg.TickInterval = d
	}
	if d, ok := duration("TICK_TIMEOUT"); ok {
		cfg.TickTimeout = d
	}
	if d, ok := duration("CALL_TIMEOUT"); ok {
		cfg.CallTimeout = d
	}
	if v := env("RATE_LIMIT_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil && rps >= 0 {
			cfg.RateLimitRPS = rps
		}
	}
	if n, ok := positiveInt("MAX_CONCURRENT_STRATEGIES"); ok {
		cfg.MaxConcurrentStrategies = n
	}
	cfg.TradingDays = env("TRADING_DAYS")
	cfg.TradingHours = env("TRADING_HOURS")
	cfg.TradingTZ = env("TRADING_TZ")

	if v := env("ZONE_TOLERANCE"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.IsPositive() {
			cfg.ZoneTolerance = d
		}
	}
	if v := env("PRICE_BAND_PCT"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.IsPositive() {
			cfg.PriceBandPct = d
		}
	}
	if n, ok := positiveInt("MAX_LADDER_LEVELS"); ok {
		cfg.MaxLadderLevels = n
	}

	cfg.TelegramBotToken = env("TELEGRAM_BOT_TOKEN")
	cfg.TelegramAdminIDs = parseIDs(env("TELEGRAM_ADMIN_IDS"))
	if n, ok := positiveInt("API_SERVER_PORT"); ok {
		cfg.APIServerPort = n
	}
	cfg.SeedFile = env("SEED_FILE")

	global = cfg
}

// Get 获取全局配置
func Get() *Config {
	if global == nil {
		Init()
	}
	return global
}

// PriceBand band as a fraction (20% -> 0.2)
func (c *Config) PriceBand() decimal.Decimal {
	return c.PriceBandPct.Div(decimal.NewFromInt(100))
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func duration(key string) (time.Duration, bool) {
	v := env(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func positiveInt(key string) (int, bool) {
	n, err := strconv.Atoi(env(key))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// parseIDs comma separated chat ids, invalid entries skipped
func parseIDs(v string) []int64 {
	var ids []int64
	for _, part := range strings.Split(v, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
