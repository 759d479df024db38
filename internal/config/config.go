package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"perpdesk/internal/coins"
	"perpdesk/internal/decision"
	"perpdesk/internal/execution"
	"perpdesk/internal/gateway/binance"
	"perpdesk/internal/gateway/provider"
	"perpdesk/internal/risk"
)

// 环境变量覆盖（.env 同样生效）。
const (
	EnvBinanceKey    = "PERPDESK_BINANCE_KEY"
	EnvBinanceSecret = "PERPDESK_BINANCE_SECRET"
	EnvAdvisoryKey   = "PERPDESK_ADVISORY_KEY"
	EnvTelegramToken = "PERPDESK_TELEGRAM_TOKEN"
)

type Config struct {
	App       AppConfig       `toml:"app"`
	Schedule  ScheduleConfig  `toml:"schedule"`
	Trading   TradingConfig   `toml:"trading"`
	Risk      RiskConfig      `toml:"risk"`
	Execution ExecutionConfig `toml:"execution"`
	Advisory  AdvisoryConfig  `toml:"advisory"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	History   HistoryConfig   `toml:"history"`
	Alarm     AlarmConfig     `toml:"alarm"`
	HTTP      HTTPConfig      `toml:"http"`
}

type AppConfig struct {
	Name     string `toml:"name"`
	LogLevel string `toml:"log_level"`
	DataDir  string `toml:"data_dir"`
}

type ScheduleConfig struct {
	IntervalSeconds int      `toml:"interval_seconds"`
	Symbols         []string `toml:"symbols"`
	SymbolsURL      string   `toml:"symbols_url"`
	Strategy        string   `toml:"strategy"`
	RunOnStart      *bool    `toml:"run_on_start"`
}

type TradingConfig struct {
	DefaultLeverage    int              `toml:"default_leverage"`
	MaxLeverage        int              `toml:"max_leverage"`
	MarginType         string           `toml:"margin_type"`
	DefaultOrderType   string           `toml:"default_order_type"`
	MinNotionalUSDT    float64          `toml:"min_notional_usdt"`
	RealTradingEnabled bool             `toml:"real_trading_enabled"`
	DryRun             *bool            `toml:"dry_run"`
	PaperEquityUSDT    float64          `toml:"paper_equity_usdt"`
	LimitOrder         LimitOrderConfig `toml:"limit_order"`
}

type LimitOrderConfig struct {
	MaxWaitTime  int `toml:"max_wait_time"`
	PollInterval int `toml:"poll_interval"`
}

type RiskConfig struct {
	MaxDailyLoss         float64 `toml:"max_daily_loss"`
	MaxPositionPerSymbol int     `toml:"max_position_per_symbol"`
	MaxTotalExposure     float64 `toml:"max_total_exposure"`
	MaxTradesPerHour     int     `toml:"max_trades_per_hour"`
}

type ExecutionConfig struct {
	MaxAttempts          int `toml:"max_attempts"`
	BackoffBaseMS        int `toml:"backoff_base_ms"`
	BackoffMaxMS         int `toml:"backoff_max_ms"`
	CallTimeoutSeconds   int `toml:"call_timeout_seconds"`
	MarketConfirmSeconds int `toml:"market_confirm_seconds"`
}

type AdvisoryConfig struct {
	Provider       string  `toml:"provider"`
	BaseURL        string  `toml:"base_url"`
	APIKey         string  `toml:"api_key"`
	Model          string  `toml:"model"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	MaxAttempts    int     `toml:"max_attempts"`
	Temperature    float64 `toml:"temperature"`
	JSONMode       bool    `toml:"json_mode"`
	MaxTokens      int     `toml:"max_tokens"`
	StrategiesPath string  `toml:"strategies_path"`
}

type ExchangeConfig struct {
	APIKey          string   `toml:"api_key"`
	APISecret       string   `toml:"api_secret"`
	Testnet         bool     `toml:"testnet"`
	RateLimitPerMin int      `toml:"rate_limit_per_min"`
	Intervals       []string `toml:"intervals"`
	KlineLimit      int      `toml:"kline_limit"`
}

type HistoryConfig struct {
	DBPath *string `toml:"db_path"`
}

type AlarmConfig struct {
	File           string `toml:"file"`
	TelegramToken  string `toml:"telegram_token"`
	TelegramChatID string `toml:"telegram_chat_id"`
}

type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Load 读取 TOML，叠加 .env 与环境变量，补默认值并校验。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析并补默认值，不读取环境变量。
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := toml.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("配置包含未知字段:\n%s", strict.String())
		}
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func loadDotEnv(paths ...string) {
	seen := map[string]bool{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		// 已存在的环境变量优先
		_ = godotenv.Load(abs)
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&c.Exchange.APIKey, EnvBinanceKey)
	set(&c.Exchange.APISecret, EnvBinanceSecret)
	set(&c.Advisory.APIKey, EnvAdvisoryKey)
	set(&c.Alarm.TelegramToken, EnvTelegramToken)
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "perpdesk"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.DataDir == "" {
		c.App.DataDir = "data"
	}
	if c.Schedule.IntervalSeconds <= 0 {
		c.Schedule.IntervalSeconds = 900
	}
	if c.Schedule.Strategy == "" {
		c.Schedule.Strategy = "aggressive"
	}
	if c.Schedule.RunOnStart == nil {
		c.Schedule.RunOnStart = boolPtr(true)
	}
	t := &c.Trading
	if t.DefaultLeverage <= 0 {
		t.DefaultLeverage = 5
	}
	if t.MaxLeverage <= 0 {
		t.MaxLeverage = 20
	}
	t.MarginType = strings.ToUpper(strings.TrimSpace(t.MarginType))
	if t.MarginType == "" {
		t.MarginType = "ISOLATED"
	}
	t.DefaultOrderType = strings.ToUpper(strings.TrimSpace(t.DefaultOrderType))
	if t.DefaultOrderType == "" {
		t.DefaultOrderType = string(decision.OrderTypeMarket)
	}
	if t.MinNotionalUSDT <= 0 {
		t.MinNotionalUSDT = 5
	}
	if t.DryRun == nil {
		t.DryRun = boolPtr(true)
	}
	if t.PaperEquityUSDT <= 0 {
		t.PaperEquityUSDT = 1000
	}
	if t.LimitOrder.MaxWaitTime <= 0 {
		t.LimitOrder.MaxWaitTime = 720
	}
	if t.LimitOrder.PollInterval <= 0 {
		t.LimitOrder.PollInterval = 2
	}
	r := &c.Risk
	if r.MaxDailyLoss <= 0 {
		r.MaxDailyLoss = 0.05
	}
	if r.MaxPositionPerSymbol <= 0 {
		r.MaxPositionPerSymbol = 3
	}
	if r.MaxTotalExposure <= 0 {
		r.MaxTotalExposure = 3
	}
	if r.MaxTradesPerHour <= 0 {
		r.MaxTradesPerHour = 6
	}
	e := &c.Execution
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = 5
	}
	if e.BackoffBaseMS <= 0 {
		e.BackoffBaseMS = 1000
	}
	if e.BackoffMaxMS <= 0 {
		e.BackoffMaxMS = 60000
	}
	if e.CallTimeoutSeconds <= 0 {
		e.CallTimeoutSeconds = 15
	}
	if e.MarketConfirmSeconds <= 0 {
		e.MarketConfirmSeconds = 30
	}
	a := &c.Advisory
	if a.Provider == "" {
		a.Provider = "openai"
	}
	if a.BaseURL == "" {
		a.BaseURL = "https://api.deepseek.com/v1"
	}
	if a.Model == "" {
		a.Model = "deepseek-chat"
	}
	if a.TimeoutSeconds <= 0 {
		a.TimeoutSeconds = 120
	}
	if a.MaxAttempts <= 0 {
		a.MaxAttempts = 3
	}
	if a.MaxTokens <= 0 {
		a.MaxTokens = 2048
	}
	if c.Exchange.RateLimitPerMin <= 0 {
		c.Exchange.RateLimitPerMin = 1200
	}
	if c.History.DBPath == nil {
		p := filepath.Join(c.App.DataDir, "perpdesk.db")
		c.History.DBPath = &p
	}
	if c.Alarm.File == "" {
		c.Alarm.File = filepath.Join(c.App.DataDir, "alarm.txt")
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":9991"
	}
}

// Validate 校验取值范围；dry_run=false 必须同时打开 real_trading_enabled。
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if _, err := coins.NormalizeSymbols(c.Schedule.Symbols); err != nil && c.Schedule.SymbolsURL == "" {
		add("schedule.symbols: %v", err)
	}
	t := c.Trading
	if t.MaxLeverage < 1 {
		add("trading.max_leverage 必须 >= 1")
	}
	if t.DefaultLeverage < 1 || t.DefaultLeverage > t.MaxLeverage {
		add("trading.default_leverage=%d 需在 [1, %d] 内", t.DefaultLeverage, t.MaxLeverage)
	}
	if t.MarginType != "ISOLATED" && t.MarginType != "CROSSED" {
		add("trading.margin_type=%q 仅支持 ISOLATED/CROSSED", t.MarginType)
	}
	if _, ok := decision.ParseOrderType(t.DefaultOrderType); !ok {
		add("trading.default_order_type=%q 仅支持 MARKET/LIMIT", t.DefaultOrderType)
	}
	if !c.DryRun() && !t.RealTradingEnabled {
		add("trading.dry_run=false 需要同时设置 trading.real_trading_enabled=true")
	}
	if !c.DryRun() && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		add("实盘模式需要 exchange.api_key / api_secret（或 %s / %s）", EnvBinanceKey, EnvBinanceSecret)
	}
	r := c.Risk
	if r.MaxDailyLoss >= 1 {
		add("risk.max_daily_loss=%g 应为权益比例 (0,1)", r.MaxDailyLoss)
	}
	if c.Execution.BackoffMaxMS < c.Execution.BackoffBaseMS {
		add("execution.backoff_max_ms 不能小于 backoff_base_ms")
	}
	if c.Advisory.Temperature < 0 || c.Advisory.Temperature > 2 {
		add("advisory.temperature=%g 需在 [0, 2] 内", c.Advisory.Temperature)
	}
	return errors.Join(errs...)
}

func (c *Config) DryRun() bool { return c.Trading.DryRun == nil || *c.Trading.DryRun }

func (c *Config) RunOnStart() bool { return c.Schedule.RunOnStart == nil || *c.Schedule.RunOnStart }

func (c *Config) Interval() time.Duration {
	return time.Duration(c.Schedule.IntervalSeconds) * time.Second
}

// DBPath 为空表示使用内存存储。
func (c *Config) DBPath() string {
	if c.History.DBPath == nil {
		return ""
	}
	return strings.TrimSpace(*c.History.DBPath)
}

func (c *Config) RiskPolicy() risk.Policy {
	return risk.Policy{
		MaxDailyLoss:         c.Risk.MaxDailyLoss,
		MaxPositionPerSymbol: c.Risk.MaxPositionPerSymbol,
		MaxTotalExposure:     c.Risk.MaxTotalExposure,
		MaxTradesPerHour:     c.Risk.MaxTradesPerHour,
		MinNotionalUSDT:      c.Trading.MinNotionalUSDT,
		DefaultLeverage:      c.Trading.DefaultLeverage,
		MaxLeverage:          c.Trading.MaxLeverage,
	}
}

func (c *Config) ExecutionConfig() execution.Config {
	e := c.Execution
	return execution.Config{
		MaxAttempts:       e.MaxAttempts,
		BackoffBase:       time.Duration(e.BackoffBaseMS) * time.Millisecond,
		BackoffMax:        time.Duration(e.BackoffMaxMS) * time.Millisecond,
		CallTimeout:       time.Duration(e.CallTimeoutSeconds) * time.Second,
		LimitMaxWait:      time.Duration(c.Trading.LimitOrder.MaxWaitTime) * time.Second,
		PollInterval:      time.Duration(c.Trading.LimitOrder.PollInterval) * time.Second,
		MarketConfirmWait: time.Duration(e.MarketConfirmSeconds) * time.Second,
		MinNotionalUSDT:   c.Trading.MinNotionalUSDT,
	}
}

func (c *Config) Validator() decision.Validator {
	ot, _ := decision.ParseOrderType(c.Trading.DefaultOrderType)
	return decision.Validator{DefaultOrderType: ot, LeverageCeiling: c.Trading.MaxLeverage}
}

func (c *Config) BinanceConfig() binance.Config {
	return binance.Config{
		APIKey:          c.Exchange.APIKey,
		APISecret:       c.Exchange.APISecret,
		Testnet:         c.Exchange.Testnet,
		RateLimitPerMin: c.Exchange.RateLimitPerMin,
		MarginType:      c.Trading.MarginType,
		Intervals:       c.Exchange.Intervals,
		KlineLimit:      c.Exchange.KlineLimit,
		HTTPTimeout:     time.Duration(c.Execution.CallTimeoutSeconds) * time.Second,
	}
}

func (c *Config) ModelConfig() provider.ModelCfg {
	a := c.Advisory
	return provider.ModelCfg{
		Provider:    a.Provider,
		BaseURL:     a.BaseURL,
		APIKey:      a.APIKey,
		Model:       a.Model,
		Temperature: a.Temperature,
		JSONMode:    a.JSONMode,
		MaxTokens:   a.MaxTokens,
		Timeout:     time.Duration(a.TimeoutSeconds) * time.Second,
	}
}

// Redacted 日志与 check-config 输出用，隐藏密钥。
func (c Config) Redacted() Config {
	out := c
	out.Exchange.APIKey = mask(c.Exchange.APIKey)
	out.Exchange.APISecret = mask(c.Exchange.APISecret)
	out.Advisory.APIKey = mask(c.Advisory.APIKey)
	out.Alarm.TelegramToken = mask(c.Alarm.TelegramToken)
	return out
}

// Encode 以 TOML 输出。
func (c Config) Encode() (string, error) {
	var b strings.Builder
	enc := toml.NewEncoder(&b)
	enc.SetIndentTables(true)
	if err := enc.Encode(c); err != nil {
		return "", err
	}
	return b.String(), nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

func boolPtr(b bool) *bool { return &b }
