package binance

import "time"

// Config Binance U 本位合约接入参数。
type Config struct {
	APIKey          string
	APISecret       string
	Testnet         bool
	BaseURL         string // 非空时覆盖默认地址，测试使用
	RateLimitPerMin int
	MarginType      string // ISOLATED | CROSSED
	Intervals       []string
	KlineLimit      int
	HTTPTimeout     time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RateLimitPerMin <= 0 {
		out.RateLimitPerMin = 1200
	}
	if out.MarginType == "" {
		out.MarginType = "ISOLATED"
	}
	if len(out.Intervals) == 0 {
		out.Intervals = []string{"15m", "1h", "4h"}
	}
	if out.KlineLimit <= 0 {
		out.KlineLimit = 120
	}
	if out.KlineLimit > maxKlineLimit {
		out.KlineLimit = maxKlineLimit
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	return out
}
