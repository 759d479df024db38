package binance

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"
)

const maxKlineLimit = 1500

// Client 共享的 futures 客户端与限频器，Exchange 和 Source 共用。
type Client struct {
	cfg     Config
	api     *futures.Client
	limiter *rate.Limiter

	mu      sync.Mutex
	filters map[string]symbolFilters
}

type symbolFilters struct {
	step        string
	tick        string
	minNotional float64
}

func NewClient(cfg Config) *Client {
	final := cfg.withDefaults()
	if final.Testnet {
		futures.UseTestnet = true
	}
	api := futures.NewClient(final.APIKey, final.APISecret)
	if final.BaseURL != "" {
		api.BaseURL = strings.TrimRight(final.BaseURL, "/")
	}
	api.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	perSec := float64(final.RateLimitPerMin) / 60
	burst := final.RateLimitPerMin / 60
	if burst < 1 {
		burst = 1
	}
	return &Client{
		cfg:     final,
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		filters: make(map[string]symbolFilters),
	}
}

func (c *Client) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// symbolFilters 读取 stepSize/tickSize/最小名义价值；按需刷新一次 exchangeInfo。
func (c *Client) symbolFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	c.mu.Lock()
	f, ok := c.filters[symbol]
	c.mu.Unlock()
	if ok {
		return f, nil
	}
	if err := c.wait(ctx); err != nil {
		return symbolFilters{}, err
	}
	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return symbolFilters{}, classify("exchange_info", err)
	}
	loaded := make(map[string]symbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		var sf symbolFilters
		for _, raw := range s.Filters {
			kind, _ := raw["filterType"].(string)
			switch kind {
			case "LOT_SIZE":
				sf.step, _ = raw["stepSize"].(string)
			case "PRICE_FILTER":
				sf.tick, _ = raw["tickSize"].(string)
			case "MIN_NOTIONAL":
				v, _ := raw["notional"].(string)
				sf.minNotional = parseFloat(v)
			}
		}
		loaded[strings.ToUpper(s.Symbol)] = sf
	}
	c.mu.Lock()
	for k, v := range loaded {
		c.filters[k] = v
	}
	f, ok = c.filters[symbol]
	c.mu.Unlock()
	if !ok {
		return symbolFilters{}, permanent("exchange_info", 0, "unknown symbol "+symbol)
	}
	return f, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
