package coins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"perpdesk/internal/logger"
)

// SymbolProvider 提供每轮调度的币种列表。
type SymbolProvider interface {
	List(ctx context.Context) ([]string, error)
	Name() string
}

// NormalizeSymbols 大写、补全 USDT 后缀并去重，保持原有顺序。
func NormalizeSymbols(symbols []string) ([]string, error) {
	if len(symbols) == 0 {
		return nil, errors.New("symbol list is empty")
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		s = strings.ReplaceAll(s, "/", "")
		if s == "" {
			continue
		}
		if !strings.HasSuffix(s, "USDT") {
			s += "USDT"
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, errors.New("symbol list is empty after normalization")
	}
	return out, nil
}

type StaticProvider struct{ symbols []string }

func NewStaticProvider(symbols []string) *StaticProvider {
	return &StaticProvider{symbols: append([]string(nil), symbols...)}
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) List(_ context.Context) ([]string, error) {
	return NormalizeSymbols(p.symbols)
}

// HTTPProvider 从外部接口拉取币种；兼容 ["BTC",...] 与 {"symbols":[...]} 两种返回。
// 拉取失败时沿用上一次成功结果，再退回到 fallback。
type HTTPProvider struct {
	url      string
	fallback []string
	http     *resty.Client

	mu   sync.RWMutex
	last []string
}

func NewHTTPProvider(url string, fallback []string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		url:      strings.TrimSpace(url),
		fallback: append([]string(nil), fallback...),
		http:     resty.New().SetTimeout(timeout),
	}
}

func (p *HTTPProvider) Name() string { return "http" }

func (p *HTTPProvider) List(ctx context.Context) ([]string, error) {
	list, err := p.fetch(ctx)
	if err == nil {
		p.mu.Lock()
		p.last = list
		p.mu.Unlock()
		return list, nil
	}
	p.mu.RLock()
	last := append([]string(nil), p.last...)
	p.mu.RUnlock()
	if len(last) > 0 {
		logger.Warnf("[coins] 拉取币种失败，沿用上次结果(%d 个): %v", len(last), err)
		return last, nil
	}
	if len(p.fallback) > 0 {
		logger.Warnf("[coins] 拉取币种失败，使用静态列表: %v", err)
		return NormalizeSymbols(p.fallback)
	}
	return nil, err
}

func (p *HTTPProvider) fetch(ctx context.Context) ([]string, error) {
	if p.url == "" {
		return nil, errors.New("symbol API URL not configured")
	}
	resp, err := p.http.R().SetContext(ctx).Get(p.url)
	if err != nil {
		return nil, fmt.Errorf("fetching symbols: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("HTTP status %d", resp.StatusCode())
	}
	body := resp.Body()
	var arr []string
	if err := json.Unmarshal(body, &arr); err == nil {
		return NormalizeSymbols(arr)
	}
	var obj struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return NormalizeSymbols(obj.Symbols)
}
