package binance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"perpdesk/internal/logger"
	"perpdesk/internal/market"
)

// Source 实现 market.SnapshotSource：多周期 K 线特征 + 标记价与资金费率。
type Source struct {
	c   *Client
	now func() time.Time
}

func NewSource(c *Client) *Source {
	return &Source{c: c, now: time.Now}
}

var _ market.SnapshotSource = (*Source)(nil)

func (s *Source) Snapshot(ctx context.Context, symbol string) (market.Snapshot, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return market.Snapshot{}, fmt.Errorf("symbol is required")
	}
	snap := market.Snapshot{Symbol: symbol, Timestamp: s.now().UTC()}
	mark, funding, err := s.premium(ctx, symbol)
	if err != nil {
		return snap, err
	}
	snap.MarkPrice = mark
	snap.FundingRate = funding
	for _, iv := range s.c.cfg.Intervals {
		candles, err := s.FetchHistory(ctx, symbol, iv, s.c.cfg.KlineLimit)
		if err != nil {
			return snap, fmt.Errorf("%s %s klines: %w", symbol, iv, err)
		}
		feat, err := market.ComputeFeatures(iv, candles)
		if err != nil {
			logger.Warnf("[binance] %s %s 特征计算跳过: %v", symbol, iv, err)
			continue
		}
		snap.Timeframes = append(snap.Timeframes, feat)
	}
	if len(snap.Timeframes) == 0 {
		return snap, fmt.Errorf("%s 无可用周期特征", symbol)
	}
	return snap, nil
}

// FetchHistory 拉取最近 limit 根 K 线（升序）。
func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	if err := s.c.wait(ctx); err != nil {
		return nil, err
	}
	logger.Debugf("[binance] klines %s %s limit=%d", symbol, interval, limit)
	rows, err := s.c.api.NewKlinesService().Symbol(symbol).Interval(strings.ToLower(interval)).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("klines", err)
	}
	out := make([]market.Candle, 0, len(rows))
	for _, k := range rows {
		if k == nil {
			continue
		}
		vol := parseFloat(k.Volume)
		buy := parseFloat(k.TakerBuyBaseAssetVolume)
		out = append(out, market.Candle{
			OpenTime:        k.OpenTime,
			CloseTime:       k.CloseTime,
			Open:            parseFloat(k.Open),
			High:            parseFloat(k.High),
			Low:             parseFloat(k.Low),
			Close:           parseFloat(k.Close),
			Volume:          vol,
			TakerBuyVolume:  buy,
			TakerSellVolume: vol - buy,
			Trades:          k.TradeNum,
		})
	}
	return out, nil
}

// premium 标记价与最新资金费率（例如 0.0001 即 0.01%）。
func (s *Source) premium(ctx context.Context, symbol string) (float64, float64, error) {
	if err := s.c.wait(ctx); err != nil {
		return 0, 0, err
	}
	res, err := s.c.api.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, 0, classify("premium_index", err)
	}
	for _, entry := range res {
		if entry != nil && strings.EqualFold(entry.Symbol, symbol) {
			return parseFloat(entry.MarkPrice), parseFloat(entry.LastFundingRate), nil
		}
	}
	if len(res) > 0 && res[0] != nil {
		return parseFloat(res[0].MarkPrice), parseFloat(res[0].LastFundingRate), nil
	}
	return 0, 0, fmt.Errorf("premium index not available for %s", symbol)
}
