package market

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// TimeframeFeatures 单个周期的特征。
type TimeframeFeatures struct {
	Interval   string  `json:"interval"`
	Bars       int     `json:"bars"`
	Close      float64 `json:"close"`
	ChangePct  float64 `json:"change_pct"` // 窗口内涨跌幅
	EMA20      float64 `json:"ema20"`
	EMA50      float64 `json:"ema50"`
	RSI14      float64 `json:"rsi14"`
	ATR14      float64 `json:"atr14"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	Trend      string  `json:"trend"` // up|down|flat，按 EMA 排列判断
	CVD        *CVD    `json:"cvd,omitempty"`
}

// Snapshot 一次决策使用的行情快照，对执行链路不透明。
type Snapshot struct {
	Symbol      string              `json:"symbol"`
	Timestamp   time.Time           `json:"timestamp"`
	MarkPrice   float64             `json:"mark_price"`
	FundingRate float64             `json:"funding_rate"`
	Timeframes  []TimeframeFeatures `json:"timeframes"`
}

// Ref 快照引用，写入历史用于审计：symbol@时间#内容摘要。
func (s Snapshot) Ref() string {
	body, _ := json.Marshal(s)
	sum := sha1.Sum(body)
	return fmt.Sprintf("%s@%s#%s", s.Symbol, s.Timestamp.UTC().Format("20060102T150405Z"), hex.EncodeToString(sum[:])[:12])
}

// SnapshotSource 提供多周期快照。
type SnapshotSource interface {
	Snapshot(ctx context.Context, symbol string) (Snapshot, error)
}
