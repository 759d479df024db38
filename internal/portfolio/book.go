package portfolio

import (
	"math"
	"strings"
	"sync"
	"time"

	"perpdesk/internal/decision"
	"perpdesk/internal/risk"
)

// 中文说明：
// Book 保存每个币种的持仓、当日已实现盈亏与最近一小时的下单记录。
// 只有执行引擎在确认成交/撤单或同步账户后才会写入；风控与规划只读快照。

const dustQty = 1e-9

// Fill 一次已确认的成交。
type Fill struct {
	Symbol       string
	PositionSide decision.Side
	ReduceOnly   bool
	Quantity     float64
	Price        float64
	At           time.Time
}

// ExchangePosition 交易所同步回来的持仓。
type ExchangePosition struct {
	Symbol     string
	Side       decision.Side
	Quantity   float64
	EntryPrice float64
	MarkPrice  float64
}

// AccountSnapshot 交易所账户快照。
type AccountSnapshot struct {
	Equity    float64
	Positions []ExchangePosition
}

type Book struct {
	mu            sync.RWMutex
	equity        float64
	day           string
	realizedToday float64
	positions     map[string]risk.PositionState
	trades        []time.Time
}

func NewBook(equity float64) *Book {
	return &Book{equity: equity, positions: make(map[string]risk.PositionState)}
}

func normSymbol(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

// Snapshot 生成风控使用的账户快照（深拷贝）。
func (b *Book) Snapshot(symbol string, now time.Time) risk.AccountState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay(now)
	b.pruneTrades(now)
	out := risk.AccountState{
		Symbol:           normSymbol(symbol),
		Equity:           b.equity,
		RealizedPnLToday: b.realizedToday,
		Positions:        make(map[string]risk.PositionState, len(b.positions)),
		TradesLastHour:   len(b.trades),
	}
	for k, p := range b.positions {
		out.Positions[k] = p
		out.UnrealizedPnL += unrealized(p)
	}
	return out
}

// Position 返回指定币种持仓。
func (b *Book) Position(symbol string) (risk.PositionState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[normSymbol(symbol)]
	return p, ok && p.Open()
}

// ApplyFill 按成交更新持仓；减仓数量不会超过当前持仓。
func (b *Book) ApplyFill(f Fill) {
	if f.Quantity <= 0 || f.Price <= 0 {
		return
	}
	sym := normSymbol(f.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay(f.At)
	pos := b.positions[sym]
	if !f.ReduceOnly {
		if !pos.Open() || pos.Side != f.PositionSide {
			pos = risk.PositionState{Symbol: sym, Side: f.PositionSide}
		}
		total := pos.Quantity + f.Quantity
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + f.Price*f.Quantity) / total
		pos.Quantity = total
		pos.Entries++
		if pos.MarkPrice <= 0 {
			pos.MarkPrice = f.Price
		}
		b.positions[sym] = pos
		return
	}
	if !pos.Open() {
		return
	}
	qty := math.Min(pos.Quantity, f.Quantity)
	pnl := (f.Price - pos.EntryPrice) * qty
	if pos.Side == decision.SideShort {
		pnl = -pnl
	}
	b.realizedToday += pnl
	b.equity += pnl
	pos.Quantity -= qty
	pos.MarkPrice = f.Price
	if pos.Quantity <= dustQty {
		delete(b.positions, sym)
		return
	}
	b.positions[sym] = pos
}

// RecordTrade 记录一次实际发出的下单动作，用于小时频率限制。
func (b *Book) RecordTrade(at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trades = append(b.trades, at)
	b.pruneTrades(at)
}

// UpdateMark 更新标记价格。
func (b *Book) UpdateMark(symbol string, price float64) {
	if price <= 0 {
		return
	}
	sym := normSymbol(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.positions[sym]; ok {
		p.MarkPrice = price
		b.positions[sym] = p
	}
}

// Sync 以交易所账户为准覆盖持仓；入场次数沿用本地计数。
// 指定 symbols 时只改写这些币种，其他币种可能正有订单在途，由各自的轮次同步。
func (b *Book) Sync(s AccountSnapshot, symbols ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.Equity > 0 {
		b.equity = s.Equity
	}
	var scope map[string]struct{}
	if len(symbols) > 0 {
		scope = make(map[string]struct{}, len(symbols))
		for _, sym := range symbols {
			scope[normSymbol(sym)] = struct{}{}
		}
	}
	inScope := func(sym string) bool {
		if scope == nil {
			return true
		}
		_, ok := scope[sym]
		return ok
	}

	next := make(map[string]risk.PositionState, len(b.positions))
	for sym, p := range b.positions {
		if !inScope(sym) {
			next[sym] = p
		}
	}
	for _, ep := range s.Positions {
		sym := normSymbol(ep.Symbol)
		if ep.Quantity <= dustQty || !inScope(sym) {
			continue
		}
		entries := 1
		if prev, ok := b.positions[sym]; ok && prev.Side == ep.Side && prev.Entries > 0 {
			entries = prev.Entries
		}
		next[sym] = risk.PositionState{
			Symbol:     sym,
			Side:       ep.Side,
			Quantity:   ep.Quantity,
			EntryPrice: ep.EntryPrice,
			MarkPrice:  ep.MarkPrice,
			Entries:    entries,
		}
	}
	b.positions = next
}

func (b *Book) rollDay(now time.Time) {
	if now.IsZero() {
		return
	}
	day := now.UTC().Format("2006-01-02")
	if b.day != day {
		b.day = day
		b.realizedToday = 0
	}
}

func (b *Book) pruneTrades(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(b.trades) && !b.trades[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.trades = append(b.trades[:0], b.trades[i:]...)
	}
}

func unrealized(p risk.PositionState) float64 {
	if !p.Open() || p.MarkPrice <= 0 {
		return 0
	}
	diff := (p.MarkPrice - p.EntryPrice) * p.Quantity
	if p.Side == decision.SideShort {
		return -diff
	}
	return diff
}
