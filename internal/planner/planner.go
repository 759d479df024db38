package planner

import (
	"perpdesk/internal/decision"
	"perpdesk/internal/pkg/trading"
	"perpdesk/internal/risk"
)

// MarketState 规划时使用的价格参考。
type MarketState struct {
	Symbol    string
	MarkPrice float64
	Position  risk.PositionState // 无持仓时为零值
}

// Planner 纯函数式规划，不发起网络调用。
type Planner struct {
	MinNotionalUSDT float64
}

// Plan 将通过风控的建议转为有序的下单意图；未通过或 no_action 返回空。
func (p Planner) Plan(rec decision.Recommendation, verdict risk.Verdict, mkt MarketState) []OrderIntent {
	out, _ := p.PlanWithReason(rec, verdict, mkt)
	return out
}

// PlanWithReason 同 Plan；已批准的建议规划为空时给出原因，写入轮次记录。
func (p Planner) PlanWithReason(rec decision.Recommendation, verdict risk.Verdict, mkt MarketState) ([]OrderIntent, string) {
	if !verdict.Approved || rec.Action == decision.ActionNoAction {
		return nil, ""
	}
	var (
		out    []OrderIntent
		reason string
	)
	switch {
	case rec.Action.IsOpening():
		out, reason = p.planEntry(rec, verdict, mkt)
	case rec.Action.IsExit():
		var in OrderIntent
		if in, reason = p.planExit(rec, mkt); reason == "" {
			out = append(out, in)
		}
	case rec.Action == decision.ActionAdjustTPSL:
		out = append(out, OrderIntent{Symbol: mkt.Symbol, Purpose: PurposeCancel, PrecedesReplacement: true})
		out = append(out, protective(rec, mkt.Symbol, mkt.Position.Side, mkt.Position.Quantity)...)
	case rec.Action == decision.ActionCancelTPSL:
		out = append(out, OrderIntent{Symbol: mkt.Symbol, Purpose: PurposeCancel})
	}
	out = SortIntents(out)
	for i := range out {
		out[i].Seq = i + 1
	}
	return out, reason
}

func (p Planner) planEntry(rec decision.Recommendation, verdict risk.Verdict, mkt MarketState) ([]OrderIntent, string) {
	side := rec.Action.PositionSide()
	ref := mkt.MarkPrice
	typ := TypeMarket
	price := 0.0
	if rec.OrderType == decision.OrderTypeLimit {
		typ = TypeLimit
		ref = rec.EntryPrice
		price = rec.EntryPrice
	}
	if ref <= 0 {
		if typ == TypeLimit {
			return nil, "limit entry without entry_price"
		}
		return nil, "snapshot has no mark price for market entry"
	}
	lev := verdict.Leverage
	if lev < 1 {
		lev = 1
	}
	notional := verdict.AdjustedAmount * float64(lev)
	enforced := false
	if p.MinNotionalUSDT > 0 && notional < p.MinNotionalUSDT {
		notional = p.MinNotionalUSDT
		enforced = true
	}
	entry := OrderIntent{
		Symbol:              mkt.Symbol,
		Purpose:             PurposeEntry,
		PositionSide:        side,
		Side:                openingSide(side),
		Type:                typ,
		Quantity:            trading.QuantityForNotional(notional, ref),
		Price:               price,
		NotionalUSDT:        notional,
		Leverage:            lev,
		MinNotionalEnforced: enforced,
	}
	out := []OrderIntent{entry}
	if rec.HasProtection() {
		// 保护单覆盖整个持仓，先撤掉旧的止盈止损
		held := 0.0
		if mkt.Position.Open() && mkt.Position.Side == side {
			held = mkt.Position.Quantity
		}
		out = append(out, OrderIntent{Symbol: mkt.Symbol, Purpose: PurposeCancel, PrecedesReplacement: true})
		out = append(out, protective(rec, mkt.Symbol, side, held+entry.Quantity)...)
	}
	return out, ""
}

func (p Planner) planExit(rec decision.Recommendation, mkt MarketState) (OrderIntent, string) {
	pos := mkt.Position
	if !pos.Open() {
		return OrderIntent{}, "no open position to reduce"
	}
	// 减仓与平仓都接受 reduce_percent / close_percent，校验保证至多一个非零
	pct := rec.ReducePercent
	if pct <= 0 {
		pct = rec.ClosePercent
	}
	qty := trading.ReduceQuantity(pos.Quantity, pct, rec.ReduceUSDT, mkt.MarkPrice)
	if qty <= 0 {
		return OrderIntent{}, "reduce quantity rounds to zero"
	}
	return OrderIntent{
		Symbol:         mkt.Symbol,
		Purpose:        PurposeAdjust,
		PositionSide:   pos.Side,
		Side:           closingSide(pos.Side),
		Type:           TypeMarket,
		Quantity:       qty,
		Percent:        pct,
		NotionalUSDT:   trading.Notional(qty, mkt.MarkPrice),
		ReduceOnly:     true,
		ClosesPosition: qty >= pos.Quantity,
	}, ""
}

func protective(rec decision.Recommendation, symbol string, side decision.Side, qty float64) []OrderIntent {
	if side == "" || qty <= 0 {
		return nil
	}
	var out []OrderIntent
	if rec.StopLoss > 0 {
		out = append(out, OrderIntent{
			Symbol:       symbol,
			Purpose:      PurposeStopLoss,
			PositionSide: side,
			Side:         closingSide(side),
			Type:         TypeStopMarket,
			Quantity:     qty,
			StopPrice:    rec.StopLoss,
			ReduceOnly:   true,
		})
	}
	if rec.TakeProfit > 0 {
		out = append(out, OrderIntent{
			Symbol:       symbol,
			Purpose:      PurposeTakeProfit,
			PositionSide: side,
			Side:         closingSide(side),
			Type:         TypeTakeProfitMarket,
			Quantity:     qty,
			StopPrice:    rec.TakeProfit,
			ReduceOnly:   true,
		})
	}
	return out
}
