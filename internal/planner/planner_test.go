package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpdesk/internal/decision"
	"perpdesk/internal/risk"
)

func approved(amount float64, lev int) risk.Verdict {
	return risk.Verdict{Approved: true, AdjustedAmount: amount, Leverage: lev}
}

func longPosition(qty, mark float64) risk.PositionState {
	return risk.PositionState{Symbol: "ETHUSDT", Side: decision.SideLong, Quantity: qty, EntryPrice: mark, MarkPrice: mark, Entries: 1}
}

func TestCloseHalfLong(t *testing.T) {
	rec := decision.Recommendation{Action: decision.ActionCloseLong, ClosePercent: 50, USDTAmount: 1000}
	mkt := MarketState{Symbol: "ETHUSDT", MarkPrice: 3000, Position: longPosition(100, 3000)}
	intents := Planner{MinNotionalUSDT: 5}.Plan(rec, risk.Verdict{Approved: true}, mkt)
	require.Len(t, intents, 1)
	in := intents[0]
	assert.Equal(t, SideSell, in.Side)
	assert.True(t, in.ReduceOnly)
	assert.InDelta(t, 50, in.Quantity, 1e-12)
	assert.Equal(t, PurposeAdjust, in.Purpose)
	assert.False(t, in.MinNotionalEnforced)
	assert.False(t, in.ClosesPosition)
}

func TestExitAlwaysReduceOnly(t *testing.T) {
	for _, rec := range []decision.Recommendation{
		{Action: decision.ActionCloseLong, ClosePercent: 100},
		{Action: decision.ActionReduceLong, ReducePercent: 10},
		{Action: decision.ActionReduceLong, ReduceUSDT: 30},
		{Action: decision.ActionReduceLong, ReduceUSDT: 1e9},
	} {
		mkt := MarketState{Symbol: "ETHUSDT", MarkPrice: 3000, Position: longPosition(0.002, 3000)}
		intents := Planner{MinNotionalUSDT: 5}.Plan(rec, risk.Verdict{Approved: true}, mkt)
		require.Len(t, intents, 1, rec.Action)
		assert.True(t, intents[0].ReduceOnly)
		assert.LessOrEqual(t, intents[0].Quantity, 0.002)
		// 减仓单不受最小名义价值抬升影响
		assert.False(t, intents[0].MinNotionalEnforced)
	}
}

func TestShortCloseBuys(t *testing.T) {
	pos := risk.PositionState{Symbol: "BTCUSDT", Side: decision.SideShort, Quantity: 0.5, MarkPrice: 60000}
	intents := Planner{}.Plan(decision.Recommendation{Action: decision.ActionCloseShort, ClosePercent: 100}, risk.Verdict{Approved: true}, MarketState{Symbol: "BTCUSDT", MarkPrice: 60000, Position: pos})
	require.Len(t, intents, 1)
	assert.Equal(t, SideBuy, intents[0].Side)
	assert.True(t, intents[0].ClosesPosition)
	assert.Equal(t, 0.5, intents[0].Quantity)
}

func TestEntryAboveMinNotional(t *testing.T) {
	rec := decision.Recommendation{Action: decision.ActionLong, USDTAmount: 2, Leverage: 5, OrderType: decision.OrderTypeMarket}
	intents := Planner{MinNotionalUSDT: 5}.Plan(rec, approved(2, 5), MarketState{Symbol: "ETHUSDT", MarkPrice: 2500})
	require.Len(t, intents, 1)
	in := intents[0]
	assert.Equal(t, PurposeEntry, in.Purpose)
	assert.False(t, in.ReduceOnly)
	assert.False(t, in.MinNotionalEnforced)
	assert.InDelta(t, 10, in.NotionalUSDT, 1e-12)
	assert.InDelta(t, 0.004, in.Quantity, 1e-12)
	assert.Equal(t, SideBuy, in.Side)
	assert.Equal(t, TypeMarket, in.Type)
}

func TestEntryRaisedToMinNotional(t *testing.T) {
	rec := decision.Recommendation{Action: decision.ActionLong, USDTAmount: 0.5, Leverage: 5, OrderType: decision.OrderTypeMarket}
	intents := Planner{MinNotionalUSDT: 5}.Plan(rec, approved(0.5, 5), MarketState{Symbol: "ETHUSDT", MarkPrice: 2500})
	require.Len(t, intents, 1)
	in := intents[0]
	assert.True(t, in.MinNotionalEnforced)
	assert.Equal(t, 5.0, in.NotionalUSDT)
	assert.InDelta(t, 5, in.Quantity*2500, 1e-9)
}

func TestLimitEntryUsesEntryPrice(t *testing.T) {
	rec := decision.Recommendation{Action: decision.ActionShort, USDTAmount: 10, OrderType: decision.OrderTypeLimit, EntryPrice: 2000, StopLoss: 2100, TakeProfit: 1800}
	intents := Planner{MinNotionalUSDT: 5}.Plan(rec, approved(10, 2), MarketState{Symbol: "ETHUSDT", MarkPrice: 1990})
	require.Len(t, intents, 4)
	assert.Equal(t, []Purpose{PurposeEntry, PurposeCancel, PurposeStopLoss, PurposeTakeProfit},
		[]Purpose{intents[0].Purpose, intents[1].Purpose, intents[2].Purpose, intents[3].Purpose})
	assert.Equal(t, TypeLimit, intents[0].Type)
	assert.Equal(t, 2000.0, intents[0].Price)
	assert.InDelta(t, 0.01, intents[0].Quantity, 1e-12)
	for _, in := range intents[2:] {
		assert.True(t, in.ReduceOnly)
		assert.Equal(t, SideBuy, in.Side)
		assert.InDelta(t, 0.01, in.Quantity, 1e-12)
	}
	assert.Equal(t, TypeStopMarket, intents[2].Type)
	assert.Equal(t, 2100.0, intents[2].StopPrice)
	assert.Equal(t, TypeTakeProfitMarket, intents[3].Type)
	assert.True(t, intents[1].PrecedesReplacement)
	for i, in := range intents {
		assert.Equal(t, i+1, in.Seq)
	}
}

func TestAddProtectsWholePosition(t *testing.T) {
	rec := decision.Recommendation{Action: decision.ActionAddToLong, USDTAmount: 100, OrderType: decision.OrderTypeMarket, StopLoss: 2800}
	mkt := MarketState{Symbol: "ETHUSDT", MarkPrice: 3000, Position: longPosition(1, 3000)}
	intents := Planner{MinNotionalUSDT: 5}.Plan(rec, approved(100, 3), mkt)
	require.Len(t, intents, 3)
	assert.InDelta(t, 1.1, intents[2].Quantity, 1e-12)
}

func TestAdjustAndCancel(t *testing.T) {
	mkt := MarketState{Symbol: "ETHUSDT", MarkPrice: 3000, Position: longPosition(2, 3000)}
	intents := Planner{}.Plan(decision.Recommendation{Action: decision.ActionAdjustTPSL, StopLoss: 2900, TakeProfit: 3300}, risk.Verdict{Approved: true}, mkt)
	require.Len(t, intents, 3)
	assert.Equal(t, PurposeCancel, intents[0].Purpose)
	assert.Equal(t, PurposeStopLoss, intents[1].Purpose)
	assert.Equal(t, PurposeTakeProfit, intents[2].Purpose)
	assert.Equal(t, 2.0, intents[1].Quantity)

	intents = Planner{}.Plan(decision.Recommendation{Action: decision.ActionCancelTPSL}, risk.Verdict{Approved: true}, mkt)
	require.Len(t, intents, 1)
	assert.Equal(t, PurposeCancel, intents[0].Purpose)
	assert.False(t, intents[0].PrecedesReplacement)
}

func TestEmptyPlans(t *testing.T) {
	mkt := MarketState{Symbol: "ETHUSDT", MarkPrice: 3000}
	assert.Empty(t, Planner{}.Plan(decision.Recommendation{Action: decision.ActionNoAction}, risk.Verdict{Approved: true}, mkt))
	assert.Empty(t, Planner{}.Plan(decision.Recommendation{Action: decision.ActionLong, USDTAmount: 10}, risk.Verdict{Approved: false, RejectionReason: "x"}, mkt))
}

func TestPlanIdempotent(t *testing.T) {
	rec := decision.Recommendation{Action: decision.ActionLong, USDTAmount: 3, OrderType: decision.OrderTypeMarket, TakeProfit: 3500}
	mkt := MarketState{Symbol: "ETHUSDT", MarkPrice: 3000}
	a := Planner{MinNotionalUSDT: 5}.Plan(rec, approved(3, 2), mkt)
	b := Planner{MinNotionalUSDT: 5}.Plan(rec, approved(3, 2), mkt)
	assert.Equal(t, a, b)
}

func TestExitAcceptsEitherPercentField(t *testing.T) {
	for _, rec := range []decision.Recommendation{
		{Action: decision.ActionReduceLong, ClosePercent: 50},
		{Action: decision.ActionCloseLong, ReducePercent: 50},
	} {
		mkt := MarketState{Symbol: "ETHUSDT", MarkPrice: 3000, Position: longPosition(100, 3000)}
		intents := Planner{MinNotionalUSDT: 5}.Plan(rec, risk.Verdict{Approved: true}, mkt)
		require.Len(t, intents, 1, rec.Action)
		assert.InDelta(t, 50, intents[0].Quantity, 1e-12, rec.Action)
		assert.Equal(t, 50.0, intents[0].Percent)
		assert.True(t, intents[0].ReduceOnly)
		assert.Equal(t, SideSell, intents[0].Side)
		assert.False(t, intents[0].ClosesPosition)
	}
}

func TestSortIntentsStableByRank(t *testing.T) {
	in := []OrderIntent{
		{Purpose: PurposeTakeProfit},
		{Purpose: PurposeStopLoss},
		{Purpose: PurposeCancel, PrecedesReplacement: true},
		{Purpose: PurposeEntry},
		{Purpose: PurposeCancel},
		{Purpose: PurposeAdjust},
	}
	out := SortIntents(in)
	got := make([]Purpose, 0, len(out))
	for _, o := range out {
		got = append(got, o.Purpose)
	}
	assert.Equal(t, []Purpose{PurposeEntry, PurposeCancel, PurposeStopLoss, PurposeTakeProfit, PurposeAdjust, PurposeCancel}, got)
	assert.True(t, out[1].PrecedesReplacement)
	assert.False(t, out[5].PrecedesReplacement)
	// 不修改入参
	assert.Equal(t, PurposeTakeProfit, in[0].Purpose)
}

func TestEmptyPlanExplainsWhy(t *testing.T) {
	entry := decision.Recommendation{Action: decision.ActionLong, USDTAmount: 20, OrderType: decision.OrderTypeMarket}
	intents, reason := Planner{MinNotionalUSDT: 5}.PlanWithReason(entry, approved(20, 5), MarketState{Symbol: "ETHUSDT"})
	assert.Empty(t, intents)
	assert.Contains(t, reason, "mark price")

	exit := decision.Recommendation{Action: decision.ActionCloseLong, ClosePercent: 100}
	intents, reason = Planner{}.PlanWithReason(exit, risk.Verdict{Approved: true}, MarketState{Symbol: "ETHUSDT", MarkPrice: 3000})
	assert.Empty(t, intents)
	assert.Contains(t, reason, "no open position")

	_, reason = Planner{}.PlanWithReason(entry, risk.Verdict{Approved: false}, MarketState{Symbol: "ETHUSDT", MarkPrice: 3000})
	assert.Empty(t, reason)
}
