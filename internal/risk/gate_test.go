package risk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpdesk/internal/decision"
)

func testPolicy() Policy {
	return Policy{
		MaxDailyLoss:         0.05,
		MaxPositionPerSymbol: 2,
		MaxTotalExposure:     3,
		MaxTradesPerHour:     4,
		MinNotionalUSDT:      5,
		DefaultLeverage:      3,
		MaxLeverage:          10,
	}
}

func flatAccount() AccountState {
	return AccountState{Symbol: "ETHUSDT", Equity: 1000, Positions: map[string]PositionState{}}
}

func withLong(acct AccountState, qty, mark float64, entries int) AccountState {
	acct.Positions = map[string]PositionState{
		acct.Symbol: {Symbol: acct.Symbol, Side: decision.SideLong, Quantity: qty, EntryPrice: mark, MarkPrice: mark, Entries: entries},
	}
	return acct
}

func TestOpeningApprovedAsIs(t *testing.T) {
	rec := decision.Recommendation{Action: decision.ActionLong, USDTAmount: 2, Leverage: 5, OrderType: decision.OrderTypeMarket}
	v := Gate{}.Evaluate(rec, flatAccount(), testPolicy())
	require.True(t, v.Approved, v.RejectionReason)
	assert.Equal(t, 2.0, v.AdjustedAmount)
	assert.Equal(t, 5, v.Leverage)
	assert.False(t, v.LeverageClamped)
	assert.Empty(t, v.RejectionReason)
}

func TestLeverageDefaultAndClamp(t *testing.T) {
	rec := decision.Recommendation{Action: decision.ActionShort, USDTAmount: 10}
	v := Gate{}.Evaluate(rec, flatAccount(), testPolicy())
	require.True(t, v.Approved)
	assert.Equal(t, 3, v.Leverage)
	assert.False(t, v.LeverageClamped)

	rec.Leverage = 50
	v = Gate{}.Evaluate(rec, flatAccount(), testPolicy())
	require.True(t, v.Approved)
	assert.Equal(t, 10, v.Leverage)
	assert.True(t, v.LeverageClamped)
	assert.Equal(t, 50, v.RequestedLeverage)
}

func TestExposureShrinks(t *testing.T) {
	// 已有 2500 名义敞口，上限 3000，剩余 500；请求 200*5=1000
	acct := withLong(flatAccount(), 1, 2500, 1)
	rec := decision.Recommendation{Action: decision.ActionAddToLong, USDTAmount: 200, Leverage: 5}
	v := Gate{}.Evaluate(rec, acct, testPolicy())
	require.True(t, v.Approved, v.RejectionReason)
	assert.True(t, v.Shrunk)
	assert.InDelta(t, 100, v.AdjustedAmount, 1e-9)
	projected := (acct.TotalExposure() + v.AdjustedAmount*float64(v.Leverage)) / acct.Equity
	assert.LessOrEqual(t, projected, testPolicy().MaxTotalExposure)
}

func TestExposureRejectsWhenShrinkBelowMinNotional(t *testing.T) {
	acct := withLong(flatAccount(), 1, 2998, 1)
	rec := decision.Recommendation{Action: decision.ActionAddToLong, USDTAmount: 50, Leverage: 5}
	v := Gate{}.Evaluate(rec, acct, testPolicy())
	assert.False(t, v.Approved)
	assert.Contains(t, v.RejectionReason, "exposure")
	assert.Zero(t, v.AdjustedAmount)
}

func TestNeverApprovesAboveExposure(t *testing.T) {
	policy := testPolicy()
	for _, held := range []float64{0, 500, 1500, 2900, 2995, 3000, 4000} {
		for _, amount := range []float64{0.5, 1, 10, 100, 1000} {
			acct := flatAccount()
			entries := 0
			if held > 0 {
				acct = withLong(acct, 1, held, 1)
				entries = 1
			}
			action := decision.ActionLong
			if entries > 0 {
				action = decision.ActionAddToLong
			}
			v := Gate{}.Evaluate(decision.Recommendation{Action: action, USDTAmount: amount, Leverage: 4}, acct, policy)
			if !v.Approved {
				continue
			}
			notional := v.AdjustedAmount * float64(v.Leverage)
			if notional < policy.MinNotionalUSDT {
				notional = policy.MinNotionalUSDT
			}
			projected := (acct.TotalExposure() + notional) / acct.Equity
			assert.LessOrEqual(t, projected, policy.MaxTotalExposure+1e-9, "held=%v amount=%v", held, amount)
		}
	}
}

func TestDailyLossRejects(t *testing.T) {
	acct := flatAccount()
	acct.RealizedPnLToday = -40
	acct.UnrealizedPnL = -10
	v := Gate{}.Evaluate(decision.Recommendation{Action: decision.ActionLong, USDTAmount: 5}, acct, testPolicy())
	assert.False(t, v.Approved)
	assert.True(t, strings.HasPrefix(v.RejectionReason, "daily loss"))
}

func TestDailyLossSkippedForExit(t *testing.T) {
	acct := withLong(flatAccount(), 100, 3000, 1)
	acct.RealizedPnLToday = -500
	acct.Equity = 1000
	v := Gate{}.Evaluate(decision.Recommendation{Action: decision.ActionCloseLong, ClosePercent: 50}, acct, testPolicy())
	assert.True(t, v.Approved, v.RejectionReason)
}

func TestPerSymbolCount(t *testing.T) {
	acct := withLong(flatAccount(), 0.1, 3000, 2)
	v := Gate{}.Evaluate(decision.Recommendation{Action: decision.ActionAddToLong, USDTAmount: 5}, acct, testPolicy())
	assert.False(t, v.Approved)
	assert.Contains(t, v.RejectionReason, "per-symbol")
}

func TestHourlyLimitAppliesToAllActions(t *testing.T) {
	acct := withLong(flatAccount(), 1, 3000, 1)
	acct.TradesLastHour = 4
	for _, rec := range []decision.Recommendation{
		{Action: decision.ActionAddToLong, USDTAmount: 5},
		{Action: decision.ActionReduceLong, ReducePercent: 10},
		{Action: decision.ActionCancelTPSL},
	} {
		v := Gate{}.Evaluate(rec, acct, testPolicy())
		assert.False(t, v.Approved, rec.Action)
		assert.Equal(t, 4, v.Limits.TradesThisHour)
	}
	v := Gate{}.Evaluate(decision.Recommendation{Action: decision.ActionNoAction}, acct, testPolicy())
	assert.True(t, v.Approved)
}

func TestMalformedTargets(t *testing.T) {
	flat := flatAccount()
	long := withLong(flatAccount(), 1, 3000, 1)
	cases := []struct {
		name string
		rec  decision.Recommendation
		acct AccountState
	}{
		{"close long without position", decision.Recommendation{Action: decision.ActionCloseLong, ClosePercent: 100}, flat},
		{"close short on long", decision.Recommendation{Action: decision.ActionCloseShort, ClosePercent: 100}, long},
		{"reduce without position", decision.Recommendation{Action: decision.ActionReduceShort, ReduceUSDT: 10}, flat},
		{"add without position", decision.Recommendation{Action: decision.ActionAddToLong, USDTAmount: 10}, flat},
		{"short against long", decision.Recommendation{Action: decision.ActionShort, USDTAmount: 10}, long},
		{"adjust without position", decision.Recommendation{Action: decision.ActionAdjustTPSL, StopLoss: 10}, flat},
		{"adjust stop above mark", decision.Recommendation{Action: decision.ActionAdjustTPSL, StopLoss: 3100}, long},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := Gate{}.Evaluate(tc.rec, tc.acct, testPolicy())
			assert.False(t, v.Approved)
			assert.NotEmpty(t, v.RejectionReason)
		})
	}
}

func TestCancelWithoutPositionAllowed(t *testing.T) {
	v := Gate{}.Evaluate(decision.Recommendation{Action: decision.ActionCancelTPSL}, flatAccount(), testPolicy())
	assert.True(t, v.Approved)
}

func TestExitSkipsExposure(t *testing.T) {
	// 敞口已超限，平仓仍然允许
	acct := withLong(flatAccount(), 100, 3000, 1)
	v := Gate{}.Evaluate(decision.Recommendation{Action: decision.ActionCloseLong, ClosePercent: 50}, acct, testPolicy())
	assert.True(t, v.Approved)
	assert.Zero(t, v.AdjustedAmount)
}
