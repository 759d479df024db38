package risk

import (
	"fmt"
	"math"

	"perpdesk/internal/decision"
)

// Policy 风控参数，均来自配置。
type Policy struct {
	MaxDailyLoss         float64 // 占权益比例
	MaxPositionPerSymbol int     // 单币种最多入场次数（开仓 + 加仓）
	MaxTotalExposure     float64 // 名义敞口 / 权益
	MaxTradesPerHour     int
	MinNotionalUSDT      float64
	DefaultLeverage      int
	MaxLeverage          int
}

// PositionState 单币种持仓快照。
type PositionState struct {
	Symbol     string        `json:"symbol"`
	Side       decision.Side `json:"side"`
	Quantity   float64       `json:"quantity"`
	EntryPrice float64       `json:"entry_price"`
	MarkPrice  float64       `json:"mark_price"`
	Entries    int           `json:"entries"`
}

// Notional 当前名义价值（按标记价）。
func (p PositionState) Notional() float64 { return math.Abs(p.Quantity) * p.MarkPrice }

// Open 是否有持仓。
func (p PositionState) Open() bool { return p.Quantity > 0 && p.Side != "" }

// AccountState 风控读取的账户快照。
type AccountState struct {
	Symbol           string                   `json:"symbol"` // 本次评估的目标币种
	Equity           float64                  `json:"equity"`
	RealizedPnLToday float64                  `json:"realized_pnl_today"`
	UnrealizedPnL    float64                  `json:"unrealized_pnl"`
	Positions        map[string]PositionState `json:"positions"`
	TradesLastHour   int                      `json:"trades_last_hour"`
}

// Position 目标币种的持仓。
func (a AccountState) Position() (PositionState, bool) {
	p, ok := a.Positions[a.Symbol]
	return p, ok && p.Open()
}

// TotalExposure 全部持仓名义价值之和。
func (a AccountState) TotalExposure() float64 {
	total := 0.0
	for _, p := range a.Positions {
		total += p.Notional()
	}
	return total
}

// Limits 本次评估消耗的额度快照。
type Limits struct {
	RemainingDailyLoss float64 `json:"remaining_daily_loss"`
	RemainingExposure  float64 `json:"remaining_exposure"`
	TradesThisHour     int     `json:"trades_this_hour"`
}

// Verdict 风控结论；RejectionReason 仅在未通过时非空。
type Verdict struct {
	Approved          bool    `json:"approved"`
	AdjustedAmount    float64 `json:"adjusted_amount"`
	Leverage          int     `json:"leverage"`
	LeverageClamped   bool    `json:"leverage_clamped,omitempty"`
	RequestedLeverage int     `json:"requested_leverage,omitempty"`
	Shrunk            bool    `json:"shrunk,omitempty"`
	RejectionReason   string  `json:"rejection_reason,omitempty"`
	Limits            Limits  `json:"limits"`
}

// Gate 对校验后的建议做账户级与币种级检查，自身无状态。
type Gate struct{}

func reject(v Verdict, format string, args ...any) Verdict {
	v.Approved = false
	v.AdjustedAmount = 0
	v.RejectionReason = fmt.Sprintf(format, args...)
	return v
}

// Evaluate 同一输入总是得到同一结论。
func (Gate) Evaluate(rec decision.Recommendation, acct AccountState, policy Policy) Verdict {
	v := Verdict{Limits: limits(acct, policy)}
	if rec.Action == decision.ActionNoAction {
		v.Approved = true
		return v
	}
	if policy.MaxTradesPerHour > 0 && acct.TradesLastHour >= policy.MaxTradesPerHour {
		return reject(v, "hourly trade limit reached (%d/%d)", acct.TradesLastHour, policy.MaxTradesPerHour)
	}
	if reason := targetProblem(rec, acct); reason != "" {
		return reject(v, "%s", reason)
	}
	if !rec.Action.IsOpening() {
		// 减仓/平仓/调整止盈止损只检查频率与目标
		v.Approved = true
		return v
	}
	return evaluateOpening(rec, acct, policy, v)
}

func evaluateOpening(rec decision.Recommendation, acct AccountState, policy Policy, v Verdict) Verdict {
	v.Leverage, v.LeverageClamped = clampLeverage(rec.Leverage, policy)
	if v.LeverageClamped {
		v.RequestedLeverage = rec.Leverage
	}
	if acct.Equity <= 0 {
		return reject(v, "account equity unavailable")
	}
	if policy.MaxDailyLoss > 0 {
		loss := -(acct.RealizedPnLToday + acct.UnrealizedPnL) / acct.Equity
		if loss >= policy.MaxDailyLoss {
			return reject(v, "daily loss %.2f%% reached limit %.2f%%", loss*100, policy.MaxDailyLoss*100)
		}
	}
	if policy.MaxPositionPerSymbol > 0 {
		pos := acct.Positions[acct.Symbol]
		if pos.Entries+1 > policy.MaxPositionPerSymbol {
			return reject(v, "position count %d would exceed per-symbol limit %d", pos.Entries+1, policy.MaxPositionPerSymbol)
		}
	}

	amount := rec.USDTAmount
	lev := float64(v.Leverage)
	if policy.MaxTotalExposure > 0 {
		budget := policy.MaxTotalExposure*acct.Equity - acct.TotalExposure()
		if amount*lev > budget {
			shrunk := budget / lev
			if budget <= 0 || shrunk*lev < policy.MinNotionalUSDT {
				return reject(v, "projected exposure %.2f exceeds limit %.2f", (acct.TotalExposure()+amount*lev)/acct.Equity, policy.MaxTotalExposure)
			}
			amount = floorTo(shrunk, 4)
			v.Shrunk = true
		}
	}
	// 抬升到最小名义价值后仍不得超过敞口上限
	if policy.MaxTotalExposure > 0 && amount*lev < policy.MinNotionalUSDT {
		projected := (acct.TotalExposure() + policy.MinNotionalUSDT) / acct.Equity
		if projected > policy.MaxTotalExposure {
			return reject(v, "minimum notional %.2f would exceed exposure limit", policy.MinNotionalUSDT)
		}
	}
	v.Approved = true
	v.AdjustedAmount = amount
	v.Limits.RemainingExposure = math.Max(0, policy.MaxTotalExposure*acct.Equity-acct.TotalExposure()-math.Max(amount*lev, policy.MinNotionalUSDT))
	return v
}

// targetProblem 检查动作与现有持仓是否匹配。
func targetProblem(rec decision.Recommendation, acct AccountState) string {
	pos, open := acct.Position()
	want := rec.Action.PositionSide()
	switch {
	case rec.Action == decision.ActionLong || rec.Action == decision.ActionShort:
		if open && pos.Side != want {
			return fmt.Sprintf("%s blocked: opposite %s position open", rec.Action, pos.Side)
		}
	case rec.Action.IsAdd() || rec.Action.IsExit():
		if !open || pos.Side != want {
			return fmt.Sprintf("%s has no open %s position", rec.Action, want)
		}
	case rec.Action == decision.ActionAdjustTPSL:
		if !open {
			return "adjust_tp_sl has no open position"
		}
		if reason := protectionSideProblem(pos, rec); reason != "" {
			return reason
		}
	}
	return ""
}

func protectionSideProblem(pos PositionState, rec decision.Recommendation) string {
	ref := pos.MarkPrice
	if ref <= 0 {
		return ""
	}
	if pos.Side == decision.SideLong {
		if rec.StopLoss > 0 && rec.StopLoss >= ref {
			return fmt.Sprintf("stop_loss %.4f not below mark %.4f for long", rec.StopLoss, ref)
		}
		if rec.TakeProfit > 0 && rec.TakeProfit <= ref {
			return fmt.Sprintf("take_profit %.4f not above mark %.4f for long", rec.TakeProfit, ref)
		}
	} else {
		if rec.StopLoss > 0 && rec.StopLoss <= ref {
			return fmt.Sprintf("stop_loss %.4f not above mark %.4f for short", rec.StopLoss, ref)
		}
		if rec.TakeProfit > 0 && rec.TakeProfit >= ref {
			return fmt.Sprintf("take_profit %.4f not below mark %.4f for short", rec.TakeProfit, ref)
		}
	}
	return ""
}

// clampLeverage 0 取默认值；越界截断到 [1, max]。
func clampLeverage(requested int, policy Policy) (int, bool) {
	maxLev := policy.MaxLeverage
	if maxLev < 1 {
		maxLev = 1
	}
	lev := requested
	if lev == 0 {
		lev = policy.DefaultLeverage
		if lev < 1 {
			lev = 1
		}
		if lev > maxLev {
			lev = maxLev
		}
		return lev, false
	}
	if lev < 1 {
		return 1, true
	}
	if lev > maxLev {
		return maxLev, true
	}
	return lev, false
}

func limits(acct AccountState, policy Policy) Limits {
	l := Limits{TradesThisHour: acct.TradesLastHour}
	if acct.Equity > 0 {
		lossUsed := math.Max(0, -(acct.RealizedPnLToday + acct.UnrealizedPnL))
		l.RemainingDailyLoss = math.Max(0, policy.MaxDailyLoss*acct.Equity-lossUsed)
		l.RemainingExposure = math.Max(0, policy.MaxTotalExposure*acct.Equity-acct.TotalExposure())
	}
	return l
}

func floorTo(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Floor(v*p) / p
}
