package decision

import (
	"fmt"
	"math"
	"strings"
)

// DefaultLeverageCeiling 交易所允许的最大杠杆，超过视为结构性错误。
// 配置的 max_leverage 由风控负责截断，不在这里拒绝。
const DefaultLeverageCeiling = 125

// ValidationError 建议结构不合法。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid recommendation: " + e.Reason
	}
	return fmt.Sprintf("invalid recommendation: %s %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validator 纯结构校验，不读取行情与风控配置。
type Validator struct {
	DefaultOrderType OrderType
	LeverageCeiling  int
}

func (v Validator) withDefaults() Validator {
	out := v
	if out.DefaultOrderType == "" {
		out.DefaultOrderType = OrderTypeMarket
	}
	if out.LeverageCeiling <= 0 {
		out.LeverageCeiling = DefaultLeverageCeiling
	}
	return out
}

// Validate 将原始建议转为类型化 Recommendation；同一输入总是得到同一结果。
func (v Validator) Validate(raw RawRecommendation) (Recommendation, error) {
	v = v.withDefaults()
	action, ok := ParseAction(raw.Action)
	if !ok {
		if strings.TrimSpace(raw.Action) == "" {
			return Recommendation{}, invalid("action", "is required")
		}
		return Recommendation{}, invalid("action", "unknown value %q", raw.Action)
	}
	rec := Recommendation{Action: action, Reasoning: strings.TrimSpace(raw.Reasoning)}

	if raw.Confidence != nil {
		c := *raw.Confidence
		if !finite(c) || c < 0 || c > 1 {
			return Recommendation{}, invalid("confidence", "must be within [0,1], got %v", c)
		}
		rec.Confidence = c
	}
	if action == ActionNoAction {
		return rec, nil
	}

	switch {
	case action.IsOpening():
		if err := v.validateOpening(raw, &rec); err != nil {
			return Recommendation{}, err
		}
	case action.IsExit():
		if err := validateExit(raw, &rec); err != nil {
			return Recommendation{}, err
		}
	case action == ActionAdjustTPSL:
		if err := validateProtection(raw, &rec); err != nil {
			return Recommendation{}, err
		}
		if rec.StopLoss == 0 && rec.TakeProfit == 0 {
			return Recommendation{}, invalid("stop_loss/take_profit", "at least one is required for %s", action)
		}
		if rec.StopLoss > 0 && rec.TakeProfit > 0 && rec.StopLoss == rec.TakeProfit {
			return Recommendation{}, invalid("stop_loss/take_profit", "must differ")
		}
	case action == ActionCancelTPSL:
		// 无需额外字段
	}
	return rec, nil
}

func (v Validator) validateOpening(raw RawRecommendation, rec *Recommendation) error {
	if raw.USDTAmount == nil {
		return invalid("usdt_amount", "is required for %s", rec.Action)
	}
	if err := positive("usdt_amount", *raw.USDTAmount); err != nil {
		return err
	}
	rec.USDTAmount = *raw.USDTAmount

	if hasAny(raw.ReducePercent, raw.ReduceUSDT, raw.ClosePercent) {
		return invalid("reduce_percent/reduce_usdt/close_percent", "conflict with usdt_amount on %s", rec.Action)
	}

	ot, ok := ParseOrderType(raw.OrderType)
	if !ok {
		return invalid("order_type", "unknown value %q", raw.OrderType)
	}
	if ot == "" {
		ot = v.DefaultOrderType
	}
	rec.OrderType = ot

	if raw.EntryPrice != nil {
		if err := positive("entry_price", *raw.EntryPrice); err != nil {
			return err
		}
	}
	if ot == OrderTypeLimit {
		if raw.EntryPrice == nil {
			return invalid("entry_price", "is required for LIMIT orders")
		}
		rec.EntryPrice = *raw.EntryPrice
	}

	if raw.Leverage != nil {
		lev := *raw.Leverage
		if !finite(lev) || lev != math.Trunc(lev) {
			return invalid("leverage", "must be an integer, got %v", lev)
		}
		if lev < 1 || lev > float64(v.LeverageCeiling) {
			return invalid("leverage", "must be within [1,%d], got %v", v.LeverageCeiling, lev)
		}
		rec.Leverage = int(lev)
	}

	if err := validateProtection(raw, rec); err != nil {
		return err
	}
	ref := 0.0
	if raw.EntryPrice != nil {
		ref = *raw.EntryPrice
	}
	return checkProtectionSide(rec.Action.PositionSide(), ref, rec.StopLoss, rec.TakeProfit)
}

func validateExit(raw RawRecommendation, rec *Recommendation) error {
	if raw.USDTAmount != nil {
		// 平仓/减仓忽略 usdt_amount，不做重新解释
		rec.USDTAmount = 0
	}
	n := countSet(raw.ReducePercent, raw.ReduceUSDT, raw.ClosePercent)
	if n > 1 {
		return invalid("reduce_percent/reduce_usdt/close_percent", "are mutually exclusive")
	}
	if n == 0 {
		if rec.Action.IsClose() {
			rec.ClosePercent = 100
			return nil
		}
		return invalid("reduce_percent/reduce_usdt", "one is required for %s", rec.Action)
	}
	switch {
	case raw.ReducePercent != nil:
		if err := percent("reduce_percent", *raw.ReducePercent); err != nil {
			return err
		}
		rec.ReducePercent = *raw.ReducePercent
	case raw.ClosePercent != nil:
		if err := percent("close_percent", *raw.ClosePercent); err != nil {
			return err
		}
		rec.ClosePercent = *raw.ClosePercent
	case raw.ReduceUSDT != nil:
		if err := positive("reduce_usdt", *raw.ReduceUSDT); err != nil {
			return err
		}
		rec.ReduceUSDT = *raw.ReduceUSDT
	}
	return nil
}

func validateProtection(raw RawRecommendation, rec *Recommendation) error {
	if raw.StopLoss != nil {
		if err := positive("stop_loss", *raw.StopLoss); err != nil {
			return err
		}
		rec.StopLoss = *raw.StopLoss
	}
	if raw.TakeProfit != nil {
		if err := positive("take_profit", *raw.TakeProfit); err != nil {
			return err
		}
		rec.TakeProfit = *raw.TakeProfit
	}
	return nil
}

// checkProtectionSide 已知入场价时，多单止损须低于入场、止盈须高于入场，空单相反。
func checkProtectionSide(side Side, entry, sl, tp float64) error {
	if entry <= 0 {
		return nil
	}
	if side == SideLong {
		if sl > 0 && sl >= entry {
			return invalid("stop_loss", "must be below entry_price for long")
		}
		if tp > 0 && tp <= entry {
			return invalid("take_profit", "must be above entry_price for long")
		}
	}
	if side == SideShort {
		if sl > 0 && sl <= entry {
			return invalid("stop_loss", "must be above entry_price for short")
		}
		if tp > 0 && tp >= entry {
			return invalid("take_profit", "must be below entry_price for short")
		}
	}
	return nil
}

func positive(field string, v float64) error {
	if !finite(v) || v <= 0 {
		return invalid(field, "must be > 0, got %v", v)
	}
	return nil
}

func percent(field string, v float64) error {
	if !finite(v) || v <= 0 || v > 100 {
		return invalid(field, "must be within (0,100], got %v", v)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func countSet(vals ...*float64) int {
	n := 0
	for _, v := range vals {
		if v != nil {
			n++
		}
	}
	return n
}

func hasAny(vals ...*float64) bool { return countSet(vals...) > 0 }
