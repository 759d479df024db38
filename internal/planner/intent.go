package planner

import (
	"fmt"
	"sort"

	"perpdesk/internal/decision"
)

// Purpose 意图用途。
type Purpose string

const (
	PurposeEntry      Purpose = "ENTRY"
	PurposeStopLoss   Purpose = "STOP_LOSS"
	PurposeTakeProfit Purpose = "TAKE_PROFIT"
	PurposeAdjust     Purpose = "ADJUST"
	PurposeCancel     Purpose = "CANCEL"
)

// Side 订单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType 订单类型，包含条件单。
type OrderType string

const (
	TypeMarket           OrderType = "MARKET"
	TypeLimit            OrderType = "LIMIT"
	TypeStopMarket       OrderType = "STOP_MARKET"
	TypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderIntent 每轮新生成，由执行引擎独占。
type OrderIntent struct {
	Seq                 int           `json:"seq"`
	Symbol              string        `json:"symbol"`
	Purpose             Purpose       `json:"purpose"`
	PositionSide        decision.Side `json:"position_side,omitempty"`
	Side                Side          `json:"side,omitempty"`
	Type                OrderType     `json:"type,omitempty"`
	Quantity            float64       `json:"quantity,omitempty"`
	Percent             float64       `json:"percent,omitempty"`
	Price               float64       `json:"price,omitempty"`      // LIMIT 挂单价
	StopPrice           float64       `json:"stop_price,omitempty"` // 条件单触发价
	NotionalUSDT        float64       `json:"notional_usdt,omitempty"`
	Leverage            int           `json:"leverage,omitempty"`
	ReduceOnly          bool          `json:"reduce_only"`
	MinNotionalEnforced bool          `json:"min_notional_enforced,omitempty"`
	ClosesPosition      bool          `json:"closes_position,omitempty"`
	// PrecedesReplacement CANCEL 之后紧跟新的止盈止损；撤单失败时替换单不得提交。
	PrecedesReplacement bool `json:"precedes_replacement,omitempty"`
}

// IsProtective 止盈止损单。
func (i OrderIntent) IsProtective() bool {
	return i.Purpose == PurposeStopLoss || i.Purpose == PurposeTakeProfit
}

// String 用于日志。
func (i OrderIntent) String() string {
	if i.Purpose == PurposeCancel {
		return fmt.Sprintf("%s %s tp/sl", i.Purpose, i.Symbol)
	}
	s := fmt.Sprintf("%s %s %s %s qty=%g", i.Purpose, i.Symbol, i.Side, i.Type, i.Quantity)
	if i.Price > 0 {
		s += fmt.Sprintf(" price=%g", i.Price)
	}
	if i.StopPrice > 0 {
		s += fmt.Sprintf(" stop=%g", i.StopPrice)
	}
	if i.ReduceOnly {
		s += " reduceOnly"
	}
	return s
}

// SortIntents 返回按固定执行顺序排好的副本，同级保持原顺序。
func SortIntents(in []OrderIntent) []OrderIntent {
	out := append([]OrderIntent(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].rank() < out[j].rank() })
	return out
}

// rank 固定执行顺序：入场 → 替换前撤单 → 止损 → 止盈 → 减/平仓 → 单独撤单。
func (i OrderIntent) rank() int {
	switch i.Purpose {
	case PurposeEntry:
		return 0
	case PurposeCancel:
		if i.PrecedesReplacement {
			return 1
		}
		return 5
	case PurposeStopLoss:
		return 2
	case PurposeTakeProfit:
		return 3
	case PurposeAdjust:
		return 4
	}
	return 6
}

// closingSide 平掉 side 方向持仓所需的下单方向。
func closingSide(side decision.Side) Side {
	if side == decision.SideShort {
		return SideBuy
	}
	return SideSell
}

// openingSide 建立 side 方向持仓所需的下单方向。
func openingSide(side decision.Side) Side {
	if side == decision.SideShort {
		return SideSell
	}
	return SideBuy
}
