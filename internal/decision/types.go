package decision

import "strings"

// 中文说明：
// 本文件定义顾问服务返回的交易建议结构，供校验、风控与下单规划使用。

// Action 顾问给出的动作。
type Action string

const (
	ActionLong        Action = "long"
	ActionShort       Action = "short"
	ActionAddToLong   Action = "add_to_long"
	ActionAddToShort  Action = "add_to_short"
	ActionReduceLong  Action = "reduce_long"
	ActionReduceShort Action = "reduce_short"
	ActionCloseLong   Action = "close_long"
	ActionCloseShort  Action = "close_short"
	ActionAdjustTPSL  Action = "adjust_tp_sl"
	ActionCancelTPSL  Action = "cancel_tp_sl"
	ActionNoAction    Action = "no_action"
)

var knownActions = map[Action]struct{}{
	ActionLong: {}, ActionShort: {}, ActionAddToLong: {}, ActionAddToShort: {},
	ActionReduceLong: {}, ActionReduceShort: {}, ActionCloseLong: {}, ActionCloseShort: {},
	ActionAdjustTPSL: {}, ActionCancelTPSL: {}, ActionNoAction: {},
}

// ParseAction 归一化大小写与空白；未知动作返回 false。
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	_, ok := knownActions[a]
	return a, ok
}

// IsOpening 开仓或加仓。
func (a Action) IsOpening() bool {
	switch a {
	case ActionLong, ActionShort, ActionAddToLong, ActionAddToShort:
		return true
	}
	return false
}

// IsAdd 加仓动作要求同向持仓已存在。
func (a Action) IsAdd() bool { return a == ActionAddToLong || a == ActionAddToShort }

func (a Action) IsReduce() bool { return a == ActionReduceLong || a == ActionReduceShort }

func (a Action) IsClose() bool { return a == ActionCloseLong || a == ActionCloseShort }

// IsExit 减仓或平仓，下单必须 reduceOnly。
func (a Action) IsExit() bool { return a.IsReduce() || a.IsClose() }

// IsProtective 仅操作止盈止损单。
func (a Action) IsProtective() bool { return a == ActionAdjustTPSL || a == ActionCancelTPSL }

// PositionSide 返回动作针对的持仓方向；no_action 与 TP/SL 动作返回空。
func (a Action) PositionSide() Side {
	switch a {
	case ActionLong, ActionAddToLong, ActionReduceLong, ActionCloseLong:
		return SideLong
	case ActionShort, ActionAddToShort, ActionReduceShort, ActionCloseShort:
		return SideShort
	}
	return ""
}

// Side 持仓方向。
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite 返回反方向。
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	if s == SideShort {
		return SideLong
	}
	return ""
}

// OrderType 入场单类型。
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// ParseOrderType 空字符串返回 ("", true)，由调用方回退到默认值。
func ParseOrderType(s string) (OrderType, bool) {
	switch OrderType(strings.ToUpper(strings.TrimSpace(s))) {
	case "":
		return "", true
	case OrderTypeMarket:
		return OrderTypeMarket, true
	case OrderTypeLimit:
		return OrderTypeLimit, true
	}
	return "", false
}

// RawRecommendation 顾问原始输出；指针字段用于区分“未提供”与“零值”。
type RawRecommendation struct {
	Action        string   `json:"action"`
	USDTAmount    *float64 `json:"usdt_amount,omitempty"`
	OrderType     string   `json:"order_type,omitempty"`
	EntryPrice    *float64 `json:"entry_price,omitempty"`
	StopLoss      *float64 `json:"stop_loss,omitempty"`
	TakeProfit    *float64 `json:"take_profit,omitempty"`
	Leverage      *float64 `json:"leverage,omitempty"`
	ReducePercent *float64 `json:"reduce_percent,omitempty"`
	ReduceUSDT    *float64 `json:"reduce_usdt,omitempty"`
	ClosePercent  *float64 `json:"close_percent,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	Reasoning     string   `json:"reasoning,omitempty"`
}

// Recommendation 校验后的建议；与动作无关的字段恒为零值。
type Recommendation struct {
	Action        Action    `json:"action"`
	USDTAmount    float64   `json:"usdt_amount,omitempty"`
	OrderType     OrderType `json:"order_type,omitempty"`
	EntryPrice    float64   `json:"entry_price,omitempty"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	Leverage      int       `json:"leverage,omitempty"` // 0 表示未指定，由风控取默认值
	ReducePercent float64   `json:"reduce_percent,omitempty"`
	ReduceUSDT    float64   `json:"reduce_usdt,omitempty"`
	ClosePercent  float64   `json:"close_percent,omitempty"`
	Confidence    float64   `json:"confidence"`
	Reasoning     string    `json:"reasoning,omitempty"`
}

// HasProtection 是否携带止盈或止损。
func (r Recommendation) HasProtection() bool { return r.StopLoss > 0 || r.TakeProfit > 0 }

// Summary 单行摘要，供下一轮会话上下文回顾。
func (r Recommendation) Summary() string {
	var b strings.Builder
	b.WriteString(string(r.Action))
	switch {
	case r.Action.IsOpening():
		b.WriteString(" amount=" + trimFloat(r.USDTAmount) + " type=" + string(r.OrderType))
		if r.Leverage > 0 {
			b.WriteString(" lev=" + trimFloat(float64(r.Leverage)))
		}
	case r.ReducePercent > 0:
		b.WriteString(" reduce_percent=" + trimFloat(r.ReducePercent))
	case r.ReduceUSDT > 0:
		b.WriteString(" reduce_usdt=" + trimFloat(r.ReduceUSDT))
	case r.ClosePercent > 0:
		b.WriteString(" close_percent=" + trimFloat(r.ClosePercent))
	}
	if r.StopLoss > 0 {
		b.WriteString(" sl=" + trimFloat(r.StopLoss))
	}
	if r.TakeProfit > 0 {
		b.WriteString(" tp=" + trimFloat(r.TakeProfit))
	}
	b.WriteString(" conf=" + trimFloat(r.Confidence))
	return b.String()
}
