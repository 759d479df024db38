package trading

import (
	"strings"

	"github.com/shopspring/decimal"
)

// 中文说明：
// 交易所要求数量是 stepSize 的整数倍、价格是 tickSize 的整数倍。
// 减仓单向下取整防止超过持仓；被抬升到最小名义价值的开仓单向上取整，保证取整后仍不低于门槛。

// FloorToStep 向下取整到步长；step<=0 时原样返回。
func FloorToStep(v float64, step string) decimal.Decimal {
	d := decimal.NewFromFloat(v)
	s, ok := parseStep(step)
	if !ok {
		return d
	}
	return d.Div(s).Floor().Mul(s)
}

// CeilToStep 向上取整到步长。
func CeilToStep(v float64, step string) decimal.Decimal {
	d := decimal.NewFromFloat(v)
	s, ok := parseStep(step)
	if !ok {
		return d
	}
	return d.Div(s).Ceil().Mul(s)
}

// FormatQuantity 按步长取整并输出不带多余零的字符串。
func FormatQuantity(v float64, step string, roundUp bool) string {
	var d decimal.Decimal
	if roundUp {
		d = CeilToStep(v, step)
	} else {
		d = FloorToStep(v, step)
	}
	return d.StringFixed(decimalsOf(step))
}

// FormatPrice 按 tickSize 四舍五入。
func FormatPrice(v float64, tick string) string {
	d := decimal.NewFromFloat(v)
	s, ok := parseStep(tick)
	if !ok {
		return d.String()
	}
	return d.Div(s).Round(0).Mul(s).StringFixed(decimalsOf(tick))
}

func parseStep(step string) (decimal.Decimal, bool) {
	step = strings.TrimSpace(step)
	if step == "" {
		return decimal.Zero, false
	}
	s, err := decimal.NewFromString(step)
	if err != nil || !s.IsPositive() {
		return decimal.Zero, false
	}
	return s, true
}

// decimalsOf "0.001000" -> 3, "1" -> 0
func decimalsOf(step string) int32 {
	if _, ok := parseStep(step); !ok {
		return 8
	}
	trimmed := strings.TrimSpace(step)
	i := strings.Index(trimmed, ".")
	if i < 0 {
		return 0
	}
	trimmed = strings.TrimRight(trimmed, "0")
	return int32(len(trimmed) - i - 1)
}
