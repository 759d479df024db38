package profile

const outputContract = `只输出一个 JSON 对象，不要输出其他文字。字段：
- action: long | short | add_to_long | add_to_short | reduce_long | reduce_short | close_long | close_short | adjust_tp_sl | cancel_tp_sl | no_action
- usdt_amount: 保证金 USDT，仅开仓/加仓使用
- order_type: MARKET | LIMIT；LIMIT 必须给出 entry_price
- stop_loss / take_profit: 单一价格，可选
- leverage: 整数
- reduce_percent | reduce_usdt | close_percent: 减仓/平仓时三选一
- confidence: 0 到 1
- reasoning: 一句话理由`

const defaultUserPrompt = `币种: {{.Symbol}}  策略: {{.Strategy}}
会话: 第 {{.Session.CycleCount}} 轮, 已运行 {{.Session.ElapsedMinutes}} 分钟
{{- if .Session.PreviousSummary}}
上一轮建议: {{.Session.PreviousSummary}}
{{- end}}

标记价: {{.Snapshot.MarkPrice}}  资金费率: {{pct .Snapshot.FundingRate}}
账户权益: {{printf "%.2f" .Account.Equity}} USDT  今日已实现盈亏: {{printf "%.2f" .Account.RealizedPnLToday}}
{{- if .Position}}
当前持仓: {{.Position.Side}} {{.Position.Quantity}} @ {{.Position.EntryPrice}} (入场 {{.Position.Entries}} 次)
{{- else}}
当前持仓: 无
{{- end}}
约束: 杠杆 1-{{.Limits.MaxLeverage}} (默认 {{.Limits.DefaultLeverage}}), 最小名义价值 {{.Limits.MinNotionalUSDT}} USDT

多周期特征:
{{json .Snapshot.Timeframes}}`

// DefaultStrategies 内置策略；strategies.yaml 中同名条目会覆盖。
func DefaultStrategies() File {
	return File{Strategies: map[string]StrategyEntry{
		"aggressive": {
			Description: "趋势跟随，允许加仓，止损较宽",
			System: "你是永续合约交易顾问，风格激进：顺势开仓，趋势延续时可以加仓，回撤不破结构不急于止损。\n" +
				"每次开仓都应给出 stop_loss 与 take_profit。\n\n" + outputContract,
			User:    defaultUserPrompt,
			Default: true,
		},
		"conservative": {
			Description: "只做高置信度机会，小仓位，优先减仓",
			System: "你是永续合约交易顾问，风格保守：只有在多个周期方向一致时才开仓，仓位小，杠杆低；\n" +
				"不确定时返回 no_action，出现反向信号优先 reduce 或 close。\n\n" + outputContract,
			User: defaultUserPrompt,
		},
	}}
}
