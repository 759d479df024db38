package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"perpdesk/internal/market"
	"perpdesk/internal/risk"
)

// SessionContext 随每轮请求发送给顾问的会话信息。
type SessionContext struct {
	SessionID       string `json:"session_id"`
	CycleCount      int64  `json:"cycle_count"`
	ElapsedMinutes  int64  `json:"elapsed_minutes"`
	PreviousSummary string `json:"previous_summary,omitempty"`
}

// PromptData 用户提示词模板的数据。
type PromptData struct {
	Symbol   string
	Strategy string
	Session  SessionContext
	Snapshot market.Snapshot
	Account  risk.AccountState
	Position *risk.PositionState
	Limits   PromptLimits
}

// PromptLimits 写进提示词的硬约束，让模型少给出必被拒绝的建议。
type PromptLimits struct {
	MaxLeverage     int
	DefaultLeverage int
	MinNotionalUSDT float64
}

// Strategy 一个可按名称选择的提示词组合。
type Strategy struct {
	Name        string
	Description string
	System      string
	user        *template.Template
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		return string(b), err
	},
	"pct":   func(v float64) string { return fmt.Sprintf("%.4f%%", v*100) },
	"upper": strings.ToUpper,
}

func newStrategy(name string, e StrategyEntry) (*Strategy, error) {
	tpl, err := template.New(name + "_user_prompt").Funcs(funcs).Option("missingkey=error").Parse(e.User)
	if err != nil {
		return nil, fmt.Errorf("strategy %s user prompt 模板解析失败: %w", name, err)
	}
	return &Strategy{
		Name:        name,
		Description: strings.TrimSpace(e.Description),
		System:      strings.TrimSpace(e.System),
		user:        tpl,
	}, nil
}

// Render 渲染用户提示词。
func (s *Strategy) Render(data PromptData) (string, error) {
	if data.Strategy == "" {
		data.Strategy = s.Name
	}
	var buf bytes.Buffer
	if err := s.user.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("strategy %s 渲染失败: %w", s.Name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
