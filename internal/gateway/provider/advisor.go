package provider

import (
	"context"
	"fmt"

	"perpdesk/internal/decision"
	"perpdesk/internal/logger"
)

// Request 一次顾问调用；提示词已由策略模板渲染完成。
type Request struct {
	Symbol       string
	CycleID      string
	SystemPrompt string
	UserPrompt   string
}

// Result 带标签的结果：Recommendation 与 Failure 二选一。
type Result struct {
	Raw            string
	Recommendation *decision.RawRecommendation
	Failure        *Failure
}

// OK 是否拿到结构化建议。
func (r Result) OK() bool { return r.Failure == nil && r.Recommendation != nil }

// Advisor 远端顾问服务。
type Advisor interface {
	Advise(ctx context.Context, req Request) Result
}

// ChatAdvisor 基于对话模型的顾问，负责从文本回复中抽取 JSON。
type ChatAdvisor struct {
	Name      string
	Client    ChatClient
	MaxTokens int
}

var _ Advisor = (*ChatAdvisor)(nil)

func (a *ChatAdvisor) Advise(ctx context.Context, req Request) Result {
	if a == nil || a.Client == nil {
		return Result{Failure: &Failure{Kind: FailureTransport, Err: fmt.Errorf("advisor not configured")}}
	}
	text, err := a.Client.Call(ctx, ChatPayload{System: req.SystemPrompt, User: req.UserPrompt, MaxTokens: a.MaxTokens})
	if err != nil {
		f := AsFailure(err)
		logger.Warnf("[%s] cycle=%s 顾问调用失败(%s): %v", req.Symbol, req.CycleID, a.Name, f)
		return Result{Failure: f}
	}
	raw, err := decision.ParseRaw(text)
	if err != nil {
		logger.Warnf("[%s] cycle=%s 顾问输出无法解析: %v", req.Symbol, req.CycleID, err)
		return Result{Raw: text, Failure: &Failure{Kind: FailureMalformed, Err: err}}
	}
	logger.Debugf("[%s] cycle=%s 顾问输出:\n%s", req.Symbol, req.CycleID, decision.PrettyJSON(text))
	return Result{Raw: text, Recommendation: &raw}
}
