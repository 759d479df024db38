package history

import (
	"context"
	"time"

	"perpdesk/internal/decision"
	"perpdesk/internal/execution"
	"perpdesk/internal/planner"
	"perpdesk/internal/risk"
)

// Outcome 决策轮次的最终结果。
type Outcome string

const (
	OutcomeNoAction        Outcome = "no_action"
	OutcomeSnapshotFailed  Outcome = "snapshot_failed"
	OutcomeAdvisoryFailed  Outcome = "advisory_failed"
	OutcomeInvalid         Outcome = "invalid"
	OutcomeRiskRejected    Outcome = "risk_rejected"
	OutcomeExecuted        Outcome = "executed"
	OutcomePartial         Outcome = "partial"
	OutcomeFailed          Outcome = "failed"
	OutcomeNothingToDo     Outcome = "nothing_planned"
	OutcomeInternalFailure Outcome = "internal_error"
)

// DecisionCycle 一次调度评估的完整记录，关闭后不可变。
type DecisionCycle struct {
	Row            int64                    `json:"row,omitempty"` // 存储分配的追加序号
	ID             string                   `json:"id"`
	SessionID      string                   `json:"session_id"`
	Seq            int64                    `json:"seq"`
	Symbol         string                   `json:"symbol"`
	Strategy       string                   `json:"strategy"`
	StartedAt      time.Time                `json:"started_at"`
	ClosedAt       time.Time                `json:"closed_at"`
	SnapshotRef    string                   `json:"snapshot_ref,omitempty"`
	AdvisoryRaw    string                   `json:"advisory_raw,omitempty"`
	Recommendation *decision.Recommendation `json:"recommendation,omitempty"`
	Verdict        *risk.Verdict            `json:"verdict,omitempty"`
	Intents        []planner.OrderIntent    `json:"intents,omitempty"`
	Orders         []execution.OrderRecord  `json:"orders,omitempty"`
	Outcome        Outcome                  `json:"outcome"`
	Error          string                   `json:"error,omitempty"`
	DryRun         bool                     `json:"dry_run"`
}

// Closed 是否已关闭。
func (c DecisionCycle) Closed() bool { return !c.ClosedAt.IsZero() }

// Query 读取条件；AfterRow 用于按追加顺序分页回放。
type Query struct {
	SessionID string
	Symbol    string
	AfterRow  int64
	Limit     int
}

// Store 只追加的轮次存储。
type Store interface {
	AppendCycle(ctx context.Context, c DecisionCycle) error
	ListCycles(ctx context.Context, q Query) ([]DecisionCycle, error)
}
