package agent

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"perpdesk/internal/history"
	"perpdesk/internal/profile"
)

// Session 进程级运行上下文，显式传入每一轮。
type Session struct {
	ID        string
	Strategy  string
	StartedAt time.Time
	DryRun    bool

	mu        sync.Mutex
	seq       int64
	summaries map[string]string
	outcomes  map[history.Outcome]int64
	last      map[string]history.DecisionCycle
}

func NewSession(strategy string, dryRun bool, now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Strategy:  strategy,
		StartedAt: now.UTC(),
		DryRun:    dryRun,
		summaries: make(map[string]string),
		outcomes:  make(map[history.Outcome]int64),
		last:      make(map[string]history.DecisionCycle),
	}
}

// NextSeq 会话内单调递增的轮次序号，从 1 开始。
func (s *Session) NextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Context 构造发给顾问的会话信息。
func (s *Session) Context(symbol string, seq int64, now time.Time) profile.SessionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return profile.SessionContext{
		SessionID:       s.ID,
		CycleCount:      seq,
		ElapsedMinutes:  int64(now.Sub(s.StartedAt) / time.Minute),
		PreviousSummary: s.summaries[strings.ToUpper(symbol)],
	}
}

// Observe 记录已关闭的轮次：供下一轮回顾的摘要与结果统计。
func (s *Session) Observe(c history.DecisionCycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sym := strings.ToUpper(c.Symbol)
	s.outcomes[c.Outcome]++
	s.last[sym] = c
	if c.Recommendation != nil {
		s.summaries[sym] = c.Recommendation.Summary() + " => " + string(c.Outcome)
	}
}

// SessionInfo 对外只读视图。
type SessionInfo struct {
	ID        string                     `json:"id"`
	Strategy  string                     `json:"strategy"`
	StartedAt time.Time                  `json:"started_at"`
	DryRun    bool                       `json:"dry_run"`
	Cycles    int64                      `json:"cycles"`
	Outcomes  map[history.Outcome]int64  `json:"outcomes"`
	Latest    map[string]history.Outcome `json:"latest"`
	Summaries map[string]string          `json:"summaries"`
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:        s.ID,
		Strategy:  s.Strategy,
		StartedAt: s.StartedAt,
		DryRun:    s.DryRun,
		Cycles:    s.seq,
		Outcomes:  make(map[history.Outcome]int64, len(s.outcomes)),
		Latest:    make(map[string]history.Outcome, len(s.last)),
		Summaries: make(map[string]string, len(s.summaries)),
	}
	for k, v := range s.outcomes {
		info.Outcomes[k] = v
	}
	for k, v := range s.last {
		info.Latest[k] = v.Outcome
	}
	for k, v := range s.summaries {
		info.Summaries[k] = v
	}
	return info
}
