package store

import (
	"context"
	"errors"
	"strings"
	"sync"

	"perpdesk/internal/alarm"
	"perpdesk/internal/execution"
	"perpdesk/internal/history"
)

// MemoryStore 内存实现，只追加；history.db_path 为空或测试时使用。
type MemoryStore struct {
	mu     sync.RWMutex
	cycles []history.DecisionCycle
	ids    map[string]struct{}
	alarms []alarm.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

// AppendCycle 追加；同一 id 只能写入一次。
func (s *MemoryStore) AppendCycle(ctx context.Context, c history.DecisionCycle) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("cycle id 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ids[c.ID]; dup {
		return errors.New("cycle 已存在: " + c.ID)
	}
	s.ids[c.ID] = struct{}{}
	c.Row = int64(len(s.cycles) + 1)
	c.Orders = cloneOrders(c)
	s.cycles = append(s.cycles, c)
	return nil
}

// ListCycles 按追加顺序返回拷贝。
func (s *MemoryStore) ListCycles(ctx context.Context, q history.Query) ([]history.DecisionCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []history.DecisionCycle
	for _, c := range s.cycles {
		if c.Row <= q.AfterRow {
			continue
		}
		if q.SessionID != "" && c.SessionID != q.SessionID {
			continue
		}
		if q.Symbol != "" && !strings.EqualFold(c.Symbol, q.Symbol) {
			continue
		}
		c.Orders = cloneOrders(c)
		out = append(out, c)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendAlarm(ctx context.Context, ev alarm.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms = append(s.alarms, ev)
	return nil
}

// ListAlarms 返回最近 limit 条（按时间升序）。
func (s *MemoryStore) ListAlarms(ctx context.Context, limit int) ([]alarm.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.alarms
	if limit > 0 && limit < len(cur) {
		cur = cur[len(cur)-limit:]
	}
	out := make([]alarm.Event, len(cur))
	copy(out, cur)
	return out, nil
}

func (s *MemoryStore) AlarmCounts(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64)
	for _, ev := range s.alarms {
		out[ev.Category]++
	}
	return out, nil
}

func cloneOrders(c history.DecisionCycle) []execution.OrderRecord {
	if len(c.Orders) == 0 {
		return nil
	}
	out := make([]execution.OrderRecord, len(c.Orders))
	for i := range c.Orders {
		out[i] = c.Orders[i].Clone()
	}
	return out
}
