package alarm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"perpdesk/internal/logger"
	"perpdesk/internal/metrics"
)

// 告警类别。
const (
	CategorySubmitExhausted = "order_submit_exhausted"
	CategoryOrderRejected   = "order_rejected"
	CategoryCancelFailed    = "cancel_failed"
	CategoryExpireFailed    = "limit_cancel_failed"
)

// Event 告警事件；Count 为该类别累计次数，由 Escalator 填写。
type Event struct {
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	CycleID   string    `json:"cycle_id"`
	Symbol    string    `json:"symbol,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Count     int64     `json:"count"`
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s #%d %s cycle=%s: %s",
		e.Timestamp.Format(time.RFC3339), e.Category, e.Count, e.Symbol, e.CycleID, e.Message)
}

// Sink 接收告警。
type Sink interface {
	Raise(ctx context.Context, ev Event)
}

// Store 告警持久化（只追加）。
type Store interface {
	AppendAlarm(ctx context.Context, ev Event) error
}

// Reader 读取已持久化的告警，用于审计接口与启动时恢复计数。
type Reader interface {
	ListAlarms(ctx context.Context, limit int) ([]Event, error)
	AlarmCounts(ctx context.Context) (map[string]int64, error)
}

// Notifier 外部推送。
type Notifier interface {
	SendText(ctx context.Context, text string) error
}

// Escalator 统计各类别累计次数，并扇出到持久化与推送；任何下游失败只记日志。
type Escalator struct {
	mu       sync.Mutex
	counts   map[string]int64
	stores   []Store
	notifier Notifier
	now      func() time.Time
}

func NewEscalator(notifier Notifier, stores ...Store) *Escalator {
	return &Escalator{
		counts:   make(map[string]int64),
		stores:   stores,
		notifier: notifier,
		now:      time.Now,
	}
}

// Seed 用历史告警恢复累计计数。
func (e *Escalator) Seed(counts map[string]int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range counts {
		if v > e.counts[k] {
			e.counts[k] = v
		}
	}
}

func (e *Escalator) Raise(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.mu.Lock()
	e.counts[ev.Category]++
	ev.Count = e.counts[ev.Category]
	e.mu.Unlock()

	metrics.Alarms.WithLabelValues(ev.Category).Inc()
	logger.Errorf("告警 %s", ev.String())
	for _, st := range e.stores {
		if err := st.AppendAlarm(ctx, ev); err != nil {
			logger.Errorf("告警持久化失败: %v", err)
		}
	}
	if e.notifier != nil {
		msg := fmt.Sprintf("*perpdesk 告警* `%s` #%d\n%s %s\n```text\n%s\n```", ev.Category, ev.Count, ev.Symbol, ev.CycleID, ev.Message)
		if err := e.notifier.SendText(ctx, msg); err != nil {
			logger.Warnf("告警推送失败: %v", err)
		}
	}
}

// Counts 当前各类别累计次数。
func (e *Escalator) Counts() map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int64, len(e.counts))
	for k, v := range e.counts {
		out[k] = v
	}
	return out
}

// FileStore 以追加方式写 alarm.txt。
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

func (f *FileStore) AppendAlarm(_ context.Context, ev Event) error {
	if strings.TrimSpace(f.path) == "" {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建告警目录失败: %w", err)
		}
	}
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("打开告警文件失败: %w", err)
	}
	defer fh.Close()
	_, err = fmt.Fprintln(fh, ev.String())
	return err
}
