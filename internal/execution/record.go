package execution

import (
	"errors"
	"fmt"
	"time"

	"perpdesk/internal/planner"
)

// Status 订单记录状态。
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusExpired         Status = "EXPIRED"
	StatusRejected        Status = "REJECTED"
)

// Terminal 终态记录不再变化。
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

var allowed = map[Status][]Status{
	StatusPending:         {StatusSubmitted, StatusRejected},
	StatusSubmitted:       {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired, StatusRejected},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
}

// ErrTerminal 试图修改终态记录。
var ErrTerminal = errors.New("order record is terminal")

// Transition 一次状态变化。
type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// OrderRecord 跟踪一个意图从提交到终态的全过程，生命周期长于所属决策轮次。
type OrderRecord struct {
	ID              string              `json:"id"`
	CycleID         string              `json:"cycle_id"`
	Intent          planner.OrderIntent `json:"intent"`
	ExchangeOrderID string              `json:"exchange_order_id,omitempty"`
	Status          Status              `json:"status"`
	Attempts        int                 `json:"attempts"`
	Corrected       bool                `json:"corrected,omitempty"`
	LastError       string              `json:"last_error,omitempty"`
	FilledQty       float64             `json:"filled_qty,omitempty"`
	AvgPrice        float64             `json:"avg_price,omitempty"`
	CancelledOrders []string            `json:"cancelled_orders,omitempty"`
	Result          string              `json:"result,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	Transitions     []Transition        `json:"transitions,omitempty"`
}

func newRecord(id, cycleID string, intent planner.OrderIntent, now time.Time) *OrderRecord {
	return &OrderRecord{
		ID:        id,
		CycleID:   cycleID,
		Intent:    intent,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// transition 只允许状态机中的合法边；终态之后一律拒绝。
func (r *OrderRecord) transition(to Status, at time.Time, note string) error {
	if r.Status.Terminal() {
		return ErrTerminal
	}
	ok := false
	for _, s := range allowed[r.Status] {
		if s == to {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("illegal transition %s -> %s", r.Status, to)
	}
	r.Transitions = append(r.Transitions, Transition{From: r.Status, To: to, At: at, Note: note})
	r.Status = to
	r.UpdatedAt = at
	if to.Terminal() && r.Result == "" {
		r.Result = note
	}
	return nil
}

// Clone 深拷贝，写入历史时使用。
func (r *OrderRecord) Clone() OrderRecord {
	out := *r
	out.Transitions = append([]Transition(nil), r.Transitions...)
	out.CancelledOrders = append([]string(nil), r.CancelledOrders...)
	return out
}
