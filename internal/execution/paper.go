package execution

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"perpdesk/internal/planner"
)

type paperOrder struct {
	req    OrderRequest
	status OrderStatus
}

// PaperExchange 模拟盘：MARKET 按标记价立即成交，LIMIT 可成交时成交，条件单只挂不触发。
type PaperExchange struct {
	mu     sync.Mutex
	seq    int64
	marks  map[string]float64
	orders map[string]*paperOrder
	now    func() time.Time
}

func NewPaperExchange() *PaperExchange {
	return &PaperExchange{
		marks:  make(map[string]float64),
		orders: make(map[string]*paperOrder),
		now:    time.Now,
	}
}

// SetMark 更新标记价并尝试撮合挂着的 LIMIT 单。
func (p *PaperExchange) SetMark(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	p.marks[symbol] = price
	for _, o := range p.orders {
		if o.req.Symbol == symbol {
			p.match(o)
		}
	}
}

func (p *PaperExchange) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Quantity <= 0 {
		return "", &PermanentError{Op: "place", Code: -4003, Err: fmt.Errorf("quantity must be positive")}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	req.Symbol = strings.ToUpper(req.Symbol)
	if _, ok := p.marks[req.Symbol]; !ok && req.Type == planner.TypeMarket {
		return "", &TransientError{Op: "place", Err: fmt.Errorf("no mark price for %s", req.Symbol)}
	}
	// 同一 ClientOrderID 重复提交返回原订单
	for id, o := range p.orders {
		if req.ClientOrderID != "" && o.req.ClientOrderID == req.ClientOrderID {
			return id, nil
		}
	}
	p.seq++
	id := fmt.Sprintf("paper-%d", p.seq)
	o := &paperOrder{req: req, status: OrderStatus{OrderID: id, State: StateNew, UpdatedAt: p.now()}}
	p.orders[id] = o
	p.match(o)
	return id, nil
}

func (p *PaperExchange) match(o *paperOrder) {
	if o.status.State != StateNew {
		return
	}
	mark, ok := p.marks[o.req.Symbol]
	if !ok || mark <= 0 {
		return
	}
	fill := false
	price := mark
	switch o.req.Type {
	case planner.TypeMarket:
		fill = true
	case planner.TypeLimit:
		if o.req.Side == planner.SideBuy {
			fill = mark <= o.req.Price
		} else {
			fill = mark >= o.req.Price
		}
		price = o.req.Price
	}
	if !fill {
		return
	}
	o.status.State = StateFilled
	o.status.ExecutedQty = o.req.Quantity
	o.status.AvgPrice = price
	o.status.UpdatedAt = p.now()
}

func (p *PaperExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok || (o.status.State != StateNew && o.status.State != StatePartiallyFilled) {
		return ErrUnknownOrder
	}
	o.status.State = StateCanceled
	o.status.UpdatedAt = p.now()
	return nil
}

func (p *PaperExchange) QueryOrder(ctx context.Context, symbol, orderID string) (OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return OrderStatus{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return OrderStatus{}, ErrUnknownOrder
	}
	p.match(o)
	return o.status, nil
}

// ListProtectiveOrders 挂着的条件单。
func (p *PaperExchange) ListProtectiveOrders(ctx context.Context, symbol string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	var ids []string
	for id, o := range p.orders {
		if o.req.Symbol != symbol || o.status.State != StateNew {
			continue
		}
		if o.req.Type == planner.TypeStopMarket || o.req.Type == planner.TypeTakeProfitMarket {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// OpenOrders 用于展示。
func (p *PaperExchange) OpenOrders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, o := range p.orders {
		if o.status.State == StateNew {
			n++
		}
	}
	return n
}
