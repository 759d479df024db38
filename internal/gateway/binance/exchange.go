package binance

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"perpdesk/internal/decision"
	"perpdesk/internal/execution"
	"perpdesk/internal/logger"
	"perpdesk/internal/pkg/trading"
	"perpdesk/internal/planner"
	"perpdesk/internal/portfolio"
)

// Exchange 实现 execution.Exchange（单向持仓模式）。
type Exchange struct {
	c *Client

	mu       sync.Mutex
	leverage map[string]int // 已设置过的杠杆
}

func NewExchange(c *Client) *Exchange {
	return &Exchange{c: c, leverage: make(map[string]int)}
}

var (
	_ execution.Exchange              = (*Exchange)(nil)
	_ execution.ProtectiveOrderLister = (*Exchange)(nil)
	_ execution.AccountReader         = (*Exchange)(nil)
)

func (x *Exchange) PlaceOrder(ctx context.Context, req execution.OrderRequest) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(req.Symbol))
	f, err := x.c.symbolFilters(ctx, sym)
	if err != nil {
		return "", err
	}
	if !req.ReduceOnly && req.Leverage > 0 {
		if err := x.ensureLeverage(ctx, sym, req.Leverage); err != nil {
			return "", err
		}
	}
	qty := trading.FormatQuantity(req.Quantity, f.step, req.RoundUp)
	if parseFloat(qty) <= 0 {
		return "", &execution.PermanentError{Op: "place", Code: -4003, Correctable: !req.ReduceOnly,
			Err: fmt.Errorf("quantity %g rounds to zero with step %s", req.Quantity, f.step)}
	}
	svc := x.c.api.NewCreateOrderService().
		Symbol(sym).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(qty)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	switch req.Type {
	case planner.TypeLimit:
		svc = svc.Price(trading.FormatPrice(req.Price, f.tick)).TimeInForce(futures.TimeInForceTypeGTC)
	case planner.TypeStopMarket, planner.TypeTakeProfitMarket:
		svc = svc.StopPrice(trading.FormatPrice(req.StopPrice, f.tick)).WorkingType(futures.WorkingTypeMarkPrice)
	}
	if err := x.c.wait(ctx); err != nil {
		return "", err
	}
	logger.Debugf("[binance] 下单 %s %s %s qty=%s reduceOnly=%v cid=%s", sym, req.Side, req.Type, qty, req.ReduceOnly, req.ClientOrderID)
	res, err := svc.Do(ctx)
	if err != nil {
		if apiCode(err) == codeDuplicateClientID && req.ClientOrderID != "" {
			// 上一次请求其实已被接受（响应丢失），按 client id 找回订单
			return x.lookupClientOrder(ctx, sym, req.ClientOrderID)
		}
		return "", classify("place", err)
	}
	return strconv.FormatInt(res.OrderID, 10), nil
}

func (x *Exchange) lookupClientOrder(ctx context.Context, sym, clientID string) (string, error) {
	if err := x.c.wait(ctx); err != nil {
		return "", err
	}
	o, err := x.c.api.NewGetOrderService().Symbol(sym).OrigClientOrderID(clientID).Do(ctx)
	if err != nil {
		return "", classify("place", err)
	}
	return strconv.FormatInt(o.OrderID, 10), nil
}

// ensureLeverage 开仓前设置保证金模式与杠杆，每个币种只在杠杆变化时调用。
func (x *Exchange) ensureLeverage(ctx context.Context, sym string, lev int) error {
	x.mu.Lock()
	cur := x.leverage[sym]
	x.mu.Unlock()
	if cur == lev {
		return nil
	}
	if cur == 0 {
		if err := x.c.wait(ctx); err != nil {
			return err
		}
		margin := futures.MarginTypeIsolated
		if strings.EqualFold(x.c.cfg.MarginType, "CROSSED") {
			margin = futures.MarginTypeCrossed
		}
		err := x.c.api.NewChangeMarginTypeService().Symbol(sym).MarginType(margin).Do(ctx)
		if err != nil && apiCode(err) != codeNoNeedMarginType {
			return classify("margin_type", err)
		}
	}
	if err := x.c.wait(ctx); err != nil {
		return err
	}
	if _, err := x.c.api.NewChangeLeverageService().Symbol(sym).Leverage(lev).Do(ctx); err != nil {
		return classify("leverage", err)
	}
	x.mu.Lock()
	x.leverage[sym] = lev
	x.mu.Unlock()
	logger.Infof("[binance] %s 杠杆设置为 %dx (%s)", sym, lev, x.c.cfg.MarginType)
	return nil
}

func (x *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("cancel: %w (bad id %q)", execution.ErrUnknownOrder, orderID)
	}
	if err := x.c.wait(ctx); err != nil {
		return err
	}
	_, err = x.c.api.NewCancelOrderService().Symbol(strings.ToUpper(symbol)).OrderID(id).Do(ctx)
	return classify("cancel", err)
}

func (x *Exchange) QueryOrder(ctx context.Context, symbol, orderID string) (execution.OrderStatus, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return execution.OrderStatus{}, fmt.Errorf("query: %w (bad id %q)", execution.ErrUnknownOrder, orderID)
	}
	if err := x.c.wait(ctx); err != nil {
		return execution.OrderStatus{}, err
	}
	o, err := x.c.api.NewGetOrderService().Symbol(strings.ToUpper(symbol)).OrderID(id).Do(ctx)
	if err != nil {
		return execution.OrderStatus{}, classify("query", err)
	}
	return orderStatus(o), nil
}

func orderStatus(o *futures.Order) execution.OrderStatus {
	st := execution.OrderStatus{
		OrderID:     strconv.FormatInt(o.OrderID, 10),
		ExecutedQty: parseFloat(o.ExecutedQuantity),
		AvgPrice:    parseFloat(o.AvgPrice),
		UpdatedAt:   time.UnixMilli(o.UpdateTime),
	}
	switch o.Status {
	case futures.OrderStatusTypeFilled:
		st.State = execution.StateFilled
	case futures.OrderStatusTypePartiallyFilled:
		st.State = execution.StatePartiallyFilled
	case futures.OrderStatusTypeCanceled:
		st.State = execution.StateCanceled
	case futures.OrderStatusTypeExpired:
		st.State = execution.StateExpired
	case futures.OrderStatusTypeRejected:
		st.State = execution.StateRejected
	default:
		st.State = execution.StateNew
	}
	return st
}

// ListProtectiveOrders 挂着的止盈止损条件单。
func (x *Exchange) ListProtectiveOrders(ctx context.Context, symbol string) ([]string, error) {
	if err := x.c.wait(ctx); err != nil {
		return nil, err
	}
	orders, err := x.c.api.NewListOpenOrdersService().Symbol(strings.ToUpper(symbol)).Do(ctx)
	if err != nil {
		return nil, classify("open_orders", err)
	}
	var ids []string
	for _, o := range orders {
		if o == nil {
			continue
		}
		switch o.Type {
		case futures.OrderTypeStopMarket, futures.OrderTypeTakeProfitMarket, futures.OrderTypeStop, futures.OrderTypeTakeProfit:
			ids = append(ids, strconv.FormatInt(o.OrderID, 10))
		}
	}
	return ids, nil
}

// Account 权益取保证金余额，持仓取 positionRisk。
func (x *Exchange) Account(ctx context.Context) (portfolio.AccountSnapshot, error) {
	var snap portfolio.AccountSnapshot
	if err := x.c.wait(ctx); err != nil {
		return snap, err
	}
	acct, err := x.c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return snap, classify("account", err)
	}
	snap.Equity = parseFloat(acct.TotalMarginBalance)
	if err := x.c.wait(ctx); err != nil {
		return snap, err
	}
	risks, err := x.c.api.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return snap, classify("position_risk", err)
	}
	for _, p := range risks {
		if p == nil {
			continue
		}
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := decision.SideLong
		if amt < 0 {
			side = decision.SideShort
		}
		snap.Positions = append(snap.Positions, portfolio.ExchangePosition{
			Symbol:     strings.ToUpper(p.Symbol),
			Side:       side,
			Quantity:   math.Abs(amt),
			EntryPrice: parseFloat(p.EntryPrice),
			MarkPrice:  parseFloat(p.MarkPrice),
		})
	}
	return snap, nil
}
