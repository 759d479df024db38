package execution

import (
	"context"
	"time"

	"perpdesk/internal/planner"
	"perpdesk/internal/portfolio"
)

// OrderRequest 交给交易所的下单请求。
type OrderRequest struct {
	Symbol        string
	Side          planner.Side
	Type          planner.OrderType
	Quantity      float64
	Price         float64 // LIMIT
	StopPrice     float64 // STOP_MARKET / TAKE_PROFIT_MARKET
	RefPrice      float64 // 估算名义价值用，不下发
	ReduceOnly    bool
	Leverage      int
	ClientOrderID string
	// RoundUp 数量向上取整到步长，保证抬升后的名义价值不低于门槛。
	RoundUp bool
}

// ExchangeState 交易所侧订单状态。
type ExchangeState string

const (
	StateNew             ExchangeState = "NEW"
	StatePartiallyFilled ExchangeState = "PARTIALLY_FILLED"
	StateFilled          ExchangeState = "FILLED"
	StateCanceled        ExchangeState = "CANCELED"
	StateExpired         ExchangeState = "EXPIRED"
	StateRejected        ExchangeState = "REJECTED"
)

// OrderStatus 查询结果。
type OrderStatus struct {
	OrderID     string
	State       ExchangeState
	ExecutedQty float64
	AvgPrice    float64
	UpdatedAt   time.Time
}

// Exchange 下单边界，所有调用都可能阻塞，必须尊重 ctx。
type Exchange interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	QueryOrder(ctx context.Context, symbol, orderID string) (OrderStatus, error)
}

// ProtectiveOrderLister 可选：列出交易所上挂着的止盈止损单，用于清理本进程之外留下的保护单。
type ProtectiveOrderLister interface {
	ListProtectiveOrders(ctx context.Context, symbol string) ([]string, error)
}

// AccountReader 可选：读取交易所账户与持仓。
type AccountReader interface {
	Account(ctx context.Context) (portfolio.AccountSnapshot, error)
}
