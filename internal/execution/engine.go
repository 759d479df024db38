package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"perpdesk/internal/alarm"
	"perpdesk/internal/logger"
	"perpdesk/internal/metrics"
	"perpdesk/internal/planner"
	"perpdesk/internal/portfolio"
	"perpdesk/internal/risk"
)

// Config 执行参数。
type Config struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	CallTimeout       time.Duration
	LimitMaxWait      time.Duration
	PollInterval      time.Duration
	MarketConfirmWait time.Duration
	MinNotionalUSDT   float64
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = defaultBackoffBase
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = defaultBackoffMax
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = 15 * time.Second
	}
	if out.LimitMaxWait <= 0 {
		out.LimitMaxWait = 300 * time.Second
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.MarketConfirmWait <= 0 {
		out.MarketConfirmWait = 30 * time.Second
	}
	return out
}

// Ledger 引擎写入的持仓账本。
type Ledger interface {
	Position(symbol string) (risk.PositionState, bool)
	ApplyFill(f portfolio.Fill)
	RecordTrade(at time.Time)
	UpdateMark(symbol string, price float64)
	Sync(s portfolio.AccountSnapshot, symbols ...string)
}

// MarkObserver 可选：模拟盘需要最新标记价来撮合。
type MarkObserver interface {
	SetMark(symbol string, price float64)
}

// Option 定制引擎。
type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithJitter(f func() float64) Option { return func(e *Engine) { e.jitter = f } }

func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

// Engine 把意图推进到终态；持仓账本只由这里写入。
type Engine struct {
	cfg    Config
	ex     Exchange
	ledger Ledger
	alarms alarm.Sink
	clock  Clock
	jitter func() float64
	newID  func() string

	mu    sync.Mutex
	armed map[string][]*OrderRecord // 已挂出的止盈止损
}

func NewEngine(cfg Config, ex Exchange, ledger Ledger, alarms alarm.Sink, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg.withDefaults(),
		ex:     ex,
		ledger: ledger,
		alarms: alarms,
		clock:  SystemClock{},
		newID:  func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:24] },
		armed:  make(map[string][]*OrderRecord),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute 按固定顺序执行一轮意图，返回每个意图对应的记录（按执行顺序）。
// 输入顺序不可信：入场总是先于止盈止损，保护单不会挂在尚不存在的持仓上。
func (e *Engine) Execute(ctx context.Context, cycleID string, intents []planner.OrderIntent) []*OrderRecord {
	intents = planner.SortIntents(intents)
	now := e.clock.Now()
	records := make([]*OrderRecord, len(intents))
	for i, in := range intents {
		records[i] = newRecord(e.newID(), cycleID, in, now)
	}
	var (
		entry        *OrderRecord
		cancelFailed bool
		traded       bool
	)
	for _, rec := range records {
		in := rec.Intent
		if reason := skipReason(in, entry, cancelFailed); reason != "" {
			e.move(rec, StatusRejected, "skipped: "+reason)
			metrics.Orders.WithLabelValues(string(in.Purpose), string(rec.Status)).Inc()
			continue
		}
		logger.Infof("[%s] cycle=%s 执行 %s", in.Symbol, cycleID, in.String())
		switch in.Purpose {
		case planner.PurposeEntry:
			entry = rec
			e.runOrder(ctx, rec)
			traded = traded || rec.ExchangeOrderID != ""
		case planner.PurposeStopLoss, planner.PurposeTakeProfit:
			e.runProtective(ctx, rec, entry != nil)
		case planner.PurposeAdjust:
			e.runOrder(ctx, rec)
			traded = traded || rec.ExchangeOrderID != ""
			if rec.FilledQty > 0 {
				if _, open := e.ledger.Position(in.Symbol); !open {
					e.cleanupProtective(ctx, in.Symbol)
				}
			}
		case planner.PurposeCancel:
			if !e.runCancel(ctx, rec) && in.PrecedesReplacement {
				cancelFailed = true
			}
		}
		logger.Infof("[%s] cycle=%s %s -> %s %s", in.Symbol, cycleID, in.Purpose, rec.Status, rec.Result)
		metrics.Orders.WithLabelValues(string(in.Purpose), string(rec.Status)).Inc()
	}
	if traded {
		e.ledger.RecordTrade(e.clock.Now())
	}
	return records
}

// skipReason 入场未成交时不挂保护单也不撤旧保护单；撤单失败时不提交替换单。
func skipReason(in planner.OrderIntent, entry *OrderRecord, cancelFailed bool) string {
	dependsOnEntry := in.IsProtective() || (in.Purpose == planner.PurposeCancel && in.PrecedesReplacement)
	if dependsOnEntry && entry != nil && entry.FilledQty <= 0 {
		return "entry not filled"
	}
	if in.IsProtective() && cancelFailed {
		return "existing tp/sl cancel failed"
	}
	return ""
}

// runOrder 提交入场或减仓单并跟踪到终态；LIMIT 超时撤单，不会改用市价单。
func (e *Engine) runOrder(ctx context.Context, rec *OrderRecord) {
	if !e.submit(ctx, rec) {
		return
	}
	wait := e.cfg.MarketConfirmWait
	if rec.Intent.Type == planner.TypeLimit {
		wait = e.cfg.LimitMaxWait
	}
	e.await(ctx, rec, wait)
}

func (e *Engine) runProtective(ctx context.Context, rec *OrderRecord, afterEntry bool) {
	if afterEntry {
		// 按入场后的实际持仓挂保护单（LIMIT 可能只成交一部分）
		if pos, ok := e.ledger.Position(rec.Intent.Symbol); ok {
			rec.Intent.Quantity = pos.Quantity
		}
	}
	if !e.submit(ctx, rec) {
		return
	}
	e.mu.Lock()
	e.armed[rec.Intent.Symbol] = append(e.armed[rec.Intent.Symbol], rec)
	e.mu.Unlock()
}

func (e *Engine) request(rec *OrderRecord) OrderRequest {
	in := rec.Intent
	ref := in.Price
	if ref <= 0 && in.Quantity > 0 {
		ref = in.NotionalUSDT / in.Quantity
	}
	return OrderRequest{
		Symbol:        in.Symbol,
		Side:          in.Side,
		Type:          in.Type,
		Quantity:      in.Quantity,
		Price:         in.Price,
		StopPrice:     in.StopPrice,
		RefPrice:      ref,
		ReduceOnly:    in.ReduceOnly,
		Leverage:      in.Leverage,
		ClientOrderID: "pd" + rec.ID,
		RoundUp:       in.MinNotionalEnforced,
	}
}

// submit 临时错误按退避重试到上限；可修正的永久错误只修正一次。
func (e *Engine) submit(ctx context.Context, rec *OrderRecord) bool {
	req := e.request(rec)
	bo := NewBackoff(e.cfg.BackoffBase, e.cfg.BackoffMax, e.cfg.MaxAttempts, e.jitter)
	var lastErr error
	for bo.Start() {
		rec.Attempts = bo.Attempts()
		id, err := e.place(ctx, req)
		if err == nil {
			rec.ExchangeOrderID = id
			rec.LastError = ""
			e.move(rec, StatusSubmitted, "accepted id="+id)
			return true
		}
		lastErr = err
		rec.LastError = err.Error()
		if Classify(err) == KindPermanent {
			if IsCorrectable(err) && !rec.Corrected && !req.ReduceOnly && !bo.Exhausted() {
				req = e.correct(rec, req)
				logger.Warnf("[%s] 下单被拒，抬升数量到最小名义价值后重试: qty=%g err=%v", req.Symbol, req.Quantity, err)
				continue
			}
			e.exhaust(ctx, rec, alarm.CategoryOrderRejected, err)
			return false
		}
		delay, more := bo.Fail()
		if !more {
			break
		}
		metrics.Retries.WithLabelValues("place").Inc()
		logger.Warnf("[%s] 下单失败(第%d次)，%s 后重试: %v", req.Symbol, rec.Attempts, delay, err)
		if err := e.clock.Sleep(ctx, delay); err != nil {
			e.move(rec, StatusRejected, "aborted: "+err.Error())
			return false
		}
	}
	e.exhaust(ctx, rec, alarm.CategorySubmitExhausted, lastErr)
	return false
}

// correct 把数量抬升到最小名义价值对应的数量，并要求向上取整。
func (e *Engine) correct(rec *OrderRecord, req OrderRequest) OrderRequest {
	if req.RefPrice > 0 && e.cfg.MinNotionalUSDT > 0 {
		floor := e.cfg.MinNotionalUSDT / req.RefPrice
		if req.Quantity < floor {
			req.Quantity = floor
		}
	}
	req.RoundUp = true
	rec.Corrected = true
	rec.Intent.Quantity = req.Quantity
	rec.Intent.MinNotionalEnforced = true
	if req.RefPrice > 0 {
		rec.Intent.NotionalUSDT = req.Quantity * req.RefPrice
	}
	return req
}

// await 轮询订单状态直到终态；超过 wait 后只撤单一次并标记 EXPIRED。
func (e *Engine) await(ctx context.Context, rec *OrderRecord, wait time.Duration) {
	deadline := e.clock.Now().Add(wait)
	for {
		st, err := e.query(ctx, rec.Intent.Symbol, rec.ExchangeOrderID)
		if err == nil {
			e.applyStatus(rec, st)
			if rec.Status.Terminal() {
				return
			}
		} else {
			logger.Warnf("[%s] 查询订单 %s 失败: %v", rec.Intent.Symbol, rec.ExchangeOrderID, err)
		}
		now := e.clock.Now()
		if !now.Before(deadline) || ctx.Err() != nil {
			break
		}
		d := e.cfg.PollInterval
		if rem := deadline.Sub(now); rem < d {
			d = rem
		}
		if err := e.clock.Sleep(ctx, d); err != nil {
			break
		}
	}
	// 即使外层已取消也要把订单撤掉，保证记录进入终态
	e.expire(context.WithoutCancel(ctx), rec)
}

func (e *Engine) expire(ctx context.Context, rec *OrderRecord) {
	if rec.Status.Terminal() {
		return
	}
	sym, id := rec.Intent.Symbol, rec.ExchangeOrderID
	cerr := e.cancel(ctx, sym, id)
	if st, qerr := e.query(ctx, sym, id); qerr == nil {
		e.absorbFills(rec, st)
		if st.State == StateFilled {
			e.move(rec, StatusFilled, "filled before cancel")
			return
		}
	}
	switch {
	case cerr == nil:
		e.move(rec, StatusExpired, "not filled within max wait; cancelled")
	case errors.Is(cerr, ErrUnknownOrder):
		e.move(rec, StatusExpired, "not filled within max wait; order gone")
	default:
		rec.LastError = cerr.Error()
		e.move(rec, StatusExpired, "not filled within max wait; cancel failed")
		e.raise(ctx, rec, alarm.CategoryExpireFailed, fmt.Sprintf("%s expired but cancel failed, order may still rest: %v", rec.Intent.String(), cerr))
	}
}

func (e *Engine) applyStatus(rec *OrderRecord, st OrderStatus) {
	grew := e.absorbFills(rec, st)
	switch st.State {
	case StateFilled:
		e.move(rec, StatusFilled, "filled")
	case StatePartiallyFilled:
		if grew {
			e.move(rec, StatusPartiallyFilled, fmt.Sprintf("filled %g/%g", rec.FilledQty, rec.Intent.Quantity))
		}
	case StateCanceled:
		e.move(rec, StatusCancelled, "cancelled by exchange")
	case StateExpired:
		e.move(rec, StatusExpired, "expired by exchange")
	case StateRejected:
		if rec.Status == StatusPartiallyFilled {
			e.move(rec, StatusCancelled, "rejected by exchange after partial fill")
			return
		}
		e.move(rec, StatusRejected, "rejected by exchange")
	}
}

// absorbFills 把新增成交写入账本，返回成交量是否增长。
func (e *Engine) absorbFills(rec *OrderRecord, st OrderStatus) bool {
	if st.ExecutedQty <= rec.FilledQty {
		return false
	}
	delta := st.ExecutedQty - rec.FilledQty
	price := st.AvgPrice
	if price <= 0 {
		price = e.request(rec).RefPrice
	}
	rec.FilledQty = st.ExecutedQty
	rec.AvgPrice = price
	e.ledger.ApplyFill(portfolio.Fill{
		Symbol:       rec.Intent.Symbol,
		PositionSide: rec.Intent.PositionSide,
		ReduceOnly:   rec.Intent.ReduceOnly,
		Quantity:     delta,
		Price:        price,
		At:           e.clock.Now(),
	})
	return true
}

type cancelTarget struct {
	orderID string
	rec     *OrderRecord
}

// runCancel 撤掉该币种所有止盈止损单；任何一个失败都让整个撤单意图失败。
func (e *Engine) runCancel(ctx context.Context, rec *OrderRecord) bool {
	sym := rec.Intent.Symbol
	e.move(rec, StatusSubmitted, "cancelling tp/sl")
	targets, err := e.protectiveTargets(ctx, rec, sym)
	if err != nil {
		e.exhaust(ctx, rec, alarm.CategoryCancelFailed, fmt.Errorf("list protective orders: %w", err))
		return false
	}
	var failed []string
	var lastErr error
	for _, t := range targets {
		if err := e.cancelWithRetry(ctx, rec, sym, t.orderID); err != nil {
			failed = append(failed, t.orderID)
			lastErr = err
			continue
		}
		rec.CancelledOrders = append(rec.CancelledOrders, t.orderID)
		if t.rec != nil {
			e.settleArmed(ctx, t.rec)
		}
	}
	e.pruneArmed(sym)
	if len(failed) > 0 {
		e.exhaust(ctx, rec, alarm.CategoryCancelFailed, fmt.Errorf("cancel %s: %w", strings.Join(failed, ","), lastErr))
		return false
	}
	e.move(rec, StatusCancelled, fmt.Sprintf("cancelled %d tp/sl orders", len(rec.CancelledOrders)))
	return true
}

func (e *Engine) protectiveTargets(ctx context.Context, rec *OrderRecord, sym string) ([]cancelTarget, error) {
	seen := make(map[string]struct{})
	var out []cancelTarget
	e.mu.Lock()
	for _, r := range e.armed[sym] {
		if r.Status.Terminal() || r.ExchangeOrderID == "" {
			continue
		}
		seen[r.ExchangeOrderID] = struct{}{}
		out = append(out, cancelTarget{orderID: r.ExchangeOrderID, rec: r})
	}
	e.mu.Unlock()

	lister, ok := e.ex.(ProtectiveOrderLister)
	if !ok {
		return out, nil
	}
	bo := NewBackoff(e.cfg.BackoffBase, e.cfg.BackoffMax, e.cfg.MaxAttempts, e.jitter)
	var lastErr error
	for bo.Start() {
		rec.Attempts++
		cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		ids, err := lister.ListProtectiveOrders(cctx, sym)
		cancel()
		if err == nil {
			for _, id := range ids {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				out = append(out, cancelTarget{orderID: id})
			}
			return out, nil
		}
		lastErr = err
		if Classify(err) == KindPermanent {
			return nil, err
		}
		delay, more := bo.Fail()
		if !more {
			break
		}
		if err := e.clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// cancelWithRetry 订单不存在视为已撤销。
func (e *Engine) cancelWithRetry(ctx context.Context, rec *OrderRecord, sym, id string) error {
	bo := NewBackoff(e.cfg.BackoffBase, e.cfg.BackoffMax, e.cfg.MaxAttempts, e.jitter)
	var lastErr error
	for bo.Start() {
		rec.Attempts++
		err := e.cancel(ctx, sym, id)
		if err == nil || errors.Is(err, ErrUnknownOrder) {
			return nil
		}
		lastErr = err
		rec.LastError = err.Error()
		if Classify(err) == KindPermanent {
			return err
		}
		delay, more := bo.Fail()
		if !more {
			break
		}
		metrics.Retries.WithLabelValues("cancel").Inc()
		if err := e.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// settleArmed 保护单撤销后收尾；若已触发成交则记为 FILLED，持仓以账户同步为准。
func (e *Engine) settleArmed(ctx context.Context, r *OrderRecord) {
	if r.Status.Terminal() {
		return
	}
	if st, err := e.query(ctx, r.Intent.Symbol, r.ExchangeOrderID); err == nil && st.State == StateFilled {
		r.FilledQty = st.ExecutedQty
		r.AvgPrice = st.AvgPrice
		e.move(r, StatusFilled, "triggered before cancel")
		return
	}
	e.move(r, StatusCancelled, "cancelled")
}

func (e *Engine) pruneArmed(sym string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	keep := e.armed[sym][:0]
	for _, r := range e.armed[sym] {
		if !r.Status.Terminal() {
			keep = append(keep, r)
		}
	}
	if len(keep) == 0 {
		delete(e.armed, sym)
		return
	}
	e.armed[sym] = keep
}

// cleanupProtective 全部平仓后清理残留止盈止损，尽力而为。
func (e *Engine) cleanupProtective(ctx context.Context, sym string) {
	probe := &OrderRecord{}
	targets, err := e.protectiveTargets(ctx, probe, sym)
	if err != nil {
		logger.Warnf("[%s] 平仓后列出残留止盈止损失败: %v", sym, err)
		return
	}
	for _, t := range targets {
		if err := e.cancel(ctx, sym, t.orderID); err != nil && !errors.Is(err, ErrUnknownOrder) {
			logger.Warnf("[%s] 清理残留保护单 %s 失败: %v", sym, t.orderID, err)
			continue
		}
		if t.rec != nil {
			e.settleArmed(ctx, t.rec)
		}
	}
	e.pruneArmed(sym)
	if len(targets) > 0 {
		logger.Infof("[%s] 已清理 %d 个残留止盈止损单", sym, len(targets))
	}
}

// CancelRecord 幂等：终态记录直接返回。
func (e *Engine) CancelRecord(ctx context.Context, rec *OrderRecord) error {
	if rec == nil || rec.Status.Terminal() {
		return nil
	}
	if rec.ExchangeOrderID == "" {
		e.move(rec, StatusRejected, "cancelled before submission")
		return nil
	}
	err := e.cancel(ctx, rec.Intent.Symbol, rec.ExchangeOrderID)
	if err != nil && !errors.Is(err, ErrUnknownOrder) {
		return err
	}
	e.move(rec, StatusCancelled, "cancelled on request")
	e.pruneArmed(rec.Intent.Symbol)
	return nil
}

// Armed 当前挂着的止盈止损记录。
func (e *Engine) Armed(symbol string) []OrderRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]OrderRecord, 0, len(e.armed[symbol]))
	for _, r := range e.armed[symbol] {
		out = append(out, r.Clone())
	}
	return out
}

// ObserveMark 更新账本与模拟盘的标记价。
func (e *Engine) ObserveMark(symbol string, price float64) {
	e.ledger.UpdateMark(symbol, price)
	if mo, ok := e.ex.(MarkObserver); ok {
		mo.SetMark(symbol, price)
	}
}

// SyncAccount 以交易所账户覆盖本地账本；交易所不支持时跳过。
// symbols 非空时只覆盖这些币种的持仓，调用方应持有对应币种的锁。
func (e *Engine) SyncAccount(ctx context.Context, symbols ...string) error {
	reader, ok := e.ex.(AccountReader)
	if !ok {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	snap, err := reader.Account(cctx)
	if err != nil {
		return fmt.Errorf("sync account: %w", err)
	}
	e.ledger.Sync(snap, symbols...)
	metrics.Equity.Set(snap.Equity)
	return nil
}

func (e *Engine) place(ctx context.Context, req OrderRequest) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	id, err := e.ex.PlaceOrder(cctx, req)
	return id, timeoutAware("place", ctx, cctx, err)
}

func (e *Engine) cancel(ctx context.Context, symbol, id string) error {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return timeoutAware("cancel", ctx, cctx, e.ex.CancelOrder(cctx, symbol, id))
}

func (e *Engine) query(ctx context.Context, symbol, id string) (OrderStatus, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	st, err := e.ex.QueryOrder(cctx, symbol, id)
	return st, timeoutAware("query", ctx, cctx, err)
}

// timeoutAware 单次调用超时（而非外层取消）一律视为临时错误。
func timeoutAware(op string, parent, call context.Context, err error) error {
	if err == nil {
		return nil
	}
	if call.Err() != nil && parent.Err() == nil {
		return &TransientError{Op: op, Err: fmt.Errorf("timeout: %w", err)}
	}
	return err
}

func (e *Engine) move(rec *OrderRecord, to Status, note string) {
	if err := rec.transition(to, e.clock.Now(), note); err != nil {
		logger.Warnf("[%s] 记录 %s 状态迁移失败 %s: %v", rec.Intent.Symbol, rec.ID, to, err)
	}
}

// exhaust 重试耗尽：记录进入 REJECTED 并且只告警一次。
func (e *Engine) exhaust(ctx context.Context, rec *OrderRecord, category string, err error) {
	note := "retries exhausted"
	if category == alarm.CategoryOrderRejected {
		note = "rejected by exchange"
	}
	if err != nil {
		rec.LastError = err.Error()
	}
	e.move(rec, StatusRejected, note)
	e.raise(ctx, rec, category, fmt.Sprintf("%s failed after %d attempts: %v", rec.Intent.String(), rec.Attempts, err))
}

func (e *Engine) raise(ctx context.Context, rec *OrderRecord, category, msg string) {
	if e.alarms == nil {
		return
	}
	e.alarms.Raise(context.WithoutCancel(ctx), alarm.Event{
		Category:  category,
		Message:   msg,
		CycleID:   rec.CycleID,
		Symbol:    rec.Intent.Symbol,
		Timestamp: e.clock.Now(),
	})
}
