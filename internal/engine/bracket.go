package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"algoexec/internal/broker"
	"algoexec/internal/order"
)

// BracketOrder 为括号单（OCO）的执行状态。
// PENDING 阶段等待入场条件；ACTIVE 阶段同时评估止盈与止损两腿，
// 任一腿成交即进入终态，另一腿隐式作废。
type BracketOrder struct {
	mu sync.Mutex

	ID            string
	Symbol        string
	Side          order.Side
	TotalQuantity int64

	// EntryPrice 为 nil 表示市价入场。
	EntryPrice   *float64
	ProfitTarget float64
	StopPrice    float64

	Status         order.Status
	EntryFillPrice float64
	ExitFillPrice  float64
	FilledQuantity int64
	CreatedAt      time.Time
}

func (o *BracketOrder) response() *order.Response {
	avg := o.ExitFillPrice
	if avg == 0 {
		avg = o.EntryFillPrice
	}
	return &order.Response{
		OrderID:        o.ID,
		Strategy:       order.StrategyBracket,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Status:         o.Status,
		TotalQuantity:  o.TotalQuantity,
		FilledQuantity: o.FilledQuantity,
		AveragePrice:   avg,
		CreatedAt:      o.CreatedAt,
	}
}

// BracketEngine 实现括号单策略。
type BracketEngine struct {
	deps   Deps
	orders *registry[BracketOrder]
	ids    *idGen
	logger *zap.Logger
}

// NewBracket 创建括号单引擎。
func NewBracket(deps Deps) *BracketEngine {
	deps = deps.normalized()
	return &BracketEngine{
		deps:   deps,
		orders: newRegistry[BracketOrder](),
		ids:    newIDGen("BR"),
		logger: deps.Logger.Named("bracket"),
	}
}

func (e *BracketEngine) Type() order.StrategyType {
	return order.StrategyBracket
}

// Validate 检查两腿价格均为正，并在限价入场时校验方向相关的
// 价格次序（BUY: profit > entry > stop；SELL: stop > entry > profit）。
// 市价入场跳过次序检查。激活后不再复查。
func (e *BracketEngine) Validate(req order.Request) order.ValidationResult {
	if msg := validateCommon(req); msg != "" {
		return order.Invalid(msg)
	}
	if req.ProfitTarget <= 0 {
		return order.Invalid(fmt.Sprintf("profitTarget 必须大于0: %v", req.ProfitTarget))
	}
	if req.StopPrice <= 0 {
		return order.Invalid(fmt.Sprintf("stopPrice 必须大于0: %v", req.StopPrice))
	}
	if req.EntryPrice != nil {
		if msg := bracketOrdering(req.Side, *req.EntryPrice, req.ProfitTarget, req.StopPrice); msg != "" {
			return order.Invalid(msg)
		}
	}
	return order.OK()
}

func bracketOrdering(side order.Side, entry, profit, stop float64) string {
	if entry <= 0 {
		return fmt.Sprintf("entryPrice 必须大于0: %v", entry)
	}
	switch side {
	case order.SideBuy:
		if !(profit > entry && entry > stop) {
			return fmt.Sprintf("BUY 括号单要求 profit(%v) > entry(%v) > stop(%v)", profit, entry, stop)
		}
	case order.SideSell:
		if !(stop > entry && entry > profit) {
			return fmt.Sprintf("SELL 括号单要求 stop(%v) > entry(%v) > profit(%v)", stop, entry, profit)
		}
	}
	return ""
}

func (e *BracketEngine) Execute(ctx context.Context, req order.Request) (*order.Response, error) {
	if result := e.Validate(req); !result.Valid {
		return nil, e.deps.reject(e.Type(), req, result)
	}

	o := &BracketOrder{
		ID:            e.ids.next(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		TotalQuantity: req.Quantity,
		EntryPrice:    req.EntryPrice,
		ProfitTarget:  req.ProfitTarget,
		StopPrice:     req.StopPrice,
		Status:        order.StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	e.orders.put(o.ID, o)

	// 入场腿有效期：到期仍未成交则撤销整单。配置为 0 时 GTC。
	if e.deps.BracketEntryExpiry > 0 && e.deps.Scheduler != nil {
		orderID := o.ID
		if err := e.deps.Scheduler.Schedule(orderID, e.deps.BracketEntryExpiry, func() {
			e.expireEntry(orderID)
		}); err != nil {
			e.orders.remove(orderID)
			return nil, fmt.Errorf("engine: 注册入场有效期失败: %w", err)
		}
	}

	e.deps.Events.Emit(order.Event{
		Type:     order.EventAccepted,
		OrderID:  o.ID,
		Strategy: e.Type(),
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: o.TotalQuantity,
	})
	e.logger.Info("括号单已登记",
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.Float64("profit_target", o.ProfitTarget),
		zap.Float64("stop_price", o.StopPrice),
		zap.Bool("market_entry", o.EntryPrice == nil),
	)

	// 入表后行情回调可能立即触发，快照须在锁内读取。
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.response(), nil
}

func (e *BracketEngine) expireEntry(orderID string) {
	o, ok := e.orders.get(orderID)
	if !ok {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Status != order.StatusPending {
		return
	}
	o.Status = order.StatusCancelled
	e.deps.Events.Emit(order.Event{
		Type:     order.EventCancelled,
		OrderID:  o.ID,
		Strategy: e.Type(),
		Symbol:   o.Symbol,
		Note:     "entry_expired",
	})
	e.logger.Info("括号单入场超时撤销", zap.String("order_id", o.ID))
}

// OnPriceUpdate 按当前阶段评估入场或两腿出场条件。
// ACTIVE 阶段先查止损腿再查止盈腿；任一腿成交即 OCO：
// 状态进入终态，另一腿不再被评估。
func (e *BracketEngine) OnPriceUpdate(ctx context.Context, orderID string, price float64) (bool, error) {
	o, ok := e.orders.get(orderID)
	if !ok {
		return false, &order.NotFoundError{OrderID: orderID}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.Status {
	case order.StatusPending:
		return e.tryEnter(ctx, o, price)
	case order.StatusActive:
		return e.tryExit(ctx, o, price)
	default:
		return false, nil
	}
}

func (e *BracketEngine) tryEnter(ctx context.Context, o *BracketOrder, price float64) (bool, error) {
	entryHit := o.EntryPrice == nil
	if !entryHit {
		if o.Side == order.SideBuy {
			entryHit = price <= *o.EntryPrice
		} else {
			entryHit = price >= *o.EntryPrice
		}
	}
	if !entryHit {
		return false, nil
	}

	fill, err := e.deps.Broker.PlaceChildOrder(ctx, broker.ChildOrder{
		ClientOrderID: o.ID + "-ENT",
		Symbol:        o.Symbol,
		Side:          o.Side,
		Quantity:      o.TotalQuantity,
	})
	if err != nil {
		e.logger.Error("括号单入场下单失败",
			zap.String("order_id", o.ID),
			zap.Float64("price", price),
			zap.Error(err),
		)
		return false, &order.AdapterError{Op: "place_child_order", Err: err}
	}

	o.Status = order.StatusActive
	o.EntryFillPrice = fill.Price
	o.FilledQuantity = o.TotalQuantity

	e.deps.Events.Emit(order.Event{
		Type:     order.EventEntryFilled,
		OrderID:  o.ID,
		Strategy: e.Type(),
		Symbol:   o.Symbol,
		Side:     o.Side,
		Price:    fill.Price,
		Quantity: o.TotalQuantity,
	})
	e.logger.Info("括号单入场成交",
		zap.String("order_id", o.ID),
		zap.Float64("entry_fill_price", fill.Price),
	)
	return true, nil
}

func (e *BracketEngine) tryExit(ctx context.Context, o *BracketOrder, price float64) (bool, error) {
	stopHit := false
	profitHit := false
	if o.Side == order.SideBuy {
		stopHit = price <= o.StopPrice
		profitHit = price >= o.ProfitTarget
	} else {
		stopHit = price >= o.StopPrice
		profitHit = price <= o.ProfitTarget
	}

	// 同一笔行情同时满足两腿（跳空）时止损腿优先。
	var terminal order.Status
	switch {
	case stopHit:
		terminal = order.StatusStopFilled
	case profitHit:
		terminal = order.StatusProfitFilled
	default:
		return false, nil
	}

	fill, err := e.deps.Broker.PlaceChildOrder(ctx, broker.ChildOrder{
		ClientOrderID: o.ID + "-EXT",
		Symbol:        o.Symbol,
		Side:          o.Side.Opposite(),
		Quantity:      o.TotalQuantity,
	})
	if err != nil {
		e.logger.Error("括号单出场下单失败",
			zap.String("order_id", o.ID),
			zap.Float64("price", price),
			zap.Error(err),
		)
		return false, &order.AdapterError{Op: "place_child_order", Err: err}
	}

	o.Status = terminal
	o.ExitFillPrice = fill.Price

	note := "oco_stop_leg_cancelled"
	if terminal == order.StatusStopFilled {
		note = "oco_profit_leg_cancelled"
	}
	e.deps.Events.Emit(order.Event{
		Type:     order.EventTriggered,
		OrderID:  o.ID,
		Strategy: e.Type(),
		Symbol:   o.Symbol,
		Side:     o.Side.Opposite(),
		Price:    fill.Price,
		Quantity: o.TotalQuantity,
		Note:     note,
	})
	e.logger.Info("括号单出场成交",
		zap.String("order_id", o.ID),
		zap.String("status", string(terminal)),
		zap.Float64("exit_fill_price", fill.Price),
	)
	return true, nil
}

func (e *BracketEngine) Cancel(ctx context.Context, orderID string) (*order.Response, error) {
	o, ok := e.orders.get(orderID)
	if !ok {
		return nil, &order.NotFoundError{OrderID: orderID}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Status.Terminal() {
		return nil, &order.InvalidStateError{OrderID: orderID, Status: o.Status, Op: "cancel"}
	}
	o.Status = order.StatusCancelled
	if e.deps.Scheduler != nil {
		e.deps.Scheduler.CancelOrder(orderID)
	}

	e.deps.Events.Emit(order.Event{
		Type:     order.EventCancelled,
		OrderID:  o.ID,
		Strategy: e.Type(),
		Symbol:   o.Symbol,
	})
	return o.response(), nil
}

// Modify 仅允许在 PENDING 阶段调整参数；ACTIVE 或终态一律拒绝。
func (e *BracketEngine) Modify(ctx context.Context, orderID string, params order.ModifyParams) (*order.Response, error) {
	o, ok := e.orders.get(orderID)
	if !ok {
		return nil, &order.NotFoundError{OrderID: orderID}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Status != order.StatusPending {
		return nil, &order.InvalidStateError{OrderID: orderID, Status: o.Status, Op: "modify"}
	}

	quantity := o.TotalQuantity
	entry := o.EntryPrice
	profit := o.ProfitTarget
	stop := o.StopPrice
	if params.Quantity > 0 {
		quantity = params.Quantity
	}
	if params.EntryPrice != nil {
		entry = params.EntryPrice
	}
	if params.ProfitTarget > 0 {
		profit = params.ProfitTarget
	}
	if params.StopPrice > 0 {
		stop = params.StopPrice
	}
	if entry != nil {
		if msg := bracketOrdering(o.Side, *entry, profit, stop); msg != "" {
			return nil, &order.InvalidParamsError{OrderID: orderID, Reason: msg}
		}
	}

	o.TotalQuantity = quantity
	o.EntryPrice = entry
	o.ProfitTarget = profit
	o.StopPrice = stop

	e.deps.Events.Emit(order.Event{
		Type:     order.EventModified,
		OrderID:  o.ID,
		Strategy: e.Type(),
		Symbol:   o.Symbol,
		Quantity: o.TotalQuantity,
	})
	return o.response(), nil
}

func (e *BracketEngine) handleTick(ctx context.Context, symbol string, price float64) {
	for _, id := range e.orders.ids() {
		o, ok := e.orders.get(id)
		if !ok || o.Symbol != symbol {
			continue
		}
		if _, err := e.OnPriceUpdate(ctx, id, price); err != nil {
			e.logger.Warn("行情处理失败", zap.String("order_id", id), zap.Error(err))
		}
	}
}

var _ Strategy = (*BracketEngine)(nil)
