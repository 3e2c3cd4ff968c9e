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

// StopLossOrder 为止损单的执行状态。
// SELL 方向保护多头：价格跌破 StopPrice 时市价卖出；
// BUY 方向回补空头：价格升破 StopPrice 时市价买入。
type StopLossOrder struct {
	mu sync.Mutex

	ID            string
	Symbol        string
	Side          order.Side
	TotalQuantity int64
	StopPrice     float64

	Status         order.Status
	FilledQuantity int64
	FillPrice      float64
	CreatedAt      time.Time
}

func (o *StopLossOrder) response() *order.Response {
	return &order.Response{
		OrderID:        o.ID,
		Strategy:       order.StrategyStopLoss,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Status:         o.Status,
		TotalQuantity:  o.TotalQuantity,
		FilledQuantity: o.FilledQuantity,
		AveragePrice:   o.FillPrice,
		CreatedAt:      o.CreatedAt,
	}
}

// StopLossEngine 实现止损策略。
type StopLossEngine struct {
	deps   Deps
	orders *registry[StopLossOrder]
	ids    *idGen
	logger *zap.Logger
}

// NewStopLoss 创建止损引擎。
func NewStopLoss(deps Deps) *StopLossEngine {
	deps = deps.normalized()
	return &StopLossEngine{
		deps:   deps,
		orders: newRegistry[StopLossOrder](),
		ids:    newIDGen("SL"),
		logger: deps.Logger.Named("stoploss"),
	}
}

func (e *StopLossEngine) Type() order.StrategyType {
	return order.StrategyStopLoss
}

func (e *StopLossEngine) Validate(req order.Request) order.ValidationResult {
	if msg := validateCommon(req); msg != "" {
		return order.Invalid(msg)
	}
	if req.StopPrice <= 0 {
		return order.Invalid(fmt.Sprintf("stopPrice 必须大于0: %v", req.StopPrice))
	}
	return order.OK()
}

func (e *StopLossEngine) Execute(ctx context.Context, req order.Request) (*order.Response, error) {
	if result := e.Validate(req); !result.Valid {
		return nil, e.deps.reject(e.Type(), req, result)
	}

	o := &StopLossOrder{
		ID:            e.ids.next(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		TotalQuantity: req.Quantity,
		StopPrice:     req.StopPrice,
		Status:        order.StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	e.orders.put(o.ID, o)

	e.deps.Events.Emit(order.Event{
		Type:     order.EventAccepted,
		OrderID:  o.ID,
		Strategy: e.Type(),
		Symbol:   o.Symbol,
		Side:     o.Side,
		Price:    o.StopPrice,
		Quantity: o.TotalQuantity,
	})
	e.logger.Info("止损单已登记",
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.Float64("stop_price", o.StopPrice),
		zap.Int64("quantity", o.TotalQuantity),
	)

	// 入表后行情回调可能立即触发，快照须在锁内读取。
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.response(), nil
}

// OnPriceUpdate 对每笔行情重新评估触发条件。
// 触发后以市价子单出场并标记 FILLED；适配器失败时订单
// 保持 PENDING，等待下一笔行情或调用方撤单。
func (e *StopLossEngine) OnPriceUpdate(ctx context.Context, orderID string, price float64) (bool, error) {
	o, ok := e.orders.get(orderID)
	if !ok {
		return false, &order.NotFoundError{OrderID: orderID}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Status != order.StatusPending {
		return false, nil
	}

	triggered := false
	switch o.Side {
	case order.SideSell:
		triggered = price <= o.StopPrice
	case order.SideBuy:
		triggered = price >= o.StopPrice
	}
	if !triggered {
		return false, nil
	}

	fill, err := e.deps.Broker.PlaceChildOrder(ctx, broker.ChildOrder{
		ClientOrderID: o.ID + "-TRG",
		Symbol:        o.Symbol,
		Side:          o.Side,
		Quantity:      o.TotalQuantity,
	})
	if err != nil {
		e.logger.Error("止损触发后下单失败",
			zap.String("order_id", o.ID),
			zap.Float64("price", price),
			zap.Error(err),
		)
		return false, &order.AdapterError{Op: "place_child_order", Err: err}
	}

	o.Status = order.StatusFilled
	o.FilledQuantity = o.TotalQuantity
	o.FillPrice = fill.Price

	e.deps.Events.Emit(order.Event{
		Type:     order.EventTriggered,
		OrderID:  o.ID,
		Strategy: e.Type(),
		Symbol:   o.Symbol,
		Side:     o.Side,
		Price:    fill.Price,
		Quantity: o.FilledQuantity,
	})
	e.logger.Info("止损触发成交",
		zap.String("order_id", o.ID),
		zap.Float64("trigger_price", price),
		zap.Float64("fill_price", fill.Price),
	)
	return true, nil
}

func (e *StopLossEngine) Cancel(ctx context.Context, orderID string) (*order.Response, error) {
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

	e.deps.Events.Emit(order.Event{
		Type:     order.EventCancelled,
		OrderID:  o.ID,
		Strategy: e.Type(),
		Symbol:   o.Symbol,
	})
	return o.response(), nil
}

// Modify 在 PENDING 状态下替换数量或止损价。
func (e *StopLossEngine) Modify(ctx context.Context, orderID string, params order.ModifyParams) (*order.Response, error) {
	o, ok := e.orders.get(orderID)
	if !ok {
		return nil, &order.NotFoundError{OrderID: orderID}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Status != order.StatusPending {
		return nil, &order.InvalidStateError{OrderID: orderID, Status: o.Status, Op: "modify"}
	}
	if params.Quantity < 0 || params.StopPrice < 0 {
		return nil, &order.InvalidParamsError{OrderID: orderID, Reason: "quantity 与 stopPrice 不能为负"}
	}
	if params.Quantity > 0 {
		o.TotalQuantity = params.Quantity
	}
	if params.StopPrice > 0 {
		o.StopPrice = params.StopPrice
	}

	e.deps.Events.Emit(order.Event{
		Type:     order.EventModified,
		OrderID:  o.ID,
		Strategy: e.Type(),
		Symbol:   o.Symbol,
		Price:    o.StopPrice,
		Quantity: o.TotalQuantity,
	})
	return o.response(), nil
}

// handleTick 将交易对行情派发给本引擎的全部在途订单。
func (e *StopLossEngine) handleTick(ctx context.Context, symbol string, price float64) {
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

var _ Strategy = (*StopLossEngine)(nil)
