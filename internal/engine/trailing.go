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

// TrailingStopOrder 为跟踪止损单的执行状态。
// ExtremePrice 为开始跟踪以来最有利的价格（SELL 取高水位，
// BUY 取低水位），首笔行情到达前为 nil。CurrentStopPrice 始终
// 由最新的 ExtremePrice 重新计算，绝不独立棘轮。
type TrailingStopOrder struct {
	mu sync.Mutex

	ID            string
	Symbol        string
	Side          order.Side
	TotalQuantity int64
	TrailAmount   float64
	TrailPercent  float64

	CurrentStopPrice *float64
	ExtremePrice     *float64

	Status         order.Status
	FilledQuantity int64
	FillPrice      float64
	CreatedAt      time.Time
}

func (o *TrailingStopOrder) response() *order.Response {
	return &order.Response{
		OrderID:        o.ID,
		Strategy:       order.StrategyTrailingStop,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Status:         o.Status,
		TotalQuantity:  o.TotalQuantity,
		FilledQuantity: o.FilledQuantity,
		AveragePrice:   o.FillPrice,
		CreatedAt:      o.CreatedAt,
	}
}

// TrailingStopEngine 实现跟踪止损策略。
type TrailingStopEngine struct {
	deps   Deps
	orders *registry[TrailingStopOrder]
	ids    *idGen
	logger *zap.Logger
}

// NewTrailingStop 创建跟踪止损引擎。
func NewTrailingStop(deps Deps) *TrailingStopEngine {
	deps = deps.normalized()
	return &TrailingStopEngine{
		deps:   deps,
		orders: newRegistry[TrailingStopOrder](),
		ids:    newIDGen("TS"),
		logger: deps.Logger.Named("trailing"),
	}
}

func (e *TrailingStopEngine) Type() order.StrategyType {
	return order.StrategyTrailingStop
}

func (e *TrailingStopEngine) Validate(req order.Request) order.ValidationResult {
	if msg := validateCommon(req); msg != "" {
		return order.Invalid(msg)
	}
	hasAmount := req.TrailAmount > 0
	hasPercent := req.TrailPercent > 0
	if hasAmount == hasPercent {
		return order.Invalid("trailAmount 与 trailPercent 必须二选一且大于0")
	}
	if hasPercent && req.TrailPercent > 100 {
		return order.Invalid(fmt.Sprintf("trailPercent 必须位于(0,100]: %v", req.TrailPercent))
	}
	return order.OK()
}

func (e *TrailingStopEngine) Execute(ctx context.Context, req order.Request) (*order.Response, error) {
	if result := e.Validate(req); !result.Valid {
		return nil, e.deps.reject(e.Type(), req, result)
	}

	o := &TrailingStopOrder{
		ID:            e.ids.next(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		TotalQuantity: req.Quantity,
		TrailAmount:   req.TrailAmount,
		TrailPercent:  req.TrailPercent,
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
		Quantity: o.TotalQuantity,
	})
	e.logger.Info("跟踪止损单已登记",
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.Float64("trail_amount", o.TrailAmount),
		zap.Float64("trail_percent", o.TrailPercent),
	)

	// 入表后行情回调可能立即触发，快照须在锁内读取。
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.response(), nil
}

// OnPriceUpdate 维护极值并评估止损条件。
// 首笔行情只做初始化；更有利的行情向前棘轮极值与止损价；
// 不利行情与当前止损价比较，命中即市价出场。
func (e *TrailingStopEngine) OnPriceUpdate(ctx context.Context, orderID string, price float64) (bool, error) {
	o, ok := e.orders.get(orderID)
	if !ok {
		return false, &order.NotFoundError{OrderID: orderID}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Status != order.StatusPending {
		return false, nil
	}

	if o.ExtremePrice == nil {
		extreme := price
		stop := e.stopFrom(o, extreme)
		o.ExtremePrice = &extreme
		o.CurrentStopPrice = &stop
		return false, nil
	}

	favorable := false
	switch o.Side {
	case order.SideSell:
		favorable = price > *o.ExtremePrice
	case order.SideBuy:
		favorable = price < *o.ExtremePrice
	}

	if favorable {
		extreme := price
		stop := e.stopFrom(o, extreme)
		o.ExtremePrice = &extreme
		o.CurrentStopPrice = &stop
		return false, nil
	}

	hit := false
	switch o.Side {
	case order.SideSell:
		hit = price <= *o.CurrentStopPrice
	case order.SideBuy:
		hit = price >= *o.CurrentStopPrice
	}
	if !hit {
		return false, nil
	}

	fill, err := e.deps.Broker.PlaceChildOrder(ctx, broker.ChildOrder{
		ClientOrderID: o.ID + "-TRG",
		Symbol:        o.Symbol,
		Side:          o.Side,
		Quantity:      o.TotalQuantity,
	})
	if err != nil {
		e.logger.Error("跟踪止损触发后下单失败",
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
	e.logger.Info("跟踪止损触发成交",
		zap.String("order_id", o.ID),
		zap.Float64("trigger_price", price),
		zap.Float64("stop_price", *o.CurrentStopPrice),
		zap.Float64("fill_price", fill.Price),
	)
	return true, nil
}

// stopFrom 由极值价计算止损价：SELL 向下留出距离，BUY 向上。
func (e *TrailingStopEngine) stopFrom(o *TrailingStopOrder, extreme float64) float64 {
	distance := o.TrailAmount
	if o.TrailPercent > 0 {
		distance = extreme * o.TrailPercent / 100
	}
	var stop float64
	if o.Side == order.SideSell {
		stop = extreme - distance
	} else {
		stop = extreme + distance
	}
	return roundToTick(stop, e.deps.TickSize)
}

func (e *TrailingStopEngine) Cancel(ctx context.Context, orderID string) (*order.Response, error) {
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

// Modify 在 PENDING 状态下替换数量或跟踪距离，
// 已开始跟踪时按新距离从当前极值重算止损价。
func (e *TrailingStopEngine) Modify(ctx context.Context, orderID string, params order.ModifyParams) (*order.Response, error) {
	o, ok := e.orders.get(orderID)
	if !ok {
		return nil, &order.NotFoundError{OrderID: orderID}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Status != order.StatusPending {
		return nil, &order.InvalidStateError{OrderID: orderID, Status: o.Status, Op: "modify"}
	}
	if params.TrailAmount > 0 && params.TrailPercent > 0 {
		return nil, &order.InvalidParamsError{OrderID: orderID, Reason: "trailAmount 与 trailPercent 不能同时指定"}
	}
	if params.Quantity > 0 {
		o.TotalQuantity = params.Quantity
	}
	if params.TrailAmount > 0 {
		o.TrailAmount = params.TrailAmount
		o.TrailPercent = 0
	}
	if params.TrailPercent > 0 {
		if params.TrailPercent > 100 {
			return nil, &order.InvalidParamsError{OrderID: orderID, Reason: fmt.Sprintf("trailPercent 必须位于(0,100]: %v", params.TrailPercent)}
		}
		o.TrailPercent = params.TrailPercent
		o.TrailAmount = 0
	}
	if o.ExtremePrice != nil {
		stop := e.stopFrom(o, *o.ExtremePrice)
		o.CurrentStopPrice = &stop
	}

	e.deps.Events.Emit(order.Event{
		Type:     order.EventModified,
		OrderID:  o.ID,
		Strategy: e.Type(),
		Symbol:   o.Symbol,
		Quantity: o.TotalQuantity,
	})
	return o.response(), nil
}

func (e *TrailingStopEngine) handleTick(ctx context.Context, symbol string, price float64) {
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

var _ Strategy = (*TrailingStopEngine)(nil)
