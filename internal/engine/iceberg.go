package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"algoexec/internal/broker"
	"algoexec/internal/order"
)

// IcebergOrder 为冰山单的执行状态。每次只暴露 DisplayQuantity
// 大小的切片；当前切片成交后立即续挂下一片，直到总量成交完毕。
type IcebergOrder struct {
	mu sync.Mutex

	ID              string
	Symbol          string
	Side            order.Side
	TotalQuantity   int64
	DisplayQuantity int64
	// LimitPrice 为 0 时按市价切片，任意行情即视为成交。
	LimitPrice float64

	// filled 单调递增，行情回调与查询可能并发读取。
	filled       atomic.Int64
	CurrentSlice int

	Status     order.Status
	Executions []order.SliceExecution
	CreatedAt  time.Time
}

// FilledQuantity 返回已成交数量。
func (o *IcebergOrder) FilledQuantity() int64 {
	return o.filled.Load()
}

// TotalSlices 返回计划切片数 ceil(total/display)。
func (o *IcebergOrder) TotalSlices() int {
	return int(ceilDiv(o.TotalQuantity, o.DisplayQuantity))
}

func (o *IcebergOrder) response() *order.Response {
	return &order.Response{
		OrderID:        o.ID,
		Strategy:       order.StrategyIceberg,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Status:         o.Status,
		TotalQuantity:  o.TotalQuantity,
		FilledQuantity: o.filled.Load(),
		AveragePrice:   order.AveragePrice(o.Executions),
		CreatedAt:      o.CreatedAt,
	}
}

// IcebergEngine 实现冰山策略。
type IcebergEngine struct {
	deps   Deps
	orders *registry[IcebergOrder]
	ids    *idGen
	logger *zap.Logger
}

// NewIceberg 创建冰山引擎。
func NewIceberg(deps Deps) *IcebergEngine {
	deps = deps.normalized()
	return &IcebergEngine{
		deps:   deps,
		orders: newRegistry[IcebergOrder](),
		ids:    newIDGen("IC"),
		logger: deps.Logger.Named("iceberg"),
	}
}

func (e *IcebergEngine) Type() order.StrategyType {
	return order.StrategyIceberg
}

func (e *IcebergEngine) Validate(req order.Request) order.ValidationResult {
	if msg := validateCommon(req); msg != "" {
		return order.Invalid(msg)
	}
	if req.DisplayQuantity <= 0 {
		return order.Invalid(fmt.Sprintf("displayQuantity 必须大于0: %d", req.DisplayQuantity))
	}
	if req.DisplayQuantity >= req.Quantity {
		return order.Invalid(fmt.Sprintf("displayQuantity(%d) 必须小于总量(%d)", req.DisplayQuantity, req.Quantity))
	}
	if req.LimitPrice < 0 {
		return order.Invalid(fmt.Sprintf("limitPrice 不能为负: %v", req.LimitPrice))
	}
	return order.OK()
}

func (e *IcebergEngine) Execute(ctx context.Context, req order.Request) (*order.Response, error) {
	if result := e.Validate(req); !result.Valid {
		return nil, e.deps.reject(e.Type(), req, result)
	}

	o := &IcebergOrder{
		ID:              e.ids.next(),
		Symbol:          req.Symbol,
		Side:            req.Side,
		TotalQuantity:   req.Quantity,
		DisplayQuantity: req.DisplayQuantity,
		LimitPrice:      req.LimitPrice,
		CurrentSlice:    1,
		Status:          order.StatusActive,
		CreatedAt:       time.Now().UTC(),
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
	e.logger.Info("冰山单已登记",
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.Int64("display_quantity", o.DisplayQuantity),
		zap.Int("total_slices", o.TotalSlices()),
	)

	// 入表后行情回调可能立即触发，快照须在锁内读取。
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.response(), nil
}

// OnPriceUpdate 检测当前切片是否被行情满足：限价切片要求价格
// 穿越限价（BUY 向下、SELL 向上），市价切片任意行情即成交。
// 成交后累计数量、递增切片序号，剩余量为零时转入 COMPLETED。
func (e *IcebergEngine) OnPriceUpdate(ctx context.Context, orderID string, price float64) (bool, error) {
	o, ok := e.orders.get(orderID)
	if !ok {
		return false, &order.NotFoundError{OrderID: orderID}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Status != order.StatusActive {
		return false, nil
	}

	if o.LimitPrice > 0 {
		filled := false
		if o.Side == order.SideBuy {
			filled = price <= o.LimitPrice
		} else {
			filled = price >= o.LimitPrice
		}
		if !filled {
			return false, nil
		}
	}

	remaining := o.TotalQuantity - o.filled.Load()
	sliceQty := o.DisplayQuantity
	if remaining < sliceQty {
		sliceQty = remaining
	}
	if sliceQty <= 0 {
		return false, nil
	}

	fill, err := e.deps.Broker.PlaceChildOrder(ctx, broker.ChildOrder{
		ClientOrderID: fmt.Sprintf("%s-S%d", o.ID, o.CurrentSlice),
		Symbol:        o.Symbol,
		Side:          o.Side,
		Quantity:      sliceQty,
		LimitPrice:    o.LimitPrice,
	})
	if err != nil {
		e.logger.Error("冰山切片下单失败",
			zap.String("order_id", o.ID),
			zap.Int("slice", o.CurrentSlice),
			zap.Error(err),
		)
		return false, &order.AdapterError{Op: "place_child_order", Err: err}
	}

	o.filled.Add(fill.Quantity)
	o.Executions = append(o.Executions, order.SliceExecution{
		SliceNumber:    o.CurrentSlice,
		Quantity:       fill.Quantity,
		ExecutionPrice: fill.Price,
		ExecutionTime:  fill.FilledAt,
	})
	o.CurrentSlice++

	done := o.filled.Load() >= o.TotalQuantity
	if done {
		o.Status = order.StatusCompleted
	}

	eventType := order.EventSliceExecuted
	if done {
		eventType = order.EventCompleted
	}
	e.deps.Events.Emit(order.Event{
		Type:     eventType,
		OrderID:  o.ID,
		Strategy: e.Type(),
		Symbol:   o.Symbol,
		Side:     o.Side,
		Price:    fill.Price,
		Quantity: fill.Quantity,
		Slice:    o.CurrentSlice - 1,
	})
	e.logger.Debug("冰山切片成交",
		zap.String("order_id", o.ID),
		zap.Int("slice", o.CurrentSlice-1),
		zap.Int64("filled", o.filled.Load()),
		zap.Bool("completed", done),
	)
	return true, nil
}

func (e *IcebergEngine) Cancel(ctx context.Context, orderID string) (*order.Response, error) {
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

// Modify 在非终态下调整显示数量或限价，只影响尚未挂出的切片。
// 新显示数量必须仍小于剩余数量。
func (e *IcebergEngine) Modify(ctx context.Context, orderID string, params order.ModifyParams) (*order.Response, error) {
	o, ok := e.orders.get(orderID)
	if !ok {
		return nil, &order.NotFoundError{OrderID: orderID}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Status.Terminal() {
		return nil, &order.InvalidStateError{OrderID: orderID, Status: o.Status, Op: "modify"}
	}
	if params.DisplayQuantity > 0 {
		remaining := o.TotalQuantity - o.filled.Load()
		if params.DisplayQuantity >= remaining {
			return nil, &order.InvalidParamsError{OrderID: orderID, Reason: fmt.Sprintf("新 displayQuantity(%d) 必须小于剩余数量(%d)", params.DisplayQuantity, remaining)}
		}
		o.DisplayQuantity = params.DisplayQuantity
	}
	if params.LimitPrice > 0 {
		o.LimitPrice = params.LimitPrice
	}

	e.deps.Events.Emit(order.Event{
		Type:     order.EventModified,
		OrderID:  o.ID,
		Strategy: e.Type(),
		Symbol:   o.Symbol,
		Quantity: o.DisplayQuantity,
	})
	return o.response(), nil
}

func (e *IcebergEngine) handleTick(ctx context.Context, symbol string, price float64) {
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

var _ Strategy = (*IcebergEngine)(nil)
