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

// TWAPOrder 为时间加权拆单的执行状态。
// Plan 在 Execute 时一次性确定，之后只读；切片由调度器按
// 固定间隔触发，全部执行完毕后计算已实现均价。
type TWAPOrder struct {
	mu sync.Mutex

	ID            string
	Symbol        string
	Side          order.Side
	TotalQuantity int64
	SliceSize     int64
	SliceInterval time.Duration
	// Plan 各切片数量，总和恰等于 TotalQuantity。
	Plan []int64

	executed atomic.Int32
	filled   atomic.Int64

	Status     order.Status
	Executions []order.SliceExecution
	AvgPrice   float64
	CreatedAt  time.Time
}

// FilledQuantity 返回已成交数量。
func (o *TWAPOrder) FilledQuantity() int64 {
	return o.filled.Load()
}

// ExecutedSlices 返回已执行切片数。
func (o *TWAPOrder) ExecutedSlices() int {
	return int(o.executed.Load())
}

func (o *TWAPOrder) response() *order.Response {
	return &order.Response{
		OrderID:        o.ID,
		Strategy:       order.StrategyTWAP,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Status:         o.Status,
		TotalQuantity:  o.TotalQuantity,
		FilledQuantity: o.filled.Load(),
		AveragePrice:   order.AveragePrice(o.Executions),
		CreatedAt:      o.CreatedAt,
	}
}

// TWAPEngine 实现 TWAP 策略。
type TWAPEngine struct {
	deps   Deps
	orders *registry[TWAPOrder]
	ids    *idGen
	logger *zap.Logger
}

// NewTWAP 创建 TWAP 引擎。
func NewTWAP(deps Deps) *TWAPEngine {
	deps = deps.normalized()
	return &TWAPEngine{
		deps:   deps,
		orders: newRegistry[TWAPOrder](),
		ids:    newIDGen("TW"),
		logger: deps.Logger.Named("twap"),
	}
}

func (e *TWAPEngine) Type() order.StrategyType {
	return order.StrategyTWAP
}

func (e *TWAPEngine) Validate(req order.Request) order.ValidationResult {
	if msg := validateCommon(req); msg != "" {
		return order.Invalid(msg)
	}
	if req.TimeWindowMinutes <= 0 {
		return order.Invalid(fmt.Sprintf("timeWindowMinutes 必须大于0: %d", req.TimeWindowMinutes))
	}
	if req.SliceIntervalSeconds <= 0 {
		return order.Invalid(fmt.Sprintf("sliceIntervalSeconds 必须大于0: %d", req.SliceIntervalSeconds))
	}
	if req.SliceIntervalSeconds >= req.TimeWindowMinutes*60 {
		return order.Invalid(fmt.Sprintf("sliceIntervalSeconds(%d) 必须小于时间窗口(%d秒)", req.SliceIntervalSeconds, req.TimeWindowMinutes*60))
	}
	return order.OK()
}

// planSlices 将总量按 numSlices 均分：切片大小向上取整，
// 末片吸收舍入余量，保证总和恰等于 total 且每片为正。
func planSlices(total int64, numSlices int) (sliceSize int64, plan []int64) {
	if numSlices < 1 {
		numSlices = 1
	}
	sliceSize = ceilDiv(total, int64(numSlices))
	// 向上取整可能使末片归零，收缩到实际需要的片数。
	effective := int(ceilDiv(total, sliceSize))

	plan = make([]int64, effective)
	for i := 0; i < effective-1; i++ {
		plan[i] = sliceSize
	}
	plan[effective-1] = total - sliceSize*int64(effective-1)
	return sliceSize, plan
}

func (e *TWAPEngine) Execute(ctx context.Context, req order.Request) (*order.Response, error) {
	if result := e.Validate(req); !result.Valid {
		return nil, e.deps.reject(e.Type(), req, result)
	}
	if e.deps.Scheduler == nil {
		return nil, fmt.Errorf("engine: TWAP 需要切片调度器")
	}

	windowSeconds := req.TimeWindowMinutes * 60
	numSlices := windowSeconds / req.SliceIntervalSeconds
	if numSlices < 1 {
		numSlices = 1
	}
	sliceSize, plan := planSlices(req.Quantity, numSlices)

	o := &TWAPOrder{
		ID:            e.ids.next(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		TotalQuantity: req.Quantity,
		SliceSize:     sliceSize,
		SliceInterval: time.Duration(req.SliceIntervalSeconds) * time.Second,
		Plan:          plan,
		Status:        order.StatusActive,
		CreatedAt:     time.Now().UTC(),
	}
	e.orders.put(o.ID, o)

	for i, qty := range plan {
		sliceNumber := i + 1
		sliceQty := qty
		delay := time.Duration(i) * o.SliceInterval
		if err := e.deps.Scheduler.Schedule(o.ID, delay, func() {
			e.runSlice(o.ID, sliceNumber, sliceQty)
		}); err != nil {
			e.deps.Scheduler.CancelOrder(o.ID)
			e.orders.remove(o.ID)
			return nil, fmt.Errorf("engine: 注册TWAP切片失败: %w", err)
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
	e.logger.Info("TWAP单已登记并开始调度",
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.Int("slices", len(plan)),
		zap.Int64("slice_size", sliceSize),
		zap.Duration("interval", o.SliceInterval),
	)

	// 首片延迟为零并已在计时器协程上运行，快照须在锁内读取。
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.response(), nil
}

// runSlice 执行一个到期切片。先做过期防护：订单已撤销或已
// 完成时立即退出，绝不复活终态订单。
func (e *TWAPEngine) runSlice(orderID string, sliceNumber int, qty int64) {
	o, ok := e.orders.get(orderID)
	if !ok {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Status != order.StatusActive {
		return
	}

	fill, err := e.deps.Broker.PlaceChildOrder(context.Background(), broker.ChildOrder{
		ClientOrderID: fmt.Sprintf("%s-S%d", o.ID, sliceNumber),
		Symbol:        o.Symbol,
		Side:          o.Side,
		Quantity:      qty,
	})
	if err != nil {
		// 切片失败不改变状态，订单保持 ACTIVE 供上游重试或撤销。
		e.logger.Error("TWAP切片下单失败",
			zap.String("order_id", o.ID),
			zap.Int("slice", sliceNumber),
			zap.Error(err),
		)
		return
	}

	o.filled.Add(fill.Quantity)
	executed := o.executed.Add(1)
	o.Executions = append(o.Executions, order.SliceExecution{
		SliceNumber:    sliceNumber,
		Quantity:       fill.Quantity,
		ExecutionPrice: fill.Price,
		ExecutionTime:  fill.FilledAt,
	})

	done := int(executed) == len(o.Plan)
	if done {
		o.Status = order.StatusCompleted
		o.AvgPrice = order.AveragePrice(o.Executions)
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
		Slice:    sliceNumber,
	})
	if done {
		e.logger.Info("TWAP执行完成",
			zap.String("order_id", o.ID),
			zap.Int64("filled", o.filled.Load()),
			zap.Float64("avg_price", o.AvgPrice),
		)
	}
}

// OnPriceUpdate 为空操作：TWAP 纯时间驱动。
func (e *TWAPEngine) OnPriceUpdate(ctx context.Context, orderID string, price float64) (bool, error) {
	if _, ok := e.orders.get(orderID); !ok {
		return false, &order.NotFoundError{OrderID: orderID}
	}
	return false, nil
}

// Cancel 标记订单撤销并停掉未触发的切片；已在途的切片回调
// 会在过期防护处观察到 CANCELLED 并放弃执行。
func (e *TWAPEngine) Cancel(ctx context.Context, orderID string) (*order.Response, error) {
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
	e.deps.Scheduler.CancelOrder(orderID)

	e.deps.Events.Emit(order.Event{
		Type:     order.EventCancelled,
		OrderID:  o.ID,
		Strategy: e.Type(),
		Symbol:   o.Symbol,
	})
	return o.response(), nil
}

// Modify 不受支持：切片计划在 Execute 时已确定并开始调度。
func (e *TWAPEngine) Modify(ctx context.Context, orderID string, params order.ModifyParams) (*order.Response, error) {
	o, ok := e.orders.get(orderID)
	if !ok {
		return nil, &order.NotFoundError{OrderID: orderID}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return nil, &order.InvalidStateError{OrderID: orderID, Status: o.Status, Op: "modify"}
}

var _ Strategy = (*TWAPEngine)(nil)
