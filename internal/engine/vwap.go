package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"algoexec/internal/broker"
	"algoexec/internal/marketdata"
	"algoexec/internal/order"
)

// VWAPSlice 为规划阶段得出的单片配额。
type VWAPSlice struct {
	SliceNumber int
	Quantity    int64
	Offset      time.Duration
}

// VWAPOrder 为成交量加权拆单的执行状态。
// 切片配额按历史成交量分布预先分配，调度方式与 TWAP 一致。
type VWAPOrder struct {
	mu sync.Mutex

	ID                string
	Symbol            string
	Side              order.Side
	TotalQuantity     int64
	ParticipationRate float64
	// Slices 预计算的切片配额，数量总和恰等于 TotalQuantity。
	Slices []VWAPSlice

	executed atomic.Int32
	filled   atomic.Int64

	Status     order.Status
	Executions []order.SliceExecution
	AvgPrice   float64
	CreatedAt  time.Time
}

// FilledQuantity 返回已成交数量。
func (o *VWAPOrder) FilledQuantity() int64 {
	return o.filled.Load()
}

// ExecutedSlices 返回已执行切片数。
func (o *VWAPOrder) ExecutedSlices() int {
	return int(o.executed.Load())
}

func (o *VWAPOrder) response() *order.Response {
	return &order.Response{
		OrderID:        o.ID,
		Strategy:       order.StrategyVWAP,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Status:         o.Status,
		TotalQuantity:  o.TotalQuantity,
		FilledQuantity: o.filled.Load(),
		AveragePrice:   order.AveragePrice(o.Executions),
		CreatedAt:      o.CreatedAt,
	}
}

// VWAPEngine 实现 VWAP 策略。
type VWAPEngine struct {
	deps   Deps
	orders *registry[VWAPOrder]
	ids    *idGen
	logger *zap.Logger
}

// NewVWAP 创建 VWAP 引擎。
func NewVWAP(deps Deps) *VWAPEngine {
	deps = deps.normalized()
	return &VWAPEngine{
		deps:   deps,
		orders: newRegistry[VWAPOrder](),
		ids:    newIDGen("VW"),
		logger: deps.Logger.Named("vwap"),
	}
}

func (e *VWAPEngine) Type() order.StrategyType {
	return order.StrategyVWAP
}

func (e *VWAPEngine) Validate(req order.Request) order.ValidationResult {
	if msg := validateCommon(req); msg != "" {
		return order.Invalid(msg)
	}
	if req.TimeWindowMinutes <= 0 {
		return order.Invalid(fmt.Sprintf("timeWindowMinutes 必须大于0: %d", req.TimeWindowMinutes))
	}
	if req.ParticipationRate != 0 && (req.ParticipationRate <= 0 || req.ParticipationRate > 100) {
		return order.Invalid(fmt.Sprintf("participationRate 必须位于(0,100]: %v", req.ParticipationRate))
	}
	return order.OK()
}

// allocateSlices 按成交量占比分配各周期的切片数量：
// 每片向上取整，末片吸收余量使总和恰等于 total；
// 配额为零的周期从计划中剔除。
func allocateSlices(total int64, profile []float64, period time.Duration) []VWAPSlice {
	slices := make([]VWAPSlice, 0, len(profile))
	remaining := total
	for i, pct := range profile {
		if remaining <= 0 {
			break
		}
		var qty int64
		if i == len(profile)-1 {
			qty = remaining
		} else {
			qty = int64(math.Ceil(float64(total) * pct))
			if qty > remaining {
				qty = remaining
			}
		}
		if qty <= 0 {
			continue
		}
		remaining -= qty
		slices = append(slices, VWAPSlice{
			SliceNumber: len(slices) + 1,
			Quantity:    qty,
			Offset:      time.Duration(i) * period,
		})
	}
	// 画像耗尽仍有剩余（极端舍入）时并入末片。
	if remaining > 0 && len(slices) > 0 {
		slices[len(slices)-1].Quantity += remaining
	}
	return slices
}

func (e *VWAPEngine) Execute(ctx context.Context, req order.Request) (*order.Response, error) {
	if result := e.Validate(req); !result.Valid {
		return nil, e.deps.reject(e.Type(), req, result)
	}
	if e.deps.Scheduler == nil {
		return nil, fmt.Errorf("engine: VWAP 需要切片调度器")
	}

	window := time.Duration(req.TimeWindowMinutes) * time.Minute
	period := e.deps.VWAPPeriod
	if period > window {
		period = window
	}
	periods := int(window / period)
	if periods < 1 {
		periods = 1
	}

	profile := e.loadProfile(ctx, req.Symbol, periods)
	slices := allocateSlices(req.Quantity, profile, period)

	o := &VWAPOrder{
		ID:                e.ids.next(),
		Symbol:            req.Symbol,
		Side:              req.Side,
		TotalQuantity:     req.Quantity,
		ParticipationRate: req.ParticipationRate,
		Slices:            slices,
		Status:            order.StatusActive,
		CreatedAt:         time.Now().UTC(),
	}
	e.orders.put(o.ID, o)

	for _, s := range slices {
		slice := s
		if err := e.deps.Scheduler.Schedule(o.ID, slice.Offset, func() {
			e.runSlice(o.ID, slice.SliceNumber, slice.Quantity)
		}); err != nil {
			e.deps.Scheduler.CancelOrder(o.ID)
			e.orders.remove(o.ID)
			return nil, fmt.Errorf("engine: 注册VWAP切片失败: %w", err)
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
	e.logger.Info("VWAP单已登记并开始调度",
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.Int("slices", len(slices)),
		zap.Duration("period", period),
	)

	// 首片偏移可能为零并已在计时器协程上运行，快照须在锁内读取。
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.response(), nil
}

// loadProfile 获取成交量分布画像，缺省或失败时退化为U型曲线。
func (e *VWAPEngine) loadProfile(ctx context.Context, symbol string, periods int) []float64 {
	if e.deps.Profile == nil {
		return marketdata.UShapeProfile(periods)
	}
	profile, err := e.deps.Profile.Profile(ctx, symbol, periods)
	if err != nil || len(profile) != periods {
		e.logger.Warn("成交量画像不可用，使用U型默认曲线",
			zap.String("symbol", symbol),
			zap.Int("periods", periods),
			zap.Error(err),
		)
		return marketdata.UShapeProfile(periods)
	}
	return profile
}

func (e *VWAPEngine) runSlice(orderID string, sliceNumber int, qty int64) {
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
		e.logger.Error("VWAP切片下单失败",
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

	done := int(executed) == len(o.Slices)
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
		e.logger.Info("VWAP执行完成",
			zap.String("order_id", o.ID),
			zap.Int64("filled", o.filled.Load()),
			zap.Float64("avg_price", o.AvgPrice),
		)
	}
}

// OnPriceUpdate 为空操作：VWAP 纯时间驱动。
func (e *VWAPEngine) OnPriceUpdate(ctx context.Context, orderID string, price float64) (bool, error) {
	if _, ok := e.orders.get(orderID); !ok {
		return false, &order.NotFoundError{OrderID: orderID}
	}
	return false, nil
}

// Cancel 语义与 TWAP 一致。
func (e *VWAPEngine) Cancel(ctx context.Context, orderID string) (*order.Response, error) {
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
func (e *VWAPEngine) Modify(ctx context.Context, orderID string, params order.ModifyParams) (*order.Response, error) {
	o, ok := e.orders.get(orderID)
	if !ok {
		return nil, &order.NotFoundError{OrderID: orderID}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return nil, &order.InvalidStateError{OrderID: orderID, Status: o.Status, Op: "modify"}
}

var _ Strategy = (*VWAPEngine)(nil)
