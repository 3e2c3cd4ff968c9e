package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"algoexec/internal/order"
)

// Dispatcher 持有全部六个策略引擎并按 StrategyType 路由请求。
// 映射在构造时固定，运行期不可扩展。
type Dispatcher struct {
	engines map[order.StrategyType]Strategy
	tickers []symbolTicker
	logger  *zap.Logger
}

// NewDispatcher 构造调度器并实例化全部策略引擎。
func NewDispatcher(deps Deps) *Dispatcher {
	deps = deps.normalized()

	stopLoss := NewStopLoss(deps)
	trailing := NewTrailingStop(deps)
	bracket := NewBracket(deps)
	iceberg := NewIceberg(deps)
	twap := NewTWAP(deps)
	vwap := NewVWAP(deps)

	return &Dispatcher{
		engines: map[order.StrategyType]Strategy{
			order.StrategyStopLoss:     stopLoss,
			order.StrategyTrailingStop: trailing,
			order.StrategyBracket:      bracket,
			order.StrategyIceberg:      iceberg,
			order.StrategyTWAP:         twap,
			order.StrategyVWAP:         vwap,
		},
		tickers: []symbolTicker{stopLoss, trailing, bracket, iceberg},
		logger:  deps.Logger,
	}
}

// Engine 返回指定策略类型的引擎。
func (d *Dispatcher) Engine(t order.StrategyType) (Strategy, error) {
	s, ok := d.engines[t]
	if !ok {
		return nil, fmt.Errorf("engine: 未知策略类型 %q", t)
	}
	return s, nil
}

// Validate 路由校验请求。未知策略类型返回失败结果而非错误。
func (d *Dispatcher) Validate(req order.Request) order.ValidationResult {
	s, ok := d.engines[req.Strategy]
	if !ok {
		return order.Invalid(fmt.Sprintf("未知策略类型 %q", req.Strategy))
	}
	return s.Validate(req)
}

// Execute 路由执行请求。
func (d *Dispatcher) Execute(ctx context.Context, req order.Request) (*order.Response, error) {
	s, err := d.Engine(req.Strategy)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, req)
}

// OnPriceUpdate 将单笔订单的行情更新路由到对应引擎。
func (d *Dispatcher) OnPriceUpdate(ctx context.Context, t order.StrategyType, orderID string, price float64) (bool, error) {
	s, err := d.Engine(t)
	if err != nil {
		return false, err
	}
	return s.OnPriceUpdate(ctx, orderID, price)
}

// Cancel 路由撤单请求。
func (d *Dispatcher) Cancel(ctx context.Context, t order.StrategyType, orderID string) (*order.Response, error) {
	s, err := d.Engine(t)
	if err != nil {
		return nil, err
	}
	return s.Cancel(ctx, orderID)
}

// Modify 路由改单请求。
func (d *Dispatcher) Modify(ctx context.Context, t order.StrategyType, orderID string, params order.ModifyParams) (*order.Response, error) {
	s, err := d.Engine(t)
	if err != nil {
		return nil, err
	}
	return s.Modify(ctx, orderID, params)
}

// HandleTick 将一笔交易对行情派发给全部价格驱动的引擎。
// 同一交易对的调用方应为单一 goroutine，以保证单订单内
// 行情的到达顺序。
func (d *Dispatcher) HandleTick(ctx context.Context, symbol string, price float64) {
	if price <= 0 {
		return
	}
	for _, t := range d.tickers {
		t.handleTick(ctx, symbol, price)
	}
}
