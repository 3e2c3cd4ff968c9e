// Package engine 实现算法订单执行引擎：六种策略各自作为
// 独立状态机，共享同一合约接口。引擎不做持久化，只接收
// 规范化请求与行情，产出子单与生命周期事件。
package engine

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"algoexec/internal/broker"
	"algoexec/internal/order"
	"algoexec/internal/sched"
)

// Strategy 为全部策略引擎实现的统一合约，
// 上游调度方按 StrategyType 无差别使用。
type Strategy interface {
	Type() order.StrategyType

	// Validate 为纯函数，只检查请求参数，不产生副作用。
	Validate(req order.Request) order.ValidationResult

	// Execute 注册订单状态，时间驱动策略同时开始调度切片。
	Execute(ctx context.Context, req order.Request) (*order.Response, error)

	// OnPriceUpdate 处理一次行情，返回本次是否触发了状态迁移。
	// 纯时间驱动的策略恒返回 false。
	OnPriceUpdate(ctx context.Context, orderID string, price float64) (bool, error)

	Cancel(ctx context.Context, orderID string) (*order.Response, error)
	Modify(ctx context.Context, orderID string, params order.ModifyParams) (*order.Response, error)
}

// ProfileProvider 提供 VWAP 所需的成交量分布画像，
// 返回长度为 periods、总和为 1 的占比序列。
type ProfileProvider interface {
	Profile(ctx context.Context, symbol string, periods int) ([]float64, error)
}

// Deps 聚合各引擎的公共依赖。
type Deps struct {
	Broker    broker.Adapter
	Scheduler *sched.Scheduler
	Profile   ProfileProvider
	Events    order.EventSink
	Logger    *zap.Logger

	// TickSize 为派生价格（如跟踪止损价）的取整单位。
	TickSize float64
	// BracketEntryExpiry 为 Bracket 入场腿有效期，0 表示 GTC。
	BracketEntryExpiry time.Duration
	// VWAPPeriod 为 VWAP 画像单周期时长。
	VWAPPeriod time.Duration
}

func (d Deps) normalized() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.TickSize <= 0 {
		d.TickSize = 0.01
	}
	if d.VWAPPeriod <= 0 {
		d.VWAPPeriod = 30 * time.Minute
	}
	return d
}

// symbolTicker 由价格驱动的引擎实现，供调度器按交易对派发行情。
type symbolTicker interface {
	handleTick(ctx context.Context, symbol string, price float64)
}

// roundToTick 将价格取整到最小变动单位。
func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

// ceilDiv 返回 a/b 向上取整，要求 b > 0。
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// idGen 生成单调递增的订单号。
type idGen struct {
	prefix string
	seq    atomic.Int64
}

func newIDGen(prefix string) *idGen {
	return &idGen{prefix: prefix}
}

func (g *idGen) next() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.seq.Add(1))
}

// validateCommon 校验全部策略共享的请求字段，通过时返回空串。
func validateCommon(req order.Request) string {
	if req.Symbol == "" {
		return "symbol 不能为空"
	}
	if !req.Side.Valid() {
		return fmt.Sprintf("side 非法: %q", req.Side)
	}
	if req.Quantity <= 0 {
		return fmt.Sprintf("quantity 必须大于0: %d", req.Quantity)
	}
	return ""
}

// reject 发布拒绝事件并将校验失败转换为 Execute 的错误返回。
func (d Deps) reject(t order.StrategyType, req order.Request, result order.ValidationResult) error {
	d.Events.Emit(order.Event{
		Type:     order.EventRejected,
		Strategy: t,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Note:     result.ErrorMessage,
	})
	return fmt.Errorf("engine: %s 请求校验失败: %s", t, result.ErrorMessage)
}
