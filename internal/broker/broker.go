// Package broker 定义执行引擎对接券商/交易所的出站边界。
// 引擎只依赖 Adapter 接口，真实网络客户端与模拟撮合均为其实现。
package broker

import (
	"context"
	"time"

	"algoexec/internal/order"
)

// ChildOrder 描述一笔待提交的子单。
// ClientOrderID 由引擎生成且全局唯一，实现方应以其作幂等键，
// 重复提交同一 ClientOrderID 不得产生第二笔成交。
type ChildOrder struct {
	ClientOrderID string
	Symbol        string
	Side          order.Side
	Quantity      int64
	// LimitPrice 为 0 时按市价提交。
	LimitPrice float64
}

// Fill 为子单的成交确认。
type Fill struct {
	BrokerOrderID string
	Price         float64
	Quantity      int64
	FilledAt      time.Time
}

// Adapter 为券商执行适配器。提交失败必须返回错误而非部分成交；
// 引擎据此保持订单在触发前的状态以便重试或撤销。
type Adapter interface {
	PlaceChildOrder(ctx context.Context, child ChildOrder) (Fill, error)
}
