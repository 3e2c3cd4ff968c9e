package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
)

type orderClient interface {
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
}

// CCXT 通过 ccxt 客户端向真实交易所提交子单。
type CCXT struct {
	client   orderClient
	logger   *zap.Logger
	maxRetry int
}

// NewCCXT 创建真实下单适配器。
func NewCCXT(client orderClient, logger *zap.Logger) *CCXT {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CCXT{
		client:   client,
		logger:   logger,
		maxRetry: 3,
	}
}

// PlaceChildOrder 提交子单并等待成交确认。
// ClientOrderID 透传给交易所作幂等键，网络类错误做有限重试。
func (c *CCXT) PlaceChildOrder(ctx context.Context, child ChildOrder) (Fill, error) {
	if child.Quantity <= 0 {
		return Fill{}, fmt.Errorf("broker: 子单数量无效 %d", child.Quantity)
	}

	side := strings.ToLower(string(child.Side))
	amount := float64(child.Quantity)
	params := map[string]interface{}{}
	if child.ClientOrderID != "" {
		params["clientOrderId"] = child.ClientOrderID
	}

	var placed ccxt.Order
	var err error
	for attempt := 1; attempt <= c.maxRetry; attempt++ {
		if child.LimitPrice > 0 {
			placed, err = c.client.CreateLimitOrder(child.Symbol, side, amount, child.LimitPrice,
				ccxt.WithCreateLimitOrderParams(params))
		} else {
			placed, err = c.client.CreateMarketOrder(child.Symbol, side, amount,
				ccxt.WithCreateMarketOrderParams(params))
		}
		if err == nil {
			break
		}
		if !retryable(err) {
			return Fill{}, fmt.Errorf("broker: 提交子单失败: %w", err)
		}

		wait := time.Duration(attempt) * time.Second
		c.logger.Warn("子单提交失败，准备重试",
			zap.String("client_order_id", child.ClientOrderID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return Fill{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	if err != nil {
		return Fill{}, fmt.Errorf("broker: 重试后仍提交失败: %w", err)
	}

	fill := Fill{
		Quantity: child.Quantity,
		FilledAt: time.Now().UTC(),
	}
	if placed.Id != nil {
		fill.BrokerOrderID = *placed.Id
	}
	if placed.Average != nil && *placed.Average > 0 {
		fill.Price = *placed.Average
	} else if placed.Price != nil && *placed.Price > 0 {
		fill.Price = *placed.Price
	} else {
		fill.Price = child.LimitPrice
	}
	if placed.Filled != nil && *placed.Filled > 0 {
		fill.Quantity = int64(*placed.Filled)
	}

	c.logger.Info("子单已成交",
		zap.String("client_order_id", child.ClientOrderID),
		zap.String("broker_order_id", fill.BrokerOrderID),
		zap.String("symbol", child.Symbol),
		zap.String("side", string(child.Side)),
		zap.Int64("quantity", fill.Quantity),
		zap.Float64("price", fill.Price),
	)
	return fill, nil
}

func retryable(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	return false
}

var _ Adapter = (*CCXT)(nil)
