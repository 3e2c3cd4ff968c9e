package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"algoexec/internal/order"
)

// QuoteSource 提供模拟成交所需的最新行情。
type QuoteSource interface {
	LastPrice(symbol string) (float64, bool)
}

// Simulated 为模拟撮合适配器：市价单按最新价加滑点立即成交，
// 限价单直接按限价成交。用于开发联调与测试，不触达真实交易所。
type Simulated struct {
	quotes      QuoteSource
	slippageBps float64
	logger      *zap.Logger

	mu    sync.Mutex
	seq   int64
	seen  map[string]Fill
	fills []Fill
}

// NewSimulated 创建模拟适配器。
func NewSimulated(quotes QuoteSource, slippageBps float64, logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulated{
		quotes:      quotes,
		slippageBps: slippageBps,
		logger:      logger,
		seen:        make(map[string]Fill),
	}
}

// PlaceChildOrder 模拟提交并立即返回成交确认。
// 同一 ClientOrderID 重复提交返回首次成交，保证幂等。
func (s *Simulated) PlaceChildOrder(ctx context.Context, child ChildOrder) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	if child.Quantity <= 0 {
		return Fill{}, fmt.Errorf("broker: 子单数量无效 %d", child.Quantity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if child.ClientOrderID != "" {
		if fill, ok := s.seen[child.ClientOrderID]; ok {
			return fill, nil
		}
	}

	price := child.LimitPrice
	if price <= 0 {
		last, ok := s.quotes.LastPrice(child.Symbol)
		if !ok {
			return Fill{}, fmt.Errorf("broker: 缺少 %s 的最新行情，无法模拟市价成交", child.Symbol)
		}
		price = applySlippage(last, child.Side, s.slippageBps)
	}

	s.seq++
	fill := Fill{
		BrokerOrderID: fmt.Sprintf("SIM-%d", s.seq),
		Price:         price,
		Quantity:      child.Quantity,
		FilledAt:      time.Now().UTC(),
	}
	if child.ClientOrderID != "" {
		s.seen[child.ClientOrderID] = fill
	}
	s.fills = append(s.fills, fill)

	s.logger.Debug("模拟成交",
		zap.String("client_order_id", child.ClientOrderID),
		zap.String("symbol", child.Symbol),
		zap.String("side", string(child.Side)),
		zap.Int64("quantity", child.Quantity),
		zap.Float64("price", price),
	)
	return fill, nil
}

// Fills 返回全部模拟成交的副本。
func (s *Simulated) Fills() []Fill {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Fill(nil), s.fills...)
}

func applySlippage(price float64, side order.Side, bps float64) float64 {
	if bps <= 0 {
		return price
	}
	delta := price * bps / 10000
	if side == order.SideBuy {
		return price + delta
	}
	return price - delta
}

var _ Adapter = (*Simulated)(nil)
