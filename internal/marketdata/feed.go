package marketdata

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// tickerClient 抽象 Feed 对行情客户端的最小依赖，便于测试。
type tickerClient interface {
	FetchLastPrice(ctx context.Context, symbol string) (float64, error)
}

// Feed 周期性轮询最新价并派发给订阅方，同时维护最新价缓存。
// 每个交易对由单独的轮询 goroutine 驱动，保证该交易对的
// Tick 按到达顺序派发。
type Feed struct {
	client   tickerClient
	interval time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	last     map[string]float64
	handlers []TickHandler
}

// NewFeed 创建行情轮询器。
func NewFeed(client tickerClient, interval time.Duration, logger *zap.Logger) *Feed {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		client:   client,
		interval: interval,
		logger:   logger,
		last:     make(map[string]float64),
	}
}

// Subscribe 注册行情处理器，可与 Run 并发调用；
// 新处理器从下一次 Publish 起生效。
func (f *Feed) Subscribe(handler TickHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
}

// LastPrice 返回指定交易对的最新缓存价。
func (f *Feed) LastPrice(symbol string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.last[symbol]
	return price, ok
}

// Run 轮询单个交易对直到 ctx 结束。拉取失败只记录日志，
// 下一轮继续，重试策略由底层客户端负责。
func (f *Feed) Run(ctx context.Context, symbol string) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Info("行情轮询启动",
		zap.String("symbol", symbol),
		zap.Duration("interval", f.interval),
	)

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("行情轮询停止", zap.String("symbol", symbol))
			return ctx.Err()
		case <-ticker.C:
			price, err := f.client.FetchLastPrice(ctx, symbol)
			if err != nil {
				f.logger.Warn("拉取最新价失败",
					zap.String("symbol", symbol),
					zap.Error(err),
				)
				continue
			}
			f.Publish(Tick{Symbol: symbol, Price: price, At: time.Now().UTC()})
		}
	}
}

// Publish 更新缓存并顺序调用全部处理器。
// 除轮询循环外也供回放/测试场景直接注入行情。
func (f *Feed) Publish(tick Tick) {
	f.mu.Lock()
	f.last[tick.Symbol] = tick.Price
	handlers := f.handlers
	f.mu.Unlock()

	for _, handler := range handlers {
		handler(tick)
	}
}
