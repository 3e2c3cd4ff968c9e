// Package app 组装执行引擎的运行时：行情轮询、策略调度器、
// 下单适配器与事件流水，并管理整体生命周期。
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"algoexec/internal/broker"
	"algoexec/internal/config"
	"algoexec/internal/engine"
	"algoexec/internal/journal"
	"algoexec/internal/marketdata"
	"algoexec/internal/order"
	"algoexec/internal/sched"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	journal *journal.Journal

	dispatcher *engine.Dispatcher
	feed       *marketdata.Feed
	scheduler  *sched.Scheduler
}

// New 创建 App 实例并完成全部组件装配。
func New(cfg *config.Config, logger *zap.Logger, jnl *journal.Journal) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := marketdata.NewClient(cfg.Feed, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化行情客户端失败: %w", err)
	}

	feed := marketdata.NewFeed(client, cfg.Feed.PollInterval, logger)
	profile := marketdata.NewProfileService(client, cfg.VWAP, logger)
	scheduler := sched.New(cfg.Scheduler.MaxConcurrentCallbacks, sched.RealClock{}, logger)

	var adapter broker.Adapter
	if cfg.Execution.Simulation {
		logger.Info("下单适配器处于模拟模式", zap.Float64("slippage_bps", cfg.Execution.SlippageBps))
		adapter = broker.NewSimulated(feed, cfg.Execution.SlippageBps, logger)
	} else {
		adapter = broker.NewCCXT(client.Raw(), logger)
	}

	var events order.EventSink
	if jnl != nil {
		events = jnl.Sink()
	}

	dispatcher := engine.NewDispatcher(engine.Deps{
		Broker:             adapter,
		Scheduler:          scheduler,
		Profile:            profile,
		Events:             events,
		Logger:             logger,
		TickSize:           cfg.Engine.TickSize,
		BracketEntryExpiry: cfg.Engine.BracketEntryExpiry,
		VWAPPeriod:         time.Duration(cfg.VWAP.PeriodMinutes) * time.Minute,
	})

	return &App{
		cfg:        cfg,
		logger:     logger,
		journal:    jnl,
		dispatcher: dispatcher,
		feed:       feed,
		scheduler:  scheduler,
	}, nil
}

// Dispatcher 返回策略调度器，供嵌入方提交、撤销与修改订单。
func (a *App) Dispatcher() *engine.Dispatcher {
	return a.dispatcher
}

// Feed 返回行情轮询器，供嵌入方查询最新价或注入回放行情。
func (a *App) Feed() *marketdata.Feed {
	return a.feed
}

// Run 启动各交易对的行情轮询并阻塞到 ctx 结束，
// 退出前排空调度器在途回调。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("执行引擎已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Feed.Exchange),
		zap.Strings("symbols", a.cfg.Feed.Symbols),
		zap.Bool("simulation", a.cfg.Execution.Simulation),
	)

	// 每个交易对单独一个轮询 goroutine，保证同一交易对的行情
	// 按到达顺序进入引擎。
	a.feed.Subscribe(func(tick marketdata.Tick) {
		a.dispatcher.HandleTick(ctx, tick.Symbol, tick.Price)
	})

	g, runCtx := errgroup.WithContext(ctx)
	for _, symbol := range a.cfg.Feed.Symbols {
		symbol := symbol
		g.Go(func() error {
			return a.feed.Run(runCtx, symbol)
		})
	}

	runErr := g.Wait()
	if runErr != nil && errors.Is(runErr, context.Canceled) {
		a.logger.Info("系统收到退出信号，正在停止")
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Scheduler.ShutdownTimeout)
	defer cancel()
	if err := a.scheduler.Shutdown(shutdownCtx); err != nil {
		runErr = multierr.Append(runErr, fmt.Errorf("关闭调度器失败: %w", err))
	}

	if runErr != nil {
		return fmt.Errorf("系统异常退出: %w", runErr)
	}
	return nil
}
