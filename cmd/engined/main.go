package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"algoexec/internal/app"
	"algoexec/internal/config"
	"algoexec/internal/journal"
	"algoexec/internal/log"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	jnl, err := journal.Open(cfg.Journal, logger)
	if err != nil {
		logger.Error("初始化事件流水失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := jnl.Close(); closeErr != nil {
			logger.Warn("关闭事件流水失败", zap.Error(closeErr))
		}
	}()

	engineApp, err := app.New(cfg, logger, jnl)
	if err != nil {
		logger.Error("初始化执行引擎失败", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engineApp.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}
