package marketdata

import (
	"context"
	"fmt"
	"time"

	talib "github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"algoexec/internal/config"
)

const smoothingPeriod = 3

// candleClient 抽象画像构建对行情客户端的依赖。
type candleClient interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error)
}

// ProfileService 基于历史日内K线构建成交量分布画像，
// 供 VWAP 引擎决定各周期的切片占比。
type ProfileService struct {
	client   candleClient
	lookback int
	logger   *zap.Logger
}

// NewProfileService 创建画像服务。
func NewProfileService(client candleClient, cfg config.VWAPConfig, logger *zap.Logger) *ProfileService {
	if logger == nil {
		logger = zap.NewNop()
	}
	lookback := cfg.LookbackDays
	if lookback <= 0 {
		lookback = 5
	}
	return &ProfileService{
		client:   client,
		lookback: lookback,
		logger:   logger,
	}
}

// Profile 返回长度为 periods、总和为 1 的成交量占比序列。
// 历史数据不足时退化为固定的 U 型日内曲线。
func (s *ProfileService) Profile(ctx context.Context, symbol string, periods int) ([]float64, error) {
	if periods <= 0 {
		return nil, fmt.Errorf("marketdata: 画像周期数无效 %d", periods)
	}

	// 5 分钟K线在 periods 个桶上做多日平均。每天按 24 小时连续
	// 市场计 288 根。
	perDay := int64(24 * time.Hour / (5 * time.Minute))
	limit := perDay * int64(s.lookback)

	candles, err := s.client.FetchCandles(ctx, symbol, "5m", limit)
	if err != nil {
		s.logger.Warn("拉取历史K线失败，使用U型默认画像",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return UShapeProfile(periods), nil
	}
	if len(candles) < periods {
		s.logger.Warn("历史K线不足，使用U型默认画像",
			zap.String("symbol", symbol),
			zap.Int("candles", len(candles)),
			zap.Int("periods", periods),
		)
		return UShapeProfile(periods), nil
	}

	buckets := bucketVolumes(candles, periods)
	smoothed := smooth(buckets)
	profile := normalize(smoothed)
	if profile == nil {
		return UShapeProfile(periods), nil
	}
	return profile, nil
}

// bucketVolumes 将K线按时间顺序均分为 periods 个桶并累加成交量。
func bucketVolumes(candles []Candle, periods int) []float64 {
	buckets := make([]float64, periods)
	n := len(candles)
	for i, candle := range candles {
		idx := i * periods / n
		if idx >= periods {
			idx = periods - 1
		}
		buckets[idx] += candle.Volume
	}
	return buckets
}

// smooth 用短周期SMA平滑桶序列，消除单日异常放量的毛刺。
func smooth(values []float64) []float64 {
	if len(values) < smoothingPeriod {
		return values
	}
	sma := talib.Sma(values, smoothingPeriod)
	out := make([]float64, len(values))
	for i := range values {
		// SMA 前几位没有完整窗口，保留原值。
		if i < smoothingPeriod-1 {
			out[i] = values[i]
			continue
		}
		out[i] = sma[i]
	}
	return out
}

func normalize(values []float64) []float64 {
	var total float64
	for _, v := range values {
		if v < 0 {
			v = 0
		}
		total += v
	}
	if total <= 0 {
		return nil
	}
	out := make([]float64, len(values))
	for i, v := range values {
		if v < 0 {
			v = 0
		}
		out[i] = v / total
	}
	return out
}

// UShapeProfile 返回开收盘偏重的固定U型日内分布。
func UShapeProfile(periods int) []float64 {
	if periods <= 0 {
		return nil
	}
	if periods == 1 {
		return []float64{1}
	}
	weights := make([]float64, periods)
	mid := float64(periods-1) / 2
	for i := range weights {
		offset := (float64(i) - mid) / mid
		weights[i] = 1 + 1.5*offset*offset
	}
	return normalize(weights)
}
