package marketdata

import (
	"context"
	"testing"
	"time"
)

type scriptedTicker struct {
	prices []float64
	idx    int
}

func (s *scriptedTicker) FetchLastPrice(ctx context.Context, symbol string) (float64, error) {
	if s.idx >= len(s.prices) {
		return s.prices[len(s.prices)-1], nil
	}
	price := s.prices[s.idx]
	s.idx++
	return price, nil
}

func TestFeedPublishUpdatesCacheAndHandlers(t *testing.T) {
	feed := NewFeed(nil, time.Second, nil)

	var got []Tick
	feed.Subscribe(func(tick Tick) { got = append(got, tick) })

	feed.Publish(Tick{Symbol: "BTC/USDT", Price: 100})
	feed.Publish(Tick{Symbol: "BTC/USDT", Price: 101})
	feed.Publish(Tick{Symbol: "ETH/USDT", Price: 3000})

	if len(got) != 3 {
		t.Fatalf("派发条数 = %d, want 3", len(got))
	}
	if got[0].Price != 100 || got[1].Price != 101 {
		t.Fatalf("派发顺序错误: %+v", got)
	}

	price, ok := feed.LastPrice("BTC/USDT")
	if !ok || price != 101 {
		t.Fatalf("缓存价 = %v/%v, want 101/true", price, ok)
	}
	if _, ok := feed.LastPrice("SOL/USDT"); ok {
		t.Fatal("未知交易对不应有缓存价")
	}
}

// 派发开始后仍可注册处理器，从下一次 Publish 起收到行情。
func TestFeedSubscribeAfterPublish(t *testing.T) {
	feed := NewFeed(nil, time.Second, nil)

	feed.Publish(Tick{Symbol: "BTC/USDT", Price: 100})

	var got []Tick
	feed.Subscribe(func(tick Tick) { got = append(got, tick) })

	feed.Publish(Tick{Symbol: "BTC/USDT", Price: 101})

	if len(got) != 1 || got[0].Price != 101 {
		t.Fatalf("晚注册处理器收到 %+v, want 仅 101", got)
	}
}

func TestFeedRunPollsUntilCancelled(t *testing.T) {
	client := &scriptedTicker{prices: []float64{100, 101, 102}}
	feed := NewFeed(client, 5*time.Millisecond, nil)

	received := make(chan Tick, 16)
	feed.Subscribe(func(tick Tick) {
		select {
		case received <- tick:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx, "BTC/USDT") }()

	select {
	case tick := <-received:
		if tick.Symbol != "BTC/USDT" || tick.Price != 100 {
			t.Fatalf("首笔行情 = %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("轮询未产生行情")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run 返回 %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run 未随 ctx 结束")
	}
}
