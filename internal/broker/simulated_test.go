package broker

import (
	"context"
	"testing"

	"algoexec/internal/order"
)

type stubQuotes map[string]float64

func (q stubQuotes) LastPrice(symbol string) (float64, bool) {
	price, ok := q[symbol]
	return price, ok
}

func TestSimulatedMarketFillWithSlippage(t *testing.T) {
	sim := NewSimulated(stubQuotes{"BTC/USDT": 10000}, 10, nil)
	ctx := context.Background()

	buy, err := sim.PlaceChildOrder(ctx, ChildOrder{
		ClientOrderID: "TW-1-S1", Symbol: "BTC/USDT", Side: order.SideBuy, Quantity: 5,
	})
	if err != nil {
		t.Fatalf("PlaceChildOrder: %v", err)
	}
	// 10 bps 滑点：买单成交价上浮 0.1%。
	if buy.Price != 10010 {
		t.Fatalf("买单成交价 = %v, want 10010", buy.Price)
	}
	if buy.Quantity != 5 || buy.BrokerOrderID == "" {
		t.Fatalf("成交 = %+v", buy)
	}

	sell, err := sim.PlaceChildOrder(ctx, ChildOrder{
		ClientOrderID: "TW-1-S2", Symbol: "BTC/USDT", Side: order.SideSell, Quantity: 5,
	})
	if err != nil {
		t.Fatalf("PlaceChildOrder: %v", err)
	}
	if sell.Price != 9990 {
		t.Fatalf("卖单成交价 = %v, want 9990", sell.Price)
	}
}

func TestSimulatedLimitFillAtLimit(t *testing.T) {
	sim := NewSimulated(stubQuotes{}, 10, nil)

	fill, err := sim.PlaceChildOrder(context.Background(), ChildOrder{
		ClientOrderID: "IC-1-S1", Symbol: "BTC/USDT", Side: order.SideBuy, Quantity: 5, LimitPrice: 9950,
	})
	if err != nil {
		t.Fatalf("PlaceChildOrder: %v", err)
	}
	if fill.Price != 9950 {
		t.Fatalf("限价成交价 = %v, want 9950", fill.Price)
	}
}

// 同一 ClientOrderID 重复提交返回首次成交，不产生新成交。
func TestSimulatedIdempotency(t *testing.T) {
	sim := NewSimulated(stubQuotes{"BTC/USDT": 10000}, 0, nil)
	ctx := context.Background()

	child := ChildOrder{ClientOrderID: "SL-1-TRG", Symbol: "BTC/USDT", Side: order.SideSell, Quantity: 10}
	first, err := sim.PlaceChildOrder(ctx, child)
	if err != nil {
		t.Fatalf("PlaceChildOrder: %v", err)
	}
	second, err := sim.PlaceChildOrder(ctx, child)
	if err != nil {
		t.Fatalf("重复提交: %v", err)
	}
	if second.BrokerOrderID != first.BrokerOrderID {
		t.Fatalf("重复提交返回了新成交: %s != %s", second.BrokerOrderID, first.BrokerOrderID)
	}
	if got := len(sim.Fills()); got != 1 {
		t.Fatalf("成交条数 = %d, want 1", got)
	}
}

func TestSimulatedRejectsBadInput(t *testing.T) {
	sim := NewSimulated(stubQuotes{}, 0, nil)
	ctx := context.Background()

	if _, err := sim.PlaceChildOrder(ctx, ChildOrder{Symbol: "BTC/USDT", Side: order.SideBuy, Quantity: 0}); err == nil {
		t.Fatal("零数量应报错")
	}
	// 无行情缓存时市价单无法模拟成交。
	if _, err := sim.PlaceChildOrder(ctx, ChildOrder{Symbol: "BTC/USDT", Side: order.SideBuy, Quantity: 1}); err == nil {
		t.Fatal("缺少行情应报错")
	}
}
