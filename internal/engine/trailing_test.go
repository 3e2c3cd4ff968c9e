package engine

import (
	"context"
	"errors"
	"testing"

	"algoexec/internal/order"
)

func newTrailingFixture(fillPrice float64) (*TrailingStopEngine, *fakeBroker) {
	b := newFakeBroker(fillPrice)
	e := NewTrailingStop(Deps{Broker: b, TickSize: 0.01})
	return e, b
}

func TestTrailingStopValidate(t *testing.T) {
	e, _ := newTrailingFixture(100)

	base := order.Request{Symbol: "BTC/USDT", Side: order.SideSell, Quantity: 10}

	amount := base
	amount.TrailAmount = 5
	if result := e.Validate(amount); !result.Valid {
		t.Fatalf("trailAmount 请求应合法: %s", result.ErrorMessage)
	}

	percent := base
	percent.TrailPercent = 2.5
	if result := e.Validate(percent); !result.Valid {
		t.Fatalf("trailPercent 请求应合法: %s", result.ErrorMessage)
	}

	neither := base
	if result := e.Validate(neither); result.Valid {
		t.Fatal("两个跟踪参数都缺失应拒绝")
	}

	both := base
	both.TrailAmount = 5
	both.TrailPercent = 2.5
	if result := e.Validate(both); result.Valid {
		t.Fatal("两个跟踪参数同时给出应拒绝")
	}

	tooBig := base
	tooBig.TrailPercent = 150
	if result := e.Validate(tooBig); result.Valid {
		t.Fatal("trailPercent > 100 应拒绝")
	}
}

// SELL 跟踪止损，trailAmount=5：
// 行情 100 → 初始化极值 100 / 止损 95；
// 110 → 棘轮到 110 / 105；108、104 不再上移；104 ≤ 105 触发。
func TestTrailingStopSellRatchetAndTrigger(t *testing.T) {
	e, b := newTrailingFixture(104)
	ctx := context.Background()

	resp, err := e.Execute(ctx, order.Request{
		Symbol: "BTC/USDT", Side: order.SideSell, Quantity: 10, TrailAmount: 5,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	o, _ := e.orders.get(resp.OrderID)
	if o.ExtremePrice != nil || o.CurrentStopPrice != nil {
		t.Fatal("首笔行情前极值与止损价应为 nil")
	}

	steps := []struct {
		price   float64
		extreme float64
		stop    float64
	}{
		{100, 100, 95},
		{110, 110, 105},
		{108, 110, 105},
	}
	for _, step := range steps {
		triggered, err := e.OnPriceUpdate(ctx, resp.OrderID, step.price)
		if err != nil {
			t.Fatalf("OnPriceUpdate(%v): %v", step.price, err)
		}
		if triggered {
			t.Fatalf("价格 %v 不应触发", step.price)
		}
		if *o.ExtremePrice != step.extreme {
			t.Fatalf("价格 %v 后极值 = %v, want %v", step.price, *o.ExtremePrice, step.extreme)
		}
		if *o.CurrentStopPrice != step.stop {
			t.Fatalf("价格 %v 后止损价 = %v, want %v", step.price, *o.CurrentStopPrice, step.stop)
		}
	}

	triggered, err := e.OnPriceUpdate(ctx, resp.OrderID, 104)
	if err != nil {
		t.Fatalf("OnPriceUpdate(104): %v", err)
	}
	if !triggered {
		t.Fatal("104 跌破止损价 105 应触发")
	}
	if o.Status != order.StatusFilled {
		t.Fatalf("状态 = %s, want FILLED", o.Status)
	}
	if len(b.orders()) != 1 {
		t.Fatalf("子单数 = %d, want 1", len(b.orders()))
	}
}

// BUY 方向镜像：极值取低水位，止损价在极值上方。
func TestTrailingStopBuyMirror(t *testing.T) {
	e, _ := newTrailingFixture(105)
	ctx := context.Background()

	resp, _ := e.Execute(ctx, order.Request{
		Symbol: "BTC/USDT", Side: order.SideBuy, Quantity: 10, TrailAmount: 5,
	})
	o, _ := e.orders.get(resp.OrderID)

	e.OnPriceUpdate(ctx, resp.OrderID, 100)
	if *o.ExtremePrice != 100 || *o.CurrentStopPrice != 105 {
		t.Fatalf("初始化 = %v/%v, want 100/105", *o.ExtremePrice, *o.CurrentStopPrice)
	}

	e.OnPriceUpdate(ctx, resp.OrderID, 90)
	if *o.ExtremePrice != 90 || *o.CurrentStopPrice != 95 {
		t.Fatalf("棘轮后 = %v/%v, want 90/95", *o.ExtremePrice, *o.CurrentStopPrice)
	}

	triggered, _ := e.OnPriceUpdate(ctx, resp.OrderID, 96)
	if !triggered {
		t.Fatal("96 升破止损价 95 应触发")
	}
}

// trailPercent 模式：止损距离随极值等比放大。
func TestTrailingStopPercentDistance(t *testing.T) {
	e, _ := newTrailingFixture(100)
	ctx := context.Background()

	resp, _ := e.Execute(ctx, order.Request{
		Symbol: "BTC/USDT", Side: order.SideSell, Quantity: 10, TrailPercent: 10,
	})
	o, _ := e.orders.get(resp.OrderID)

	e.OnPriceUpdate(ctx, resp.OrderID, 100)
	if *o.CurrentStopPrice != 90 {
		t.Fatalf("止损价 = %v, want 90", *o.CurrentStopPrice)
	}

	e.OnPriceUpdate(ctx, resp.OrderID, 200)
	if *o.CurrentStopPrice != 180 {
		t.Fatalf("极值 200 时止损价 = %v, want 180", *o.CurrentStopPrice)
	}
}

// 修改跟踪距离后，止损价从当前极值重算而不是从最新行情。
func TestTrailingStopModifyRecomputesFromExtreme(t *testing.T) {
	e, _ := newTrailingFixture(100)
	ctx := context.Background()

	resp, _ := e.Execute(ctx, order.Request{
		Symbol: "BTC/USDT", Side: order.SideSell, Quantity: 10, TrailAmount: 5,
	})
	o, _ := e.orders.get(resp.OrderID)

	e.OnPriceUpdate(ctx, resp.OrderID, 110)
	e.OnPriceUpdate(ctx, resp.OrderID, 108)

	if _, err := e.Modify(ctx, resp.OrderID, order.ModifyParams{TrailAmount: 2}); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if *o.CurrentStopPrice != 108 {
		t.Fatalf("重算后止损价 = %v, want 108 (极值110-2)", *o.CurrentStopPrice)
	}

	var paramErr *order.InvalidParamsError
	if _, err := e.Modify(ctx, resp.OrderID, order.ModifyParams{TrailAmount: 1, TrailPercent: 1}); !errors.As(err, &paramErr) {
		t.Fatalf("同时指定两种跟踪参数 err = %v, want InvalidParamsError", err)
	}
}

func TestTrailingStopCancel(t *testing.T) {
	e, _ := newTrailingFixture(100)
	ctx := context.Background()

	resp, _ := e.Execute(ctx, order.Request{
		Symbol: "BTC/USDT", Side: order.SideSell, Quantity: 10, TrailAmount: 5,
	})
	if _, err := e.Cancel(ctx, resp.OrderID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	var stateErr *order.InvalidStateError
	if _, err := e.Modify(ctx, resp.OrderID, order.ModifyParams{TrailAmount: 3}); !errors.As(err, &stateErr) {
		t.Fatalf("撤销后修改 err = %v, want InvalidStateError", err)
	}
}
