package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"algoexec/internal/order"
	"algoexec/internal/sched"
)

func newVWAPFixture(fillPrice float64, profile ProfileProvider) (*VWAPEngine, *fakeBroker, *sched.ManualClock) {
	clock := sched.NewManualClock(time.Unix(0, 0))
	scheduler := sched.New(8, clock, nil)
	b := newFakeBroker(fillPrice)
	e := NewVWAP(Deps{
		Broker:     b,
		Scheduler:  scheduler,
		Profile:    profile,
		VWAPPeriod: 30 * time.Minute,
	})
	return e, b, clock
}

func TestVWAPValidate(t *testing.T) {
	e, _, _ := newVWAPFixture(100, nil)

	base := order.Request{Symbol: "BTC/USDT", Side: order.SideBuy, Quantity: 100}

	ok := base
	ok.TimeWindowMinutes = 120
	if result := e.Validate(ok); !result.Valid {
		t.Fatalf("合法请求被拒绝: %s", result.ErrorMessage)
	}

	withRate := ok
	withRate.ParticipationRate = 25
	if result := e.Validate(withRate); !result.Valid {
		t.Fatalf("带参与率请求被拒绝: %s", result.ErrorMessage)
	}

	badRate := ok
	badRate.ParticipationRate = 150
	if result := e.Validate(badRate); result.Valid {
		t.Fatal("participationRate > 100 应拒绝")
	}

	noWindow := base
	if result := e.Validate(noWindow); result.Valid {
		t.Fatal("缺少时间窗口应拒绝")
	}
}

// 切片配额总和恒等于总量，且每片为正、偏移为周期整数倍。
func TestAllocateSlicesInvariants(t *testing.T) {
	period := 30 * time.Minute
	profiles := [][]float64{
		{0.25, 0.5, 0.25},
		{0.1, 0.2, 0.3, 0.4},
		{1},
		{0.5, 0, 0.5},
	}
	totals := []int64{1, 7, 100, 999, 12345}

	for _, profile := range profiles {
		for _, total := range totals {
			slices := allocateSlices(total, profile, period)

			var sum int64
			for i, s := range slices {
				if s.Quantity <= 0 {
					t.Fatalf("total=%d profile=%v: 切片 %d 数量非正", total, profile, i)
				}
				if s.Offset%period != 0 {
					t.Fatalf("total=%d: 偏移 %v 不是周期整数倍", total, s.Offset)
				}
				if s.SliceNumber != i+1 {
					t.Fatalf("切片编号不连续: %d != %d", s.SliceNumber, i+1)
				}
				sum += s.Quantity
			}
			if sum != total {
				t.Fatalf("total=%d profile=%v: 配额总和 = %d", total, profile, sum)
			}
		}
	}
}

// 占比为零的周期从计划中剔除，对应时段不下单。
func TestAllocateSlicesSkipsZeroBuckets(t *testing.T) {
	period := 30 * time.Minute
	slices := allocateSlices(100, []float64{0.5, 0, 0.5}, period)

	if len(slices) != 2 {
		t.Fatalf("切片数 = %d, want 2", len(slices))
	}
	if slices[1].Offset != 2*period {
		t.Fatalf("末片偏移 = %v, want %v", slices[1].Offset, 2*period)
	}
}

// 2 小时窗口、30 分钟周期 → 4 个切片按画像配比执行至 COMPLETED。
func TestVWAPFullExecution(t *testing.T) {
	profile := &fakeProfile{profile: []float64{0.25, 0.25, 0.25, 0.25}}
	e, b, clock := newVWAPFixture(100, profile)
	ctx := context.Background()

	resp, err := e.Execute(ctx, order.Request{
		Symbol: "BTC/USDT", Side: order.SideBuy, Quantity: 100, TimeWindowMinutes: 120,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	o, _ := e.orders.get(resp.OrderID)
	if len(o.Slices) != 4 {
		t.Fatalf("切片数 = %d, want 4", len(o.Slices))
	}

	clock.Advance(0)
	for i := 0; i < 3; i++ {
		clock.Advance(30 * time.Minute)
	}

	if o.Status != order.StatusCompleted {
		t.Fatalf("状态 = %s, want COMPLETED", o.Status)
	}
	if o.FilledQuantity() != 100 || o.AvgPrice != 100 {
		t.Fatalf("完成后 = %d@%v, want 100@100", o.FilledQuantity(), o.AvgPrice)
	}
	if len(b.orders()) != 4 {
		t.Fatalf("子单数 = %d, want 4", len(b.orders()))
	}
}

// 画像服务失败时退化为U型曲线，执行不受影响。
func TestVWAPProfileFallback(t *testing.T) {
	profile := &fakeProfile{err: errors.New("exchange unavailable")}
	e, _, clock := newVWAPFixture(100, profile)
	ctx := context.Background()

	resp, err := e.Execute(ctx, order.Request{
		Symbol: "BTC/USDT", Side: order.SideBuy, Quantity: 100, TimeWindowMinutes: 120,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	o, _ := e.orders.get(resp.OrderID)

	var sum int64
	for _, s := range o.Slices {
		sum += s.Quantity
	}
	if sum != 100 {
		t.Fatalf("U型回退后配额总和 = %d, want 100", sum)
	}

	clock.Advance(2 * time.Hour)
	if o.Status != order.StatusCompleted {
		t.Fatalf("状态 = %s, want COMPLETED", o.Status)
	}
}

// 窗口小于单周期时整单收缩为一个切片。
func TestVWAPWindowShorterThanPeriod(t *testing.T) {
	e, _, clock := newVWAPFixture(100, nil)
	ctx := context.Background()

	resp, err := e.Execute(ctx, order.Request{
		Symbol: "BTC/USDT", Side: order.SideBuy, Quantity: 50, TimeWindowMinutes: 10,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	o, _ := e.orders.get(resp.OrderID)
	if len(o.Slices) != 1 || o.Slices[0].Quantity != 50 {
		t.Fatalf("切片 = %+v, want 单片50", o.Slices)
	}

	clock.Advance(0)
	if o.Status != order.StatusCompleted {
		t.Fatalf("状态 = %s, want COMPLETED", o.Status)
	}
}

func TestVWAPCancelAndModify(t *testing.T) {
	profile := &fakeProfile{profile: []float64{0.5, 0.5}}
	e, b, clock := newVWAPFixture(100, profile)
	ctx := context.Background()

	resp, _ := e.Execute(ctx, order.Request{
		Symbol: "BTC/USDT", Side: order.SideBuy, Quantity: 100, TimeWindowMinutes: 60,
	})

	var stateErr *order.InvalidStateError
	if _, err := e.Modify(ctx, resp.OrderID, order.ModifyParams{Quantity: 50}); !errors.As(err, &stateErr) {
		t.Fatalf("Modify err = %v, want InvalidStateError", err)
	}

	clock.Advance(0)
	if _, err := e.Cancel(ctx, resp.OrderID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	clock.Advance(time.Hour)
	if len(b.orders()) != 1 {
		t.Fatalf("撤销后子单数 = %d, want 1", len(b.orders()))
	}
}
