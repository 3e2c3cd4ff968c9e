package engine

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"algoexec/internal/order"
	"algoexec/internal/sched"
)

func newTWAPFixture(fillPrice float64) (*TWAPEngine, *fakeBroker, *sched.ManualClock) {
	clock := sched.NewManualClock(time.Unix(0, 0))
	scheduler := sched.New(8, clock, nil)
	b := newFakeBroker(fillPrice)
	e := NewTWAP(Deps{Broker: b, Scheduler: scheduler})
	return e, b, clock
}

func TestTWAPValidate(t *testing.T) {
	e, _, _ := newTWAPFixture(100)

	base := order.Request{Symbol: "BTC/USDT", Side: order.SideBuy, Quantity: 100}

	ok := base
	ok.TimeWindowMinutes = 10
	ok.SliceIntervalSeconds = 120
	if result := e.Validate(ok); !result.Valid {
		t.Fatalf("合法请求被拒绝: %s", result.ErrorMessage)
	}

	noWindow := base
	noWindow.SliceIntervalSeconds = 120
	if result := e.Validate(noWindow); result.Valid {
		t.Fatal("缺少时间窗口应拒绝")
	}

	intervalTooLong := base
	intervalTooLong.TimeWindowMinutes = 1
	intervalTooLong.SliceIntervalSeconds = 60
	if result := e.Validate(intervalTooLong); result.Valid {
		t.Fatal("间隔不小于窗口应拒绝")
	}
}

func TestPlanSlices(t *testing.T) {
	cases := []struct {
		total     int64
		numSlices int
		wantSize  int64
		wantPlan  []int64
	}{
		{100, 5, 20, []int64{20, 20, 20, 20, 20}},
		{100, 3, 34, []int64{34, 34, 32}},
		{7, 10, 1, []int64{1, 1, 1, 1, 1, 1, 1}},
		{1, 1, 1, []int64{1}},
	}
	for _, tc := range cases {
		size, plan := planSlices(tc.total, tc.numSlices)
		if size != tc.wantSize {
			t.Fatalf("planSlices(%d,%d) size = %d, want %d", tc.total, tc.numSlices, size, tc.wantSize)
		}
		if len(plan) != len(tc.wantPlan) {
			t.Fatalf("planSlices(%d,%d) len = %d, want %d", tc.total, tc.numSlices, len(plan), len(tc.wantPlan))
		}
		for i := range plan {
			if plan[i] != tc.wantPlan[i] {
				t.Fatalf("planSlices(%d,%d)[%d] = %d, want %d", tc.total, tc.numSlices, i, plan[i], tc.wantPlan[i])
			}
		}
	}
}

// 随机量与片数下计划总和恒等于总量，且每片为正。
func TestPlanSlicesSumInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		total := rng.Int63n(100000) + 1
		numSlices := rng.Intn(50) + 1
		_, plan := planSlices(total, numSlices)

		var sum int64
		for _, qty := range plan {
			if qty <= 0 {
				t.Fatalf("planSlices(%d,%d) 含非正切片 %d", total, numSlices, qty)
			}
			sum += qty
		}
		if sum != total {
			t.Fatalf("planSlices(%d,%d) 总和 = %d", total, numSlices, sum)
		}
	}
}

// 100 数量、10 分钟窗口、120 秒间隔 → 5 片各 20，
// 逐片推进时钟直至 COMPLETED。
func TestTWAPFullExecution(t *testing.T) {
	e, b, clock := newTWAPFixture(100)
	ctx := context.Background()

	resp, err := e.Execute(ctx, order.Request{
		Symbol: "BTC/USDT", Side: order.SideBuy, Quantity: 100,
		TimeWindowMinutes: 10, SliceIntervalSeconds: 120,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	o, _ := e.orders.get(resp.OrderID)
	if len(o.Plan) != 5 || o.SliceSize != 20 {
		t.Fatalf("计划 = %d片×%d, want 5×20", len(o.Plan), o.SliceSize)
	}

	// 首片延迟为 0，在 Advance(0) 时触发。
	clock.Advance(0)
	if got := o.ExecutedSlices(); got != 1 {
		t.Fatalf("首片后 executed = %d, want 1", got)
	}

	for i := 0; i < 3; i++ {
		clock.Advance(2 * time.Minute)
	}
	if got := o.FilledQuantity(); got != 80 {
		t.Fatalf("4 片后 filled = %d, want 80", got)
	}
	if o.Status != order.StatusActive {
		t.Fatalf("状态 = %s, want ACTIVE", o.Status)
	}

	clock.Advance(2 * time.Minute)
	if o.Status != order.StatusCompleted {
		t.Fatalf("状态 = %s, want COMPLETED", o.Status)
	}
	if o.FilledQuantity() != 100 || o.AvgPrice != 100 {
		t.Fatalf("完成后 = %d@%v, want 100@100", o.FilledQuantity(), o.AvgPrice)
	}
	if len(b.orders()) != 5 {
		t.Fatalf("子单数 = %d, want 5", len(b.orders()))
	}
}

// 撤销后到期的切片回调观察到 CANCELLED 并放弃执行。
func TestTWAPCancelRace(t *testing.T) {
	e, b, clock := newTWAPFixture(100)
	ctx := context.Background()

	resp, _ := e.Execute(ctx, order.Request{
		Symbol: "BTC/USDT", Side: order.SideBuy, Quantity: 100,
		TimeWindowMinutes: 10, SliceIntervalSeconds: 120,
	})
	clock.Advance(0)
	clock.Advance(2 * time.Minute)

	cancelled, err := e.Cancel(ctx, resp.OrderID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != order.StatusCancelled {
		t.Fatalf("状态 = %s, want CANCELLED", cancelled.Status)
	}
	if cancelled.FilledQuantity != 40 {
		t.Fatalf("撤销时 filled = %d, want 40", cancelled.FilledQuantity)
	}

	// 继续推进时钟，剩余切片不得执行。
	clock.Advance(10 * time.Minute)
	if len(b.orders()) != 2 {
		t.Fatalf("撤销后子单数 = %d, want 2", len(b.orders()))
	}

	o, _ := e.orders.get(resp.OrderID)
	if o.FilledQuantity() != 40 {
		t.Fatalf("撤销后 filled = %d, want 40", o.FilledQuantity())
	}
}

// 切片下单失败不改变订单状态，后续切片照常执行。
func TestTWAPSliceFailureKeepsActive(t *testing.T) {
	e, b, clock := newTWAPFixture(100)
	ctx := context.Background()

	resp, _ := e.Execute(ctx, order.Request{
		Symbol: "BTC/USDT", Side: order.SideBuy, Quantity: 100,
		TimeWindowMinutes: 10, SliceIntervalSeconds: 120,
	})
	o, _ := e.orders.get(resp.OrderID)

	b.failNext = 1
	clock.Advance(0)
	if o.ExecutedSlices() != 0 {
		t.Fatalf("失败切片不应计数: executed = %d", o.ExecutedSlices())
	}
	if o.Status != order.StatusActive {
		t.Fatalf("状态 = %s, want ACTIVE", o.Status)
	}

	clock.Advance(2 * time.Minute)
	if o.ExecutedSlices() != 1 {
		t.Fatalf("后续切片应执行: executed = %d", o.ExecutedSlices())
	}
}

// 真实时钟下首片延迟为 0，入表后立刻在计时器协程上成交，
// Execute 返回的快照必须与之互不冲突（竞态检测器兜底）。
func TestTWAPExecuteSnapshotWithLiveScheduler(t *testing.T) {
	scheduler := sched.New(8, sched.RealClock{}, nil)
	b := newFakeBroker(100)
	e := NewTWAP(Deps{Broker: b, Scheduler: scheduler})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		resp, err := e.Execute(ctx, order.Request{
			Symbol: "BTC/USDT", Side: order.SideBuy, Quantity: 100,
			TimeWindowMinutes: 10, SliceIntervalSeconds: 120,
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if resp.Status != order.StatusActive {
			t.Fatalf("快照状态 = %s, want ACTIVE", resp.Status)
		}
		if resp.FilledQuantity != 0 && resp.FilledQuantity != 20 {
			t.Fatalf("快照 filled = %d, want 0 或 20", resp.FilledQuantity)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestTWAPModifyUnsupported(t *testing.T) {
	e, _, _ := newTWAPFixture(100)
	ctx := context.Background()

	resp, _ := e.Execute(ctx, order.Request{
		Symbol: "BTC/USDT", Side: order.SideBuy, Quantity: 100,
		TimeWindowMinutes: 10, SliceIntervalSeconds: 120,
	})

	var stateErr *order.InvalidStateError
	if _, err := e.Modify(ctx, resp.OrderID, order.ModifyParams{Quantity: 50}); !errors.As(err, &stateErr) {
		t.Fatalf("Modify err = %v, want InvalidStateError", err)
	}
}
