package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"algoexec/internal/broker"
	"algoexec/internal/order"
)

// fakeBroker 按固定价格成交，记录全部子单，可注入失败。
type fakeBroker struct {
	mu        sync.Mutex
	price     float64
	placed    []broker.ChildOrder
	failNext  int
	failError error
}

func newFakeBroker(price float64) *fakeBroker {
	return &fakeBroker{price: price, failError: errors.New("broker unavailable")}
}

func (b *fakeBroker) PlaceChildOrder(ctx context.Context, child broker.ChildOrder) (broker.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext > 0 {
		b.failNext--
		return broker.Fill{}, b.failError
	}
	b.placed = append(b.placed, child)
	return broker.Fill{
		BrokerOrderID: "F-" + child.ClientOrderID,
		Price:         b.price,
		Quantity:      child.Quantity,
		FilledAt:      time.Now().UTC(),
	}, nil
}

func (b *fakeBroker) setPrice(p float64) {
	b.mu.Lock()
	b.price = p
	b.mu.Unlock()
}

func (b *fakeBroker) orders() []broker.ChildOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.ChildOrder, len(b.placed))
	copy(out, b.placed)
	return out
}

// fakeProfile 返回预设的成交量画像。
type fakeProfile struct {
	profile []float64
	err     error
}

func (p *fakeProfile) Profile(ctx context.Context, symbol string, periods int) ([]float64, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.profile, nil
}

// eventRecorder 收集引擎发出的生命周期事件。
type eventRecorder struct {
	mu     sync.Mutex
	events []order.Event
}

func (r *eventRecorder) sink() order.EventSink {
	return func(ev order.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
}

func (r *eventRecorder) byType(t order.EventType) []order.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []order.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
