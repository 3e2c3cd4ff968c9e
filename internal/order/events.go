package order

import "time"

// EventType 标识订单生命周期事件。
type EventType string

const (
	EventAccepted      EventType = "accepted"
	EventRejected      EventType = "rejected"
	EventEntryFilled   EventType = "entry_filled"
	EventTriggered     EventType = "triggered"
	EventSliceExecuted EventType = "slice_executed"
	EventCompleted     EventType = "completed"
	EventCancelled     EventType = "cancelled"
	EventModified      EventType = "modified"
)

// Event 为引擎向外发布的生命周期事件。
type Event struct {
	Type     EventType
	OrderID  string
	Strategy StrategyType
	Symbol   string
	Side     Side
	Price    float64
	Quantity int64
	Slice    int
	Note     string
	At       time.Time
}

// EventSink 接收引擎事件。实现必须快速返回，不得阻塞回调线程。
type EventSink func(Event)

// Emit 在 sink 非空时发布事件。
func (s EventSink) Emit(ev Event) {
	if s == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	s(ev)
}
