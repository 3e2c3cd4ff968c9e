package marketdata

import "time"

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Tick 为一次最新价更新。
type Tick struct {
	Symbol string
	Price  float64
	At     time.Time
}

// TickHandler 消费行情更新。同一交易对的 Tick 由单一轮询
// goroutine 顺序派发，天然保证单订单内的到达顺序。
type TickHandler func(Tick)
