package order

import "time"

// StrategyType 表示算法订单的执行策略类型。
// 集合封闭：新增策略必须同时扩展引擎注册表，属于显式的编译期改动。
type StrategyType string

const (
	StrategyStopLoss     StrategyType = "STOP_LOSS"
	StrategyTrailingStop StrategyType = "TRAILING_STOP"
	StrategyBracket      StrategyType = "BRACKET"
	StrategyIceberg      StrategyType = "ICEBERG"
	StrategyTWAP         StrategyType = "TWAP"
	StrategyVWAP         StrategyType = "VWAP"
)

// StrategyTypes 返回全部受支持的策略类型。
func StrategyTypes() []StrategyType {
	return []StrategyType{
		StrategyStopLoss,
		StrategyTrailingStop,
		StrategyBracket,
		StrategyIceberg,
		StrategyTWAP,
		StrategyVWAP,
	}
}

// Side 表示买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid 判断方向是否合法。
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite 返回反方向，用于平仓腿的下单方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Status 表示订单生命周期状态。
// 各策略只会使用其中的子集：条件单走 PENDING→FILLED，
// 切片类策略走 ACTIVE→COMPLETED，Bracket 额外拥有两个终态。
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusActive       Status = "ACTIVE"
	StatusFilled       Status = "FILLED"
	StatusCompleted    Status = "COMPLETED"
	StatusProfitFilled Status = "PROFIT_FILLED"
	StatusStopFilled   Status = "STOP_FILLED"
	StatusCancelled    Status = "CANCELLED"
)

// Terminal 判断状态是否为终态。终态订单不再发生任何数量或价格变更。
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCompleted, StatusProfitFilled, StatusStopFilled, StatusCancelled:
		return true
	default:
		return false
	}
}

// Request 为上游订单服务提交的算法订单请求，提交后不可变。
// 除公共字段外，各策略只读取与自身相关的参数。
type Request struct {
	Strategy StrategyType
	Symbol   string
	Side     Side
	Quantity int64

	// 止损 / 跟踪止损
	StopPrice    float64
	TrailAmount  float64
	TrailPercent float64

	// Bracket：EntryPrice 为 nil 时视为市价入场
	EntryPrice   *float64
	ProfitTarget float64

	// Iceberg：LimitPrice 为 0 时按市价切片
	DisplayQuantity int64
	LimitPrice      float64

	// TWAP / VWAP
	TimeWindowMinutes    int
	SliceIntervalSeconds int
	ParticipationRate    float64
}

// ValidationResult 为校验结果值对象，校验失败不抛错误。
type ValidationResult struct {
	Valid        bool
	ErrorMessage string
}

// OK 返回通过校验的结果。
func OK() ValidationResult {
	return ValidationResult{Valid: true}
}

// Invalid 返回携带原因的失败结果。
func Invalid(msg string) ValidationResult {
	return ValidationResult{Valid: false, ErrorMessage: msg}
}

// ModifyParams 描述对存量订单的修改。零值字段表示保持不变。
type ModifyParams struct {
	Quantity        int64
	StopPrice       float64
	TrailAmount     float64
	TrailPercent    float64
	ProfitTarget    float64
	EntryPrice      *float64
	DisplayQuantity int64
	LimitPrice      float64
}

// SliceExecution 记录单次切片成交，仅追加，用于计算已实现均价。
type SliceExecution struct {
	SliceNumber    int
	Quantity       int64
	ExecutionPrice float64
	ExecutionTime  time.Time
}

// AveragePrice 按数量加权计算一组切片成交的均价。
func AveragePrice(executions []SliceExecution) float64 {
	var notional float64
	var qty int64
	for _, exec := range executions {
		notional += exec.ExecutionPrice * float64(exec.Quantity)
		qty += exec.Quantity
	}
	if qty == 0 {
		return 0
	}
	return notional / float64(qty)
}

// Response 为返回给上游的订单视图，持久化由上游负责。
type Response struct {
	OrderID        string
	Strategy       StrategyType
	Symbol         string
	Side           Side
	Status         Status
	TotalQuantity  int64
	FilledQuantity int64
	AveragePrice   float64
	CreatedAt      time.Time
}
