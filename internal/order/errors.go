package order

import "fmt"

// NotFoundError 表示操作引用了不存在的订单。
type NotFoundError struct {
	OrderID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("order: 未找到订单 %s", e.OrderID)
}

// InvalidStateError 表示操作在当前生命周期状态下不被允许。
type InvalidStateError struct {
	OrderID string
	Status  Status
	Op      string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("order: 订单 %s 处于 %s 状态，不允许执行 %s", e.OrderID, e.Status, e.Op)
}

// InvalidParamsError 表示修改请求携带非法参数，订单保持原状。
type InvalidParamsError struct {
	OrderID string
	Reason  string
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("order: 订单 %s 修改参数非法: %s", e.OrderID, e.Reason)
}

// AdapterError 表示券商或行情适配器调用失败。
// 订单保持触发前的状态，调用方可以重试或撤单。
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("order: 适配器调用 %s 失败: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}
