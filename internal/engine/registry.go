package engine

import "sync"

// registry 为单个策略引擎私有的并发安全订单表。
// 互斥锁只保护映射本身；单笔订单的状态迁移由订单自带的
// 锁保护，不会在整表锁内进行。
type registry[T any] struct {
	mu     sync.RWMutex
	orders map[string]*T
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{orders: make(map[string]*T)}
}

func (r *registry[T]) put(id string, o *T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[id] = o
}

func (r *registry[T]) get(id string) (*T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	return o, ok
}

func (r *registry[T]) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders, id)
}

// ids 返回当前全部订单号快照，遍历期间不持有表锁。
func (r *registry[T]) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.orders))
	for id := range r.orders {
		out = append(out, id)
	}
	return out
}

func (r *registry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}
