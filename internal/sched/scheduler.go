// Package sched 提供切片调度器：按固定延迟为 TWAP/VWAP 等
// 时间驱动策略触发回调。回调在独立 goroutine 上运行，
// 并由信号量限制并发量，防止大量订单同时到期压垮下游适配器。
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrClosed 表示调度器已关闭，不再接受新任务。
var ErrClosed = errors.New("sched: 调度器已关闭")

// Scheduler 管理按订单分组的延迟回调。
type Scheduler struct {
	clock  Clock
	sem    *semaphore.Weighted
	logger *zap.Logger

	mu     sync.Mutex
	nextID int64
	timers map[string]map[int64]Timer
	closed bool

	wg sync.WaitGroup
}

// New 创建调度器。maxConcurrent 限制同时运行的回调数。
func New(maxConcurrent int64, clock Clock, logger *zap.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		clock:  clock,
		sem:    semaphore.NewWeighted(maxConcurrent),
		logger: logger,
		timers: make(map[string]map[int64]Timer),
	}
}

// Now 返回调度器时钟的当前时间。
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Schedule 注册一个延迟回调，按 orderID 分组以支持整单撤销。
// 回调自身必须做好过期防护：触发时订单可能已被撤销。
func (s *Scheduler) Schedule(orderID string, delay time.Duration, fn func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.nextID++
	id := s.nextID
	s.wg.Add(1)

	timer := s.clock.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.remove(orderID, id)
		if err := s.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		fn()
	})

	group, ok := s.timers[orderID]
	if !ok {
		group = make(map[int64]Timer)
		s.timers[orderID] = group
	}
	group[id] = timer
	s.mu.Unlock()
	return nil
}

// CancelOrder 停掉指定订单所有尚未触发的回调。
// 已在执行中的回调不会被打断，由回调内的状态检查兜底。
func (s *Scheduler) CancelOrder(orderID string) {
	s.mu.Lock()
	group := s.timers[orderID]
	delete(s.timers, orderID)
	s.mu.Unlock()

	for _, timer := range group {
		if timer.Stop() {
			s.wg.Done()
		}
	}
}

// Shutdown 停止接收新任务，撤销未触发的定时器并等待在途回调完成。
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.timers
	s.timers = make(map[string]map[int64]Timer)
	s.mu.Unlock()

	for _, group := range pending {
		for _, timer := range group {
			if timer.Stop() {
				s.wg.Done()
			}
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("调度器关闭超时，仍有回调在途")
		return ctx.Err()
	}
}

func (s *Scheduler) remove(orderID string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if group, ok := s.timers[orderID]; ok {
		delete(group, id)
		if len(group) == 0 {
			delete(s.timers, orderID)
		}
	}
}
