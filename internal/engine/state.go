package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"futures-exec/internal/order"
)

// State 跟踪一笔逻辑订单的全部生命周期，仅由执行引擎内部迁移函数修改。
// 同一 State 上的提交严格串行，尝试序号连续且单调递增。
type State struct {
	mu sync.Mutex

	id       string
	intent   order.ValidatedIntent
	status   order.Status
	filled   decimal.Decimal
	reason   string
	orderID  string
	attempts []order.Attempt

	cancelRequested bool
	inflight        bool

	done        chan struct{}
	settled     chan struct{}
	settledOnce sync.Once
}

func newState(intent order.ValidatedIntent) *State {
	return &State{
		id:      uuid.NewString(),
		intent:  intent,
		status:  order.StatusPending,
		done:    make(chan struct{}),
		settled: make(chan struct{}),
	}
}

// ID 返回意图标识。
func (s *State) ID() string {
	return s.id
}

// Intent 返回构造该状态的已校验意图。
func (s *State) Intent() order.ValidatedIntent {
	return s.intent
}

// Status 返回当前状态。
func (s *State) Status() order.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// FilledQty 返回累计成交数量。
func (s *State) FilledQty() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filled
}

// Reason 返回终态的可读原因，非终态或成功时为空。
func (s *State) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// OrderID 返回交易所侧订单号，尚未受理时为空。
func (s *State) OrderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderID
}

// Attempts 返回按时间顺序排列的提交记录副本。
func (s *State) Attempts() []order.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]order.Attempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}

// Done 返回在进入终态时关闭的通道。
func (s *State) Done() <-chan struct{} {
	return s.done
}

// Settled 返回在引擎不再主动推进该状态时关闭的通道。
// 与 Done 的区别：PARTIALLY_FILLED 的单次意图已落定但并非终态，
// 后续成交确认只会经外部状态源到达。
func (s *State) Settled() <-chan struct{} {
	return s.settled
}

func (s *State) closeSettled() {
	s.settledOnce.Do(func() {
		close(s.settled)
	})
}

// Wait 阻塞等待终态或上下文取消。
func (s *State) Wait(ctx context.Context) (order.Status, error) {
	select {
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	case <-s.done:
		return s.Status(), nil
	}
}

func (s *State) recordAttempt(attempt order.Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
}

// canTransition 定义状态机的合法迁移。
func canTransition(from, to order.Status) bool {
	if from == to {
		return false
	}
	switch from {
	case order.StatusPending:
		switch to {
		case order.StatusSubmitted, order.StatusPartiallyFilled, order.StatusFilled,
			order.StatusRejected, order.StatusCancelled, order.StatusFailed:
			return true
		}
	case order.StatusSubmitted:
		switch to {
		case order.StatusPartiallyFilled, order.StatusFilled,
			order.StatusRejected, order.StatusCancelled, order.StatusFailed:
			return true
		}
	case order.StatusPartiallyFilled:
		// 后续成交确认只能由外部状态源推送，引擎不自行臆造成交。
		switch to {
		case order.StatusFilled, order.StatusCancelled:
			return true
		}
	}
	return false
}

// transition 执行一次状态迁移，非法迁移视为内部错误返回。
// 进入终态时关闭 done 通道。调用方负责审计记录。
func (s *State) transition(to order.Status, reason string) (order.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.status
	if !canTransition(from, to) {
		return from, fmt.Errorf("engine: 非法状态迁移 %s -> %s (intent=%s)", from, to, s.id)
	}

	s.status = to
	s.reason = reason
	if to.IsTerminal() {
		close(s.done)
	}
	return from, nil
}

func (s *State) setFilled(qty decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if qty.GreaterThan(s.filled) {
		s.filled = qty
	}
}

func (s *State) setOrderID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		s.orderID = id
	}
}

func (s *State) requestCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelRequested = true
}

func (s *State) cancelPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

func (s *State) markInflight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight || s.status.IsTerminal() {
		return false
	}
	s.inflight = true
	return true
}

func (s *State) clearInflight() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight = false
}
