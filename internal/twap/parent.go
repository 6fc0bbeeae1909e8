package twap

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"futures-exec/internal/engine"
	"futures-exec/internal/order"
)

// Parent 聚合一次 TWAP 执行的母单状态。子状态由调度器持有并经执行引擎推进，
// 母单的累计成交量在每次子状态落定时重新计算。
type Parent struct {
	mu sync.Mutex

	id       string
	intent   order.ValidatedIntent
	status   order.Status
	filled   decimal.Decimal
	reason   string
	children []*engine.State

	dispatchedAt []time.Time

	cancelRequested bool

	done     chan struct{}
	doneOnce sync.Once
}

func newParent(intent order.ValidatedIntent, children []*engine.State) *Parent {
	return &Parent{
		id:       uuid.NewString(),
		intent:   intent,
		status:   order.StatusPending,
		children: children,
		done:     make(chan struct{}),
	}
}

// ID 返回母单标识。
func (p *Parent) ID() string {
	return p.id
}

// Intent 返回构造母单的已校验意图。
func (p *Parent) Intent() order.ValidatedIntent {
	return p.intent
}

// Status 返回母单当前状态。
func (p *Parent) Status() order.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// FilledQty 返回全部子单的累计成交量。
func (p *Parent) FilledQty() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filled
}

// Reason 返回终态的可读原因。
func (p *Parent) Reason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// Children 返回子状态切片。切片本身只读，元素由执行引擎推进。
func (p *Parent) Children() []*engine.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*engine.State, len(p.children))
	copy(out, p.children)
	return out
}

// DispatchTimes 返回各子单的派发时刻，未派发的子单不在其中。
func (p *Parent) DispatchTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]time.Time, len(p.dispatchedAt))
	copy(out, p.dispatchedAt)
	return out
}

// Done 返回在母单进入终态时关闭的通道。
func (p *Parent) Done() <-chan struct{} {
	return p.done
}

// Wait 阻塞等待母单终态或上下文取消。
func (p *Parent) Wait(ctx context.Context) (order.Status, error) {
	select {
	case <-ctx.Done():
		return p.Status(), ctx.Err()
	case <-p.done:
		return p.Status(), nil
	}
}

func (p *Parent) markDispatched(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatchedAt = append(p.dispatchedAt, at)
}

func (p *Parent) requestCancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelRequested = true
}

func (p *Parent) cancelPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelRequested
}

// recomputeFilled 重算累计成交量，母单总成交恒等于子单成交之和。
func (p *Parent) recomputeFilled() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := decimal.Zero
	for _, child := range p.children {
		total = total.Add(child.FilledQty())
	}
	p.filled = total
	return total
}

// transition 推进母单状态。母单状态机与子单同构，已处终态的母单不再迁移。
func (p *Parent) transition(to order.Status, reason string) (order.Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	from := p.status
	if from == to || from.IsTerminal() {
		return from, false
	}

	p.status = to
	p.reason = reason
	if to.IsTerminal() {
		p.doneOnce.Do(func() {
			close(p.done)
		})
	}
	return from, true
}
