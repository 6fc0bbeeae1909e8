package audit

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Buffered 将底层 Sink 包装为非阻塞写入：事件进入有界队列由单独协程落盘，
// 队列满时丢弃并计数。审计失败只计数，永远不会阻塞或中断下单流程。
type Buffered struct {
	inner  Sink
	logger *zap.Logger

	ch      chan Event
	dropped atomic.Uint64
	failed  atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

var _ Sink = (*Buffered)(nil)

// NewBuffered 创建缓冲审计出口并启动落盘协程。
func NewBuffered(inner Sink, size int, logger *zap.Logger) *Buffered {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Buffered{
		inner:  inner,
		logger: logger,
		ch:     make(chan Event, size),
		done:   make(chan struct{}),
	}

	go b.drain()
	return b
}

// Record 入队事件，队列满时立即返回并丢弃。
func (b *Buffered) Record(_ context.Context, event Event) error {
	select {
	case b.ch <- event:
	default:
		b.dropped.Add(1)
	}
	return nil
}

// Dropped 返回因队列满而丢弃的事件数量。
func (b *Buffered) Dropped() uint64 {
	return b.dropped.Load()
}

// Failed 返回底层写入失败的事件数量。
func (b *Buffered) Failed() uint64 {
	return b.failed.Load()
}

// Close 停止接收并等待已入队事件全部落盘。
func (b *Buffered) Close() {
	b.closeOnce.Do(func() {
		close(b.ch)
		<-b.done
	})
}

func (b *Buffered) drain() {
	defer close(b.done)
	for event := range b.ch {
		if err := b.inner.Record(context.Background(), event); err != nil {
			b.failed.Add(1)
			b.logger.Warn("审计事件写入失败",
				zap.String("intent_id", event.IntentID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err),
			)
		}
	}
}
