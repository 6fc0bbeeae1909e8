package twap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"futures-exec/internal/audit"
	"futures-exec/internal/config"
	"futures-exec/internal/engine"
	"futures-exec/internal/order"
)

// Scheduler 将 TWAP 母单分解为定时派发的市价子单，驱动执行引擎逐个提交。
// 失败的切片不会被自动重切分摊到后续切片，母单直接进入 FAILED，
// 该策略为有意的保守默认，不是遗漏。
type Scheduler struct {
	engine *engine.Engine
	sink   audit.Sink
	logger *zap.Logger
	limits config.TwapConfig

	// 测试可替换的时钟注入点。
	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

// NewScheduler 创建 TWAP 调度器。
func NewScheduler(eng *engine.Engine, sink audit.Sink, limits config.TwapConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits.MaxSlices <= 0 {
		limits.MaxSlices = 50
	}
	if limits.MaxInterval <= 0 {
		limits.MaxInterval = 300 * time.Second
	}

	return &Scheduler{
		engine: eng,
		sink:   sink,
		logger: logger,
		limits: limits,
		now:    func() time.Time { return time.Now().UTC() },
		wait:   waitTimer,
	}
}

func waitTimer(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start 启动一次 TWAP 执行并立即返回母单句柄，派发在后台按节奏推进。
// 首个切片在 t=0 即刻派发，末个切片之后不再等待。
func (s *Scheduler) Start(ctx context.Context, intent order.ValidatedIntent) (*Parent, error) {
	if intent.Type != order.TypeTWAP {
		return nil, fmt.Errorf("twap: 意图类型 %s 不适用于 TWAP 调度", intent.Type)
	}
	if intent.SliceCount > s.limits.MaxSlices {
		return nil, fmt.Errorf("twap: 切片数量 %d 超过上限 %d", intent.SliceCount, s.limits.MaxSlices)
	}
	if intent.Interval() > s.limits.MaxInterval {
		return nil, fmt.Errorf("twap: 切片间隔 %s 超过上限 %s", intent.Interval(), s.limits.MaxInterval)
	}

	slices, err := order.SliceQuantities(intent.Quantity, intent.SliceCount, intent.Filter.StepSize)
	if err != nil {
		return nil, err
	}

	// 全部子状态先行创建为 PENDING，撤销时未派发的切片无需任何交易所调用。
	children := make([]*engine.State, len(slices))
	for i, qty := range slices {
		childIntent := order.Intent{
			Symbol:   intent.Symbol,
			Side:     intent.Side,
			Type:     order.TypeMarket,
			Quantity: qty,
		}
		validated, vErr := order.Validate(childIntent, intent.Filter)
		if vErr != nil {
			return nil, fmt.Errorf("twap: 切片 %d 校验失败: %w", i+1, vErr)
		}
		children[i] = s.engine.NewState(validated)
	}

	parent := newParent(intent, children)

	s.logger.Info("TWAP 执行启动",
		zap.String("parent_id", parent.id),
		zap.String("symbol", intent.Symbol),
		zap.String("total_quantity", intent.Quantity.String()),
		zap.Int("slices", len(children)),
		zap.Duration("interval", intent.Interval()),
	)

	go s.run(ctx, parent)

	return parent, nil
}

// Cancel 协作式撤销：停止派发未发出的切片，对仍挂着的子单发起撤单。
// 已成交的子单不受影响。
func (s *Scheduler) Cancel(ctx context.Context, parent *Parent) error {
	parent.requestCancel()

	var firstErr error
	for _, child := range parent.Children() {
		if child.Status().IsTerminal() {
			continue
		}
		if err := s.engine.Cancel(ctx, child); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.logger.Info("TWAP 撤销请求已发出",
		zap.String("parent_id", parent.id),
		zap.Error(firstErr),
	)
	return firstErr
}

func (s *Scheduler) run(ctx context.Context, parent *Parent) {
	s.applyParentTransition(ctx, parent, order.StatusSubmitted, "")

	children := parent.Children()

	// 子状态落定监听先于派发启动，任何子单落定都会触发母单重算。
	var group errgroup.Group
	for _, child := range children {
		child := child
		group.Go(func() error {
			<-child.Settled()
			parent.recomputeFilled()
			return nil
		})
	}

	interval := parent.intent.Interval()
	for i, child := range children {
		if parent.cancelPending() {
			s.cancelRemaining(ctx, children[i:])
			break
		}
		if ctx.Err() != nil {
			parent.requestCancel()
			s.cancelRemaining(ctx, children[i:])
			break
		}

		parent.markDispatched(s.now())
		s.engine.Dispatch(ctx, child)
		s.logger.Info("TWAP 切片已派发",
			zap.String("parent_id", parent.id),
			zap.Int("slice", i+1),
			zap.Int("total", len(children)),
			zap.String("quantity", child.Intent().Quantity.String()),
		)

		// 末个切片之后无需等待。
		if i == len(children)-1 {
			break
		}
		if err := s.wait(ctx, interval); err != nil {
			parent.requestCancel()
			s.cancelRemaining(ctx, children[i+1:])
			break
		}
	}

	_ = group.Wait()
	s.finalize(ctx, parent)
}

// cancelRemaining 把尚未派发的切片本地转为 CANCELLED，不触发交易所调用。
func (s *Scheduler) cancelRemaining(ctx context.Context, children []*engine.State) {
	for _, child := range children {
		if child.Status().IsTerminal() {
			continue
		}
		if err := s.engine.Cancel(ctx, child); err != nil {
			s.logger.Warn("撤销切片失败", zap.String("child_id", child.ID()), zap.Error(err))
		}
	}
}

// finalize 在全部子单落定后推定母单终态：
// 任一子单 FAILED/REJECTED 即 FAILED；全部 FILLED 即 FILLED；
// 撤销路径收敛到 CANCELLED；仍有子单等待外部成交确认时母单停在
// PARTIALLY_FILLED，由后台监听在子单到达终态后继续收敛。
func (s *Scheduler) finalize(ctx context.Context, parent *Parent) {
	total := parent.recomputeFilled()

	var (
		filledCount int
		failedSlice int
		anyFailed   bool
		anyLive     bool
	)
	children := parent.Children()
	for i, child := range children {
		switch child.Status() {
		case order.StatusFilled:
			filledCount++
		case order.StatusFailed, order.StatusRejected:
			if !anyFailed {
				failedSlice = i + 1
				anyFailed = true
			}
		case order.StatusCancelled:
		default:
			anyLive = true
		}
	}

	switch {
	case anyFailed:
		child := children[failedSlice-1]
		s.applyParentTransition(ctx, parent, order.StatusFailed,
			fmt.Sprintf("切片 %d/%d 失败且不自动重切: %s", failedSlice, len(children), child.Reason()))

	case filledCount == len(children):
		s.applyParentTransition(ctx, parent, order.StatusFilled, "")

	case parent.cancelPending() && !anyLive:
		reason := "TWAP 被调用方撤销"
		if total.IsPositive() {
			reason = fmt.Sprintf("TWAP 被调用方撤销，已成交 %s", total)
		}
		s.applyParentTransition(ctx, parent, order.StatusCancelled, reason)

	default:
		// 仍有子单等待外部成交确认。
		s.applyParentTransition(ctx, parent, order.StatusPartiallyFilled, "")
		go s.watchLive(ctx, parent)
	}

	s.logger.Info("TWAP 执行收敛",
		zap.String("parent_id", parent.id),
		zap.String("status", string(parent.Status())),
		zap.String("filled", total.String()),
		zap.Int("slices_filled", filledCount),
		zap.Int("slices_total", len(children)),
	)
}

// watchLive 等待仍未到终态的子单，由外部状态源推进后再次收敛母单。
func (s *Scheduler) watchLive(ctx context.Context, parent *Parent) {
	for _, child := range parent.Children() {
		if !child.Status().IsTerminal() {
			<-child.Done()
		}
	}
	s.finalize(ctx, parent)
}

func (s *Scheduler) applyParentTransition(ctx context.Context, parent *Parent, to order.Status, reason string) {
	from, ok := parent.transition(to, reason)
	if !ok {
		return
	}
	if s.sink == nil {
		return
	}
	if err := s.sink.Record(ctx, audit.Event{
		Type:      audit.EventTransition,
		IntentID:  parent.id,
		Symbol:    parent.intent.Symbol,
		OldStatus: from,
		NewStatus: to,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("审计写入失败", zap.Error(err))
	}
}
