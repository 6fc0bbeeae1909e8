package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"futures-exec/internal/audit"
	"futures-exec/internal/config"
	"futures-exec/internal/exchange"
	"futures-exec/internal/order"
)

// Client 抽象交易所下单通道，真实实现见 internal/exchange。
type Client interface {
	PlaceOrder(req exchange.Request, token string) (exchange.Response, error)
	CancelOrder(symbol, orderID string) (exchange.Response, error)
	FetchOrderStatus(symbol, orderID string) (exchange.Response, error)
}

// Engine 将已校验的交易意图转化为一串交易所调用，负责幂等、重试与状态迁移。
type Engine struct {
	client Client
	sink   audit.Sink
	logger *zap.Logger

	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
	timeInForce string
}

// New 创建执行引擎。
func New(client Client, sink audit.Sink, cfg config.ExecutionConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	capDelay := cfg.BackoffCap
	if capDelay <= 0 {
		capDelay = 5 * time.Second
	}

	return &Engine{
		client:      client,
		sink:        sink,
		logger:      logger,
		maxRetries:  maxRetries,
		backoffBase: base,
		backoffCap:  capDelay,
		timeInForce: cfg.TimeInForce,
	}
}

// NewState 为已校验意图创建 PENDING 状态句柄，尚未触发任何交易所调用。
// TWAP 调度器用它预创建全部子状态，再按节奏逐个派发。
func (e *Engine) NewState(intent order.ValidatedIntent) *State {
	return newState(intent)
}

// Submit 提交一笔意图并立即返回状态句柄，提交过程异步推进。
func (e *Engine) Submit(ctx context.Context, intent order.ValidatedIntent) *State {
	st := e.NewState(intent)
	e.Dispatch(ctx, st)
	return st
}

// Dispatch 启动某个 PENDING 状态的提交流程。同一状态只会启动一次。
func (e *Engine) Dispatch(ctx context.Context, st *State) {
	if !st.markInflight() {
		return
	}
	go func() {
		defer st.closeSettled()
		defer st.clearInflight()
		e.run(ctx, st)
	}()
}

// Cancel 请求撤销订单。仅 PENDING/SUBMITTED 状态可撤：
// 尚未提交的状态本地直接进入 CANCELLED，不触发交易所调用；
// 已挂单的状态向交易所发起撤单，确认后迁移 CANCELLED。
// 其余状态保持不变并返回错误。
func (e *Engine) Cancel(ctx context.Context, st *State) error {
	st.mu.Lock()
	status := st.status
	inflight := st.inflight
	orderID := st.orderID
	st.mu.Unlock()

	switch status {
	case order.StatusPending:
		st.requestCancel()
		if inflight {
			// 在途提交允许完成，取消在下一次尝试前生效。
			return nil
		}
		e.applyTransition(ctx, st, order.StatusCancelled, "提交前被调用方撤销")
		return nil

	case order.StatusSubmitted:
		st.requestCancel()
		resp, err := e.client.CancelOrder(st.intent.Symbol, orderID)
		if err != nil {
			return fmt.Errorf("engine: 撤单失败: %w", err)
		}
		if resp.FilledQty.IsPositive() {
			st.setFilled(resp.FilledQty)
		}
		e.applyTransition(ctx, st, order.StatusCancelled, "交易所确认撤单")
		return nil

	default:
		return fmt.Errorf("engine: 状态 %s 不可撤销，订单已到达终态或已成交", status)
	}
}

// ApplyUpdate 接收外部订单状态源（轮询或推送）的更新。
// PARTIALLY_FILLED -> FILLED 只能经由此入口发生，引擎不自行臆造成交。
func (e *Engine) ApplyUpdate(ctx context.Context, st *State, resp exchange.Response) {
	if st.Status().IsTerminal() && st.Status() != order.StatusPartiallyFilled {
		return
	}

	if resp.FilledQty.IsPositive() {
		st.setFilled(resp.FilledQty)
	}

	switch resp.Status {
	case order.StatusFilled:
		e.applyTransition(ctx, st, order.StatusFilled, "")
	case order.StatusPartiallyFilled:
		if st.Status() != order.StatusPartiallyFilled {
			e.applyTransition(ctx, st, order.StatusPartiallyFilled, "")
		}
	case order.StatusCancelled:
		e.applyTransition(ctx, st, order.StatusCancelled, "交易所侧撤单")
	case order.StatusRejected:
		e.applyTransition(ctx, st, order.StatusRejected, "交易所侧拒单")
	}
}

// run 串行推进一个状态的全部提交尝试。可重试错误按指数退避重试，
// 重试耗尽进入 FAILED；不可重试错误立即进入 REJECTED。
func (e *Engine) run(ctx context.Context, st *State) {
	intent := st.intent
	req := exchange.Request{
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Type:      intent.Type,
		Quantity:  intent.Quantity,
		Price:     intent.Price,
		StopPrice: intent.StopPrice,
	}
	if intent.Type == order.TypeLimit || intent.Type == order.TypeStopLimit {
		req.TimeInForce = e.timeInForce
	}

	payload, marshalErr := json.Marshal(req)
	if marshalErr != nil {
		// 序列化失败属于内部错误，对该订单是致命的。
		e.logger.Error("请求载荷序列化失败",
			zap.String("intent_id", st.id), zap.Error(marshalErr))
		e.applyTransition(ctx, st, order.StatusFailed,
			fmt.Sprintf("内部错误: 载荷序列化失败: %v", marshalErr))
		return
	}
	digest := audit.Digest(string(payload))

	var lastErr error
	delay := e.backoffBase

	for attemptNum := 1; attemptNum <= e.maxRetries; attemptNum++ {
		if st.cancelPending() {
			e.applyTransition(ctx, st, order.StatusCancelled, "提交前被调用方撤销")
			return
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.applyTransition(ctx, st, order.StatusFailed,
				fmt.Sprintf("上下文终止: %v", ctxErr))
			return
		}

		token := uuid.NewString()
		start := time.Now()
		resp, err := e.client.PlaceOrder(req, token)
		latency := time.Since(start)

		attempt := order.Attempt{
			Seq:     attemptNum,
			Token:   token,
			Payload: string(payload),
			At:      start.UTC(),
		}
		if err != nil {
			attempt.Err = err.Error()
		} else {
			attempt.OrderID = resp.OrderID
			attempt.Status = resp.Status
			attempt.FilledQty = resp.FilledQty
		}
		st.recordAttempt(attempt)
		e.record(ctx, audit.Event{
			Type:          audit.EventAttempt,
			IntentID:      st.id,
			Symbol:        intent.Symbol,
			Seq:           attemptNum,
			NewStatus:     attempt.Status,
			PayloadDigest: digest,
			Reason:        attempt.Err,
			Timestamp:     attempt.At,
		})

		if err == nil {
			e.logger.Info("订单提交成功",
				zap.String("intent_id", st.id),
				zap.String("symbol", intent.Symbol),
				zap.Int("attempt", attemptNum),
				zap.Duration("latency", latency),
				zap.String("exchange_status", string(resp.Status)),
			)
			e.settle(ctx, st, resp)
			return
		}

		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.applyTransition(ctx, st, order.StatusFailed,
				fmt.Sprintf("上下文终止: %v", err))
			return
		}
		if errors.Is(err, exchange.ErrMaintenance) {
			e.logger.Warn("交易所维护中，放弃本次提交",
				zap.String("intent_id", st.id), zap.Error(err))
			e.applyTransition(ctx, st, order.StatusFailed,
				fmt.Sprintf("交易所维护中: %v", err))
			return
		}
		if !exchange.IsRetryable(err) {
			e.logger.Error("订单被交易所拒绝",
				zap.String("intent_id", st.id),
				zap.Int("attempt", attemptNum),
				zap.Error(err),
			)
			e.applyTransition(ctx, st, order.StatusRejected,
				fmt.Sprintf("交易所拒绝: %v", err))
			return
		}

		if attemptNum == e.maxRetries {
			break
		}

		wait := delay
		if wait > e.backoffCap {
			wait = e.backoffCap
		}
		e.logger.Warn("订单提交失败，等待重试",
			zap.String("intent_id", st.id),
			zap.Int("attempt", attemptNum),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.applyTransition(ctx, st, order.StatusFailed,
				fmt.Sprintf("上下文终止: %v", ctx.Err()))
			return
		case <-timer.C:
		}

		delay *= 2
		if delay > e.backoffCap {
			delay = e.backoffCap
		}
	}

	e.logger.Error("重试次数耗尽，订单提交失败",
		zap.String("intent_id", st.id),
		zap.Int("attempts", e.maxRetries),
		zap.Error(lastErr),
	)
	e.applyTransition(ctx, st, order.StatusFailed,
		fmt.Sprintf("重试%d次后仍失败: %v", e.maxRetries, lastErr))
}

// settle 依据交易所应答落定本次提交的结果。
func (e *Engine) settle(ctx context.Context, st *State, resp exchange.Response) {
	st.setOrderID(resp.OrderID)
	if resp.FilledQty.IsPositive() {
		st.setFilled(resp.FilledQty)
	}

	switch resp.Status {
	case order.StatusFilled:
		e.applyTransition(ctx, st, order.StatusFilled, "")
	case order.StatusPartiallyFilled:
		// 单次意图不自动补单，部分成交对本次提交即为落定；
		// 后续成交只接受外部状态源经 ApplyUpdate 推送。
		e.applyTransition(ctx, st, order.StatusPartiallyFilled, "")
	case order.StatusCancelled:
		e.applyTransition(ctx, st, order.StatusCancelled, "交易所确认撤单")
	case order.StatusRejected:
		e.applyTransition(ctx, st, order.StatusRejected, "交易所拒绝订单")
	default:
		// 已受理的挂单，等待外部状态源推进。
		e.applyTransition(ctx, st, order.StatusSubmitted, "")
	}
}

// applyTransition 执行迁移并写入审计。非法迁移记录为内部错误，绝不静默。
func (e *Engine) applyTransition(ctx context.Context, st *State, to order.Status, reason string) {
	from, err := st.transition(to, reason)
	if err != nil {
		e.logger.Error("状态机内部错误",
			zap.String("intent_id", st.id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return
	}

	if to.IsTerminal() {
		st.closeSettled()
	}

	e.record(ctx, audit.Event{
		Type:      audit.EventTransition,
		IntentID:  st.id,
		Symbol:    st.intent.Symbol,
		Seq:       len(st.Attempts()),
		OldStatus: from,
		NewStatus: to,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

// record 写审计事件。写入失败只告警，不影响订单处理。
func (e *Engine) record(ctx context.Context, event audit.Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Record(ctx, event); err != nil {
		e.logger.Warn("审计写入失败", zap.Error(err))
	}
}
