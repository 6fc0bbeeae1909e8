package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"futures-exec/internal/audit"
	"futures-exec/internal/config"
	"futures-exec/internal/engine"
	"futures-exec/internal/exchange"
	"futures-exec/internal/log"
	"futures-exec/internal/order"
	"futures-exec/internal/store"
	"futures-exec/internal/twap"
)

// App 聚合核心依赖，驱动单个交易意图走到终态。
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	client    *exchange.Client
	engine    *engine.Engine
	scheduler *twap.Scheduler
	sink      *audit.Buffered
}

// Result 汇总一次执行的最终结果，供 CLI 映射退出码。
type Result struct {
	IntentID string
	Symbol   string
	Status   order.Status
	Filled   decimal.Decimal
	Reason   string
	Attempts int
}

// Succeeded 判断结果是否视为成功：完全成交、已受理挂单或部分成交。
func (r Result) Succeeded() bool {
	switch r.Status {
	case order.StatusFilled, order.StatusSubmitted, order.StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// New 创建 App 实例并完成全部组件装配。凭证缺失在此处即失败。
func New(cfg *config.Config, logger *zap.Logger, sqliteStore *store.Store) (*App, error) {
	if err := cfg.ValidateCredentials(); err != nil {
		return nil, err
	}

	client, err := exchange.NewClient(cfg.Exchange, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
	}

	auditSvc, err := audit.NewService(sqliteStore, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化审计服务失败: %w", err)
	}
	sink := audit.NewBuffered(auditSvc, 256, logger)

	eng := engine.New(client, sink, cfg.Execution, logger)
	scheduler := twap.NewScheduler(eng, sink, cfg.Twap, logger)

	return &App{
		cfg:       cfg,
		logger:    logger,
		client:    client,
		engine:    eng,
		scheduler: scheduler,
		sink:      sink,
	}, nil
}

// Close 等待审计队列落盘完毕。
func (a *App) Close() {
	if a.sink != nil {
		a.sink.Close()
		if dropped, failed := a.sink.Dropped(), a.sink.Failed(); dropped > 0 || failed > 0 {
			a.logger.Warn("部分审计事件未落盘",
				zap.Uint64("dropped", dropped),
				zap.Uint64("failed", failed),
			)
		}
	}
}

// Execute 校验意图并驱动执行，阻塞等待终态或上下文取消。
func (a *App) Execute(ctx context.Context, intent order.Intent) (Result, error) {
	filter := a.client.FetchFilter(intent.Symbol, a.fallbackFilter())

	validated, err := order.Validate(intent, filter)
	if err != nil {
		var vErr *order.ValidationError
		if errors.As(err, &vErr) {
			a.logger.Error("意图校验失败",
				zap.String("kind", string(vErr.Kind)),
				zap.String("field", vErr.Field),
				zap.String("message", vErr.Message),
			)
		}
		return Result{Status: order.StatusRejected, Reason: err.Error()}, err
	}

	if intent.Type == order.TypeTWAP {
		return a.executeTwap(ctx, validated)
	}
	return a.executeSingle(ctx, validated)
}

func (a *App) executeSingle(ctx context.Context, validated order.ValidatedIntent) (Result, error) {
	st := a.engine.Submit(ctx, validated)

	// 单次意图等待引擎落定即可，挂单的后续成交由外部状态源负责。
	select {
	case <-ctx.Done():
		return a.resultFromState(st), ctx.Err()
	case <-st.Settled():
	}

	result := a.resultFromState(st)
	a.logResult(result)
	return result, nil
}

func (a *App) executeTwap(ctx context.Context, validated order.ValidatedIntent) (Result, error) {
	parent, err := a.scheduler.Start(ctx, validated)
	if err != nil {
		return Result{Status: order.StatusRejected, Reason: err.Error()}, err
	}

	status, waitErr := parent.Wait(ctx)
	if waitErr != nil {
		// 上下文取消时发起协作式撤销，等待调度器收敛。
		_ = a.scheduler.Cancel(context.Background(), parent)
		status, _ = parent.Wait(context.Background())
	}

	result := Result{
		IntentID: parent.ID(),
		Symbol:   parent.Intent().Symbol,
		Status:   status,
		Filled:   parent.FilledQty(),
		Reason:   parent.Reason(),
		Attempts: len(parent.DispatchTimes()),
	}
	a.logResult(result)
	return result, nil
}

func (a *App) resultFromState(st *engine.State) Result {
	return Result{
		IntentID: st.ID(),
		Symbol:   st.Intent().Symbol,
		Status:   st.Status(),
		Filled:   st.FilledQty(),
		Reason:   st.Reason(),
		Attempts: len(st.Attempts()),
	}
}

func (a *App) logResult(result Result) {
	logger := log.WithIntent(a.logger, result.IntentID, result.Symbol)
	fields := []zap.Field{
		zap.String("status", string(result.Status)),
		zap.String("filled", result.Filled.String()),
		zap.Int("attempts", result.Attempts),
	}
	if result.Reason != "" {
		fields = append(fields, zap.String("reason", result.Reason))
	}
	if result.Succeeded() {
		logger.Info("订单执行完成", fields...)
	} else {
		logger.Error("订单执行未成功", fields...)
	}
}

func (a *App) fallbackFilter() order.SymbolFilter {
	f := a.cfg.Exchange.Filter
	return order.SymbolFilter{
		StepSize:    decimal.NewFromFloat(f.StepSize),
		MinQuantity: decimal.NewFromFloat(f.MinQuantity),
		MaxQuantity: decimal.NewFromFloat(f.MaxQuantity),
		MinNotional: decimal.NewFromFloat(f.MinNotional),
	}
}
