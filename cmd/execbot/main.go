package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"futures-exec/internal/app"
	"futures-exec/internal/audit"
	"futures-exec/internal/config"
	"futures-exec/internal/log"
	"futures-exec/internal/order"
	"futures-exec/internal/store"
)

const usageText = `用法: execbot [-config 路径] <子命令> <参数...>

子命令:
  market     SYMBOL SIDE QUANTITY
  limit      SYMBOL SIDE QUANTITY PRICE
  stop-limit SYMBOL SIDE QUANTITY PRICE STOP_PRICE
  twap       SYMBOL SIDE TOTAL_QUANTITY SLICES INTERVAL_SECONDS
  history    INTENT_ID

示例:
  execbot market BTCUSDT BUY 0.001
  execbot limit BTCUSDT SELL 0.01 42000
  execbot stop-limit BTCUSDT BUY 0.01 41600 41500
  execbot twap BTCUSDT BUY 0.05 5 10
  execbot history 2f1c9a7e-0b4d-4c1a-9f3e-8d2a6b5c4e1f

凭证经环境变量 BINANCE_API_KEY / BINANCE_API_SECRET 注入，
history 只读本地审计库，不需要凭证。`

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, usageText)
	}
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "history" {
		return runHistory(configPath, flag.Args()[1:])
	}

	intent, err := parseIntent(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误: %v\n\n%s\n", err, usageText)
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		return 1
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	bot, err := app.New(cfg, logger, sqliteStore)
	if err != nil {
		logger.Error("初始化执行系统失败", zap.Error(err))
		return 1
	}
	defer bot.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := bot.Execute(ctx, intent)
	if err != nil {
		logger.Error("执行异常结束", zap.Error(err))
		return 1
	}
	if !result.Succeeded() {
		return 1
	}
	return 0
}

// runHistory 按写入顺序回放某一意图的审计事件。只读本地审计库，不触达交易所。
func runHistory(configPath string, args []string) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "参数错误: history 需要 1 个参数 INTENT_ID\n\n%s\n", usageText)
		return 1
	}
	intentID := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer func() {
		_ = logger.Sync()
	}()

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		return 1
	}
	defer func() {
		_ = sqliteStore.Close()
	}()

	auditSvc, err := audit.NewService(sqliteStore, logger)
	if err != nil {
		logger.Error("初始化审计服务失败", zap.Error(err))
		return 1
	}

	events, err := auditSvc.ListEvents(context.Background(), intentID)
	if err != nil {
		logger.Error("读取审计事件失败", zap.Error(err))
		return 1
	}
	if len(events) == 0 {
		fmt.Fprintf(os.Stderr, "意图 %s 没有审计记录\n", intentID)
		return 1
	}

	for i, event := range events {
		line := fmt.Sprintf("%3d  %-28s  %-10s  seq=%d",
			i+1, event.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), event.Type, event.Seq)
		if event.Type == audit.EventTransition {
			line += fmt.Sprintf("  %s -> %s", event.OldStatus, event.NewStatus)
		} else if event.NewStatus != "" {
			line += fmt.Sprintf("  status=%s", event.NewStatus)
		}
		if event.PayloadDigest != "" {
			line += fmt.Sprintf("  digest=%s", event.PayloadDigest[:12])
		}
		if event.Reason != "" {
			line += fmt.Sprintf("  reason=%s", event.Reason)
		}
		fmt.Println(line)
	}
	return 0
}

// parseIntent 将子命令与位置参数解析为交易意图。范围校验统一交给 order.Validate。
func parseIntent(args []string) (order.Intent, error) {
	if len(args) == 0 {
		return order.Intent{}, fmt.Errorf("缺少子命令")
	}

	sub, rest := args[0], args[1:]

	switch sub {
	case "market":
		if len(rest) != 3 {
			return order.Intent{}, fmt.Errorf("market 需要 3 个参数，收到 %d 个", len(rest))
		}
		qty, err := parseDecimal(rest[2], "QUANTITY")
		if err != nil {
			return order.Intent{}, err
		}
		return order.Intent{
			Symbol:   normalizeSymbol(rest[0]),
			Side:     order.Side(strings.ToUpper(rest[1])),
			Type:     order.TypeMarket,
			Quantity: qty,
		}, nil

	case "limit":
		if len(rest) != 4 {
			return order.Intent{}, fmt.Errorf("limit 需要 4 个参数，收到 %d 个", len(rest))
		}
		qty, err := parseDecimal(rest[2], "QUANTITY")
		if err != nil {
			return order.Intent{}, err
		}
		price, err := parseDecimal(rest[3], "PRICE")
		if err != nil {
			return order.Intent{}, err
		}
		return order.Intent{
			Symbol:   normalizeSymbol(rest[0]),
			Side:     order.Side(strings.ToUpper(rest[1])),
			Type:     order.TypeLimit,
			Quantity: qty,
			Price:    price,
		}, nil

	case "stop-limit":
		if len(rest) != 5 {
			return order.Intent{}, fmt.Errorf("stop-limit 需要 5 个参数，收到 %d 个", len(rest))
		}
		qty, err := parseDecimal(rest[2], "QUANTITY")
		if err != nil {
			return order.Intent{}, err
		}
		price, err := parseDecimal(rest[3], "PRICE")
		if err != nil {
			return order.Intent{}, err
		}
		stopPrice, err := parseDecimal(rest[4], "STOP_PRICE")
		if err != nil {
			return order.Intent{}, err
		}
		return order.Intent{
			Symbol:    normalizeSymbol(rest[0]),
			Side:      order.Side(strings.ToUpper(rest[1])),
			Type:      order.TypeStopLimit,
			Quantity:  qty,
			Price:     price,
			StopPrice: stopPrice,
		}, nil

	case "twap":
		if len(rest) != 5 {
			return order.Intent{}, fmt.Errorf("twap 需要 5 个参数，收到 %d 个", len(rest))
		}
		qty, err := parseDecimal(rest[2], "TOTAL_QUANTITY")
		if err != nil {
			return order.Intent{}, err
		}
		slices, err := strconv.Atoi(rest[3])
		if err != nil {
			return order.Intent{}, fmt.Errorf("SLICES 必须为整数: %q", rest[3])
		}
		interval, err := strconv.Atoi(rest[4])
		if err != nil {
			return order.Intent{}, fmt.Errorf("INTERVAL_SECONDS 必须为整数: %q", rest[4])
		}
		return order.Intent{
			Symbol:          normalizeSymbol(rest[0]),
			Side:            order.Side(strings.ToUpper(rest[1])),
			Type:            order.TypeTWAP,
			Quantity:        qty,
			SliceCount:      slices,
			IntervalSeconds: interval,
		}, nil

	default:
		return order.Intent{}, fmt.Errorf("未知子命令 %q", sub)
	}
}

func parseDecimal(raw, field string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s 必须为数字: %q", field, raw)
	}
	return value, nil
}

func normalizeSymbol(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
