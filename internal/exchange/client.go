package exchange

import (
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"futures-exec/internal/config"
	"futures-exec/internal/order"
)

// Client 封装 Binance USDⓈ-M 合约下单通道。所有错误经 Classify 归一化，
// 重试策略由上层执行引擎负责，Client 只做单次调用。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Binance USDⓈ-M 客户端，默认指向测试网。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// PlaceOrder 提交一笔订单。token 作为 newClientOrderId 传递，
// 交易所按该标识去重，网络层重复投递不会产生重复订单。
func (c *Client) PlaceOrder(req Request, token string) (Response, error) {
	if err := c.ensureMarketsLoaded(); err != nil {
		return Response{}, err
	}

	side := strings.ToLower(string(req.Side))
	amount := req.Quantity.InexactFloat64()

	params := map[string]interface{}{
		"newClientOrderId": token,
	}
	if req.TimeInForce != "" {
		params["timeInForce"] = req.TimeInForce
	}

	var (
		raw ccxt.Order
		err error
	)

	switch req.Type {
	case order.TypeMarket:
		raw, err = c.exchange.CreateMarketOrder(req.Symbol, side, amount,
			ccxt.WithCreateMarketOrderParams(params))
	case order.TypeLimit:
		raw, err = c.exchange.CreateLimitOrder(req.Symbol, side, amount,
			req.Price.InexactFloat64(),
			ccxt.WithCreateLimitOrderParams(params))
	case order.TypeStopLimit:
		params["stopPrice"] = req.StopPrice.InexactFloat64()
		raw, err = c.exchange.CreateLimitOrder(req.Symbol, side, amount,
			req.Price.InexactFloat64(),
			ccxt.WithCreateLimitOrderParams(params))
	default:
		return Response{}, fmt.Errorf("exchange: 不支持直接提交的订单类型 %s", req.Type)
	}

	if err != nil {
		return Response{}, Classify(err)
	}

	resp := convertOrder(raw, req.Quantity)
	c.logger.Debug("订单提交完成",
		zap.String("symbol", req.Symbol),
		zap.String("side", side),
		zap.String("type", string(req.Type)),
		zap.String("order_id", resp.OrderID),
		zap.String("status", string(resp.Status)),
	)
	return resp, nil
}

// CancelOrder 撤销指定订单。
func (c *Client) CancelOrder(symbol, orderID string) (Response, error) {
	raw, err := c.exchange.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(symbol))
	if err != nil {
		return Response{}, Classify(err)
	}
	return convertOrder(raw, decimal.Zero), nil
}

// FetchOrderStatus 查询订单当前状态，供外部状态轮询使用。
func (c *Client) FetchOrderStatus(symbol, orderID string) (Response, error) {
	raw, err := c.exchange.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(symbol))
	if err != nil {
		return Response{}, Classify(err)
	}
	return convertOrder(raw, decimal.Zero), nil
}

// FetchFilter 从交易所市场元数据读取交易对约束。读取失败或字段缺失时
// 返回传入的兜底约束，保证校验始终有据可依。
func (c *Client) FetchFilter(symbol string, fallback order.SymbolFilter) order.SymbolFilter {
	if err := c.ensureMarketsLoaded(); err != nil {
		c.logger.Warn("加载市场元数据失败，使用配置兜底约束",
			zap.String("symbol", symbol), zap.Error(err))
		return fallback
	}

	market, ok := c.exchange.Market(symbol).(map[string]interface{})
	if !ok {
		return fallback
	}

	filter := fallback
	if limits, ok := market["limits"].(map[string]interface{}); ok {
		if amount, ok := limits["amount"].(map[string]interface{}); ok {
			if v, ok := amount["min"].(float64); ok && v > 0 {
				filter.MinQuantity = decimal.NewFromFloat(v)
			}
			if v, ok := amount["max"].(float64); ok && v > 0 {
				filter.MaxQuantity = decimal.NewFromFloat(v)
			}
		}
		if cost, ok := limits["cost"].(map[string]interface{}); ok {
			if v, ok := cost["min"].(float64); ok && v > 0 {
				filter.MinNotional = decimal.NewFromFloat(v)
			}
		}
	}
	if precision, ok := market["precision"].(map[string]interface{}); ok {
		if v, ok := precision["amount"].(float64); ok && v > 0 {
			filter.StepSize = decimal.NewFromFloat(v)
		}
		if v, ok := precision["price"].(float64); ok && v > 0 {
			filter.TickSize = decimal.NewFromFloat(v)
		}
	}

	return filter
}

func (c *Client) ensureMarketsLoaded() error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	if _, err := c.exchange.LoadMarkets(); err != nil {
		return Classify(err)
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

func convertOrder(raw ccxt.Order, requested decimal.Decimal) Response {
	resp := Response{
		UpdatedAt: time.Now().UTC(),
	}

	if raw.Id != nil {
		resp.OrderID = *raw.Id
	}
	if raw.ClientOrderId != nil {
		resp.ClientOrderID = *raw.ClientOrderId
	}
	if raw.Timestamp != nil {
		resp.UpdatedAt = time.UnixMilli(int64(*raw.Timestamp)).UTC()
	}

	var filled decimal.Decimal
	if raw.Filled != nil {
		filled = decimal.NewFromFloat(*raw.Filled)
	}
	resp.FilledQty = filled

	if raw.Average != nil {
		resp.AvgPrice = decimal.NewFromFloat(*raw.Average)
	}

	amount := requested
	if raw.Amount != nil {
		amount = decimal.NewFromFloat(*raw.Amount)
	}

	status := ""
	if raw.Status != nil {
		status = strings.ToLower(*raw.Status)
	}
	resp.Status = mapStatus(status, filled, amount)

	return resp
}

// mapStatus 将 ccxt 统一状态映射到内部生命周期状态。
func mapStatus(status string, filled, amount decimal.Decimal) order.Status {
	switch status {
	case "canceled":
		return order.StatusCancelled
	case "rejected", "expired":
		return order.StatusRejected
	case "closed":
		if amount.IsPositive() && filled.LessThan(amount) {
			return order.StatusPartiallyFilled
		}
		return order.StatusFilled
	default:
		// open 或状态缺失：有成交即部分成交，否则视为已受理挂单。
		if filled.IsPositive() {
			if amount.IsPositive() && !filled.LessThan(amount) {
				return order.StatusFilled
			}
			return order.StatusPartiallyFilled
		}
		return order.StatusSubmitted
	}
}
