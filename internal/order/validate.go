package order

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// ErrorKind 枚举校验失败的类别。
type ErrorKind string

const (
	KindBadSymbol       ErrorKind = "BAD_SYMBOL"
	KindBadSide         ErrorKind = "BAD_SIDE"
	KindBadQuantity     ErrorKind = "BAD_QUANTITY"
	KindMissingPrice    ErrorKind = "MISSING_PRICE"
	KindMissingStop     ErrorKind = "MISSING_STOP"
	KindBadStopOrder    ErrorKind = "BAD_STOP_ORDER"
	KindDegenerateSlice ErrorKind = "DEGENERATE_SLICE"
)

// ValidationError 描述意图校验失败的原因及出错字段。
type ValidationError struct {
	Kind    ErrorKind
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order: 校验失败 [%s] %s: %s", e.Kind, e.Field, e.Message)
}

func invalid(kind ErrorKind, field, format string, args ...interface{}) error {
	return &ValidationError{
		Kind:    kind,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

var symbolPattern = regexp.MustCompile(`^[A-Z]{6,12}$`)

// Validate 按固定顺序校验意图，首个失败即返回。纯函数，不触发任何外部调用。
//
// STOP_LIMIT 价格顺序采用突破单约定：BUY 要求 price >= stopPrice，
// SELL 要求 price <= stopPrice，违反则拒绝而不是静默接受。
func Validate(intent Intent, filter SymbolFilter) (ValidatedIntent, error) {
	if intent.Symbol == "" || !symbolPattern.MatchString(intent.Symbol) {
		return ValidatedIntent{}, invalid(KindBadSymbol, "symbol",
			"交易对格式无效 %q，期望形如 BTCUSDT", intent.Symbol)
	}

	if intent.Side != SideBuy && intent.Side != SideSell {
		return ValidatedIntent{}, invalid(KindBadSide, "side",
			"方向无效 %q，仅支持 BUY/SELL", intent.Side)
	}

	if err := validateQuantity(intent.Quantity, filter); err != nil {
		return ValidatedIntent{}, err
	}

	switch intent.Type {
	case TypeMarket:
		// 市价单无需价格。

	case TypeLimit:
		if !intent.Price.IsPositive() {
			return ValidatedIntent{}, invalid(KindMissingPrice, "price",
				"限价单必须提供正的限价")
		}
		if err := validateNotional(intent.Quantity, intent.Price, filter); err != nil {
			return ValidatedIntent{}, err
		}

	case TypeStopLimit:
		if !intent.Price.IsPositive() {
			return ValidatedIntent{}, invalid(KindMissingPrice, "price",
				"止损限价单必须提供正的限价")
		}
		if !intent.StopPrice.IsPositive() {
			return ValidatedIntent{}, invalid(KindMissingStop, "stop_price",
				"止损限价单必须提供正的触发价")
		}
		if intent.Side == SideBuy && intent.Price.LessThan(intent.StopPrice) {
			return ValidatedIntent{}, invalid(KindBadStopOrder, "stop_price",
				"BUY 止损限价单要求 price >= stopPrice，当前 price=%s stopPrice=%s",
				intent.Price, intent.StopPrice)
		}
		if intent.Side == SideSell && intent.Price.GreaterThan(intent.StopPrice) {
			return ValidatedIntent{}, invalid(KindBadStopOrder, "stop_price",
				"SELL 止损限价单要求 price <= stopPrice，当前 price=%s stopPrice=%s",
				intent.Price, intent.StopPrice)
		}
		if err := validateNotional(intent.Quantity, intent.Price, filter); err != nil {
			return ValidatedIntent{}, err
		}

	case TypeTWAP:
		if intent.SliceCount < 1 {
			return ValidatedIntent{}, invalid(KindDegenerateSlice, "slice_count",
				"切片数量必须大于等于1，当前 %d", intent.SliceCount)
		}
		if intent.IntervalSeconds < 0 {
			return ValidatedIntent{}, invalid(KindDegenerateSlice, "interval_seconds",
				"切片间隔不能为负，当前 %d", intent.IntervalSeconds)
		}
		slices, err := SliceQuantities(intent.Quantity, intent.SliceCount, filter.StepSize)
		if err != nil {
			return ValidatedIntent{}, err
		}
		for _, q := range slices {
			if err := validateQuantity(q, filter); err != nil {
				return ValidatedIntent{}, invalid(KindDegenerateSlice, "quantity",
					"切片数量 %s 不满足交易对约束: %v", q, err)
			}
		}

	default:
		return ValidatedIntent{}, invalid(KindBadSide, "type",
			"订单类型无效 %q", intent.Type)
	}

	return ValidatedIntent{Intent: intent, Filter: filter}, nil
}

func validateQuantity(qty decimal.Decimal, filter SymbolFilter) error {
	if !qty.IsPositive() {
		return invalid(KindBadQuantity, "quantity", "数量必须为正，当前 %s", qty)
	}
	if filter.StepSize.IsPositive() && !qty.Mod(filter.StepSize).IsZero() {
		return invalid(KindBadQuantity, "quantity",
			"数量 %s 无法被步长 %s 精确表示，拒绝静默取整", qty, filter.StepSize)
	}
	if filter.MinQuantity.IsPositive() && qty.LessThan(filter.MinQuantity) {
		return invalid(KindBadQuantity, "quantity",
			"数量 %s 低于最小值 %s", qty, filter.MinQuantity)
	}
	if filter.MaxQuantity.IsPositive() && qty.GreaterThan(filter.MaxQuantity) {
		return invalid(KindBadQuantity, "quantity",
			"数量 %s 超过最大值 %s", qty, filter.MaxQuantity)
	}
	return nil
}

func validateNotional(qty, price decimal.Decimal, filter SymbolFilter) error {
	if !filter.MinNotional.IsPositive() {
		return nil
	}
	if notional := qty.Mul(price); notional.LessThan(filter.MinNotional) {
		return invalid(KindBadQuantity, "quantity",
			"名义价值 %s 低于最小名义价值 %s", notional, filter.MinNotional)
	}
	return nil
}
