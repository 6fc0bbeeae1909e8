package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Type 表示订单类型。
type Type string

const (
	TypeMarket    Type = "MARKET"
	TypeLimit     Type = "LIMIT"
	TypeStopLimit Type = "STOP_LIMIT"
	TypeTWAP      Type = "TWAP"
)

// Status 表示订单生命周期状态。
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusRejected        Status = "REJECTED"
	StatusCancelled       Status = "CANCELLED"
	StatusFailed          Status = "FAILED"
)

// IsTerminal 判断状态是否为终态，终态之后引擎不再推进。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Intent 描述一次交易意图，构造后不可变。
type Intent struct {
	Symbol    string
	Side      Side
	Type      Type
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	StopPrice decimal.Decimal

	// TWAP 专用参数。
	SliceCount      int
	IntervalSeconds int
}

// Interval 返回 TWAP 切片间隔。
func (i Intent) Interval() time.Duration {
	return time.Duration(i.IntervalSeconds) * time.Second
}

// ValidatedIntent 为通过校验的意图，只能由 Validate 产出。
type ValidatedIntent struct {
	Intent
	Filter SymbolFilter
}

// SymbolFilter 描述交易所对某交易对的下单约束。
type SymbolFilter struct {
	StepSize    decimal.Decimal
	MinQuantity decimal.Decimal
	MaxQuantity decimal.Decimal
	MinNotional decimal.Decimal
	TickSize    decimal.Decimal
}

// Attempt 记录对交易所的一次实际提交，写入后不可变。
type Attempt struct {
	Seq       int
	Token     string
	Payload   string
	OrderID   string
	Status    Status
	FilledQty decimal.Decimal
	Err       string
	At        time.Time
}
