package exchange

import (
	"time"

	"github.com/shopspring/decimal"

	"futures-exec/internal/order"
)

// Request 描述一次下单请求的全部参数。
type Request struct {
	Symbol      string
	Side        order.Side
	Type        order.Type
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	StopPrice   decimal.Decimal
	TimeInForce string
}

// Response 为交易所对下单、撤单、查单的归一化应答。
type Response struct {
	OrderID       string
	ClientOrderID string
	Status        order.Status
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	UpdatedAt     time.Time
}
