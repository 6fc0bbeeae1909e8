package order

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func testFilter() SymbolFilter {
	return SymbolFilter{
		StepSize:    decimal.RequireFromString("0.001"),
		MinQuantity: decimal.RequireFromString("0.001"),
		MaxQuantity: decimal.NewFromInt(1000),
		MinNotional: decimal.NewFromInt(5),
	}
}

func TestValidate_MarketOrder(t *testing.T) {
	intent := Intent{
		Symbol:   "BTCUSDT",
		Side:     SideBuy,
		Type:     TypeMarket,
		Quantity: decimal.RequireFromString("0.001"),
	}

	validated, err := Validate(intent, testFilter())
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if validated.Symbol != "BTCUSDT" {
		t.Errorf("unexpected symbol %q", validated.Symbol)
	}
}

func TestValidate_RuleOrderAndKinds(t *testing.T) {
	base := Intent{
		Symbol:   "BTCUSDT",
		Side:     SideBuy,
		Type:     TypeMarket,
		Quantity: decimal.RequireFromString("0.01"),
	}

	cases := []struct {
		name   string
		mutate func(*Intent)
		kind   ErrorKind
	}{
		{
			name:   "empty symbol",
			mutate: func(i *Intent) { i.Symbol = "" },
			kind:   KindBadSymbol,
		},
		{
			name:   "lowercase symbol",
			mutate: func(i *Intent) { i.Symbol = "btcusdt" },
			kind:   KindBadSymbol,
		},
		{
			name:   "symbol too short",
			mutate: func(i *Intent) { i.Symbol = "BTC" },
			kind:   KindBadSymbol,
		},
		{
			name:   "bad side",
			mutate: func(i *Intent) { i.Side = "HOLD" },
			kind:   KindBadSide,
		},
		{
			name:   "zero quantity",
			mutate: func(i *Intent) { i.Quantity = decimal.Zero },
			kind:   KindBadQuantity,
		},
		{
			name:   "negative quantity",
			mutate: func(i *Intent) { i.Quantity = decimal.RequireFromString("-0.01") },
			kind:   KindBadQuantity,
		},
		{
			name:   "quantity not on step",
			mutate: func(i *Intent) { i.Quantity = decimal.RequireFromString("0.0015") },
			kind:   KindBadQuantity,
		},
		{
			name:   "quantity below minimum",
			mutate: func(i *Intent) { i.Quantity = decimal.RequireFromString("0.0001") },
			kind:   KindBadQuantity,
		},
		{
			name: "quantity above maximum",
			mutate: func(i *Intent) {
				i.Quantity = decimal.NewFromInt(2000)
			},
			kind: KindBadQuantity,
		},
		{
			name: "limit without price",
			mutate: func(i *Intent) {
				i.Type = TypeLimit
			},
			kind: KindMissingPrice,
		},
		{
			name: "stop limit without stop price",
			mutate: func(i *Intent) {
				i.Type = TypeStopLimit
				i.Price = decimal.NewFromInt(42000)
			},
			kind: KindMissingStop,
		},
		{
			name: "twap zero slices",
			mutate: func(i *Intent) {
				i.Type = TypeTWAP
				i.SliceCount = 0
			},
			kind: KindDegenerateSlice,
		},
		{
			name: "twap negative interval",
			mutate: func(i *Intent) {
				i.Type = TypeTWAP
				i.SliceCount = 2
				i.IntervalSeconds = -1
			},
			kind: KindDegenerateSlice,
		},
		{
			name: "twap slice below one step",
			mutate: func(i *Intent) {
				i.Type = TypeTWAP
				i.Quantity = decimal.RequireFromString("0.001")
				i.SliceCount = 5
			},
			kind: KindDegenerateSlice,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			intent := base
			tc.mutate(&intent)

			_, err := Validate(intent, testFilter())
			if err == nil {
				t.Fatalf("expected validation error, got nil")
			}

			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected *ValidationError, got %T: %v", err, err)
			}
			if vErr.Kind != tc.kind {
				t.Errorf("kind mismatch: got %s want %s (%v)", vErr.Kind, tc.kind, vErr)
			}
		})
	}
}

// 止损限价单价格顺序策略：BUY 要求 price >= stopPrice，SELL 相反。
func TestValidate_StopLimitPricePolicy(t *testing.T) {
	base := Intent{
		Symbol:   "BTCUSDT",
		Type:     TypeStopLimit,
		Quantity: decimal.RequireFromString("0.01"),
	}

	buyOK := base
	buyOK.Side = SideBuy
	buyOK.Price = decimal.NewFromInt(41600)
	buyOK.StopPrice = decimal.NewFromInt(41500)
	if _, err := Validate(buyOK, testFilter()); err != nil {
		t.Errorf("BUY price>=stopPrice should pass, got %v", err)
	}

	buyBad := base
	buyBad.Side = SideBuy
	buyBad.Price = decimal.NewFromInt(41500)
	buyBad.StopPrice = decimal.NewFromInt(41600)
	assertKind(t, buyBad, KindBadStopOrder)

	sellOK := base
	sellOK.Side = SideSell
	sellOK.Price = decimal.NewFromInt(41500)
	sellOK.StopPrice = decimal.NewFromInt(41600)
	if _, err := Validate(sellOK, testFilter()); err != nil {
		t.Errorf("SELL price<=stopPrice should pass, got %v", err)
	}

	sellBad := base
	sellBad.Side = SideSell
	sellBad.Price = decimal.NewFromInt(41600)
	sellBad.StopPrice = decimal.NewFromInt(41500)
	assertKind(t, sellBad, KindBadStopOrder)

	equal := base
	equal.Side = SideBuy
	equal.Price = decimal.NewFromInt(41500)
	equal.StopPrice = decimal.NewFromInt(41500)
	if _, err := Validate(equal, testFilter()); err != nil {
		t.Errorf("equal price and stopPrice should pass, got %v", err)
	}
}

func TestValidate_MinNotional(t *testing.T) {
	intent := Intent{
		Symbol:   "BTCUSDT",
		Side:     SideSell,
		Type:     TypeLimit,
		Quantity: decimal.RequireFromString("0.001"),
		Price:    decimal.NewFromInt(100), // 名义价值 0.1 < 5
	}
	assertKind(t, intent, KindBadQuantity)
}

func TestValidate_TwapZeroIntervalAllowed(t *testing.T) {
	intent := Intent{
		Symbol:          "BTCUSDT",
		Side:            SideBuy,
		Type:            TypeTWAP,
		Quantity:        decimal.RequireFromString("0.05"),
		SliceCount:      5,
		IntervalSeconds: 0,
	}
	if _, err := Validate(intent, testFilter()); err != nil {
		t.Fatalf("zero interval TWAP should pass, got %v", err)
	}
}

func assertKind(t *testing.T, intent Intent, kind ErrorKind) {
	t.Helper()
	_, err := Validate(intent, testFilter())
	if err == nil {
		t.Fatalf("expected validation error, got nil")
	}
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	if vErr.Kind != kind {
		t.Errorf("kind mismatch: got %s want %s (%v)", vErr.Kind, kind, vErr)
	}
}
