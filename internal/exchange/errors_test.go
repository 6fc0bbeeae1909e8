package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"

	"futures-exec/internal/order"
)

func TestClassify_CcxtErrorTypes(t *testing.T) {
	cases := []struct {
		errType   ccxt.ErrorType
		retriable bool
	}{
		{ccxt.NetworkErrorErrType, true},
		{ccxt.RequestTimeoutErrType, true},
		{ccxt.ExchangeNotAvailableErrType, true},
		{ccxt.RateLimitExceededErrType, true},
		{ccxt.DDoSProtectionErrType, true},
		{ccxt.InsufficientFundsErrType, false},
		{ccxt.InvalidOrderErrType, false},
		{ccxt.AuthenticationErrorErrType, false},
		{ccxt.BadSymbolErrType, false},
	}

	for _, tc := range cases {
		t.Run(string(tc.errType), func(t *testing.T) {
			classified := Classify(&ccxt.Error{Type: tc.errType, Message: "boom"})
			if got := IsRetryable(classified); got != tc.retriable {
				t.Errorf("IsRetryable: got %v want %v", got, tc.retriable)
			}
			var exErr *Error
			if !errors.As(classified, &exErr) {
				t.Fatalf("classified error must be *Error, got %T", classified)
			}
			if exErr.Code != string(tc.errType) {
				t.Errorf("code: got %q want %q", exErr.Code, tc.errType)
			}
		})
	}
}

func TestClassify_MaintenanceSentinel(t *testing.T) {
	classified := Classify(&ccxt.Error{Type: ccxt.OnMaintenanceErrType, Message: "scheduled"})

	if !errors.Is(classified, ErrMaintenance) {
		t.Errorf("maintenance error must wrap ErrMaintenance, got %v", classified)
	}
	if IsRetryable(classified) {
		t.Errorf("maintenance is not retriable, the attempt must be abandoned")
	}
}

func TestClassify_ContextErrorsPassThrough(t *testing.T) {
	for _, err := range []error{context.Canceled, context.DeadlineExceeded} {
		if got := Classify(err); got != err {
			t.Errorf("context error must pass through unchanged, got %v", got)
		}
	}
	wrapped := fmt.Errorf("request aborted: %w", context.Canceled)
	if got := Classify(wrapped); !errors.Is(got, context.Canceled) {
		t.Errorf("wrapped context error must stay identifiable, got %v", got)
	}
}

func TestClassify_AlreadyClassifiedIdempotent(t *testing.T) {
	original := &Error{Code: "RequestTimeout", Class: ClassRetriable}
	if got := Classify(original); got != error(original) {
		t.Errorf("classified error must not be re-wrapped")
	}
}

type fakeNetError struct{ msg string }

func (e *fakeNetError) Error() string   { return e.msg }
func (e *fakeNetError) Timeout() bool   { return true }
func (e *fakeNetError) Temporary() bool { return true }

func TestClassify_NetErrorRetriable(t *testing.T) {
	classified := Classify(&fakeNetError{msg: "dial tcp: i/o timeout"})

	if !IsRetryable(classified) {
		t.Errorf("transport errors must be retriable")
	}
	var exErr *Error
	if !errors.As(classified, &exErr) || exErr.Code != "NetworkError" {
		t.Errorf("expected NetworkError code, got %v", classified)
	}
}

func TestClassify_UnknownNonRetriable(t *testing.T) {
	classified := Classify(errors.New("something odd"))

	if IsRetryable(classified) {
		t.Errorf("unknown errors default to non-retriable")
	}
	var exErr *Error
	if !errors.As(classified, &exErr) || exErr.Code != "Unknown" {
		t.Errorf("expected Unknown code, got %v", classified)
	}
}

func TestMapStatus(t *testing.T) {
	d := decimal.RequireFromString

	cases := []struct {
		name   string
		status string
		filled string
		amount string
		want   order.Status
	}{
		{"canceled", "canceled", "0", "1", order.StatusCancelled},
		{"rejected", "rejected", "0", "1", order.StatusRejected},
		{"expired", "expired", "0", "1", order.StatusRejected},
		{"closed full", "closed", "1", "1", order.StatusFilled},
		{"closed partial", "closed", "0.4", "1", order.StatusPartiallyFilled},
		{"open no fill", "open", "0", "1", order.StatusSubmitted},
		{"open partial", "open", "0.4", "1", order.StatusPartiallyFilled},
		{"open fully filled", "open", "1", "1", order.StatusFilled},
		{"missing status no fill", "", "0", "1", order.StatusSubmitted},
		{"missing status with fill", "", "0.4", "1", order.StatusPartiallyFilled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapStatus(tc.status, d(tc.filled), d(tc.amount))
			if got != tc.want {
				t.Errorf("mapStatus(%q, %s, %s): got %s want %s",
					tc.status, tc.filled, tc.amount, got, tc.want)
			}
		})
	}
}
