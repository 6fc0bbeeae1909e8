package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

// Class 表示错误的重试类别，引擎据此决定是否重试。
type Class int

const (
	// ClassRetriable 为瞬态错误：网络超时、限频、交易所暂不可用。
	ClassRetriable Class = iota
	// ClassNonRetriable 为永久错误：参数非法、保证金不足、权限拒绝。
	ClassNonRetriable
)

var (
	// ErrMaintenance 表示交易所处于维护状态，上层应放弃本次提交。
	ErrMaintenance = errors.New("exchange on maintenance")
)

// Error 为归一化的交易所错误，携带机器可读的错误码与重试类别。
type Error struct {
	Code  string
	Class Class
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("exchange: [%s] %v", e.Code, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Classify 将底层错误归一化为 *Error。上下文取消与超时保持原样返回。
func Classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var already *Error
	if errors.As(err, &already) {
		return err
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return &Error{Code: string(ccxtErr.Type), Class: ClassRetriable, cause: err}
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message)
		default:
			return &Error{Code: string(ccxtErr.Type), Class: ClassNonRetriable, cause: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Code: "NetworkError", Class: ClassRetriable, cause: err}
	}

	return &Error{Code: "Unknown", Class: ClassNonRetriable, cause: err}
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	var exErr *Error
	if errors.As(err, &exErr) {
		return exErr.Class == ClassRetriable
	}
	return false
}
