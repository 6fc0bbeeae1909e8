package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-exec/internal/audit"
	"futures-exec/internal/config"
	"futures-exec/internal/exchange"
	"futures-exec/internal/order"
)

func fastConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		TimeInForce: "GTC",
	}
}

func marketIntent(t *testing.T, qty string) order.ValidatedIntent {
	t.Helper()
	validated, err := order.Validate(order.Intent{
		Symbol:   "BTCUSDT",
		Side:     order.SideBuy,
		Type:     order.TypeMarket,
		Quantity: decimal.RequireFromString(qty),
	}, order.SymbolFilter{
		StepSize:    decimal.RequireFromString("0.001"),
		MinQuantity: decimal.RequireFromString("0.001"),
	})
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	return validated
}

type placeCall struct {
	req   exchange.Request
	token string
}

// mockClient 按 token 去重，模拟交易所端的幂等行为。
type mockClient struct {
	mu          sync.Mutex
	placeCalls  []placeCall
	cancelCalls int
	byToken     map[string]exchange.Response
	respond     func(call int, req exchange.Request) (exchange.Response, error)
}

func newMockClient(respond func(call int, req exchange.Request) (exchange.Response, error)) *mockClient {
	return &mockClient{
		byToken: make(map[string]exchange.Response),
		respond: respond,
	}
}

func (m *mockClient) PlaceOrder(req exchange.Request, token string) (exchange.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.placeCalls = append(m.placeCalls, placeCall{req: req, token: token})

	if resp, seen := m.byToken[token]; seen {
		// 同一 token 的重复投递返回首次结果，绝不产生第二笔成交。
		return resp, nil
	}

	resp, err := m.respond(len(m.placeCalls), req)
	if err == nil {
		resp.ClientOrderID = token
		m.byToken[token] = resp
	}
	return resp, err
}

func (m *mockClient) CancelOrder(symbol, orderID string) (exchange.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++
	return exchange.Response{OrderID: orderID, Status: order.StatusCancelled}, nil
}

func (m *mockClient) FetchOrderStatus(symbol, orderID string) (exchange.Response, error) {
	return exchange.Response{OrderID: orderID, Status: order.StatusSubmitted}, nil
}

func (m *mockClient) calls() []placeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]placeCall, len(m.placeCalls))
	copy(out, m.placeCalls)
	return out
}

func retriableErr() error {
	return &exchange.Error{Code: "RequestTimeout", Class: exchange.ClassRetriable}
}

func nonRetriableErr() error {
	return &exchange.Error{Code: "InsufficientFunds", Class: exchange.ClassNonRetriable}
}

type memorySink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *memorySink) Record(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memorySink) byType(eventType audit.EventType) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestSubmit_MarketImmediateFill(t *testing.T) {
	qty := decimal.RequireFromString("0.001")
	client := newMockClient(func(call int, req exchange.Request) (exchange.Response, error) {
		return exchange.Response{
			OrderID:   "1001",
			Status:    order.StatusFilled,
			FilledQty: req.Quantity,
		}, nil
	})
	sink := &memorySink{}
	eng := New(client, sink, fastConfig(), nil)

	st := eng.Submit(context.Background(), marketIntent(t, "0.001"))
	if _, err := st.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	if st.Status() != order.StatusFilled {
		t.Errorf("status: got %s want FILLED", st.Status())
	}
	if !st.FilledQty().Equal(qty) {
		t.Errorf("filled: got %s want %s", st.FilledQty(), qty)
	}
	if attempts := st.Attempts(); len(attempts) != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", len(attempts))
	}
	if events := sink.byType(audit.EventAttempt); len(events) != 1 {
		t.Errorf("expected 1 attempt audit event, got %d", len(events))
	}
}

func TestSubmit_RetryBoundThenFailed(t *testing.T) {
	client := newMockClient(func(call int, req exchange.Request) (exchange.Response, error) {
		return exchange.Response{}, retriableErr()
	})
	eng := New(client, &memorySink{}, fastConfig(), nil)

	st := eng.Submit(context.Background(), marketIntent(t, "0.001"))
	if _, err := st.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	if st.Status() != order.StatusFailed {
		t.Errorf("status: got %s want FAILED", st.Status())
	}
	if calls := client.calls(); len(calls) != 3 {
		t.Errorf("expected exactly maxRetries=3 attempts, got %d", len(calls))
	}
	if reason := st.Reason(); !strings.Contains(reason, "重试") {
		t.Errorf("reason should mention retries, got %q", reason)
	}
}

func TestSubmit_AttemptSeqContiguousAndTokensUnique(t *testing.T) {
	client := newMockClient(func(call int, req exchange.Request) (exchange.Response, error) {
		if call < 3 {
			return exchange.Response{}, retriableErr()
		}
		return exchange.Response{OrderID: "2001", Status: order.StatusFilled, FilledQty: req.Quantity}, nil
	})
	eng := New(client, &memorySink{}, fastConfig(), nil)

	st := eng.Submit(context.Background(), marketIntent(t, "0.001"))
	if _, err := st.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	attempts := st.Attempts()
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	tokens := make(map[string]bool)
	for i, attempt := range attempts {
		if attempt.Seq != i+1 {
			t.Errorf("attempt %d: seq=%d, want %d", i, attempt.Seq, i+1)
		}
		if attempt.Token == "" || tokens[attempt.Token] {
			t.Errorf("attempt %d: token %q not unique", i, attempt.Token)
		}
		tokens[attempt.Token] = true
	}
	if st.Status() != order.StatusFilled {
		t.Errorf("status: got %s want FILLED", st.Status())
	}
}

// 同一 token 的重复投递在交易所端被去重，不会产生两笔成交。
func TestIdempotency_DuplicateTokenSingleFill(t *testing.T) {
	qty := decimal.RequireFromString("0.001")
	client := newMockClient(func(call int, req exchange.Request) (exchange.Response, error) {
		return exchange.Response{OrderID: "3001", Status: order.StatusFilled, FilledQty: req.Quantity}, nil
	})

	req := exchange.Request{
		Symbol:   "BTCUSDT",
		Side:     order.SideBuy,
		Type:     order.TypeMarket,
		Quantity: qty,
	}
	first, err := client.PlaceOrder(req, "tok-1")
	if err != nil {
		t.Fatalf("first PlaceOrder: %v", err)
	}
	second, err := client.PlaceOrder(req, "tok-1")
	if err != nil {
		t.Fatalf("second PlaceOrder: %v", err)
	}

	if first.OrderID != second.OrderID {
		t.Errorf("duplicate delivery produced distinct orders: %s vs %s", first.OrderID, second.OrderID)
	}
	if !first.FilledQty.Equal(second.FilledQty) {
		t.Errorf("duplicate delivery changed fill: %s vs %s", first.FilledQty, second.FilledQty)
	}
}

func TestSubmit_NonRetriableRejectsImmediately(t *testing.T) {
	client := newMockClient(func(call int, req exchange.Request) (exchange.Response, error) {
		return exchange.Response{}, nonRetriableErr()
	})
	eng := New(client, &memorySink{}, fastConfig(), nil)

	st := eng.Submit(context.Background(), marketIntent(t, "0.001"))
	if _, err := st.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	if st.Status() != order.StatusRejected {
		t.Errorf("status: got %s want REJECTED", st.Status())
	}
	if calls := client.calls(); len(calls) != 1 {
		t.Errorf("non-retriable error must not be retried, got %d attempts", len(calls))
	}
	if st.Reason() == "" {
		t.Errorf("terminal non-success status must carry a reason")
	}
}

func TestCancel_PendingStateNoExchangeCall(t *testing.T) {
	client := newMockClient(func(call int, req exchange.Request) (exchange.Response, error) {
		t.Errorf("exchange must not be called for a cancelled pending state")
		return exchange.Response{}, nil
	})
	eng := New(client, &memorySink{}, fastConfig(), nil)

	st := eng.NewState(marketIntent(t, "0.001"))
	if err := eng.Cancel(context.Background(), st); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	if st.Status() != order.StatusCancelled {
		t.Errorf("status: got %s want CANCELLED", st.Status())
	}
	if len(client.calls()) != 0 {
		t.Errorf("expected no exchange calls")
	}

	// 已撤销的状态不会被再次派发。
	eng.Dispatch(context.Background(), st)
	time.Sleep(10 * time.Millisecond)
	if len(client.calls()) != 0 {
		t.Errorf("dispatch after cancel must not reach the exchange")
	}
}

func TestCancel_SubmittedOrderConfirmed(t *testing.T) {
	client := newMockClient(func(call int, req exchange.Request) (exchange.Response, error) {
		return exchange.Response{OrderID: "4001", Status: order.StatusSubmitted}, nil
	})
	eng := New(client, &memorySink{}, fastConfig(), nil)

	validated, err := order.Validate(order.Intent{
		Symbol:   "BTCUSDT",
		Side:     order.SideSell,
		Type:     order.TypeLimit,
		Quantity: decimal.RequireFromString("0.01"),
		Price:    decimal.NewFromInt(42000),
	}, order.SymbolFilter{StepSize: decimal.RequireFromString("0.001")})
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}

	st := eng.Submit(context.Background(), validated)
	<-st.Settled()
	if st.Status() != order.StatusSubmitted {
		t.Fatalf("status: got %s want SUBMITTED", st.Status())
	}

	if err := eng.Cancel(context.Background(), st); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if st.Status() != order.StatusCancelled {
		t.Errorf("status: got %s want CANCELLED", st.Status())
	}
	client.mu.Lock()
	cancels := client.cancelCalls
	client.mu.Unlock()
	if cancels != 1 {
		t.Errorf("expected exactly 1 exchange cancel call, got %d", cancels)
	}
}

func TestCancel_TerminalStateRejected(t *testing.T) {
	client := newMockClient(func(call int, req exchange.Request) (exchange.Response, error) {
		return exchange.Response{OrderID: "5001", Status: order.StatusFilled, FilledQty: req.Quantity}, nil
	})
	eng := New(client, &memorySink{}, fastConfig(), nil)

	st := eng.Submit(context.Background(), marketIntent(t, "0.001"))
	if _, err := st.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	err := eng.Cancel(context.Background(), st)
	if err == nil {
		t.Fatalf("cancelling a FILLED order must fail")
	}
	if st.Status() != order.StatusFilled {
		t.Errorf("state must stay FILLED, got %s", st.Status())
	}
}

func TestApplyUpdate_PartialThenFilled(t *testing.T) {
	half := decimal.RequireFromString("0.005")
	full := decimal.RequireFromString("0.01")

	client := newMockClient(func(call int, req exchange.Request) (exchange.Response, error) {
		return exchange.Response{OrderID: "6001", Status: order.StatusPartiallyFilled, FilledQty: half}, nil
	})
	sink := &memorySink{}
	eng := New(client, sink, fastConfig(), nil)

	st := eng.Submit(context.Background(), marketIntent(t, "0.01"))
	<-st.Settled()

	if st.Status() != order.StatusPartiallyFilled {
		t.Fatalf("status: got %s want PARTIALLY_FILLED", st.Status())
	}
	if !st.FilledQty().Equal(half) {
		t.Errorf("filled: got %s want %s", st.FilledQty(), half)
	}

	// 后续成交确认由外部状态源推送。
	eng.ApplyUpdate(context.Background(), st, exchange.Response{
		OrderID:   "6001",
		Status:    order.StatusFilled,
		FilledQty: full,
	})

	if st.Status() != order.StatusFilled {
		t.Errorf("status after update: got %s want FILLED", st.Status())
	}
	if !st.FilledQty().Equal(full) {
		t.Errorf("filled after update: got %s want %s", st.FilledQty(), full)
	}
}

func TestSubmit_AuditTransitionsRecorded(t *testing.T) {
	client := newMockClient(func(call int, req exchange.Request) (exchange.Response, error) {
		return exchange.Response{}, nonRetriableErr()
	})
	sink := &memorySink{}
	eng := New(client, sink, fastConfig(), nil)

	st := eng.Submit(context.Background(), marketIntent(t, "0.001"))
	if _, err := st.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	transitions := sink.byType(audit.EventTransition)
	if len(transitions) == 0 {
		t.Fatalf("expected transition audit events")
	}
	last := transitions[len(transitions)-1]
	if last.NewStatus != order.StatusRejected {
		t.Errorf("last transition: got %s want REJECTED", last.NewStatus)
	}
	if last.IntentID != st.ID() {
		t.Errorf("transition intent id mismatch")
	}
}

// 审计写入失败被吞掉，不影响订单结果。
func TestAuditFailureDoesNotAffectOrder(t *testing.T) {
	client := newMockClient(func(call int, req exchange.Request) (exchange.Response, error) {
		return exchange.Response{OrderID: "7001", Status: order.StatusFilled, FilledQty: req.Quantity}, nil
	})
	eng := New(client, failingSink{}, fastConfig(), nil)

	st := eng.Submit(context.Background(), marketIntent(t, "0.001"))
	if _, err := st.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if st.Status() != order.StatusFilled {
		t.Errorf("status: got %s want FILLED", st.Status())
	}
}

type failingSink struct{}

func (failingSink) Record(context.Context, audit.Event) error {
	return errors.New("sink unavailable")
}
