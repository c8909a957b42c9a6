package fallback

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/PoYuTsai/VibeSync/internal/provider"
)

const (
	modelA = "claude-sonnet-4-20250514"
	modelB = "claude-3-5-haiku-20241022"
)

var testChain = Chain{modelA, modelB}

type mockProvider struct {
	mu           sync.Mutex
	calls        []string
	completeFunc func(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

func (m *mockProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req.Model)
	m.mu.Unlock()
	return m.completeFunc(ctx, req)
}

func (m *mockProvider) Name() string { return "mock" }

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func statusErr(code int) error {
	return &provider.StatusError{Provider: "mock", StatusCode: code, Body: []byte(`{"error":"x"}`)}
}

func ok(req *provider.Request) (*provider.Response, error) {
	return &provider.Response{Content: "{}", Model: req.Model}, nil
}

func newTestCaller(p provider.Provider, s *recordingSleeper, opts ...Option) *Caller {
	return NewCaller(p, testChain, append([]Option{WithSleep(s.sleep)}, opts...)...)
}

func TestChain_Successor(t *testing.T) {
	if next, ok := testChain.Successor(modelA); !ok || next != modelB {
		t.Errorf("Expected %s after %s, got %q", modelB, modelA, next)
	}
	if _, ok := testChain.Successor(modelB); ok {
		t.Error("Expected no successor for the last model")
	}
	if _, ok := testChain.Successor("unknown"); ok {
		t.Error("Expected no successor for an unknown model")
	}
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{1000, 2000, 4000, 5000, 5000}
	for i, w := range want {
		if got := Backoff(i + 1); got != w*time.Millisecond {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
}

func TestCall_SuccessFirstTry(t *testing.T) {
	p := &mockProvider{completeFunc: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return ok(req)
	}}
	s := &recordingSleeper{}

	res, err := newTestCaller(p, s).Call(context.Background(), &provider.Request{Model: modelA}, Options{})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res.Model != modelA || res.Retries != 0 || res.FallbackUsed {
		t.Errorf("Unexpected result %+v", res)
	}
	if len(s.delays) != 0 {
		t.Errorf("Expected no sleeps, got %v", s.delays)
	}
}

func TestCall_AlwaysServerError(t *testing.T) {
	p := &mockProvider{completeFunc: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return nil, statusErr(http.StatusInternalServerError)
	}}
	s := &recordingSleeper{}

	_, err := newTestCaller(p, s).Call(context.Background(), &provider.Request{Model: modelA}, Options{MaxRetriesPerModel: 2})

	var fe *Error
	if !errors.As(err, &fe) || fe.Code != CodeAllModelsFailed {
		t.Fatalf("Expected ALL_MODELS_FAILED, got %v", err)
	}
	if want := []string{modelA, modelA, modelB, modelB}; !reflect.DeepEqual(p.calls, want) {
		t.Errorf("Expected attempts %v, got %v", want, p.calls)
	}
	// Attempt counter resets per model, so each model waits once at the base delay.
	if want := []time.Duration{time.Second, time.Second}; !reflect.DeepEqual(s.delays, want) {
		t.Errorf("Expected delays %v, got %v", want, s.delays)
	}
	if fe.Retries != 4 {
		t.Errorf("Expected 4 retries counted, got %d", fe.Retries)
	}
	if fe.StatusCode != http.StatusInternalServerError || len(fe.Body) == 0 {
		t.Errorf("Expected last upstream status and body to be kept, got %d %q", fe.StatusCode, fe.Body)
	}
}

func TestCall_BackoffGrowsAndCaps(t *testing.T) {
	p := &mockProvider{completeFunc: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return nil, statusErr(http.StatusServiceUnavailable)
	}}
	s := &recordingSleeper{}

	_, err := NewCaller(p, Chain{modelB}, WithSleep(s.sleep)).
		Call(context.Background(), &provider.Request{Model: modelB}, Options{MaxRetriesPerModel: 5})
	if err == nil {
		t.Fatal("Expected error")
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	if !reflect.DeepEqual(s.delays, want) {
		t.Errorf("Expected delays %v, got %v", want, s.delays)
	}
}

func TestCall_APIErrorAbortsImmediately(t *testing.T) {
	p := &mockProvider{completeFunc: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return nil, statusErr(http.StatusBadRequest)
	}}
	s := &recordingSleeper{}

	_, err := newTestCaller(p, s).Call(context.Background(), &provider.Request{Model: modelA}, Options{})

	var fe *Error
	if !errors.As(err, &fe) || fe.Code != CodeAPIError {
		t.Fatalf("Expected API_ERROR, got %v", err)
	}
	if fe.Retryable {
		t.Error("Expected API_ERROR to be non-retryable")
	}
	if len(p.calls) != 1 {
		t.Errorf("Expected a single attempt, got %v", p.calls)
	}
	if len(s.delays) != 0 {
		t.Errorf("Expected no sleeps, got %v", s.delays)
	}
	if fe.Retries != 1 {
		t.Errorf("Expected 1 retry counted, got %d", fe.Retries)
	}
}

func TestCall_RateLimitedThenFallbackSucceeds(t *testing.T) {
	p := &mockProvider{completeFunc: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		if req.Model == modelA {
			return nil, statusErr(http.StatusTooManyRequests)
		}
		return ok(req)
	}}
	s := &recordingSleeper{}

	res, err := newTestCaller(p, s).Call(context.Background(), &provider.Request{Model: modelA}, Options{})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res.Model != modelB || !res.FallbackUsed || res.Retries != 2 {
		t.Errorf("Unexpected result %+v", res)
	}
	if res.Response.Model != modelB {
		t.Errorf("Expected request to carry the fallback model, got %s", res.Response.Model)
	}
}

func TestCall_RecoversOnRetry(t *testing.T) {
	n := 0
	p := &mockProvider{completeFunc: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		n++
		if n == 1 {
			return nil, errors.New("connection reset")
		}
		return ok(req)
	}}
	s := &recordingSleeper{}

	res, err := newTestCaller(p, s).Call(context.Background(), &provider.Request{Model: modelA}, Options{})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res.Model != modelA || res.FallbackUsed || res.Retries != 1 {
		t.Errorf("Unexpected result %+v", res)
	}
}

func TestCall_Timeout(t *testing.T) {
	p := &mockProvider{completeFunc: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		if req.Model == modelA {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return ok(req)
	}}
	s := &recordingSleeper{}

	res, err := newTestCaller(p, s).Call(context.Background(), &provider.Request{Model: modelA},
		Options{Timeout: 10 * time.Millisecond, MaxRetriesPerModel: 1})
	if err != nil {
		t.Fatalf("Expected timeout to be retryable, got %v", err)
	}
	if res.Model != modelB || res.Retries != 1 {
		t.Errorf("Unexpected result %+v", res)
	}
}

func TestBudget(t *testing.T) {
	if got := Budget(Options{}, len(testChain)); got != 122*time.Second {
		t.Errorf("Expected 122s with defaults, got %v", got)
	}
	if got := Budget(Options{Timeout: time.Second, MaxRetriesPerModel: 3}, 1); got != 6*time.Second {
		t.Errorf("Expected 3s of attempts plus 3s of backoff, got %v", got)
	}
}

func TestBudget_CoversSlowChain(t *testing.T) {
	p := &mockProvider{completeFunc: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := &recordingSleeper{}
	opts := Options{Timeout: 20 * time.Millisecond, MaxRetriesPerModel: 3}

	start := time.Now()
	_, err := newTestCaller(p, s).Call(context.Background(), &provider.Request{Model: modelA}, opts)
	elapsed := time.Since(start)

	var fe *Error
	if !errors.As(err, &fe) || fe.Code != CodeAllModelsFailed {
		t.Fatalf("Expected ALL_MODELS_FAILED, got %v", err)
	}
	if len(p.calls) != 6 {
		t.Fatalf("Expected every attempt to run, got %v", p.calls)
	}

	spent := elapsed
	for _, d := range s.delays {
		spent += d
	}
	// Attempts end at their deadline; allow scheduling slack on top of it.
	if budget := Budget(opts, len(testChain)); spent > budget+time.Second {
		t.Errorf("Call took %v including backoff, budget is %v", spent, budget)
	}
	if want := 2 * (Backoff(1) + Backoff(2)); spent < want {
		t.Errorf("Expected backoff of %v to be counted, got %v", want, spent)
	}
}

func TestCall_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &mockProvider{completeFunc: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		cancel()
		return nil, ctx.Err()
	}}
	s := &recordingSleeper{}

	_, err := newTestCaller(p, s).Call(ctx, &provider.Request{Model: modelA}, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(p.calls) != 1 {
		t.Errorf("Expected no further attempts, got %v", p.calls)
	}
}

func TestCall_UnknownModelHasNoFallback(t *testing.T) {
	p := &mockProvider{completeFunc: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return nil, statusErr(http.StatusBadGateway)
	}}
	s := &recordingSleeper{}

	_, err := newTestCaller(p, s).Call(context.Background(), &provider.Request{Model: "custom"}, Options{})
	var fe *Error
	if !errors.As(err, &fe) || fe.Code != CodeAllModelsFailed {
		t.Fatalf("Expected ALL_MODELS_FAILED, got %v", err)
	}
	if len(p.calls) != 2 {
		t.Errorf("Expected 2 attempts, got %v", p.calls)
	}
}

type mockThrottle struct {
	allowFunc func(model string) bool
}

func (m *mockThrottle) Allow(ctx context.Context, model string, tokens int) (bool, error) {
	return m.allowFunc(model), nil
}

func TestCall_ThrottledModelFallsBackWithoutNetworkCall(t *testing.T) {
	p := &mockProvider{completeFunc: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return ok(req)
	}}
	s := &recordingSleeper{}
	throttle := &mockThrottle{allowFunc: func(model string) bool { return model != modelA }}

	res, err := newTestCaller(p, s, WithThrottle(throttle)).
		Call(context.Background(), &provider.Request{Model: modelA, MaxTokens: 1024}, Options{})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res.Model != modelB || res.Retries != 2 {
		t.Errorf("Unexpected result %+v", res)
	}
	if !reflect.DeepEqual(p.calls, []string{modelB}) {
		t.Errorf("Expected only %s to be called, got %v", modelB, p.calls)
	}
}

func TestCall_OpenBreakerSkipsModel(t *testing.T) {
	failA := true
	p := &mockProvider{completeFunc: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		if req.Model == modelA && failA {
			return nil, statusErr(http.StatusInternalServerError)
		}
		return ok(req)
	}}
	s := &recordingSleeper{}
	c := newTestCaller(p, s, WithBreakers(2, time.Minute))

	// Two consecutive failures on A trip its breaker; B answers.
	if _, err := c.Call(context.Background(), &provider.Request{Model: modelA}, Options{}); err != nil {
		t.Fatalf("First call failed: %v", err)
	}

	p.calls = nil
	res, err := c.Call(context.Background(), &provider.Request{Model: modelA}, Options{})
	if err != nil {
		t.Fatalf("Second call failed: %v", err)
	}
	if !reflect.DeepEqual(p.calls, []string{modelB}) {
		t.Errorf("Expected open breaker to skip %s, got %v", modelA, p.calls)
	}
	if res.Retries != 0 || !res.FallbackUsed {
		t.Errorf("Expected skip without counted retries, got %+v", res)
	}
}

func TestCall_ClientErrorsDoNotTripBreaker(t *testing.T) {
	p := &mockProvider{completeFunc: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return nil, statusErr(http.StatusBadRequest)
	}}
	s := &recordingSleeper{}
	c := newTestCaller(p, s, WithBreakers(1, time.Minute))

	for i := 0; i < 3; i++ {
		_, err := c.Call(context.Background(), &provider.Request{Model: modelA}, Options{})
		var fe *Error
		if !errors.As(err, &fe) || fe.Code != CodeAPIError {
			t.Fatalf("Call %d: expected API_ERROR, got %v", i, err)
		}
	}
	if len(p.calls) != 3 {
		t.Errorf("Expected every call to reach the provider, got %v", p.calls)
	}
}
