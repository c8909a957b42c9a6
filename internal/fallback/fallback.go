// Package fallback calls the upstream model with per-attempt timeouts,
// exponential backoff and degradation along an ordered chain of models.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/PoYuTsai/VibeSync/internal/provider"
	"github.com/PoYuTsai/VibeSync/internal/telemetry"
)

type Code string

const (
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeServerError     Code = "SERVER_ERROR"
	CodeAPIError        Code = "API_ERROR"
	CodeAllModelsFailed Code = "ALL_MODELS_FAILED"
	CodeTimeout         Code = "TIMEOUT"
	CodeNetwork         Code = "NETWORK_ERROR"
	CodeCircuitOpen     Code = "CIRCUIT_OPEN"
)

const (
	DefaultTimeout            = 30 * time.Second
	DefaultMaxRetriesPerModel = 2

	baseDelay = 1000 * time.Millisecond
	maxDelay  = 5000 * time.Millisecond
)

// Error describes why the caller gave up. Retries and the last upstream
// status and body are kept so the failure can be logged in full.
type Error struct {
	Code       Code
	Model      string
	Retryable  bool
	StatusCode int
	Body       []byte
	Retries    int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Code, e.Model, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Code, e.Model)
}

func (e *Error) Unwrap() error { return e.Err }

// Chain is the degradation order, most capable model first.
type Chain []string

// Successor returns the model after m, if any.
func (c Chain) Successor(m string) (string, bool) {
	for i, name := range c {
		if name == m && i+1 < len(c) {
			return c[i+1], true
		}
	}
	return "", false
}

type Options struct {
	Timeout            time.Duration
	MaxRetriesPerModel int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRetriesPerModel <= 0 {
		o.MaxRetriesPerModel = DefaultMaxRetriesPerModel
	}
	return o
}

type Result struct {
	Response     *provider.Response
	Model        string
	Retries      int
	FallbackUsed bool
}

// Throttle gates upstream spend per model. *ratelimit.Limiter satisfies it.
type Throttle interface {
	Allow(ctx context.Context, model string, tokens int) (bool, error)
}

type Caller struct {
	provider provider.Provider
	chain    Chain
	breakers map[string]*gobreaker.CircuitBreaker
	throttle Throttle
	sleep    func(ctx context.Context, d time.Duration) error
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

type Option func(*Caller)

// WithBreakers opens a model's breaker after failures consecutive retryable
// failures. While open, the model is skipped in favour of its successor.
func WithBreakers(failures int, openFor time.Duration) Option {
	return func(c *Caller) {
		if failures <= 0 {
			return
		}
		c.breakers = make(map[string]*gobreaker.CircuitBreaker, len(c.chain))
		for _, model := range c.chain {
			c.breakers[model] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        model,
				MaxRequests: 1,
				Timeout:     openFor,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= uint32(failures)
				},
				// Client errors say nothing about the model's health.
				IsSuccessful: func(err error) bool {
					var fe *Error
					if errors.As(err, &fe) {
						return !fe.Retryable
					}
					return err == nil || errors.Is(err, context.Canceled)
				},
			})
		}
	}
}

func WithThrottle(t Throttle) Option {
	return func(c *Caller) { c.throttle = t }
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Caller) { c.sleep = sleep }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Caller) { c.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Caller) { c.logger = l }
}

func NewCaller(p provider.Provider, chain Chain, opts ...Option) *Caller {
	c := &Caller{
		provider: p,
		chain:    chain,
		sleep:    sleepContext,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backoff is the wait before retry number attempt+1 of the same model.
func Backoff(attempt int) time.Duration {
	d := baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// Budget is the longest Call can take on a chain of the given length when
// every attempt runs into its timeout.
func Budget(opts Options, models int) time.Duration {
	opts = opts.withDefaults()
	perModel := time.Duration(opts.MaxRetriesPerModel) * opts.Timeout
	for attempt := 1; attempt < opts.MaxRetriesPerModel; attempt++ {
		perModel += Backoff(attempt)
	}
	return time.Duration(models) * perModel
}

// Call sends req, starting at req.Model, until a model answers, a
// non-retryable error occurs or the chain is exhausted.
func (c *Caller) Call(ctx context.Context, req *provider.Request, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	requested := req.Model
	model := requested
	retries := 0
	var last *Error

	for {
		for attempt := 1; attempt <= opts.MaxRetriesPerModel; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			resp, err := c.attempt(ctx, model, req, opts.Timeout)
			if err == nil {
				c.metrics.UpstreamAttempt(model, "ok")
				return &Result{
					Response:     resp,
					Model:        model,
					Retries:      retries,
					FallbackUsed: model != requested,
				}, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			last = classify(model, err)
			if last.Code == CodeCircuitOpen {
				c.logger.Warn().Str("model", model).Msg("circuit open, skipping model")
				break
			}

			retries++
			c.metrics.UpstreamAttempt(model, string(last.Code))
			c.logger.Warn().
				Err(last.Err).
				Str("model", model).
				Int("attempt", attempt).
				Str("code", string(last.Code)).
				Msg("upstream attempt failed")

			if !last.Retryable {
				last.Retries = retries
				return nil, last
			}
			if attempt == opts.MaxRetriesPerModel {
				break
			}
			if err := c.sleep(ctx, Backoff(attempt)); err != nil {
				return nil, err
			}
		}

		next, ok := c.chain.Successor(model)
		if !ok {
			out := &Error{Code: CodeAllModelsFailed, Model: model, Retries: retries}
			if last != nil {
				out.StatusCode = last.StatusCode
				out.Body = last.Body
				out.Err = last
			}
			return nil, out
		}
		c.logger.Info().Str("from", model).Str("to", next).Msg("falling back to next model")
		c.metrics.Fallback(model, next)
		model = next
	}
}

func (c *Caller) attempt(ctx context.Context, model string, req *provider.Request, timeout time.Duration) (*provider.Response, error) {
	if c.throttle != nil {
		allowed, err := c.throttle.Allow(ctx, model, req.MaxTokens)
		if err != nil {
			c.logger.Warn().Err(err).Str("model", model).Msg("upstream throttle unavailable")
		} else if !allowed {
			return nil, &Error{Code: CodeRateLimited, Model: model, Retryable: true, StatusCode: http.StatusTooManyRequests}
		}
	}

	call := func() (*provider.Response, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		r := *req
		r.Model = model
		resp, err := c.provider.Complete(attemptCtx, &r)
		if err != nil {
			if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return nil, &Error{Code: CodeTimeout, Model: model, Retryable: true, Err: err}
			}
			return nil, classify(model, err)
		}
		return resp, nil
	}

	cb, ok := c.breakers[model]
	if !ok {
		return call()
	}
	out, err := cb.Execute(func() (interface{}, error) {
		return call()
	})
	if err != nil {
		return nil, err
	}
	return out.(*provider.Response), nil
}

func classify(model string, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Code: CodeCircuitOpen, Model: model, Retryable: true, Err: err}
	}

	var se *provider.StatusError
	if errors.As(err, &se) {
		out := &Error{Model: model, StatusCode: se.StatusCode, Body: se.Body, Err: err}
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			out.Code, out.Retryable = CodeRateLimited, true
		case se.StatusCode >= 500:
			out.Code, out.Retryable = CodeServerError, true
		default:
			out.Code, out.Retryable = CodeAPIError, false
		}
		return out
	}

	return &Error{Code: CodeNetwork, Model: model, Retryable: true, Err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
