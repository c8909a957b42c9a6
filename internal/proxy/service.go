package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PoYuTsai/VibeSync/internal/admission"
	"github.com/PoYuTsai/VibeSync/internal/analysis"
	"github.com/PoYuTsai/VibeSync/internal/auth"
	"github.com/PoYuTsai/VibeSync/internal/billing"
	"github.com/PoYuTsai/VibeSync/internal/fallback"
	"github.com/PoYuTsai/VibeSync/internal/plan"
	"github.com/PoYuTsai/VibeSync/internal/provider"
	"github.com/PoYuTsai/VibeSync/internal/safety"
	"github.com/PoYuTsai/VibeSync/internal/telemetry"
)

var ErrInvalidRequest = errors.New("invalid request")

// UnsafeInputError is a refusal of the conversation itself. The caller has
// to change the request; retrying will not help.
type UnsafeInputError struct {
	Reason string
}

func (e *UnsafeInputError) Error() string {
	return "unsafe input: " + e.Reason
}

type AnalyzeRequest struct {
	Messages       []analysis.Message       `json:"messages"`
	SessionContext *analysis.SessionContext `json:"sessionContext,omitempty"`
	ConversationID string                   `json:"conversationId,omitempty"`
}

func (r *AnalyzeRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must be a non-empty list", ErrInvalidRequest)
	}
	return nil
}

// Ledger is the write side of the usage ledger. *billing.Ledger satisfies it.
type Ledger interface {
	RecordCall(ctx context.Context, entry billing.UsageLog)
	RecordTokenUsage(ctx context.Context, usage billing.TokenUsage)
}

// Caller invokes the upstream model. *fallback.Caller satisfies it.
type Caller interface {
	Call(ctx context.Context, req *provider.Request, opts fallback.Options) (*fallback.Result, error)
}

type Deps struct {
	Admission *admission.Controller
	Router    *Router
	Gate      *safety.Gate
	Caller    Caller
	Ledger    Ledger
	Tracer    trace.Tracer
	Metrics   *telemetry.Metrics
	Logger    zerolog.Logger
}

type Settings struct {
	// SystemPrompt is sent verbatim, followed by the safety rules.
	SystemPrompt string
	MaxTokens    int
	Call         fallback.Options
}

// Service runs one analyze request through admission, model selection,
// input screening, the upstream call, output screening, entitlement
// filtering, quota commit and logging, in that order.
type Service struct {
	deps     Deps
	settings Settings
	system   string
	now      func() time.Time
}

func NewService(deps Deps, settings Settings) *Service {
	system := settings.SystemPrompt
	if rules := deps.Gate.SystemRules(); rules != "" {
		system = strings.TrimRight(system, "\n") + "\n\n" + rules
	}
	return &Service{
		deps:     deps,
		settings: settings,
		system:   strings.TrimSpace(system),
		now:      time.Now,
	}
}

func (s *Service) Analyze(ctx context.Context, tenantID, requestID string, req *AnalyzeRequest) (*analysis.Result, error) {
	start := s.now()
	ctx, span := s.deps.Tracer.Start(ctx, "proxy.analyze")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.Int("messages", len(req.Messages)),
	)

	status := "error"
	defer func() { s.deps.Metrics.Request(status, s.now().Sub(start)) }()

	fail := func(err error) (*analysis.Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := req.Validate(); err != nil {
		status = "invalid"
		return fail(err)
	}

	decision, err := s.deps.Admission.CheckAndReserve(ctx, tenantID)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.String("tier", string(decision.Tier)))
	if !decision.Allowed {
		status = "denied"
		s.deps.Metrics.Admission(string(decision.Tier), string(decision.Reason))
		return fail(&admission.DeniedError{Decision: decision})
	}
	s.deps.Metrics.Admission(string(decision.Tier), "allowed")

	model := s.deps.Router.Select(ContextFor(decision.Tier, req))
	span.SetAttributes(attribute.String("model.requested", model))
	units := safety.CountUnits(req.Messages)

	entry := billing.UsageLog{
		TenantID:    tenantID,
		RequestID:   requestID,
		APIKeyID:    auth.GetAPIKeyID(ctx),
		Model:       model,
		RequestType: billing.RequestTypeAnalyze,
	}

	if verdict := s.deps.Gate.CheckInput(req.Messages); !verdict.Safe {
		status = string(billing.StatusFiltered)
		s.deps.Metrics.Filtered("input")
		entry.Status = billing.StatusFiltered
		entry.ErrorCode = CodeUnsafeInput
		entry.ErrorMessage = verdict.Reason
		entry.LatencyMs = s.now().Sub(start).Milliseconds()
		s.deps.Ledger.RecordCall(ctx, entry)
		return fail(&UnsafeInputError{Reason: verdict.Reason})
	}

	upstream := &provider.Request{
		Model:     model,
		System:    s.system,
		Messages:  []provider.Message{{Role: "user", Content: analysis.BuildPrompt(req.Messages, req.SessionContext)}},
		MaxTokens: s.settings.MaxTokens,
		RequestID: requestID,
	}

	res, err := s.deps.Caller.Call(ctx, upstream, s.settings.Call)
	if err != nil {
		status = string(billing.StatusFailed)
		entry.Status = billing.StatusFailed
		entry.ErrorMessage = err.Error()
		entry.LatencyMs = s.now().Sub(start).Milliseconds()
		entry.RequestBody = requestBody(upstream)
		var fe *fallback.Error
		if errors.As(err, &fe) {
			entry.ErrorCode = string(fe.Code)
			entry.RetryCount = fe.Retries
			entry.ResponseBody = jsonBody(fe.Body)
		}
		s.deps.Ledger.RecordCall(ctx, entry)
		return fail(err)
	}
	span.SetAttributes(
		attribute.String("model.actual", res.Model),
		attribute.Bool("fallback_used", res.FallbackUsed),
		attribute.Int("retries", res.Retries),
		attribute.String("upstream.response_id", res.Response.ID),
		attribute.Int64("upstream.latency_ms", res.Response.LatencyMs),
	)

	result, perr := analysis.ParseResult(res.Response.Content)
	if perr != nil {
		s.deps.Logger.Warn().Err(perr).
			Str("request_id", requestID).
			Str("model", res.Model).
			Str("upstream_id", res.Response.ID).
			Msg("unparsable model output, returning placeholder")
	}

	result, replaced := s.deps.Gate.ScreenOutput(result)
	entry.Status = billing.StatusSuccess
	if replaced {
		entry.Status = billing.StatusFiltered
		s.deps.Metrics.Filtered("output")
	}

	result.FilterByEntitlement(plan.FeaturesFor(decision.Tier))

	remaining, err := s.deps.Admission.Commit(ctx, tenantID, units)
	if err != nil {
		s.deps.Logger.Error().Err(err).Str("tenant_id", tenantID).Int("units", units).Msg("failed to commit usage")
		remaining = estimateRemaining(decision.Remaining, units)
	}

	usage := res.Response.Usage
	entry.Model = res.Model
	entry.InputTokens = usage.InputTokens
	entry.OutputTokens = usage.OutputTokens
	entry.FallbackUsed = res.FallbackUsed
	entry.RetryCount = res.Retries
	entry.LatencyMs = s.now().Sub(start).Milliseconds()
	s.deps.Ledger.RecordCall(ctx, entry)
	s.deps.Ledger.RecordTokenUsage(ctx, billing.TokenUsage{
		TenantID:            tenantID,
		Model:               res.Model,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheCreationTokens: usage.CacheCreationInputTokens,
		CacheReadTokens:     usage.CacheReadInputTokens,
		ConversationID:      req.ConversationID,
	})

	result.Usage = &analysis.Usage{
		MessagesUsed:     units,
		MonthlyRemaining: remaining.Monthly,
		DailyRemaining:   remaining.Daily,
		Model:            res.Model,
		FallbackUsed:     res.FallbackUsed,
		Retries:          res.Retries,
	}
	status = string(entry.Status)
	return result, nil
}

// estimateRemaining derives post-commit quota from the admission snapshot,
// which already assumed one unit.
func estimateRemaining(admitted admission.Remaining, units int) admission.Remaining {
	return admission.Remaining{
		Minute:  max(admitted.Minute, 0),
		Daily:   max(admitted.Daily+1-units, 0),
		Monthly: max(admitted.Monthly+1-units, 0),
	}
}

// requestBody is the upstream request as logged for failed calls. The system
// prompt is left out; it is configuration, not request content.
func requestBody(req *provider.Request) json.RawMessage {
	b, err := json.Marshal(struct {
		Model     string             `json:"model"`
		MaxTokens int                `json:"max_tokens"`
		Messages  []provider.Message `json:"messages"`
	}{req.Model, req.MaxTokens, req.Messages})
	if err != nil {
		return nil
	}
	return b
}

func jsonBody(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return b
	}
	quoted, err := json.Marshal(string(b))
	if err != nil {
		return nil
	}
	return quoted
}
