package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PoYuTsai/VibeSync/internal/admission"
	"github.com/PoYuTsai/VibeSync/internal/auth"
	"github.com/PoYuTsai/VibeSync/internal/billing"
	"github.com/PoYuTsai/VibeSync/internal/fallback"
)

// Stable error codes returned in the "code" field.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnsafeInput    = "UNSAFE_INPUT"
	CodeNotProvisioned = "NOT_PROVISIONED"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeInternal       = "INTERNAL_ERROR"
)

const maxRequestBodyBytes = 1 << 20

type Handler struct {
	service *Service
	billing billing.Store
	logger  zerolog.Logger
}

func NewHandler(service *Service, billing billing.Store, logger zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		billing: billing,
		logger:  logger.With().Str("component", "proxy").Logger(),
	}
}

type errorBody struct {
	Error             string               `json:"error"`
	Code              string               `json:"code"`
	Reason            string               `json:"reason,omitempty"`
	RetryAfterSeconds int                  `json:"retryAfterSeconds,omitempty"`
	Remaining         *admission.Remaining `json:"remaining,omitempty"`
	Tier              string               `json:"tier,omitempty"`
	Retryable         *bool                `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: CodeUnauthorized})
		return
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req AnalyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body", Code: CodeInvalidRequest})
		return
	}

	result, err := h.service.Analyze(ctx, tenantID, requestID, &req)
	if err != nil {
		h.writeError(w, tenantID, requestID, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) writeError(w http.ResponseWriter, tenantID, requestID string, err error) {
	var denied *admission.DeniedError
	var unsafe *UnsafeInputError
	var upstream *fallback.Error

	switch {
	case errors.Is(err, ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: CodeInvalidRequest})

	case errors.As(err, &unsafe):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: unsafe.Reason, Code: CodeUnsafeInput})

	case errors.As(err, &denied):
		d := denied.Decision
		if d.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
		}
		remaining := d.Remaining
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:             deniedMessage(d.Reason),
			Code:              d.Reason.Code(),
			Reason:            string(d.Reason),
			RetryAfterSeconds: d.RetryAfterSeconds,
			Remaining:         &remaining,
			Tier:              string(d.Tier),
		})

	case errors.Is(err, admission.ErrNotProvisioned):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "no subscription found", Code: CodeNotProvisioned})

	case errors.As(err, &upstream):
		retryable := false
		writeJSON(w, http.StatusBadGateway, errorBody{
			Error:     "AI service temporarily unavailable, please try again later",
			Code:      string(upstream.Code),
			Retryable: &retryable,
		})

	default:
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Str("request_id", requestID).Msg("analyze failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error", Code: CodeInternal})
	}
}

func deniedMessage(reason admission.Reason) string {
	switch reason {
	case admission.ReasonMinuteLimit:
		return "too many requests this minute"
	case admission.ReasonDailyLimit:
		return "daily limit exceeded"
	case admission.ReasonMonthlyLimit:
		return "monthly limit exceeded"
	}
	return "rate limited"
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: CodeUnauthorized})
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // default: last 30 days
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid 'from' date format (use RFC3339)", Code: CodeInvalidRequest})
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid 'to' date format (use RFC3339)", Code: CodeInvalidRequest})
			return
		}
		to = t
	}

	logs, err := h.billing.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to load usage")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error", Code: CodeInternal})
		return
	}

	totalCost, err := h.billing.GetTotalCostByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to load total cost")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error", Code: CodeInternal})
		return
	}

	if logs == nil {
		logs = []*billing.UsageLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":      tenantID,
		"total_requests": len(logs),
		"total_cost_usd": totalCost,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}
