package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/app"
	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
	"github.com/savannahwave/isp-platform/internal/reconciler_service/gateways"
)

const MaxRequestBodySize = 1 << 20 // 1 MB

// CallbackProcessor is the interface the handler needs from the settlement
// service. Defined here so tests can mock it.
type CallbackProcessor interface {
	ProcessKopoKopo(ctx context.Context, rawBody []byte, signature string) (*domain.SettlementOutcome, error)
	ProcessMpesaSTK(ctx context.Context, rawBody []byte, shortcode, token string) (*domain.SettlementOutcome, error)
	ProcessMpesaC2B(ctx context.Context, rawBody []byte, token string) (*domain.SettlementOutcome, error)
	ValidateMpesaC2B(ctx context.Context, rawBody []byte) (*app.C2BValidationResult, error)
	ListFailedSettlements(ctx context.Context, limit int) ([]domain.RawTransactionRecord, error)
}

// CallbackHandler exposes the inbound gateway webhook endpoints.
type CallbackHandler struct {
	processor CallbackProcessor
	logger    *slog.Logger
}

func NewCallbackHandler(processor CallbackProcessor, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{
		processor: processor,
		logger:    logger.With("component", "callback_handler"),
	}
}

// RegisterRoutes mounts the callback endpoints on the router.
func (h *CallbackHandler) RegisterRoutes(r chi.Router) {
	r.Post("/callbacks/mpesa/stk", h.HandleMpesaSTK)
	r.Post("/callbacks/mpesa/c2b/validation", h.HandleMpesaC2BValidation)
	r.Post("/callbacks/mpesa/c2b/confirmation", h.HandleMpesaC2BConfirmation)
	r.Post("/callbacks/kopokopo", h.HandleKopoKopo)
	r.Get("/admin/settlements/failed", h.HandleListFailedSettlements)
}

const defaultFailedSettlementsLimit = 50

// HandleListFailedSettlements serves the operator reconciliation queue:
// ledger rows whose downstream credit failed after a successful write.
func (h *CallbackHandler) HandleListFailedSettlements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(ctx, "failed_settlements")

	limit := defaultFailedSettlementsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeJSON(w, http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	records, err := h.processor.ListFailedSettlements(ctx, limit)
	if err != nil {
		h.writeError(ctx, w, logger, err)
		return
	}
	if records == nil {
		records = []domain.RawTransactionRecord{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"records": records,
	})
	logger.InfoContext(ctx, "failed settlements listed", "count", len(records))
}

func (h *CallbackHandler) HandleKopoKopo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(ctx, "kopokopo")

	rawBody, ok := h.readBody(w, r, logger)
	if !ok {
		return
	}

	signature := r.Header.Get(gateways.SignatureHeader)
	outcome, err := h.processor.ProcessKopoKopo(ctx, rawBody, signature)
	h.respond(ctx, w, logger, outcome, err)
}

func (h *CallbackHandler) HandleMpesaSTK(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(ctx, "mpesa_stk")

	rawBody, ok := h.readBody(w, r, logger)
	if !ok {
		return
	}

	shortcode := r.URL.Query().Get("shortcode")
	token := r.URL.Query().Get("token")
	outcome, err := h.processor.ProcessMpesaSTK(ctx, rawBody, shortcode, token)
	h.respond(ctx, w, logger, outcome, err)
}

func (h *CallbackHandler) HandleMpesaC2BConfirmation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(ctx, "mpesa_c2b_confirmation")

	rawBody, ok := h.readBody(w, r, logger)
	if !ok {
		return
	}

	token := r.URL.Query().Get("token")
	outcome, err := h.processor.ProcessMpesaC2B(ctx, rawBody, token)
	h.respond(ctx, w, logger, outcome, err)
}

// HandleMpesaC2BValidation answers synchronously whether to accept the
// pending payment. Safaricom expects a 200 with a ResultCode body either way.
func (h *CallbackHandler) HandleMpesaC2BValidation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(ctx, "mpesa_c2b_validation")

	rawBody, ok := h.readBody(w, r, logger)
	if !ok {
		return
	}

	result, err := h.processor.ValidateMpesaC2B(ctx, rawBody)
	if err != nil {
		h.writeError(ctx, w, logger, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
	logger.InfoContext(ctx, "C2B validation answered", "result_code", result.ResultCode, "result_desc", result.ResultDesc)
}

func (h *CallbackHandler) readBody(w http.ResponseWriter, r *http.Request, logger *slog.Logger) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to read callback request body", "error", err)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("request body too large"))
		} else {
			h.writeJSON(w, http.StatusBadRequest, errorBody("error reading request body"))
		}
		return nil, false
	}
	logger.InfoContext(r.Context(), "received gateway callback",
		"remote_addr", r.RemoteAddr, "payload_size", len(rawBody))
	return rawBody, true
}

func (h *CallbackHandler) respond(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, outcome *domain.SettlementOutcome, err error) {
	if err != nil {
		h.writeError(ctx, w, logger, err)
		return
	}
	// Accepted processing always answers 200 {success: true}: duplicates,
	// unmatched references and post-ledger settlement failures included, so
	// the gateway does not keep retrying deliveries we already recorded.
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"outcome": outcome,
	})
	logger.InfoContext(ctx, "callback processed",
		"ledger_id", outcome.LedgerID, "target", outcome.Target,
		"status", outcome.Status, "duplicate", outcome.Duplicate)
}

func (h *CallbackHandler) writeError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, err error) {
	var status int
	switch {
	case errors.Is(err, domain.ErrAuthenticityRejected):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrMalformedPayload):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownRoutingIdentifier):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrPersistenceFailure):
		status = http.StatusInternalServerError
	default:
		status = http.StatusInternalServerError
	}
	logger.WarnContext(ctx, "callback rejected", "status", status, "error", err)
	h.writeJSON(w, status, errorBody(http.StatusText(status)))
}

func (h *CallbackHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to write callback response", "error", err)
	}
}

func (h *CallbackHandler) requestLogger(ctx context.Context, endpoint string) *slog.Logger {
	return h.logger.With("request_id", chi_middleware.GetReqID(ctx), "endpoint", endpoint)
}

func errorBody(message string) map[string]interface{} {
	return map[string]interface{}{"success": false, "error": message}
}
