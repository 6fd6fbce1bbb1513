package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/agent-ledger/internal/auth"
	"github.com/vnmchuo/agent-ledger/internal/billing"
	"github.com/vnmchuo/agent-ledger/internal/instrument"
	"github.com/vnmchuo/agent-ledger/internal/pricing"
	"github.com/vnmchuo/agent-ledger/internal/registry"
	"github.com/vnmchuo/agent-ledger/internal/worker"
)

// defaultWindow is the report period when the query gives no "from".
const defaultWindow = 30 * 24 * time.Hour

// maxBodyBytes caps webhook and ingest bodies.
const maxBodyBytes = 1 << 20

type UsageService interface {
	Record(ctx context.Context, rec billing.UsageRecord) error
	QueryAggregates(ctx context.Context, filter billing.UsageFilter) (billing.UsageAggregates, error)
}

type PurchaseService interface {
	RecordPurchase(ctx context.Context, payload billing.PurchasePayload) (billing.PurchaseRecord, billing.Outcome, error)
	QueryAggregates(ctx context.Context, filter billing.PurchaseFilter) (billing.PurchaseAggregates, error)
}

type Handler struct {
	registry     *registry.Registry
	usage        UsageService
	purchases    PurchaseService
	instrumenter *instrument.Instrumenter
	dispatch     instrument.Sink
	tracer       trace.Tracer
	logger       *zap.Logger
	now          func() time.Time
}

func NewHandler(
	reg *registry.Registry,
	usage UsageService,
	purchases PurchaseService,
	instrumenter *instrument.Instrumenter,
	dispatch instrument.Sink,
	tracer trace.Tracer,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry:     reg,
		usage:        usage,
		purchases:    purchases,
		instrumenter: instrumenter,
		dispatch:     dispatch,
		tracer:       tracer,
		logger:       logger,
		now:          time.Now,
	}
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "agent-ledger"})
}

func (h *Handler) HandleTools(w http.ResponseWriter, r *http.Request) {
	if t := registry.ToolType(r.URL.Query().Get("type")); t != "" {
		if !t.Valid() {
			writeError(w, http.StatusBadRequest, "unknown tool type")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tools": h.registry.ToolsOfType(t)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":     h.registry.Tools(),
		"providers": h.registry.Providers(),
	})
}

// HandlePurchaseWebhook accepts a sale ping, form-encoded or JSON.
func (h *Handler) HandlePurchaseWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ledger.purchase.webhook")
	defer span.End()

	payload, err := readPayload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	span.SetAttributes(
		attribute.String("sale_id", stringField(payload, "sale_id")),
		attribute.String("product_id", stringField(payload, "product_id")),
	)

	rec, outcome, err := h.purchases.RecordPurchase(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "purchase rejected")
		switch {
		case errors.Is(err, billing.ErrUnauthorizedSeller):
			writeError(w, http.StatusForbidden, "unauthorized seller")
		case errors.Is(err, billing.ErrInvalidPayload):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, billing.ErrStorage):
			writeError(w, http.StatusServiceUnavailable, "purchase could not be stored")
		default:
			h.logger.Error("purchase webhook failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	span.SetAttributes(attribute.String("outcome", string(outcome)))
	status := http.StatusCreated
	if outcome == billing.OutcomeDuplicateIgnored {
		status = http.StatusOK
	}
	resp := map[string]any{
		"outcome": outcome,
		"sale_id": rec.SaleID,
	}
	if outcome == billing.OutcomeRecorded && rec.ID != "" {
		resp["id"] = rec.ID
	}
	writeJSON(w, status, resp)
}

func (h *Handler) HandleUsageAggregates(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ledger.usage.aggregates")
	defer span.End()

	from, to, ok := h.period(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := billing.UsageFilter{From: from, To: to, UserID: q.Get("user_id"), ChatID: q.Get("chat_id")}
	span.SetAttributes(
		attribute.String("api_key_id", auth.GetAPIKeyID(ctx)),
		attribute.String("user_id", filter.UserID),
	)

	agg, err := h.usage.QueryAggregates(ctx, filter)
	if err != nil {
		span.RecordError(err)
		h.queryFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"from": from, "to": to, "aggregates": agg})
}

func (h *Handler) HandlePurchaseAggregates(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ledger.purchase.aggregates")
	defer span.End()

	from, to, ok := h.period(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := billing.PurchaseFilter{From: from, To: to, UserID: q.Get("user_id"), ProductID: q.Get("product_id")}
	if v := q.Get("exclude_test"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'exclude_test' (use true or false)")
			return
		}
		filter.ExcludeTest = b
	}
	span.SetAttributes(attribute.String("api_key_id", auth.GetAPIKeyID(ctx)))

	agg, err := h.purchases.QueryAggregates(ctx, filter)
	if err != nil {
		span.RecordError(err)
		h.queryFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"from": from, "to": to, "aggregates": agg})
}

// usageRequest is a call measured by an out-of-process call site.
type usageRequest struct {
	UserID        string            `json:"user_id"`
	ChatID        string            `json:"chat_id"`
	ToolID        string            `json:"tool_id"`
	Purpose       registry.ToolType `json:"purpose"`
	Failed        bool              `json:"failed"`
	FailureReason string            `json:"failure_reason"`
	pricing.Measurements
}

// HandleIngestUsage prices and records one measured call. With ?async=true
// the record goes through the dispatch queue and 202 is returned.
func (h *Handler) HandleIngestUsage(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ledger.usage.ingest")
	defer span.End()

	var req usageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	span.SetAttributes(
		attribute.String("tool_id", req.ToolID),
		attribute.String("purpose", string(req.Purpose)),
	)

	var callErr error
	if req.Failed {
		reason := req.FailureReason
		if reason == "" {
			reason = "call failed"
		}
		callErr = errors.New(reason)
	}

	actor := billing.Actor{UserID: req.UserID, ChatID: req.ChatID}
	rec, err := h.instrumenter.Build(actor, req.ToolID, req.Purpose, req.Measurements, callErr)
	if err != nil {
		if rec.ID == "" {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Unpriced usage is still recorded.
		h.dispatch.Report(err)
		h.logger.Warn("ingested usage recorded without price", zap.String("record_id", rec.ID), zap.Error(err))
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if err := h.dispatch.Submit(rec); err != nil {
			if errors.Is(err, worker.ErrClosed) {
				writeError(w, http.StatusServiceUnavailable, "shutting down")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"id": rec.ID, "unpriced": rec.Unpriced})
		return
	}

	if err := h.usage.Record(ctx, rec); err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, billing.ErrInvalidRecord):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, billing.ErrStorage):
			writeError(w, http.StatusServiceUnavailable, "usage could not be stored")
		default:
			h.logger.Error("usage ingest failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// period parses from/to (RFC3339). Missing "to" means now and missing
// "from" means 30 days before "to".
func (h *Handler) period(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	q := r.URL.Query()
	to := h.now().UTC()
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return time.Time{}, time.Time{}, false
		}
		to = t.UTC()
	}
	from := to.Add(-defaultWindow)
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return time.Time{}, time.Time{}, false
		}
		from = t.UTC()
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "'from' must be before 'to'")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func (h *Handler) queryFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, billing.ErrStorage) {
		writeError(w, http.StatusServiceUnavailable, "records temporarily unavailable")
		return
	}
	h.logger.Error("aggregate query failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// readPayload decodes a JSON object or a form body into a payload. Repeated
// form keys keep their first value.
func readPayload(w http.ResponseWriter, r *http.Request) (billing.PurchasePayload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var payload billing.PurchasePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return nil, err
		}
		if payload == nil {
			return nil, errors.New("empty payload")
		}
		return payload, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	payload := make(billing.PurchasePayload, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			payload[k] = v[0]
		}
	}
	return payload, nil
}

func stringField(p billing.PurchasePayload, key string) string {
	s, _ := p[key].(string)
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
