package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-voice-booking/internal/compliance"
	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	httpmiddleware "github.com/wolfman30/clinic-voice-booking/internal/http/middleware"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

// mergeableFields are the collected keys an operator or web form may set.
var mergeableFields = map[string]bool{
	dialogue.FieldName:           true,
	dialogue.FieldPatientType:    true,
	dialogue.FieldTimePreference: true,
	dialogue.FieldReason:         true,
}

type callAuditor interface {
	LogCallViewed(ctx context.Context, actor, callID string) error
	LogContextMerged(ctx context.Context, actor, callID string, fields []string) error
	LogCallEnded(ctx context.Context, actor, callID, reason string) error
	QueryEvents(ctx context.Context, filter compliance.AuditFilter) ([]compliance.AuditEvent, error)
}

// AdminCallsHandler exposes live call sessions to operators.
type AdminCallsHandler struct {
	engine  callEngine
	auditor callAuditor
	logger  *logging.Logger
}

func NewAdminCallsHandler(engine callEngine, logger *logging.Logger) *AdminCallsHandler {
	if engine == nil {
		panic("handlers: admin calls handler requires an engine")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminCallsHandler{engine: engine, logger: logger}
}

// WithAuditor records every operator action in the audit trail.
func (h *AdminCallsHandler) WithAuditor(auditor callAuditor) *AdminCallsHandler {
	h.auditor = auditor
	return h
}

func (h *AdminCallsHandler) audit(r *http.Request, callID string, log func(ctx context.Context, actor string) error) {
	if h.auditor == nil {
		return
	}
	actor := ""
	if claims, ok := httpmiddleware.OperatorFromContext(r.Context()); ok {
		actor = claims.Subject
	}
	if err := log(r.Context(), actor); err != nil {
		h.logger.Warn("admin: audit write failed", "error", err, "call_id", callID)
	}
}

// GetCall handles GET /admin/calls/{callID}.
func (h *AdminCallsHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	sess, err := h.engine.Session(r.Context(), callID)
	if errors.Is(err, dialogue.ErrSessionNotFound) {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("admin: load call failed", "error", err, "call_id", callID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.audit(r, callID, func(ctx context.Context, actor string) error {
		return h.auditor.LogCallViewed(ctx, actor, callID)
	})
	writeJSON(w, http.StatusOK, sess)
}

// MergeContext handles POST /admin/calls/{callID}/context with a JSON object of
// collected fields.
func (h *AdminCallsHandler) MergeContext(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	var fields map[string]string
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&fields); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	clean := make(map[string]string, len(fields))
	for k, v := range fields {
		if !mergeableFields[k] {
			http.Error(w, "field not allowed: "+k, http.StatusBadRequest)
			return
		}
		clean[k] = strings.TrimSpace(v)
	}
	sess, err := h.engine.MergeCollected(r.Context(), callID, clean)
	if errors.Is(err, dialogue.ErrSessionNotFound) {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("admin: merge context failed", "error", err, "call_id", callID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	names := make([]string, 0, len(clean))
	for k := range clean {
		names = append(names, k)
	}
	sort.Strings(names)
	h.audit(r, callID, func(ctx context.Context, actor string) error {
		return h.auditor.LogContextMerged(ctx, actor, callID, names)
	})
	h.logger.Info("admin: call context merged", "call_id", callID, "fields", len(clean))
	writeJSON(w, http.StatusOK, sess)
}

// EndCall handles POST /admin/calls/{callID}/end.
func (h *AdminCallsHandler) EndCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if err := h.engine.EndCall(r.Context(), callID, "operator"); err != nil {
		h.logger.Error("admin: end call failed", "error", err, "call_id", callID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.audit(r, callID, func(ctx context.Context, actor string) error {
		return h.auditor.LogCallEnded(ctx, actor, callID, "operator")
	})
	w.WriteHeader(http.StatusNoContent)
}

// AuditTrail handles GET /admin/calls/{callID}/audit.
func (h *AdminCallsHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	if h.auditor == nil {
		http.Error(w, "audit trail disabled", http.StatusNotFound)
		return
	}
	callID := chi.URLParam(r, "callID")
	events, err := h.auditor.QueryEvents(r.Context(), compliance.AuditFilter{CallID: callID, Limit: 200})
	if err != nil {
		h.logger.Error("admin: audit query failed", "error", err, "call_id", callID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []compliance.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
