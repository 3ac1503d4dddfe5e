package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// HistoryHandler serves persisted opportunities, attempts and audit entries.
// Any of the stores may be nil, in which case its endpoints answer 503.
type HistoryHandler struct {
	opps     domain.OpportunityStore
	attempts domain.AttemptStore
	audit    domain.AuditStore
	logger   *slog.Logger
}

func NewHistoryHandler(opps domain.OpportunityStore, attempts domain.AttemptStore, audit domain.AuditStore, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		opps:     opps,
		attempts: attempts,
		audit:    audit,
		logger:   logger.With(slog.String("handler", "history")),
	}
}

type opportunityRecord struct {
	domain.Opportunity
	Outcome    string            `json:"outcome,omitempty"`
	Reason     domain.ReasonCode `json:"reason,omitempty"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

// ListOpportunities returns recently detected opportunities with outcomes.
// GET /api/opportunities?limit=50
func (h *HistoryHandler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	if h.opps == nil {
		writeError(w, http.StatusServiceUnavailable, "opportunity history not configured")
		return
	}
	limit, _ := parsePage(r)
	recs, err := h.opps.ListRecent(r.Context(), limit)
	if err != nil {
		h.fail(r.Context(), w, "list opportunities", err)
		return
	}
	out := make([]opportunityRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, opportunityRecord{
			Opportunity: rec.Opportunity,
			Outcome:     rec.Outcome,
			Reason:      rec.Reason,
			ResolvedAt:  rec.ResolvedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": out})
}

// ListAttempts returns the most recent terminal execution attempts.
// GET /api/attempts?limit=50
func (h *HistoryHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	if h.attempts == nil {
		writeError(w, http.StatusServiceUnavailable, "attempt history not configured")
		return
	}
	limit, _ := parsePage(r)
	attempts, err := h.attempts.ListRecent(r.Context(), limit)
	if err != nil {
		h.fail(r.Context(), w, "list attempts", err)
		return
	}
	if attempts == nil {
		attempts = []domain.ExecutionAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

// GetAttempt returns one attempt with its legs and unwinds.
// GET /api/attempts/{id}
func (h *HistoryHandler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	if h.attempts == nil {
		writeError(w, http.StatusServiceUnavailable, "attempt history not configured")
		return
	}
	id := r.PathValue("id")
	attempt, err := h.attempts.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "attempt not found")
		return
	}
	if err != nil {
		h.fail(r.Context(), w, "get attempt", err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

type auditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListAudit pages through the audit log, newest first.
// GET /api/audit?limit=50&offset=0
func (h *HistoryHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	limit, offset := parsePage(r)
	entries, err := h.audit.List(r.Context(), limit, offset)
	if err != nil {
		h.fail(r.Context(), w, "list audit", err)
		return
	}
	out := make([]auditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntry(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (h *HistoryHandler) fail(ctx context.Context, w http.ResponseWriter, op string, err error) {
	h.logger.ErrorContext(ctx, "handler: "+op+" failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, op+" failed")
}
