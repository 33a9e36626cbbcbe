package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quantfold/arbengine/internal/domain"
)

// OpportunityBook is the live, versioned view served by the analyzer.
type OpportunityBook interface {
	List(filter domain.OpportunityFilter, opts domain.ListOpts) []domain.ArbitrageOpportunity
	Get(id string) (domain.ArbitrageOpportunity, bool)
}

// Opportunity serves the live opportunity book and the persisted history.
type Opportunity struct {
	book    OpportunityBook
	history domain.OpportunityStore // optional
	logger  *slog.Logger
}

// NewOpportunity creates an Opportunity handler. history may be nil when no
// store is wired.
func NewOpportunity(book OpportunityBook, history domain.OpportunityStore, logger *slog.Logger) *Opportunity {
	return &Opportunity{
		book:    book,
		history: history,
		logger:  logHandler(logger, "opportunity"),
	}
}

// historyGetter is the optional direct-lookup extension some stores provide.
type historyGetter interface {
	GetByID(ctx context.Context, id string) (domain.ArbitrageOpportunity, error)
}

func opportunityFilter(r *http.Request) domain.OpportunityFilter {
	q := r.URL.Query()
	return domain.OpportunityFilter{
		Kind:   domain.OpportunityKind(q.Get("kind")),
		Status: domain.OpportunityStatus(q.Get("status")),
		Asset:  q.Get("asset"),
	}
}

// List handles GET /api/v1/opportunities, serving the live book.
func (h *Opportunity) List(w http.ResponseWriter, r *http.Request) {
	opps := h.book.List(opportunityFilter(r), parseListOpts(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"opportunities": opps,
		"count":         len(opps),
	})
}

// Get handles GET /api/v1/opportunities/{id}. The live book is consulted
// first, then the persisted history.
func (h *Opportunity) Get(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if opp, ok := h.book.Get(id); ok {
		writeJSON(w, http.StatusOK, opp)
		return
	}
	if getter, ok := h.history.(historyGetter); ok {
		opp, err := getter.GetByID(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, opp)
			return
		}
		if !errors.Is(err, domain.ErrNotFound) {
			h.logger.Error("history lookup failed", slog.String("id", id), slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "history lookup failed")
			return
		}
	}
	writeError(w, http.StatusNotFound, "opportunity not found")
}

// History handles GET /api/v1/opportunities/history, serving the persisted
// record.
func (h *Opportunity) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "opportunity history is not configured")
		return
	}
	opps, err := h.history.List(r.Context(), opportunityFilter(r), parseListOpts(r))
	if err != nil {
		h.logger.Error("history list failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "history list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"opportunities": opps,
		"count":         len(opps),
	})
}
