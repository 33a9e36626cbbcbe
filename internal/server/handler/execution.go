package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quantfold/arbengine/internal/domain"
)

// PlanService is the execution surface the handler drives.
type PlanService interface {
	Execute(ctx context.Context, opp domain.ArbitrageOpportunity, notional float64, strategy domain.ExecutionStrategy) (domain.ExecutionPlan, error)
	Cancel(planID string) error
	GetPlan(ctx context.Context, planID string) (domain.ExecutionPlan, error)
	ActivePlans() []domain.ExecutionPlan
}

// Sizer recommends a notional for an opportunity when the caller does not
// supply one.
type Sizer interface {
	RecommendNotional(ctx context.Context, opp domain.ArbitrageOpportunity) (float64, error)
}

// Execution serves plan launch, inspection, and cancellation.
type Execution struct {
	book   OpportunityBook
	plans  PlanService
	sizer  Sizer // optional
	logger *slog.Logger
}

// NewExecution creates an Execution handler. sizer may be nil, in which case
// an explicit notional is required on launch.
func NewExecution(book OpportunityBook, plans PlanService, sizer Sizer, logger *slog.Logger) *Execution {
	return &Execution{
		book:   book,
		plans:  plans,
		sizer:  sizer,
		logger: logHandler(logger, "execution"),
	}
}

type launchRequest struct {
	OpportunityID string  `json:"opportunity_id"`
	Notional      float64 `json:"notional,omitempty"`
	Strategy      string  `json:"strategy,omitempty"`
}

// Launch handles POST /api/v1/plans: it resolves the opportunity from the
// live book, sizes it when no notional is given, and launches a plan.
func (h *Execution) Launch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OpportunityID == "" {
		writeError(w, http.StatusBadRequest, "opportunity_id is required")
		return
	}

	opp, ok := h.book.Get(req.OpportunityID)
	if !ok {
		writeError(w, http.StatusNotFound, "opportunity not in the live book")
		return
	}

	notional := req.Notional
	if notional <= 0 {
		if h.sizer == nil {
			writeError(w, http.StatusBadRequest, "notional is required")
			return
		}
		sized, err := h.sizer.RecommendNotional(r.Context(), opp)
		if err != nil {
			if errors.Is(err, domain.ErrRiskRejected) {
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			h.logger.Error("sizing failed", slog.String("opportunity_id", opp.ID), slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "sizing failed")
			return
		}
		notional = sized
	}

	plan, err := h.plans.Execute(r.Context(), opp, notional, domain.ExecutionStrategy(req.Strategy))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrStaleData):
			writeError(w, http.StatusConflict, "opportunity data is stale")
		case errors.Is(err, domain.ErrPlanActive):
			writeError(w, http.StatusConflict, "an active plan already exists for this opportunity or pair")
		case errors.Is(err, domain.ErrInsufficientInventory):
			writeError(w, http.StatusUnprocessableEntity, "insufficient inventory")
		default:
			h.logger.Error("plan launch failed", slog.String("opportunity_id", opp.ID), slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "plan launch failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, plan)
}

// List handles GET /api/v1/plans, serving the live plans.
func (h *Execution) List(w http.ResponseWriter, r *http.Request) {
	plans := h.plans.ActivePlans()
	writeJSON(w, http.StatusOK, map[string]any{
		"plans": plans,
		"count": len(plans),
	})
}

// Get handles GET /api/v1/plans/{id}.
func (h *Execution) Get(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	plan, err := h.plans.GetPlan(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "plan not found")
			return
		}
		h.logger.Error("plan lookup failed", slog.String("id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "plan lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// Cancel handles DELETE /api/v1/plans/{id}. A cancel that lands while a chunk
// is in flight is accepted but deferred to the next chunk boundary, reported
// as 202.
func (h *Execution) Cancel(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	err := h.plans.Cancel(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	case errors.Is(err, domain.ErrMidChunkCancel):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel deferred to chunk boundary"})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "plan not active")
	default:
		h.logger.Error("plan cancel failed", slog.String("id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "plan cancel failed")
	}
}
