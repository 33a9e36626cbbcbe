package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quantfold/arbengine/internal/domain"
	"github.com/quantfold/arbengine/internal/maker"
)

// MakerService is the surface of the market maker the handler exposes.
type MakerService interface {
	Status() []maker.PairStatus
	Start(asset, fiat string) error
	Stop(ctx context.Context, asset, fiat string) error
	Revive(asset, fiat string) error
}

// Maker serves market-maker pair states.
type Maker struct {
	svc    MakerService
	logger *slog.Logger
}

// NewMaker creates a Maker handler.
func NewMaker(svc MakerService, logger *slog.Logger) *Maker {
	return &Maker{svc: svc, logger: logHandler(logger, "maker")}
}

// Status handles GET /api/v1/maker/pairs.
func (h *Maker) Status(w http.ResponseWriter, r *http.Request) {
	pairs := h.svc.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"pairs": pairs,
		"count": len(pairs),
	})
}

// Start handles POST /api/v1/maker/pairs/{asset}/{fiat}/start.
func (h *Maker) Start(w http.ResponseWriter, r *http.Request) {
	asset := pathParam(r, "asset")
	fiat := pathParam(r, "fiat")
	if asset == "" || fiat == "" {
		writeError(w, http.StatusBadRequest, "asset and fiat are required")
		return
	}
	if err := h.svc.Start(asset, fiat); err != nil {
		h.logger.Error("start failed", slog.String("pair", asset+"/"+fiat), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "start failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// Stop handles POST /api/v1/maker/pairs/{asset}/{fiat}/stop: resting quotes
// are withdrawn before the pair is suspended.
func (h *Maker) Stop(w http.ResponseWriter, r *http.Request) {
	asset := pathParam(r, "asset")
	fiat := pathParam(r, "fiat")
	if err := h.svc.Stop(r.Context(), asset, fiat); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pair not configured")
			return
		}
		h.logger.Error("stop failed", slog.String("pair", asset+"/"+fiat), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "stop failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// Revive handles POST /api/v1/maker/pairs/{asset}/{fiat}/revive, clearing
// the unhealthy flag on a parked pair.
func (h *Maker) Revive(w http.ResponseWriter, r *http.Request) {
	asset := pathParam(r, "asset")
	fiat := pathParam(r, "fiat")
	if err := h.svc.Revive(asset, fiat); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pair not configured")
			return
		}
		h.logger.Error("revive failed", slog.String("pair", asset+"/"+fiat), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "revive failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revived"})
}
