package handler

import (
	"log/slog"
	"net/http"

	"github.com/quantfold/arbengine/internal/domain"
)

// LedgerView is the read surface of the inventory ledger.
type LedgerView interface {
	Snapshot() []domain.InventoryPosition
	Position(asset string) domain.InventoryPosition
}

// Inventory serves ledger balances.
type Inventory struct {
	ledger LedgerView
	logger *slog.Logger
}

// NewInventory creates an Inventory handler.
func NewInventory(ledger LedgerView, logger *slog.Logger) *Inventory {
	return &Inventory{ledger: ledger, logger: logHandler(logger, "inventory")}
}

// List handles GET /api/v1/inventory.
func (h *Inventory) List(w http.ResponseWriter, r *http.Request) {
	positions := h.ledger.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": positions,
		"count":     len(positions),
	})
}

// Get handles GET /api/v1/inventory/{asset}.
func (h *Inventory) Get(w http.ResponseWriter, r *http.Request) {
	asset := pathParam(r, "asset")
	writeJSON(w, http.StatusOK, h.ledger.Position(asset))
}
