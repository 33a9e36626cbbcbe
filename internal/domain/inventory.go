package domain

// InventoryPosition is the per-asset balance view held by the ledger.
// Invariant: Available + Reserved == Balance, Available >= 0, Reserved >= 0.
type InventoryPosition struct {
	Asset     string  `json:"asset"`
	Balance   float64 `json:"balance"`
	Reserved  float64 `json:"reserved"`
	Available float64 `json:"available"`
}
