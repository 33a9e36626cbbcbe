// Package inventory holds the authoritative per-asset balance and
// reservation state. All mutations for a given asset are serialized behind a
// per-asset lock so concurrent execution plans cannot corrupt the invariant
// available + reserved == balance.
package inventory

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/quantfold/arbengine/internal/domain"
)

// position is the internal mutable state for one asset.
type position struct {
	mu       sync.Mutex
	balance  float64
	reserved float64
}

func (p *position) available() float64 { return p.balance - p.reserved }

// Ledger is the single source of truth for balances and reservations.
type Ledger struct {
	mu        sync.RWMutex // guards the asset map only
	positions map[string]*position
	logger    *slog.Logger
}

// NewLedger creates a Ledger seeded with the given starting balances.
func NewLedger(balances map[string]float64, logger *slog.Logger) *Ledger {
	l := &Ledger{
		positions: make(map[string]*position, len(balances)),
		logger:    logger.With(slog.String("component", "inventory")),
	}
	for asset, bal := range balances {
		l.positions[asset] = &position{balance: bal}
	}
	return l
}

// pos returns the position for asset, creating a zero-balance entry on first
// touch.
func (l *Ledger) pos(asset string) *position {
	l.mu.RLock()
	p, ok := l.positions[asset]
	l.mu.RUnlock()
	if ok {
		return p
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok = l.positions[asset]; ok {
		return p
	}
	p = &position{}
	l.positions[asset] = p
	return p
}

// Reserve moves amount from available to reserved. It fails with
// domain.ErrInsufficientInventory when available < amount.
func (l *Ledger) Reserve(asset string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("inventory: reserve %s: amount must be positive", asset)
	}
	p := l.pos(asset)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.available() < amount {
		return fmt.Errorf("inventory: reserve %.4f %s (available %.4f): %w",
			amount, asset, p.available(), domain.ErrInsufficientInventory)
	}
	p.reserved += amount
	return nil
}

// Release reverses a reservation on the cancel/failure path. Releasing more
// than is reserved is a programming error and is clamped with a warning
// rather than corrupting the invariant.
func (l *Ledger) Release(asset string, amount float64) {
	if amount <= 0 {
		return
	}
	p := l.pos(asset)
	p.mu.Lock()
	defer p.mu.Unlock()

	if amount > p.reserved {
		l.logger.Warn("release exceeds reservation, clamping",
			slog.String("asset", asset),
			slog.Float64("amount", amount),
			slog.Float64("reserved", p.reserved),
		)
		amount = p.reserved
	}
	p.reserved -= amount
}

// Settle applies a fill confirmation: deltaBalance adjusts the balance
// (positive for acquired inventory, negative for spent) and reservedConsumed
// is removed from the reservation. Both are applied under one lock so the
// invariant holds at every observable point.
func (l *Ledger) Settle(asset string, deltaBalance, reservedConsumed float64) error {
	p := l.pos(asset)
	p.mu.Lock()
	defer p.mu.Unlock()

	if reservedConsumed < 0 || reservedConsumed > p.reserved {
		return fmt.Errorf("inventory: settle %s: reserved_consumed %.4f outside [0, %.4f]",
			asset, reservedConsumed, p.reserved)
	}
	if p.balance+deltaBalance < 0 {
		return fmt.Errorf("inventory: settle %s: balance would go negative (%.4f%+.4f)",
			asset, p.balance, deltaBalance)
	}
	newBalance := p.balance + deltaBalance
	newReserved := p.reserved - reservedConsumed
	if newBalance-newReserved < 0 {
		return fmt.Errorf("inventory: settle %s: available would go negative", asset)
	}
	p.balance = newBalance
	p.reserved = newReserved
	return nil
}

// Position returns a copy of the current state for one asset.
func (l *Ledger) Position(asset string) domain.InventoryPosition {
	p := l.pos(asset)
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.InventoryPosition{
		Asset:     asset,
		Balance:   p.balance,
		Reserved:  p.reserved,
		Available: p.available(),
	}
}

// Snapshot returns copies of every position, sorted by asset for stable
// output.
func (l *Ledger) Snapshot() []domain.InventoryPosition {
	l.mu.RLock()
	assets := make([]string, 0, len(l.positions))
	for asset := range l.positions {
		assets = append(assets, asset)
	}
	l.mu.RUnlock()

	sort.Strings(assets)
	out := make([]domain.InventoryPosition, 0, len(assets))
	for _, asset := range assets {
		out = append(out, l.Position(asset))
	}
	return out
}

// Ratio returns asset's share of the combined value of asset and counter,
// both priced in counter units at price. Used by the market maker to detect
// imbalance. Returns target 0.5 when both balances are zero.
func (l *Ledger) Ratio(asset, counter string, price float64) float64 {
	assetVal := l.Position(asset).Balance * price
	counterVal := l.Position(counter).Balance
	total := assetVal + counterVal
	if total <= 0 {
		return 0.5
	}
	return assetVal / total
}
