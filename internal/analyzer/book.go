package analyzer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantfold/arbengine/internal/domain"
)

// Snapshot is one versioned, immutable view of the current best
// opportunities. Consumers must treat the slice as read-only; List returns
// copies.
type Snapshot struct {
	Version       uint64
	TakenAt       time.Time
	Opportunities []domain.ArbitrageOpportunity
}

// Book holds the current opportunity snapshot behind an atomic pointer so
// readers never observe a half-written tick and execution plans never race
// against in-flight analyzer updates. Writers (the analyzer tick and status
// transitions from the execution path) serialize on the mutex.
type Book struct {
	mu      sync.Mutex
	cur     atomic.Pointer[Snapshot]
	version atomic.Uint64
}

// NewBook creates an empty Book with version 0.
func NewBook() *Book {
	b := &Book{}
	b.cur.Store(&Snapshot{TakenAt: time.Now().UTC()})
	return b
}

// Replace publishes a new snapshot and returns the previous entries that were
// not reconfirmed: detected opportunities whose route no longer appears. Those
// transition to expired and must never execute. Entries the execution path has
// marked approved or executing are carried forward under their original ID so
// status queries keep matching while the plan runs; they drop out once they
// reach a terminal status.
func (b *Book) Replace(opps []domain.ArbitrageOpportunity, now time.Time) (snap *Snapshot, expired []domain.ArbitrageOpportunity) {
	confirmed := make(map[string]bool, len(opps))
	for _, o := range opps {
		confirmed[o.RouteKey()] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.cur.Load()
	inflight := make(map[string]domain.ArbitrageOpportunity)
	for _, o := range prev.Opportunities {
		switch o.Status {
		case domain.OpportunityDetected:
			if !confirmed[o.RouteKey()] {
				o.Status = domain.OpportunityExpired
				expired = append(expired, o)
			}
		case domain.OpportunityApproved, domain.OpportunityExecuting:
			inflight[o.RouteKey()] = o
		}
	}

	merged := make([]domain.ArbitrageOpportunity, 0, len(opps)+len(inflight))
	for _, o := range opps {
		if held, ok := inflight[o.RouteKey()]; ok {
			merged = append(merged, held)
			delete(inflight, o.RouteKey())
			continue
		}
		merged = append(merged, o)
	}
	for _, o := range inflight {
		merged = append(merged, o)
	}

	snap = &Snapshot{
		Version:       b.version.Add(1),
		TakenAt:       now,
		Opportunities: merged,
	}
	b.cur.Store(snap)
	return snap, expired
}

// SetStatus publishes a copy of the current snapshot with the entry's status
// updated. It reports whether the entry was present.
func (b *Book) SetStatus(id string, status domain.OpportunityStatus) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.cur.Load()
	idx := -1
	for i, o := range prev.Opportunities {
		if o.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	next := &Snapshot{
		Version:       b.version.Add(1),
		TakenAt:       prev.TakenAt,
		Opportunities: append([]domain.ArbitrageOpportunity(nil), prev.Opportunities...),
	}
	next.Opportunities[idx].Status = status
	b.cur.Store(next)
	return true
}

// Current returns the latest snapshot. The snapshot itself is immutable.
func (b *Book) Current() *Snapshot {
	return b.cur.Load()
}

// List returns filtered, paginated copies from the current snapshot.
func (b *Book) List(filter domain.OpportunityFilter, opts domain.ListOpts) []domain.ArbitrageOpportunity {
	snap := b.cur.Load()

	out := make([]domain.ArbitrageOpportunity, 0, len(snap.Opportunities))
	skipped := 0
	for _, o := range snap.Opportunities {
		if !filter.Match(o) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		copied := o
		copied.Route = append([]domain.Leg(nil), o.Route...)
		out = append(out, copied)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out
}

// Get returns the opportunity with the given ID from the current snapshot.
func (b *Book) Get(id string) (domain.ArbitrageOpportunity, bool) {
	snap := b.cur.Load()
	for _, o := range snap.Opportunities {
		if o.ID == id {
			copied := o
			copied.Route = append([]domain.Leg(nil), o.Route...)
			return copied, true
		}
	}
	return domain.ArbitrageOpportunity{}, false
}
