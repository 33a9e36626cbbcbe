package domain

import "time"

// Side is the direction of a quote or order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PricePoint is an immutable best-price snapshot for one side of a pair on a
// venue.
type PricePoint struct {
	Asset           string
	Fiat            string
	Venue           string
	Side            Side
	Price           float64
	AvailableVolume float64
	Timestamp       time.Time
}

// Spread is the two-sided view of a pair on a venue, derived each feed cycle.
type Spread struct {
	Asset     string
	Fiat      string
	Venue     string
	BestBid   float64
	BestAsk   float64
	SpreadPct float64
	DepthBid  float64
	DepthAsk  float64
	Timestamp time.Time
}

// Mid returns the midpoint of the spread, or zero when either side is empty.
func (s Spread) Mid() float64 {
	if s.BestBid <= 0 || s.BestAsk <= 0 {
		return 0
	}
	return (s.BestBid + s.BestAsk) / 2
}

// Stale reports whether the spread is older than the given freshness window
// relative to now.
func (s Spread) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(s.Timestamp) > window
}

// PairKey identifies an (asset, fiat) pair; used as a map key throughout.
type PairKey struct {
	Asset string
	Fiat  string
}

// String renders the pair as "ASSET/FIAT".
func (k PairKey) String() string { return k.Asset + "/" + k.Fiat }
