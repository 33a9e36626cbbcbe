package analyzer

import (
	"math"
	"sort"
	"time"

	"github.com/quantfold/arbengine/internal/domain"
)

// edge is one directed conversion in the rate graph. Rate is the executable
// units of `to` received per unit of `from`, net of the venue fee.
type edge struct {
	from      string
	to        string
	venue     string
	side      domain.Side
	price     float64 // raw quote price
	rate      float64 // executable rate net of fee
	feePct    float64
	volumeCap float64 // max notional through this edge, in `from` units
	liquidity float64
	ts        time.Time
}

// cycle is a closed route discovered by the bounded DFS.
type cycle struct {
	legs           []edge
	compoundedRate float64
}

// RateGraph models currencies/assets as nodes and convertible pairs as
// directed edges weighted by executable rate. It is rebuilt from scratch
// each analyzer tick; instances are not safe for concurrent mutation.
type RateGraph struct {
	adj map[string][]edge
}

// NewRateGraph builds the adjacency list from the latest spread set. Each
// spread contributes two edges: fiat->asset (buy the asset at the ask) and
// asset->fiat (sell at the bid).
func NewRateGraph(spreads []domain.Spread, venueFeePct map[string]float64, liqScore func(domain.Spread, domain.Side) float64) *RateGraph {
	g := &RateGraph{adj: make(map[string][]edge)}
	for _, s := range spreads {
		fee := venueFeePct[s.Venue] / 100

		if s.BestAsk > 0 {
			g.add(edge{
				from:      s.Fiat,
				to:        s.Asset,
				venue:     s.Venue,
				side:      domain.SideBuy,
				price:     s.BestAsk,
				rate:      (1 / s.BestAsk) * (1 - fee),
				feePct:    fee * 100,
				volumeCap: s.DepthAsk * s.BestAsk,
				liquidity: liqScore(s, domain.SideBuy),
				ts:        s.Timestamp,
			})
		}
		if s.BestBid > 0 {
			g.add(edge{
				from:      s.Asset,
				to:        s.Fiat,
				venue:     s.Venue,
				side:      domain.SideSell,
				price:     s.BestBid,
				rate:      s.BestBid * (1 - fee),
				feePct:    fee * 100,
				volumeCap: s.DepthBid,
				liquidity: liqScore(s, domain.SideSell),
				ts:        s.Timestamp,
			})
		}
	}
	return g
}

func (g *RateGraph) add(e edge) {
	if e.rate <= 0 || math.IsInf(e.rate, 0) || math.IsNaN(e.rate) {
		return
	}
	g.adj[e.from] = append(g.adj[e.from], e)
}

// dfsFrame is one level of the explicit DFS stack.
type dfsFrame struct {
	node string
	next int // index of the next edge to try at this node
}

// Cycles enumerates cycles starting and ending at base, with at most maxLen
// edges, whose compounded rate exceeds minRate. The search is an iterative
// bounded-depth DFS over the adjacency list so its cost stays predictable.
// Intermediate nodes are never revisited within a path.
func (g *RateGraph) Cycles(base string, maxLen int, minRate float64) []cycle {
	if maxLen < 2 || len(g.adj[base]) == 0 {
		return nil
	}

	var out []cycle
	stack := []dfsFrame{{node: base}}
	path := make([]edge, 0, maxLen)
	onPath := map[string]bool{base: true}

	for len(stack) > 0 {
		frame := &stack[len(stack)-1]
		edges := g.adj[frame.node]

		if frame.next >= len(edges) {
			// Exhausted this node; backtrack.
			stack = stack[:len(stack)-1]
			if len(path) > 0 {
				last := path[len(path)-1]
				delete(onPath, last.to)
				path = path[:len(path)-1]
			}
			continue
		}

		e := edges[frame.next]
		frame.next++

		if e.to == base {
			if len(path)+1 >= 2 {
				legs := make([]edge, len(path)+1)
				copy(legs, path)
				legs[len(path)] = e
				rate := compoundRate(legs)
				if rate > minRate {
					out = append(out, cycle{legs: legs, compoundedRate: rate})
				}
			}
			continue
		}

		if len(path)+1 >= maxLen || onPath[e.to] {
			continue
		}

		path = append(path, e)
		onPath[e.to] = true
		stack = append(stack, dfsFrame{node: e.to})
	}

	// Prefer higher compounded rate, then shorter routes.
	sort.Slice(out, func(i, j int) bool {
		if out[i].compoundedRate != out[j].compoundedRate {
			return out[i].compoundedRate > out[j].compoundedRate
		}
		return len(out[i].legs) < len(out[j].legs)
	})
	return out
}

// compoundRate multiplies the executable rates around the route.
func compoundRate(legs []edge) float64 {
	rate := 1.0
	for _, e := range legs {
		rate *= e.rate
	}
	return rate
}

// oldestLegTime returns the earliest spread timestamp along the route; it
// becomes the opportunity's SpreadAt so freshness gating sees the weakest
// link.
func oldestLegTime(legs []edge) time.Time {
	var oldest time.Time
	for _, e := range legs {
		if oldest.IsZero() || e.ts.Before(oldest) {
			oldest = e.ts
		}
	}
	return oldest
}

// minLegLiquidity returns the weakest liquidity score along the route.
func minLegLiquidity(legs []edge) float64 {
	minLiq := math.MaxFloat64
	for _, e := range legs {
		if e.liquidity < minLiq {
			minLiq = e.liquidity
		}
	}
	if minLiq == math.MaxFloat64 {
		return 0
	}
	return minLiq
}

// routeNotionalCap returns the max notional in base units the route can
// carry: the min of each leg's cap converted back to base units through the
// preceding legs' rates.
func routeNotionalCap(legs []edge) float64 {
	maxCap := math.MaxFloat64
	conv := 1.0 // base units -> current leg's `from` units
	for _, e := range legs {
		if conv > 0 {
			if inBase := e.volumeCap / conv; inBase < maxCap {
				maxCap = inBase
			}
		}
		conv *= e.rate
	}
	if maxCap == math.MaxFloat64 {
		return 0
	}
	return maxCap
}
