package maker

import "github.com/quantfold/arbengine/internal/domain"

// Quote is one two-sided quote the maker intends to rest on the book.
type Quote struct {
	Bid  float64
	Ask  float64
	Size float64
}

// QuoteInputs collects everything the pricing function needs for one refresh.
type QuoteInputs struct {
	Spread         domain.Spread // competitor best bid/ask, source of the midpoint
	InventoryRatio float64       // asset share of combined pair value, in [0,1]
	Volatility     float64       // recent realized volatility, e.g. 0.02 = 2%
	Hour           int           // local hour, for off-peak widening
}

// computeQuote prices a two-sided quote around the midpoint.
//
// The half-spread starts at the configured base, widens with volatility and
// during off-peak hours, then both sides are shifted by the inventory skew:
// holding too much of the asset pushes both quotes down so the ask is hit
// first and inventory drains back toward the target ratio. Quotes are finally
// clamped so they never cross the competitor's book.
func computeQuote(cfg Config, in QuoteInputs) Quote {
	mid := in.Spread.Mid()
	if mid <= 0 {
		return Quote{}
	}

	half := mid * cfg.HalfSpreadPct / 100
	half *= 1 + cfg.VolWidenGain*in.Volatility
	if offPeak(in.Hour, cfg.OffPeakStartHour, cfg.OffPeakEndHour) {
		half *= 1 + cfg.OffPeakWidenPct
	}

	// Dead band around the target: small imbalances are not worth skewing
	// for. Beyond the band the skew grows linearly and saturates at one full
	// half-spread.
	drift := in.InventoryRatio - cfg.TargetRatio
	var skew float64
	if cfg.ImbalanceBand > 0 && abs(drift) > cfg.ImbalanceBand {
		skew = drift / cfg.ImbalanceBand
		if skew > 1 {
			skew = 1
		} else if skew < -1 {
			skew = -1
		}
	}
	shift := -skew * cfg.SkewGain * half

	bid := mid + shift - half
	ask := mid + shift + half

	// Never cross the competitor's book: a bid at or above their ask (or an
	// ask at or below their bid) would trade immediately instead of resting.
	if in.Spread.BestAsk > 0 && bid >= in.Spread.BestAsk {
		bid = in.Spread.BestAsk * (1 - crossGuardPct)
	}
	if in.Spread.BestBid > 0 && ask <= in.Spread.BestBid {
		ask = in.Spread.BestBid * (1 + crossGuardPct)
	}
	if bid >= ask {
		bid = mid - half
		ask = mid + half
	}

	return Quote{Bid: bid, Ask: ask, Size: cfg.QuoteSize}
}

// crossGuardPct keeps a clamped quote strictly inside the competitor's book.
const crossGuardPct = 0.0005

// offPeak reports whether hour falls in the [start, end) window, which may
// wrap past midnight.
func offPeak(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
