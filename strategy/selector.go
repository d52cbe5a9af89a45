package strategy

import (
	"fmt"
	"math"

	"bmc/config"
	"bmc/market"
	"bmc/signal"
)

// ChainFunc lists the tradable option contracts for a ticker. The market-data
// layer owns chain discovery; controllers only filter and rank.
type ChainFunc func(ticker string) []market.Instrument

// selection is the outcome of contract selection: either a contract with a
// rationale, or the suppression reason that stopped it.
type selection struct {
	contract *market.Instrument
	quote    market.Quote
	note     string
	suppress string
}

// selectContract applies the option-selection constraints in a fixed order
// and returns the first passing contract, preferring the tightest spread and
// then the nearest preferred expiry. Every rejection is attributed so the
// last gate that rejected everything becomes the suppression reason.
func (c *Controller) selectContract(cfg config.StrategyConfig, direction string, nowDTE func(market.Instrument) int) selection {
	right := market.Call
	if direction == signal.DirectionShort {
		right = market.Put
	}

	candidates := c.chain(c.ticker)
	if len(candidates) == 0 {
		return selection{suppress: signal.SuppressNoContract}
	}

	staleGuard := cfg.AutoEntry && (c.flags == nil || c.flags.StaleQuoteGuardEnabled())
	lastReason := signal.SuppressNoContract
	var best *market.Instrument
	var bestQuote market.Quote
	bestScore := math.MaxFloat64

	for i := range candidates {
		inst := candidates[i]
		if inst.Right != right {
			continue
		}
		if len(cfg.PreferredDTE) > 0 && !dteAllowed(cfg.PreferredDTE, nowDTE(inst)) {
			continue
		}

		q, ok := c.cache.Get(inst.Key())
		if !ok {
			lastReason = signal.SuppressNoContract
			continue
		}
		if q.Stale && staleGuard {
			lastReason = signal.SuppressStaleQuote
			continue
		}
		mid := q.Mid()
		if mid <= 0 {
			lastReason = signal.SuppressNoContract
			continue
		}
		if cfg.PremiumMin > 0 && mid < cfg.PremiumMin {
			lastReason = signal.SuppressPremiumBand
			continue
		}
		if cfg.PremiumMax > 0 && mid > cfg.PremiumMax {
			lastReason = signal.SuppressPremiumBand
			continue
		}
		if cfg.MaxSpreadPct > 0 && q.SpreadPct() > cfg.MaxSpreadPct {
			lastReason = signal.SuppressWideSpread
			continue
		}

		score := q.SpreadPct()
		if score < bestScore {
			bestScore = score
			best = &candidates[i]
			bestQuote = q
		}
	}

	if best == nil {
		return selection{suppress: lastReason}
	}

	if cfg.MaxStraddleRichPct > 0 {
		if rich, ok := c.straddleRichness(*best); ok && rich > cfg.MaxStraddleRichPct {
			return selection{suppress: signal.SuppressStraddleRich}
		}
	}

	note := fmt.Sprintf("%s dte=%d mid=%.2f spread=%.1f%%",
		best.Key(), nowDTE(*best), bestQuote.Mid(), bestQuote.SpreadPct())
	return selection{contract: best, quote: bestQuote, note: note}
}

func dteAllowed(preferred []int, dte int) bool {
	for _, p := range preferred {
		// A day of slack absorbs clock drift around the session boundary.
		if dte == p || dte == p-1 || dte == p+1 {
			return true
		}
	}
	return false
}

// straddleRichness prices the same-strike straddle as a percentage of spot.
// A rich straddle means the market already paid for a large move, which
// erodes the edge of a directional entry.
func (c *Controller) straddleRichness(inst market.Instrument) (float64, bool) {
	spotQuote, ok := c.cache.Get(inst.Underlying)
	if !ok || spotQuote.Mid() <= 0 {
		return 0, false
	}

	call := inst
	call.Right = market.Call
	put := inst
	put.Right = market.Put

	cq, okC := c.cache.Get(call.Key())
	pq, okP := c.cache.Get(put.Key())
	if !okC || !okP {
		return 0, false
	}
	return (cq.Mid() + pq.Mid()) / spotQuote.Mid() * 100, true
}
