package market

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Option right.
const (
	Call = "call"
	Put  = "put"
)

// Instrument identifies a single option contract. It is immutable once a
// position has been opened against it.
type Instrument struct {
	Underlying string    `json:"underlying"`
	Strike     float64   `json:"strike"`
	Expiry     time.Time `json:"expiry"`
	Right      string    `json:"right"` // "call" or "put"
}

// Key returns the cache key for the contract, e.g. "TSLA-20260918-C-250".
// The underlying itself is cached under its bare ticker.
func (i Instrument) Key() string {
	r := "C"
	if i.Right == Put {
		r = "P"
	}
	strike := fmt.Sprintf("%g", i.Strike)
	return fmt.Sprintf("%s-%s-%s-%s", strings.ToUpper(i.Underlying), i.Expiry.Format("20060102"), r, strike)
}

// OCCSymbol renders the standard 21-character OCC option symbol.
func (i Instrument) OCCSymbol() string {
	r := "C"
	if i.Right == Put {
		r = "P"
	}
	return fmt.Sprintf("%-6s%s%s%08d", strings.ToUpper(i.Underlying), i.Expiry.Format("060102"), r, int64(math.Round(i.Strike*1000)))
}

// DTE returns whole days until expiry, never negative.
func (i Instrument) DTE(now time.Time) int {
	days := int(i.Expiry.Sub(now).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Expired reports whether the contract's expiry has passed.
func (i Instrument) Expired(now time.Time) bool {
	return now.After(i.Expiry)
}

// Intrinsic returns the contract's intrinsic value at the given spot price.
func (i Instrument) Intrinsic(spot float64) float64 {
	var v float64
	if i.Right == Put {
		v = i.Strike - spot
	} else {
		v = spot - i.Strike
	}
	if v < 0 {
		return 0
	}
	return v
}
