package signal

import (
	"sync"
	"time"

	"bmc/market"
)

// Directions a signal can point in.
const (
	DirectionLong  = "long"
	DirectionShort = "short"
	DirectionNone  = "none"
)

// Gate-suppression reasons. Suppression is expected behavior, not an error,
// and admission denial deliberately has no reason here: the budget is
// backpressure, not a gate.
const (
	SuppressOutsideWindow    = "outside_scan_window"
	SuppressDirectionMode    = "direction_mode"
	SuppressBelowThreshold   = "below_signal_threshold"
	SuppressWeakSignal       = "below_min_strength"
	SuppressCooldown         = "cooldown_active"
	SuppressNoContract       = "no_contract_candidate"
	SuppressWideSpread       = "spread_too_wide"
	SuppressPremiumBand      = "premium_outside_band"
	SuppressStraddleRich     = "straddle_too_rich"
	SuppressStaleQuote       = "stale_quote"
	SuppressModelUnavailable = "model_unavailable"
)

// State is one decision cycle's outcome for a ticker.
type State struct {
	Ticker         string             `json:"ticker"`
	Timestamp      time.Time          `json:"timestamp"`
	Probability    float64            `json:"probability"`
	Direction      string             `json:"direction"`
	Strength       float64            `json:"strength"`
	FeatureCount   int                `json:"feature_count"`
	NaNCount       int                `json:"nan_count"`
	LatencyMS      float64            `json:"latency_ms"`
	Contract       *market.Instrument `json:"contract,omitempty"`
	SelectionNote  string             `json:"selection_note,omitempty"`
	Suppressed     bool               `json:"suppressed"`
	SuppressReason string             `json:"suppress_reason,omitempty"`
	OrderPlaced    bool               `json:"order_placed"`
	ModelVersionID string             `json:"model_version_id,omitempty"`
}

// History is a bounded append-only log of signal states, most-recent-last.
// The UI reverses it for display.
type History struct {
	mu  sync.Mutex
	buf []State
	max int
}

// NewHistory constructs a history bounded to max entries (default 200).
func NewHistory(max int) *History {
	if max <= 0 {
		max = 200
	}
	return &History{max: max}
}

// Append records a state, evicting the oldest entry when full.
func (h *History) Append(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = append(h.buf, s)
	if len(h.buf) > h.max {
		h.buf = h.buf[len(h.buf)-h.max:]
	}
}

// Snapshot returns a copy of the log, oldest first.
func (h *History) Snapshot() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]State, len(h.buf))
	copy(out, h.buf)
	return out
}

// Latest returns the most recent state, if any.
func (h *History) Latest() (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) == 0 {
		return State{}, false
	}
	return h.buf[len(h.buf)-1], true
}

// Len reports the number of retained states.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buf)
}
