package position

import (
	"fmt"
	"time"

	"bmc/market"
	"bmc/signal"
)

// Exit-level states.
const (
	LevelPending   = "PENDING"
	LevelTriggered = "TRIGGERED"
	LevelPartial   = "PARTIAL"
	LevelFilled    = "FILLED"
	LevelFailed    = "FAILED"
)

// Exit-level kinds. The set is fixed so the state machine stays exhaustively
// checkable; profit targets and stop tiers carry an index.
type LevelKind string

const (
	KindTrailing     LevelKind = "trailing"
	KindStopLoss     LevelKind = "stop_loss"
	KindProfitTarget LevelKind = "profit_target"
)

// Exit reasons recorded on completion.
const (
	ReasonTrailing     = "trailing_stop"
	ReasonStopLoss     = "stop_loss"
	ReasonProfitTarget = "profit_target"
	ReasonManual       = "manual"
	ReasonExpired      = "expired_worthless"
)

// Position statuses in the ledger.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// LevelID identifies one exit level within a position.
type LevelID struct {
	Kind  LevelKind `json:"kind"`
	Index int       `json:"index,omitempty"` // 0-based, for stop tiers and profit targets
}

// String renders ids like "trailing", "stop_loss_1", "profit_target_2"
// (1-based for readability).
func (id LevelID) String() string {
	switch id.Kind {
	case KindTrailing:
		return "trailing"
	case KindStopLoss:
		return fmt.Sprintf("stop_loss_%d", id.Index+1)
	default:
		return fmt.Sprintf("profit_target_%d", id.Index+1)
	}
}

// ExitLevel tracks one configured exit through its state machine.
type ExitLevel struct {
	ID         LevelID `json:"id"`
	Label      string  `json:"label"`
	State      string  `json:"state"`
	TriggerPct float64 `json:"trigger_pct"`
	// ExitPct is a share of original quantity for profit targets and a share
	// of remaining quantity for stop tiers. Trailing and fixed stops always
	// exit everything remaining.
	ExitPct float64 `json:"exit_pct"`

	OrderID     string    `json:"order_id,omitempty"` // client order id of the working exit
	OrderQty    int       `json:"order_qty,omitempty"`
	FilledQty   int       `json:"filled_qty,omitempty"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
	TriggeredAt time.Time `json:"triggered_at,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	RetryAt     time.Time `json:"-"`
	LastError   string    `json:"last_error,omitempty"`
}

// working reports how much quantity this level has claimed but not yet
// received fills for.
func (l *ExitLevel) working() int {
	if l.State != LevelTriggered && l.State != LevelPartial {
		return 0
	}
	return l.OrderQty - l.FilledQty
}

// FillRecord is one realized execution in the position's fill log.
type FillRecord struct {
	Level          string    `json:"level"` // exit level label, or "entry" / "manual"
	Qty            int       `json:"qty"`
	AvgPrice       float64   `json:"avg_price"`
	RealizedPnLPct float64   `json:"realized_pnl_pct"`
	OrderLatencyMS float64   `json:"order_latency_ms,omitempty"`
	At             time.Time `json:"at"`
}

// Position is the unit a risk manager owns. All mutation happens inside the
// owning Manager; everyone else reads value-copy snapshots.
type Position struct {
	ID       string            `json:"position_id"`
	Ticker   string            `json:"ticker"`
	Contract market.Instrument `json:"contract"`
	// Direction is the signal direction at entry. The engine only buys
	// premium (calls for long, puts for short), so favorable always means a
	// higher contract price.
	Direction string `json:"direction"`

	EntryOrderID string  `json:"entry_order_id"`
	EntryPrice   float64 `json:"entry_price"`
	InitialQty   int     `json:"initial_qty"`
	RemainingQty int     `json:"remaining_qty"`

	HighWaterMark     float64 `json:"high_water_mark"`
	TrailingActive    bool    `json:"trailing_active"`
	TrailingStopPrice float64 `json:"trailing_stop_price,omitempty"`

	Levels  []*ExitLevel `json:"levels"`
	FillLog []FillRecord `json:"fill_log"`

	RecentErrors []string `json:"recent_errors,omitempty"`

	Completed  bool   `json:"completed"`
	ExitReason string `json:"exit_reason,omitempty"`
	Status     string `json:"status"`

	MarkPrice        float64 `json:"mark_price,omitempty"`
	UnrealizedPnLPct float64 `json:"unrealized_pnl_pct"`
	QuoteStale       bool    `json:"quote_stale,omitempty"`

	// Lineage, immutable after entry.
	ModelVersionID string       `json:"model_version_id,omitempty"`
	EntrySignal    signal.State `json:"entry_signal"`
	SelectionNote  string       `json:"selection_note,omitempty"`

	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at,omitempty"`
}

// ExitedQty sums quantity realized through exit levels and synthetic closes.
func (p *Position) ExitedQty() int {
	total := 0
	for _, f := range p.FillLog {
		if f.Level == "entry" {
			continue
		}
		total += f.Qty
	}
	return total
}

// Clone returns a deep copy safe to hand outside the manager.
func (p *Position) Clone() Position {
	cp := *p
	cp.Levels = make([]*ExitLevel, len(p.Levels))
	for i, l := range p.Levels {
		lv := *l
		cp.Levels[i] = &lv
	}
	cp.FillLog = append([]FillRecord(nil), p.FillLog...)
	cp.RecentErrors = append([]string(nil), p.RecentErrors...)
	return cp
}
