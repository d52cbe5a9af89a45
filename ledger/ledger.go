package ledger

import (
	"sync"

	"bmc/position"
)

// SessionStats aggregates realized results over closed positions.
type SessionStats struct {
	Closed         int     `json:"closed_positions"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	RealizedPnLPct float64 `json:"realized_pnl_pct"` // sum of per-position weighted P&L%
}

// Sink receives closed positions for durable storage.
type Sink interface {
	WriteClosed(position.Position)
}

// Ledger is the append-only record of every position the engine has opened,
// active and closed, with its lineage. Records are never mutated after the
// terminal snapshot lands, except the active→closed flip itself.
type Ledger struct {
	mu      sync.RWMutex
	order   []string
	records map[string]position.Position
	sink    Sink
}

// New constructs an empty ledger. sink may be nil.
func New(sink Sink) *Ledger {
	return &Ledger{
		records: make(map[string]position.Position),
		sink:    sink,
	}
}

// Open records a newly filled position as active.
func (l *Ledger) Open(p position.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.records[p.ID]; !exists {
		l.order = append(l.order, p.ID)
	}
	l.records[p.ID] = p
}

// Close flips a position to its terminal snapshot and forwards it to the
// sink. Unknown positions are inserted; a restart may close positions the
// in-memory ledger never saw open.
func (l *Ledger) Close(p position.Position) {
	l.mu.Lock()
	if _, exists := l.records[p.ID]; !exists {
		l.order = append(l.order, p.ID)
	}
	l.records[p.ID] = p
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		sink.WriteClosed(p)
	}
}

// Update refreshes the live snapshot of an active position.
func (l *Ledger) Update(p position.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, exists := l.records[p.ID]
	if exists && existing.Completed {
		return
	}
	if !exists {
		l.order = append(l.order, p.ID)
	}
	l.records[p.ID] = p
}

// Snapshot returns all records in insertion order, oldest first.
func (l *Ledger) Snapshot() []position.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]position.Position, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.records[id])
	}
	return out
}

// Get returns one record by position id.
func (l *Ledger) Get(id string) (position.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.records[id]
	return p, ok
}

// Stats aggregates session results over closed positions. A position's
// realized P&L% is the fill-weighted average across its exit fills.
func (l *Ledger) Stats() SessionStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var stats SessionStats
	for _, id := range l.order {
		p := l.records[id]
		if !p.Completed {
			continue
		}
		stats.Closed++
		pnl := realizedPnLPct(p)
		stats.RealizedPnLPct += pnl
		if pnl >= 0 {
			stats.Wins++
		} else {
			stats.Losses++
		}
	}
	return stats
}

func realizedPnLPct(p position.Position) float64 {
	totalQty := 0
	weighted := 0.0
	for _, f := range p.FillLog {
		if f.Level == "entry" {
			continue
		}
		totalQty += f.Qty
		weighted += f.RealizedPnLPct * float64(f.Qty)
	}
	if totalQty == 0 {
		return 0
	}
	return weighted / float64(totalQty)
}
