package ledger

import (
	"testing"
	"time"

	"bmc/position"
)

type captureSink struct{ closed []position.Position }

func (c *captureSink) WriteClosed(p position.Position) { c.closed = append(c.closed, p) }

func openPosition(id string) position.Position {
	return position.Position{
		ID:           id,
		Ticker:       "TSLA",
		EntryPrice:   1.00,
		InitialQty:   10,
		RemainingQty: 10,
		Status:       position.StatusActive,
		OpenedAt:     time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		FillLog:      []position.FillRecord{{Level: "entry", Qty: 10, AvgPrice: 1.00}},
	}
}

func closePosition(p position.Position, fills ...position.FillRecord) position.Position {
	p.FillLog = append(p.FillLog, fills...)
	p.RemainingQty = 0
	p.Completed = true
	p.Status = position.StatusClosed
	p.ExitReason = position.ReasonProfitTarget
	return p
}

func TestLedgerInsertionOrderAndSink(t *testing.T) {
	sink := &captureSink{}
	l := New(sink)

	l.Open(openPosition("a"))
	l.Open(openPosition("b"))

	snap := l.Snapshot()
	if len(snap) != 2 || snap[0].ID != "a" || snap[1].ID != "b" {
		t.Fatalf("snapshot order = %v", snap)
	}

	l.Close(closePosition(openPosition("a"), position.FillRecord{Level: "profit_target_1", Qty: 10, AvgPrice: 1.30, RealizedPnLPct: 30}))
	if len(sink.closed) != 1 || sink.closed[0].ID != "a" {
		t.Fatalf("sink received %v, want closed a", sink.closed)
	}

	// Closing an unknown position inserts it; a restart may close positions
	// this ledger never saw open.
	l.Close(closePosition(openPosition("c")))
	if got := len(l.Snapshot()); got != 3 {
		t.Fatalf("ledger has %d records, want 3", got)
	}
}

func TestUpdateSkipsCompletedRecords(t *testing.T) {
	l := New(nil)
	closed := closePosition(openPosition("a"))
	l.Close(closed)

	mutated := closed
	mutated.ExitReason = position.ReasonManual
	mutated.Completed = false
	l.Update(mutated)

	got, ok := l.Get("a")
	if !ok || got.ExitReason != position.ReasonProfitTarget {
		t.Fatalf("terminal record mutated: %+v", got)
	}
}

func TestSessionStatsWeightedPnL(t *testing.T) {
	l := New(nil)

	// Winner: 5 contracts at +30%, 5 at +10% => +20% weighted.
	win := closePosition(openPosition("w"),
		position.FillRecord{Level: "profit_target_1", Qty: 5, AvgPrice: 1.30, RealizedPnLPct: 30},
		position.FillRecord{Level: "profit_target_2", Qty: 5, AvgPrice: 1.10, RealizedPnLPct: 10},
	)
	l.Close(win)

	// Loser: full exit at -25%.
	lose := closePosition(openPosition("l"),
		position.FillRecord{Level: "stop_loss_1", Qty: 10, AvgPrice: 0.75, RealizedPnLPct: -25},
	)
	l.Close(lose)

	// Still open: excluded from session stats.
	l.Open(openPosition("o"))

	stats := l.Stats()
	if stats.Closed != 2 || stats.Wins != 1 || stats.Losses != 1 {
		t.Fatalf("stats = %+v, want 2 closed, 1 win, 1 loss", stats)
	}
	if got, want := stats.RealizedPnLPct, -5.0; got != want {
		t.Fatalf("realized pnl = %g, want %g (20 - 25)", got, want)
	}
}
