package broker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"bmc/market"
)

// PaperGateway fills orders against the quote cache without touching a real
// brokerage. Buys fill at the ask, sells at the bid, falling back to mid when
// one side is not quoted. Used for paper trading and in tests.
type PaperGateway struct {
	cache *market.Cache

	mu       sync.Mutex
	fillFn   FillFunc
	slices   []float64 // fractional fill slices, e.g. {0.5, 0.5}; nil fills in one shot
	failNext error
	orders   int
}

// NewPaperGateway constructs a paper gateway backed by the given cache.
func NewPaperGateway(cache *market.Cache) *PaperGateway {
	return &PaperGateway{cache: cache}
}

// OnFill installs the fill handler. Fills are delivered synchronously from
// PlaceOrder, after the ack is computed.
func (g *PaperGateway) OnFill(fn FillFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fillFn = fn
}

// SetFillSlices makes subsequent orders fill in fractional slices instead of
// one shot, to exercise partial-fill handling in tests.
func (g *PaperGateway) SetFillSlices(slices []float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slices = slices
}

// FailNext makes the next placement return err instead of filling.
func (g *PaperGateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = err
}

// Orders returns how many orders were accepted.
func (g *PaperGateway) Orders() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.orders
}

// PlaceOrder simulates immediate execution against the latest quote.
func (g *PaperGateway) PlaceOrder(_ context.Context, req OrderRequest) (OrderAck, error) {
	if req.Qty <= 0 {
		return OrderAck{}, fmt.Errorf("paper gateway: qty must be positive, got %d", req.Qty)
	}

	g.mu.Lock()
	if err := g.failNext; err != nil {
		g.failNext = nil
		g.mu.Unlock()
		return OrderAck{}, err
	}
	fn := g.fillFn
	slices := g.slices
	g.orders++
	g.mu.Unlock()

	q, ok := g.cache.Get(req.Key)
	if !ok {
		return OrderAck{}, fmt.Errorf("paper gateway: no quote for %s", req.Key)
	}

	price := q.Mid()
	if req.Side == Buy && q.Ask > 0 {
		price = q.Ask
	} else if req.Side == Sell && q.Bid > 0 {
		price = q.Bid
	}
	if req.LimitPrice > 0 {
		price = req.LimitPrice
	}

	ack := OrderAck{OrderID: uuid.NewString(), AcceptedAt: time.Now()}
	log.Printf("📝 paper order %s: %s %d %s @ %.4f (%s)", ack.OrderID[:8], req.Side, req.Qty, req.Key, price, req.Tag)

	if fn == nil {
		return ack, nil
	}

	if len(slices) == 0 {
		fn(Fill{OrderID: ack.OrderID, ClientID: req.ClientID, Qty: req.Qty, AvgPrice: price, Remaining: 0, Final: true, At: time.Now()})
		return ack, nil
	}

	remaining := req.Qty
	for i, frac := range slices {
		qty := int(float64(req.Qty) * frac)
		if i == len(slices)-1 || qty > remaining {
			qty = remaining
		}
		if qty <= 0 {
			continue
		}
		remaining -= qty
		fn(Fill{
			OrderID:   ack.OrderID,
			ClientID:  req.ClientID,
			Qty:       qty,
			AvgPrice:  price,
			Remaining: remaining,
			Final:     remaining == 0,
			At:        time.Now(),
		})
		if remaining == 0 {
			break
		}
	}
	return ack, nil
}

// CancelOrder is a no-op for the paper gateway; orders fill on placement.
func (g *PaperGateway) CancelOrder(context.Context, string) error {
	return nil
}
