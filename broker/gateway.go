package broker

import (
	"context"
	"sync"
	"time"
)

// Order sides.
const (
	Buy  = "buy"
	Sell = "sell"
)

// OrderRequest asks the gateway to place one order. ClientID is assigned by
// the caller and echoed on every fill so it can be routed back.
type OrderRequest struct {
	ClientID   string  `json:"client_id"`
	Key        string  `json:"key"` // instrument key, market.Instrument.Key()
	Side       string  `json:"side"`
	Qty        int     `json:"qty"`
	LimitPrice float64 `json:"limit_price,omitempty"` // 0 means marketable
	Tag        string  `json:"tag,omitempty"`         // "entry", "trailing", "profit_target_1", ...
}

// OrderAck is the gateway's synchronous acceptance of an order.
type OrderAck struct {
	OrderID    string    `json:"order_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Fill reports execution progress on a previously placed order. Final is true
// on the fill that exhausts the order.
type Fill struct {
	OrderID   string    `json:"order_id"`
	ClientID  string    `json:"client_id"`
	Qty       int       `json:"qty"`
	AvgPrice  float64   `json:"avg_price"`
	Remaining int       `json:"remaining"`
	Final     bool      `json:"final"`
	At        time.Time `json:"at"`
}

// FillFunc receives fill events from a gateway.
type FillFunc func(Fill)

// Gateway is the brokerage adapter. Placement is synchronous up to the ack;
// executions arrive through the fill handler, possibly on another goroutine.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	OnFill(fn FillFunc)
}

// Router dispatches fills to per-order handlers. Strategy controllers bind
// their entry orders, risk managers bind their exit orders; whoever bound an
// ID gets its fills until it unbinds.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]FillFunc
}

// NewRouter constructs an empty fill router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]FillFunc)}
}

// Bind registers the handler for a client order ID.
func (r *Router) Bind(clientID string, fn FillFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[clientID] = fn
}

// Unbind removes a handler. Safe to call for unknown IDs.
func (r *Router) Unbind(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, clientID)
}

// Dispatch routes one fill to its bound handler. Fills for unknown IDs are
// dropped; the gateway may replay history older than this session.
func (r *Router) Dispatch(f Fill) {
	r.mu.RLock()
	fn := r.handlers[f.ClientID]
	r.mu.RUnlock()
	if fn != nil {
		fn(f)
	}
}
