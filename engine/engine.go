package engine

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bmc/broker"
	"bmc/budget"
	"bmc/config"
	"bmc/featureflag"
	"bmc/ledger"
	"bmc/market"
	"bmc/metrics"
	"bmc/model"
	"bmc/position"
	"bmc/strategy"
)

// Control-surface errors the API maps to status codes.
var (
	ErrAlreadyRunning  = errors.New("engine already running")
	ErrNotRunning      = errors.New("engine not running")
	ErrUnknownTicker   = errors.New("unknown ticker")
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrUnknownPosition = errors.New("unknown position")
)

// Deps are the engine's collaborators, all owned elsewhere.
type Deps struct {
	Cache    *market.Cache
	Gateway  broker.Gateway
	Budget   *budget.Controller
	Registry *model.Registry
	Flags    *featureflag.RuntimeFlags
	Ledger   *ledger.Ledger
	Chain    strategy.ChainFunc
	History  int
	NowFn    func() time.Time
}

// SignalStatus is the bmc-signal payload.
type SignalStatus struct {
	Running    bool            `json:"running"`
	Strategies []strategy.Info `json:"strategies"`
}

// ExecutionStatus is the execution/status payload.
type ExecutionStatus struct {
	Running         bool                    `json:"running"`
	Strategies      []strategy.Info         `json:"strategies"`
	ActiveOrders    int64                   `json:"active_orders"`
	OrderBudget     int64                   `json:"order_budget"`
	TotalAlgoOrders int64                   `json:"total_algo_orders"`
	DeniedOrders    int64                   `json:"denied_orders"`
	PositionLedger  []position.Position     `json:"position_ledger"`
	QuoteSnapshot   map[string]market.Quote `json:"quote_snapshot"`
	Session         ledger.SessionStats     `json:"session"`
	FeedDegraded    bool                    `json:"feed_degraded"`
}

// Engine is the execution supervisor: it owns the ticker → controller
// registry and the pool of live position risk managers, and aggregates both
// into the polled status snapshots.
type Engine struct {
	cache    *market.Cache
	gateway  broker.Gateway
	budget   *budget.Controller
	registry *model.Registry
	flags    *featureflag.RuntimeFlags
	ledger   *ledger.Ledger
	router   *broker.Router
	chain    strategy.ChainFunc
	history  int
	now      func() time.Time

	mu           sync.RWMutex
	controllers  map[string]*strategy.Controller // by ticker
	managers     map[string]*position.Manager    // by position id
	unsubscribes map[string]func()               // by position id

	running atomic.Bool
}

// New wires an engine and installs the fill router on the gateway.
func New(deps Deps) *Engine {
	e := &Engine{
		cache:        deps.Cache,
		gateway:      deps.Gateway,
		budget:       deps.Budget,
		registry:     deps.Registry,
		flags:        deps.Flags,
		ledger:       deps.Ledger,
		router:       broker.NewRouter(),
		chain:        deps.Chain,
		history:      deps.History,
		now:          deps.NowFn,
		controllers:  make(map[string]*strategy.Controller),
		managers:     make(map[string]*position.Manager),
		unsubscribes: make(map[string]func()),
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.gateway.OnFill(e.router.Dispatch)
	return e
}

// Router exposes the fill router, for gateways added after construction.
func (e *Engine) Router() *broker.Router { return e.router }

// Running reports whether strategy controllers are active. Risk managers on
// open positions run regardless.
func (e *Engine) Running() bool { return e.running.Load() }

// Start validates every ticker config, builds one controller per ticker and
// starts their decision loops.
func (e *Engine) Start(tickers []config.TickerConfig) error {
	if len(tickers) == 0 {
		return fmt.Errorf("at least one ticker is required")
	}
	if e.running.Load() {
		return ErrAlreadyRunning
	}

	seen := make(map[string]bool, len(tickers))
	built := make([]*strategy.Controller, 0, len(tickers))
	for _, tc := range tickers {
		if seen[tc.Ticker] {
			return fmt.Errorf("ticker '%s' is duplicated", tc.Ticker)
		}
		seen[tc.Ticker] = true

		var handle *model.Handle
		startupErr := ""
		if v, ok := e.registry.Latest(tc.Ticker); ok {
			handle = model.NewHandle(v)
		} else {
			handle = model.NewHandle(nil)
			startupErr = fmt.Sprintf("no model registered for %s", tc.Ticker)
		}

		c, err := strategy.NewController(tc.Ticker, tc.Config, strategy.Deps{
			Handle:  handle,
			Cache:   e.cache,
			Gateway: e.gateway,
			Router:  e.router,
			Budget:  e.budget,
			Flags:   e.flags,
			Chain:   e.chain,
			OnEntry: e.onEntry,
			NowFn:   e.now,
			History: e.history,
		})
		if err != nil {
			return err
		}
		if startupErr != "" {
			c.SetStartupError(startupErr)
		}
		built = append(built, c)
	}

	e.mu.Lock()
	e.controllers = make(map[string]*strategy.Controller, len(built))
	for _, c := range built {
		e.controllers[c.Ticker()] = c
	}
	e.mu.Unlock()

	for _, c := range built {
		c.Run()
	}
	e.running.Store(true)
	log.Printf("🚀 engine started with %d strategy controllers", len(built))
	return nil
}

// Stop shuts every controller down cooperatively. Open positions keep their
// risk managers; abandoning risk management mid-position is worse than
// running without new entries.
func (e *Engine) Stop() error {
	if !e.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}

	e.mu.RLock()
	controllers := make([]*strategy.Controller, 0, len(e.controllers))
	for _, c := range e.controllers {
		controllers = append(controllers, c)
	}
	openPositions := len(e.managers)
	e.mu.RUnlock()

	for _, c := range controllers {
		c.Stop()
	}
	log.Printf("⏹  engine stopped, %d positions remain under management", openPositions)
	return nil
}

// Configure hot-reloads one controller's config. The new risk parameters also
// reach that ticker's open positions, touching only levels still PENDING.
func (e *Engine) Configure(ticker string, cfg config.StrategyConfig) error {
	e.mu.RLock()
	c, ok := e.controllers[ticker]
	managers := make([]*position.Manager, 0, len(e.managers))
	for _, m := range e.managers {
		managers = append(managers, m)
	}
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTicker, ticker)
	}

	if err := c.ApplyConfig(cfg); err != nil {
		return err
	}
	for _, m := range managers {
		snap := m.Snapshot()
		if snap.Ticker != ticker || snap.Completed {
			continue
		}
		if err := m.UpdateRisk(cfg.Risk); err != nil {
			log.Printf("⚠️  position %s: risk update skipped: %v", snap.ID, err)
		}
	}
	return nil
}

// SetBudget replaces the global order budget.
func (e *Engine) SetBudget(n int64) error {
	return e.budget.SetLimit(n)
}

// ClosePosition forces one risk manager to its terminal state.
func (e *Engine) ClosePosition(positionID string) (position.Position, error) {
	e.mu.RLock()
	m, ok := e.managers[positionID]
	e.mu.RUnlock()
	if !ok {
		return position.Position{}, fmt.Errorf("%w: %s", ErrUnknownPosition, positionID)
	}
	return m.ForceClose()
}

// SwapModel atomically repoints one controller at another registered model
// version. The current pointer is untouched when the version is unknown or
// belongs to another ticker.
func (e *Engine) SwapModel(strategyID, versionID string) error {
	c, err := e.controllerByStrategyID(strategyID)
	if err != nil {
		return err
	}
	v, err := e.registry.Lookup(versionID)
	if err != nil {
		return err
	}
	if v.Ticker != c.Ticker() {
		return fmt.Errorf("model version %s is trained for %s, not %s", versionID, v.Ticker, c.Ticker())
	}
	c.SwapModel(v)
	return nil
}

// ListModels returns the candidate versions for a strategy's ticker with the
// current-selection marker resolved.
func (e *Engine) ListModels(strategyID, ticker string) ([]model.VersionInfo, error) {
	if strategyID != "" {
		c, err := e.controllerByStrategyID(strategyID)
		if err != nil {
			return nil, err
		}
		return e.registry.List(c.Ticker(), c.Handle()), nil
	}

	e.mu.RLock()
	c, ok := e.controllers[ticker]
	e.mu.RUnlock()
	if ok {
		return e.registry.List(ticker, c.Handle()), nil
	}
	return e.registry.List(ticker, nil), nil
}

func (e *Engine) controllerByStrategyID(strategyID string) (*strategy.Controller, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.controllers {
		if c.ID() == strategyID {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategyID)
}

// onEntry turns a filled entry into a managed position: build the risk
// manager, subscribe it to the contract's quotes and open the ledger record.
func (e *Engine) onEntry(entry strategy.Entry) {
	pos := &position.Position{
		ID:             uuid.NewString(),
		Ticker:         entry.Ticker,
		Contract:       entry.Contract,
		Direction:      entry.Direction,
		EntryOrderID:   entry.OrderID,
		EntryPrice:     entry.AvgPrice,
		InitialQty:     entry.Qty,
		RemainingQty:   entry.Qty,
		EntrySignal:    entry.Signal,
		ModelVersionID: entry.ModelVersionID,
		SelectionNote:  entry.SelectionNote,
		OpenedAt:       e.now(),
		Status:         position.StatusActive,
	}
	pos.FillLog = append(pos.FillLog, position.FillRecord{
		Level:    "entry",
		Qty:      entry.Qty,
		AvgPrice: entry.AvgPrice,
		At:       pos.OpenedAt,
	})

	underlying := entry.Contract.Underlying
	m := position.NewManager(pos, entry.Risk, e.gateway, e.router, position.Options{
		Flags:      e.flags,
		OnComplete: e.onPositionComplete,
		NowFn:      e.now,
		SpotFn: func() (float64, bool) {
			q, ok := e.cache.Get(underlying)
			if !ok {
				return 0, false
			}
			return q.Mid(), true
		},
	})

	unsubscribe := e.cache.Subscribe(entry.Contract.Key(), m.OnQuote)

	e.mu.Lock()
	e.managers[pos.ID] = m
	e.unsubscribes[pos.ID] = unsubscribe
	open := len(e.managers)
	e.mu.Unlock()

	e.ledger.Open(m.Snapshot())
	metrics.SetOpenPositions(open)
	log.Printf("📦 position %s opened: %s %d %s @ %.4f", pos.ID[:8], entry.Ticker, entry.Qty, entry.Contract.Key(), entry.AvgPrice)
}

// onPositionComplete archives a terminal position and releases its quote
// subscription.
func (e *Engine) onPositionComplete(snap position.Position) {
	e.mu.Lock()
	if unsub := e.unsubscribes[snap.ID]; unsub != nil {
		unsub()
	}
	delete(e.unsubscribes, snap.ID)
	delete(e.managers, snap.ID)
	open := len(e.managers)
	e.mu.Unlock()

	e.ledger.Close(snap)
	metrics.SetOpenPositions(open)
	log.Printf("🏁 position %s closed: %s, reason=%s", snap.ID[:8], snap.Ticker, snap.ExitReason)
}

func (e *Engine) strategyInfos() []strategy.Info {
	e.mu.RLock()
	controllers := make([]*strategy.Controller, 0, len(e.controllers))
	for _, c := range e.controllers {
		controllers = append(controllers, c)
	}
	e.mu.RUnlock()

	infos := make([]strategy.Info, 0, len(controllers))
	for _, c := range controllers {
		infos = append(infos, c.Status())
	}
	return infos
}

// SignalStatus assembles the bmc-signal snapshot.
func (e *Engine) SignalStatus() SignalStatus {
	return SignalStatus{
		Running:    e.running.Load(),
		Strategies: e.strategyInfos(),
	}
}

// ExecutionStatus assembles the execution/status snapshot. Live positions are
// refreshed into the ledger first so the payload always reflects the last
// known state.
func (e *Engine) ExecutionStatus() ExecutionStatus {
	e.mu.RLock()
	managers := make([]*position.Manager, 0, len(e.managers))
	for _, m := range e.managers {
		managers = append(managers, m)
	}
	e.mu.RUnlock()

	for _, m := range managers {
		e.ledger.Update(m.Snapshot())
	}

	b := e.budget.Snapshot()
	return ExecutionStatus{
		Running:         e.running.Load(),
		Strategies:      e.strategyInfos(),
		ActiveOrders:    b.InFlight,
		OrderBudget:     b.Limit,
		TotalAlgoOrders: b.Submitted,
		DeniedOrders:    b.Denied,
		PositionLedger:  e.ledger.Snapshot(),
		QuoteSnapshot:   e.cache.Snapshot(),
		Session:         e.ledger.Stats(),
		FeedDegraded:    e.cache.Degraded(),
	}
}
