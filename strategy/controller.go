package strategy

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bmc/broker"
	"bmc/budget"
	"bmc/config"
	"bmc/featureflag"
	"bmc/market"
	"bmc/metrics"
	"bmc/model"
	"bmc/signal"
)

const maxRecentErrors = 10

// Entry describes a filled entry order; the supervisor turns it into a
// position risk manager.
type Entry struct {
	Ticker         string
	StrategyID     string
	Contract       market.Instrument
	Direction      string
	OrderID        string
	AvgPrice       float64
	Qty            int
	Signal         signal.State
	ModelVersionID string
	SelectionNote  string
	Risk           config.RiskConfig
}

// EntryFunc receives completed entries outside the controller's lock.
type EntryFunc func(Entry)

// Info is the API-facing view of a controller.
type Info struct {
	Ticker          string                `json:"ticker"`
	StrategyID      string                `json:"strategy_id"`
	Running         bool                  `json:"running"`
	Signal          *signal.State         `json:"signal"`
	Config          config.StrategyConfig `json:"config"`
	SignalHistory   []signal.State        `json:"signal_history"`
	RecentErrors    []string              `json:"recent_errors,omitempty"`
	StartupError    string                `json:"startup_error,omitempty"`
	ModelVersionID  string                `json:"model_version_id,omitempty"`
	ConfigAppliedAt time.Time             `json:"config_applied_at,omitempty"`
	LastFiredAt     time.Time             `json:"last_fired_at,omitempty"`
	EntryPending    bool                  `json:"entry_pending"`
}

// Deps are the collaborators a controller needs.
type Deps struct {
	Handle  *model.Handle
	Cache   *market.Cache
	Gateway broker.Gateway
	Router  *broker.Router
	Budget  *budget.Controller
	Flags   *featureflag.RuntimeFlags
	Chain   ChainFunc
	OnEntry EntryFunc
	NowFn   func() time.Time
	History int // signal history depth
}

type pendingEntry struct {
	clientID  string
	contract  market.Instrument
	direction string
	reqQty    int
	filledQty int
	notional  float64
	sig       signal.State
	versionID string
	note      string
	deadline  time.Time
}

// Controller runs the per-ticker decision loop: evaluate the signal, walk the
// gates in order, and request an entry through admission control when
// everything lines up. It owns its config exclusively; nobody else mutates it.
type Controller struct {
	id     string
	ticker string

	cfg       atomic.Value // config.StrategyConfig
	appliedAt atomic.Value // time.Time

	handle  *model.Handle
	cache   *market.Cache
	gateway broker.Gateway
	router  *broker.Router
	budget  *budget.Controller
	flags   *featureflag.RuntimeFlags
	chain   ChainFunc
	onEntry EntryFunc
	now     func() time.Time

	history *signal.History

	mu           sync.Mutex
	lastFired    time.Time
	pending      *pendingEntry
	recentErrors []string
	startupError string

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewController validates the config and wires a stopped controller.
func NewController(ticker string, cfg config.StrategyConfig, deps Deps) (*Controller, error) {
	if ticker == "" {
		return nil, fmt.Errorf("ticker is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config for %s: %w", ticker, err)
	}
	if deps.Chain == nil {
		return nil, fmt.Errorf("chain source is required")
	}

	c := &Controller{
		id:      uuid.NewString(),
		ticker:  ticker,
		handle:  deps.Handle,
		cache:   deps.Cache,
		gateway: deps.Gateway,
		router:  deps.Router,
		budget:  deps.Budget,
		flags:   deps.Flags,
		chain:   deps.Chain,
		onEntry: deps.OnEntry,
		now:     deps.NowFn,
		history: signal.NewHistory(deps.History),
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.cfg.Store(cfg)
	c.appliedAt.Store(c.now())
	return c, nil
}

// ID returns the strategy id.
func (c *Controller) ID() string { return c.id }

// Ticker returns the ticker this controller trades.
func (c *Controller) Ticker() string { return c.ticker }

// Config returns the currently applied configuration.
func (c *Controller) Config() config.StrategyConfig {
	return c.cfg.Load().(config.StrategyConfig)
}

// ApplyConfig hot-reloads the configuration. Invalid configs are rejected and
// the previous one stays active; re-applying an identical config is a no-op.
func (c *Controller) ApplyConfig(cfg config.StrategyConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if c.Config().Equal(cfg) {
		return nil
	}
	c.cfg.Store(cfg)
	c.appliedAt.Store(c.now())
	log.Printf("🔧 %s: configuration applied", c.ticker)
	return nil
}

// SwapModel atomically replaces the model. The in-flight cycle finishes on
// the version it loaded; the next cycle reads the new one.
func (c *Controller) SwapModel(v *model.Version) {
	c.handle.Swap(v)
	log.Printf("🔁 %s: model swapped to %s", c.ticker, v.ID)
}

// Handle exposes the model handle for registry listings.
func (c *Controller) Handle() *model.Handle { return c.handle }

// Run executes the decision loop until Stop. Stop is cooperative: it takes
// effect at the end of the current cycle so an order is never left half
// submitted.
func (c *Controller) Run() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.loop()
	log.Printf("▶️  %s: strategy controller started (interval %s)", c.ticker, c.Config().DecisionInterval())
}

func (c *Controller) loop() {
	defer close(c.doneCh)
	for {
		c.runCycle()

		interval := c.Config().DecisionInterval()
		select {
		case <-c.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

// Stop requests cooperative shutdown and waits for the cycle to finish.
func (c *Controller) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopCh)
	<-c.doneCh
	log.Printf("⏹  %s: strategy controller stopped", c.ticker)
}

// Running reports whether the decision loop is active.
func (c *Controller) Running() bool { return c.running.Load() }

func (c *Controller) pushError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recentErrors = append(c.recentErrors, fmt.Sprintf("%s %s", c.now().Format(time.RFC3339), msg))
	if len(c.recentErrors) > maxRecentErrors {
		c.recentErrors = c.recentErrors[len(c.recentErrors)-maxRecentErrors:]
	}
}

// runCycle is one pass of the decision loop. Exported for tests via RunCycle.
func (c *Controller) runCycle() {
	start := c.now()
	cfg := c.Config()

	st := signal.State{Ticker: c.ticker, Timestamp: start, Direction: signal.DirectionNone}
	defer func() {
		st.LatencyMS = float64(c.now().Sub(start).Milliseconds())
		c.history.Append(st)
		metrics.ObserveDecisionCycleLatency(c.ticker, c.now().Sub(start))
		if st.Suppressed {
			metrics.IncSignalSuppressions(c.ticker, st.SuppressReason)
		}
	}()

	c.expirePendingEntry(start)

	if !cfg.InScanWindow(start) {
		st.Suppressed = true
		st.SuppressReason = signal.SuppressOutsideWindow
		return
	}

	ver := c.handle.Load()
	if ver == nil || ver.Predictor == nil {
		st.Suppressed = true
		st.SuppressReason = signal.SuppressModelUnavailable
		return
	}
	st.ModelVersionID = ver.ID

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DecisionInterval())
	pred, err := ver.Predictor.Predict(ctx, c.ticker)
	cancel()
	if err != nil {
		st.Suppressed = true
		st.SuppressReason = signal.SuppressModelUnavailable
		c.pushError(fmt.Sprintf("model %s: %v", ver.ID, err))
		return
	}

	st.Probability = pred.Probability
	st.Direction = pred.Direction
	st.Strength = pred.Strength
	st.FeatureCount = pred.FeatureCount
	st.NaNCount = pred.NaNCount

	// Gates run in a fixed order; the first to reject names the reason so
	// the history stays auditable.
	if reason := directionGate(cfg, pred.Direction); reason != "" {
		st.Suppressed = true
		st.SuppressReason = reason
		return
	}
	if reason := thresholdGate(cfg, pred); reason != "" {
		st.Suppressed = true
		st.SuppressReason = reason
		return
	}

	c.mu.Lock()
	inCooldown := !c.lastFired.IsZero() && start.Sub(c.lastFired) < cfg.Cooldown()
	entryPending := c.pending != nil
	c.mu.Unlock()
	if inCooldown {
		st.Suppressed = true
		st.SuppressReason = signal.SuppressCooldown
		return
	}

	sel := c.selectContract(cfg, pred.Direction, func(i market.Instrument) int { return i.DTE(start) })
	if sel.suppress != "" {
		st.Suppressed = true
		st.SuppressReason = sel.suppress
		return
	}
	st.Contract = sel.contract
	st.SelectionNote = sel.note

	// All gates passed: the signal fires and starts the cooldown clock even
	// when no order follows.
	c.mu.Lock()
	c.lastFired = start
	c.mu.Unlock()

	if !cfg.AutoEntry || (c.flags != nil && !c.flags.AutoEntryEnabled()) || entryPending {
		return
	}

	qty := entryQty(cfg, sel.quote.Mid())
	if qty <= 0 {
		st.Suppressed = true
		st.SuppressReason = signal.SuppressPremiumBand
		return
	}

	// Admission denial is backpressure, not a gate: the signal stays in the
	// history unsuppressed and no error is raised.
	if err := c.budget.TryAcquire(); err != nil {
		log.Printf("⏸  %s: entry admission denied (budget exhausted)", c.ticker)
		return
	}

	if placed := c.placeEntry(cfg, *sel.contract, pred.Direction, qty, st, ver.ID, sel.note, start); placed {
		st.OrderPlaced = true
	} else {
		c.budget.Release()
	}
}

func directionGate(cfg config.StrategyConfig, direction string) string {
	switch direction {
	case signal.DirectionLong:
		if cfg.DirectionMode == config.DirectionShortOnly {
			return signal.SuppressDirectionMode
		}
	case signal.DirectionShort:
		if cfg.DirectionMode == config.DirectionLongOnly {
			return signal.SuppressDirectionMode
		}
	default:
		return signal.SuppressBelowThreshold
	}
	return ""
}

func thresholdGate(cfg config.StrategyConfig, pred model.Prediction) string {
	edge := pred.Probability
	if pred.Direction == signal.DirectionShort {
		edge = 1 - pred.Probability
	}
	if edge < cfg.SignalThreshold {
		return signal.SuppressBelowThreshold
	}
	if pred.Strength < cfg.MinSignalStrength {
		return signal.SuppressWeakSignal
	}
	return ""
}

// entryQty sizes the entry from max contracts and the dollar budget (options
// carry a 100x multiplier).
func entryQty(cfg config.StrategyConfig, premium float64) int {
	qty := cfg.MaxContracts
	if cfg.DollarBudget > 0 && premium > 0 {
		byDollar := int(math.Floor(cfg.DollarBudget / (premium * 100)))
		if byDollar < qty {
			qty = byDollar
		}
	}
	return qty
}

// placeEntry submits the entry order, retrying once on placement failure.
func (c *Controller) placeEntry(cfg config.StrategyConfig, contract market.Instrument, direction string, qty int, st signal.State, versionID, note string, now time.Time) bool {
	clientID := uuid.NewString()
	p := &pendingEntry{
		clientID:  clientID,
		contract:  contract,
		direction: direction,
		reqQty:    qty,
		sig:       st,
		versionID: versionID,
		note:      note,
		deadline:  now.Add(cfg.Risk.ExitOrderTimeout()),
	}
	c.mu.Lock()
	c.pending = p
	c.mu.Unlock()
	c.router.Bind(clientID, c.handleEntryFill)

	req := broker.OrderRequest{
		ClientID: clientID,
		Key:      contract.Key(),
		Side:     broker.Buy,
		Qty:      qty,
		Tag:      "entry",
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Risk.ExitOrderTimeout())
		metrics.IncOrderSubmissions(c.ticker)
		_, err = c.gateway.PlaceOrder(ctx, req)
		cancel()
		if err == nil {
			return true
		}
	}

	c.router.Unbind(clientID)
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()
	metrics.IncOrderFailures(c.ticker)
	c.pushError(fmt.Sprintf("entry placement failed: %v", err))
	return false
}

func (c *Controller) handleEntryFill(f broker.Fill) {
	c.mu.Lock()
	p := c.pending
	if p == nil || p.clientID != f.ClientID {
		c.mu.Unlock()
		return
	}
	p.filledQty += f.Qty
	p.notional += f.AvgPrice * float64(f.Qty)
	final := f.Final || p.filledQty >= p.reqQty
	if final {
		c.pending = nil
	}
	c.mu.Unlock()

	if !final {
		return
	}

	c.router.Unbind(p.clientID)
	c.budget.Release()

	avg := 0.0
	if p.filledQty > 0 {
		avg = p.notional / float64(p.filledQty)
	}
	if p.filledQty == 0 {
		return
	}

	log.Printf("✅ %s: entry filled, %d %s @ %.4f", c.ticker, p.filledQty, p.contract.Key(), avg)
	if c.onEntry != nil {
		c.onEntry(Entry{
			Ticker:         c.ticker,
			StrategyID:     c.id,
			Contract:       p.contract,
			Direction:      p.direction,
			OrderID:        p.clientID,
			AvgPrice:       avg,
			Qty:            p.filledQty,
			Signal:         p.sig,
			ModelVersionID: p.versionID,
			SelectionNote:  p.note,
			Risk:           c.Config().Risk,
		})
	}
}

// expirePendingEntry abandons an entry order whose placement deadline passed
// without a complete fill. Partial quantity already received still becomes a
// position.
func (c *Controller) expirePendingEntry(now time.Time) {
	c.mu.Lock()
	p := c.pending
	if p == nil || now.Before(p.deadline) {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	c.mu.Unlock()

	c.router.Unbind(p.clientID)
	c.budget.Release()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.gateway.CancelOrder(ctx, p.clientID)
	}()
	c.pushError(fmt.Sprintf("entry order %s timed out", p.clientID))

	if p.filledQty > 0 && c.onEntry != nil {
		avg := p.notional / float64(p.filledQty)
		c.onEntry(Entry{
			Ticker:         c.ticker,
			StrategyID:     c.id,
			Contract:       p.contract,
			Direction:      p.direction,
			OrderID:        p.clientID,
			AvgPrice:       avg,
			Qty:            p.filledQty,
			Signal:         p.sig,
			ModelVersionID: p.versionID,
			SelectionNote:  p.note,
			Risk:           c.Config().Risk,
		})
	}
}

// RunCycle executes one decision cycle synchronously. Tests drive the
// controller through this instead of the timer loop.
func (c *Controller) RunCycle() {
	c.runCycle()
}

// History returns the signal history log.
func (c *Controller) History() *signal.History { return c.history }

// SetStartupError records a fatal startup condition; the controller stays
// visible in status with the error attached.
func (c *Controller) SetStartupError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startupError = msg
}

// Status assembles the API view.
func (c *Controller) Status() Info {
	c.mu.Lock()
	recent := append([]string(nil), c.recentErrors...)
	startup := c.startupError
	lastFired := c.lastFired
	entryPending := c.pending != nil
	c.mu.Unlock()

	info := Info{
		Ticker:        c.ticker,
		StrategyID:    c.id,
		Running:       c.running.Load(),
		Config:        c.Config(),
		SignalHistory: c.history.Snapshot(),
		RecentErrors:  recent,
		StartupError:  startup,
		LastFiredAt:   lastFired,
		EntryPending:  entryPending,
	}
	if v := c.handle.Load(); v != nil {
		info.ModelVersionID = v.ID
	}
	if at, ok := c.appliedAt.Load().(time.Time); ok {
		info.ConfigAppliedAt = at
	}
	if latest, ok := c.history.Latest(); ok {
		info.Signal = &latest
	}
	return info
}
