package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"bmc/broker"
	"bmc/budget"
	"bmc/config"
	"bmc/featureflag"
	"bmc/market"
	"bmc/model"
	"bmc/signal"
)

type stubPredictor struct {
	pred model.Prediction
	err  error
}

func (s *stubPredictor) Predict(context.Context, string) (model.Prediction, error) {
	return s.pred, s.err
}

func longSignal() model.Prediction {
	return model.Prediction{Probability: 0.8, Direction: signal.DirectionLong, Strength: 1.5, FeatureCount: 40}
}

type fixture struct {
	cache     *market.Cache
	gateway   *broker.PaperGateway
	router    *broker.Router
	budget    *budget.Controller
	flags     *featureflag.RuntimeFlags
	predictor *stubPredictor
	handle    *model.Handle
	ctrl      *Controller

	now     time.Time
	call    market.Instrument
	put     market.Instrument
	entries []Entry
}

func baseConfig() config.StrategyConfig {
	return config.StrategyConfig{
		SignalThreshold: 0.6,
		DirectionMode:   config.DirectionBoth,
		AutoEntry:       true,
		MaxContracts:    2,
		Risk: config.RiskConfig{
			StopLossEnabled: true,
			StopLossType:    config.StopFixed,
			StopLossPct:     50,
		},
	}
}

func newFixture(t *testing.T, cfg config.StrategyConfig, budgetLimit int64) *fixture {
	t.Helper()

	f := &fixture{
		cache:     market.NewCache(0),
		router:    broker.NewRouter(),
		budget:    budget.New(budgetLimit),
		flags:     featureflag.NewRuntimeFlags(featureflag.DefaultState()),
		predictor: &stubPredictor{pred: longSignal()},
		now:       time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC),
	}
	f.gateway = broker.NewPaperGateway(f.cache)
	f.gateway.OnFill(f.router.Dispatch)

	expiry := f.now.Add(14 * 24 * time.Hour)
	f.call = market.Instrument{Underlying: "TSLA", Strike: 250, Expiry: expiry, Right: market.Call}
	f.put = market.Instrument{Underlying: "TSLA", Strike: 250, Expiry: expiry, Right: market.Put}

	f.cache.Update(market.Quote{Key: "TSLA", Bid: 249.9, Ask: 250.1})
	f.cache.Update(market.Quote{Key: f.call.Key(), Bid: 1.00, Ask: 1.10})
	f.cache.Update(market.Quote{Key: f.put.Key(), Bid: 1.00, Ask: 1.10})

	f.handle = model.NewHandle(&model.Version{ID: "v1", Ticker: "TSLA", Predictor: f.predictor})

	ctrl, err := NewController("TSLA", cfg, Deps{
		Handle:  f.handle,
		Cache:   f.cache,
		Gateway: f.gateway,
		Router:  f.router,
		Budget:  f.budget,
		Flags:   f.flags,
		Chain:   func(string) []market.Instrument { return []market.Instrument{f.call, f.put} },
		OnEntry: func(e Entry) { f.entries = append(f.entries, e) },
		NowFn:   func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	f.ctrl = ctrl
	return f
}

func (f *fixture) latest(t *testing.T) signal.State {
	t.Helper()
	st, ok := f.ctrl.History().Latest()
	if !ok {
		t.Fatal("no signal recorded")
	}
	return st
}

func expectSuppressed(t *testing.T, st signal.State, reason string) {
	t.Helper()
	if !st.Suppressed || st.SuppressReason != reason {
		t.Fatalf("signal = suppressed=%v reason=%q, want suppressed with %q", st.Suppressed, st.SuppressReason, reason)
	}
}

func TestSuppressOutsideScanWindow(t *testing.T) {
	cfg := baseConfig()
	cfg.ScanStart = "09:35"
	cfg.ScanEnd = "10:30"
	f := newFixture(t, cfg, 5) // fixture clock is 11:00

	f.ctrl.RunCycle()
	expectSuppressed(t, f.latest(t), signal.SuppressOutsideWindow)
}

func TestSuppressWhenNoModel(t *testing.T) {
	f := newFixture(t, baseConfig(), 5)
	f.handle.Swap(nil)

	f.ctrl.RunCycle()
	expectSuppressed(t, f.latest(t), signal.SuppressModelUnavailable)
}

func TestSuppressOnPredictError(t *testing.T) {
	f := newFixture(t, baseConfig(), 5)
	f.predictor.err = errors.New("feature pipeline stalled")

	f.ctrl.RunCycle()
	expectSuppressed(t, f.latest(t), signal.SuppressModelUnavailable)
	if errs := f.ctrl.Status().RecentErrors; len(errs) == 0 {
		t.Fatal("predict failure should be recorded in recent errors")
	}
}

func TestSuppressBelowThreshold(t *testing.T) {
	f := newFixture(t, baseConfig(), 5)
	f.predictor.pred.Probability = 0.55

	f.ctrl.RunCycle()
	expectSuppressed(t, f.latest(t), signal.SuppressBelowThreshold)
}

func TestShortEdgeUsesInverseProbability(t *testing.T) {
	f := newFixture(t, baseConfig(), 5)
	f.predictor.pred = model.Prediction{Probability: 0.25, Direction: signal.DirectionShort, Strength: 1.5}

	f.ctrl.RunCycle()
	st := f.latest(t)
	if st.Suppressed {
		t.Fatalf("short with edge 0.75 suppressed: %q", st.SuppressReason)
	}
	if st.Contract == nil || st.Contract.Right != market.Put {
		t.Fatalf("short entry should select a put, got %+v", st.Contract)
	}
}

func TestSuppressWeakSignal(t *testing.T) {
	cfg := baseConfig()
	cfg.MinSignalStrength = 2.0
	f := newFixture(t, cfg, 5)

	f.ctrl.RunCycle()
	expectSuppressed(t, f.latest(t), signal.SuppressWeakSignal)
}

func TestSuppressDirectionMode(t *testing.T) {
	cfg := baseConfig()
	cfg.DirectionMode = config.DirectionShortOnly
	f := newFixture(t, cfg, 5)

	f.ctrl.RunCycle()
	expectSuppressed(t, f.latest(t), signal.SuppressDirectionMode)
}

func TestSuppressCooldown(t *testing.T) {
	cfg := baseConfig()
	cfg.CooldownSeconds = 300
	cfg.AutoEntry = false
	f := newFixture(t, cfg, 5)

	f.ctrl.RunCycle()
	if st := f.latest(t); st.Suppressed {
		t.Fatalf("first cycle suppressed: %q", st.SuppressReason)
	}

	f.now = f.now.Add(time.Minute)
	f.ctrl.RunCycle()
	expectSuppressed(t, f.latest(t), signal.SuppressCooldown)

	f.now = f.now.Add(5 * time.Minute)
	f.ctrl.RunCycle()
	if st := f.latest(t); st.Suppressed {
		t.Fatalf("cycle after cooldown suppressed: %q", st.SuppressReason)
	}
}

func TestSuppressNoContract(t *testing.T) {
	cfg := baseConfig()
	f := newFixture(t, cfg, 5)
	f.ctrl.chain = func(string) []market.Instrument { return nil }

	f.ctrl.RunCycle()
	expectSuppressed(t, f.latest(t), signal.SuppressNoContract)
}

func TestSuppressWideSpread(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxSpreadPct = 5 // the fixture quote is ~9.5% wide
	f := newFixture(t, cfg, 5)

	f.ctrl.RunCycle()
	expectSuppressed(t, f.latest(t), signal.SuppressWideSpread)
}

func TestSuppressPremiumOutsideBand(t *testing.T) {
	cfg := baseConfig()
	cfg.PremiumMin = 2.00
	f := newFixture(t, cfg, 5)

	f.ctrl.RunCycle()
	expectSuppressed(t, f.latest(t), signal.SuppressPremiumBand)
}

func TestSuppressStaleQuote(t *testing.T) {
	f := newFixture(t, baseConfig(), 5)
	f.cache.SetDegraded(true)

	f.ctrl.RunCycle()
	expectSuppressed(t, f.latest(t), signal.SuppressStaleQuote)
}

func TestStaleGuardFlagDisablesTheGate(t *testing.T) {
	f := newFixture(t, baseConfig(), 5)
	f.cache.SetDegraded(true)
	f.flags.SetStaleQuoteGuard(false)

	f.ctrl.RunCycle()
	if st := f.latest(t); st.Suppressed && st.SuppressReason == signal.SuppressStaleQuote {
		t.Fatal("stale gate fired with the guard flag off")
	}
}

func TestSuppressStraddleTooRich(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxStraddleRichPct = 0.5 // straddle is ~0.84% of spot in the fixture
	f := newFixture(t, cfg, 5)

	f.ctrl.RunCycle()
	expectSuppressed(t, f.latest(t), signal.SuppressStraddleRich)
}

func TestBudgetDenialIsNotSuppression(t *testing.T) {
	f := newFixture(t, baseConfig(), 0)

	f.ctrl.RunCycle()
	st := f.latest(t)
	if st.Suppressed {
		t.Fatalf("admission denial recorded as suppression: %q", st.SuppressReason)
	}
	if st.OrderPlaced {
		t.Fatal("order placed despite zero budget")
	}
	if got := f.budget.Snapshot().Denied; got != 1 {
		t.Fatalf("denied counter = %d, want 1", got)
	}
	if errs := f.ctrl.Status().RecentErrors; len(errs) != 0 {
		t.Fatalf("admission denial raised errors: %v", errs)
	}
}

func TestEntryFillBecomesPosition(t *testing.T) {
	f := newFixture(t, baseConfig(), 5)

	f.ctrl.RunCycle()
	st := f.latest(t)
	if st.Suppressed || !st.OrderPlaced {
		t.Fatalf("signal = %+v, want unsuppressed with order placed", st)
	}
	if len(f.entries) != 1 {
		t.Fatalf("entries delivered = %d, want 1", len(f.entries))
	}
	e := f.entries[0]
	if e.Qty != 2 || e.Direction != signal.DirectionLong || e.Contract.Right != market.Call {
		t.Fatalf("entry = %+v", e)
	}
	if e.AvgPrice != 1.10 { // paper buys at the ask
		t.Fatalf("entry avg price = %.4f, want 1.10", e.AvgPrice)
	}
	if e.ModelVersionID != "v1" {
		t.Fatalf("entry lineage model = %q, want v1", e.ModelVersionID)
	}
	if got := f.budget.InFlight(); got != 0 {
		t.Fatalf("budget in flight after terminal fill = %d, want 0", got)
	}
}

func TestDollarBudgetCapsQuantity(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxContracts = 10
	cfg.DollarBudget = 150 // mid 1.05 => $105 per contract
	f := newFixture(t, cfg, 5)

	f.ctrl.RunCycle()
	if len(f.entries) != 1 {
		t.Fatalf("entries delivered = %d, want 1", len(f.entries))
	}
	if got := f.entries[0].Qty; got != 1 {
		t.Fatalf("entry qty = %d, want 1 under the dollar budget", got)
	}
}

func TestEntryPlacementRetriesOnceAndReleasesOnFill(t *testing.T) {
	f := newFixture(t, baseConfig(), 5)
	f.gateway.FailNext(errors.New("bridge down"))

	// The first placement fails, the in-cycle retry succeeds: the entry still
	// arrives and the admission is released on the terminal fill.
	f.ctrl.RunCycle()
	if len(f.entries) != 1 {
		t.Fatalf("entries after retry = %d, want 1", len(f.entries))
	}
	if got := f.budget.InFlight(); got != 0 {
		t.Fatalf("budget in flight = %d, want 0", got)
	}
	if got := f.gateway.Orders(); got != 1 {
		t.Fatalf("accepted orders = %d, want 1", got)
	}
}

func TestApplyConfigValidatesAndIsIdempotent(t *testing.T) {
	f := newFixture(t, baseConfig(), 5)

	bad := baseConfig()
	bad.MaxContracts = 0
	if err := f.ctrl.ApplyConfig(bad); err == nil {
		t.Fatal("invalid config accepted")
	}
	if got := f.ctrl.Config().MaxContracts; got != 2 {
		t.Fatalf("previous config lost: max_contracts = %d", got)
	}

	appliedAt := f.ctrl.Status().ConfigAppliedAt
	f.now = f.now.Add(time.Minute)
	if err := f.ctrl.ApplyConfig(baseConfig()); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if got := f.ctrl.Status().ConfigAppliedAt; !got.Equal(appliedAt) {
		t.Fatal("re-applying an identical config must be a no-op")
	}

	changed := baseConfig()
	changed.MaxContracts = 1
	if err := f.ctrl.ApplyConfig(changed); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := f.ctrl.Status().ConfigAppliedAt; got.Equal(appliedAt) {
		t.Fatal("applied-at should move on a real change")
	}
}

func TestRunStopLifecycle(t *testing.T) {
	cfg := baseConfig()
	cfg.AutoEntry = false
	cfg.DecisionIntervalSeconds = 3600
	f := newFixture(t, cfg, 5)

	f.ctrl.Run()
	if !f.ctrl.Running() {
		t.Fatal("controller should report running")
	}
	f.ctrl.Stop()
	if f.ctrl.Running() {
		t.Fatal("controller should report stopped")
	}
	// A second stop must be a no-op, not a panic.
	f.ctrl.Stop()
}
