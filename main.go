package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"bmc/api"
	"bmc/broker"
	"bmc/budget"
	"bmc/config"
	"bmc/engine"
	"bmc/featureflag"
	"bmc/feed"
	"bmc/ledger"
	"bmc/market"
	"bmc/model"
	"bmc/strategy"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the engine config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flags := featureflag.NewRuntimeFlags(featureflag.DefaultState())
	cache := market.NewCache(cfg.StaleQuoteHorizon())
	budgetCtl := budget.New(cfg.OrderBudget)
	registry := model.NewRegistry()

	var gateway broker.Gateway
	if cfg.BrokerBridgeURL != "" {
		bridge := broker.NewBridgeGateway(cfg.BrokerBridgeURL, cfg.BrokerAPIKey, cfg.BrokerSecretKey, cfg.DryRun)
		go bridge.StreamFills(ctx)
		gateway = bridge
		if cfg.DryRun {
			log.Printf("▶️  broker bridge in dry-run mode: orders are logged, not sent")
		}
	} else {
		gateway = broker.NewPaperGateway(cache)
		log.Printf("▶️  no broker bridge configured, running against the paper gateway")
	}

	var sink ledger.Sink
	if cfg.PostgresURL != "" {
		store, err := ledger.NewPGStore(ctx, cfg.PostgresURL, flags)
		if err != nil {
			log.Fatalf("❌ ledger store: %v", err)
		}
		defer store.Close()
		sink = store
		log.Printf("✓ position ledger persisting to postgres")
	}
	book := ledger.New(sink)

	// Chain discovery comes from the quote bridge in deployments that have
	// one; the default engine starts without a chain and strategies suppress
	// on no_viable_contract until the market-data layer registers one.
	var chain strategy.ChainFunc = func(string) []market.Instrument { return nil }

	eng := engine.New(engine.Deps{
		Cache:    cache,
		Gateway:  gateway,
		Budget:   budgetCtl,
		Registry: registry,
		Flags:    flags,
		Ledger:   book,
		Chain:    chain,
		History:  cfg.SignalHistoryDepth,
	})

	if cfg.QuoteFeedURL != "" {
		client := feed.NewClient(cfg.QuoteFeedURL, cache)
		go client.Run(ctx)
	} else {
		log.Printf("⚠️  no quote feed configured, cache starts empty")
	}

	if len(cfg.Tickers) > 0 {
		if err := eng.Start(cfg.Tickers); err != nil {
			log.Fatalf("❌ start strategies: %v", err)
		}
	}

	srv := api.NewServer(eng, flags, cfg.APIServerPort)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("⏹  received %v, shutting down", sig)
	case err := <-errCh:
		log.Printf("❌ api server: %v", err)
	}

	if eng.Running() {
		if err := eng.Stop(); err != nil {
			log.Printf("⚠️  stop: %v", err)
		}
	}
	cancel()
}
