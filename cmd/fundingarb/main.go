// Command fundingarb runs the cross-exchange funding-rate arbitrage engine:
// it wires both venue adapters, the local trade store, and every trading
// component (market data, opportunity scanning, execution, position
// management, funding reconciliation, position reconciliation, and the
// risk supervisor) against one shared event bus, then serves the Control
// Surface (HTTP/gRPC/metrics) alongside them until a shutdown signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"fundingarb/internal/alert"
	"fundingarb/internal/bootstrap"
	"fundingarb/internal/engine/durable"
	"fundingarb/internal/eventbus"
	"fundingarb/internal/exchange"
	"fundingarb/internal/exchange/lighter"
	"fundingarb/internal/exchange/x10"
	"fundingarb/internal/execution"
	"fundingarb/internal/fundingtracker"
	grpcsurface "fundingarb/internal/infrastructure/grpc"
	"fundingarb/internal/infrastructure/metrics"
	httpsurface "fundingarb/internal/infrastructure/server"
	"fundingarb/internal/marketdata"
	"fundingarb/internal/opportunity"
	"fundingarb/internal/position"
	"fundingarb/internal/reconcile"
	"fundingarb/internal/store"
	"fundingarb/internal/supervisor"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

const (
	marketdataStaleAfter  = 30 * time.Second
	marketdataRefreshTick = 15 * time.Second
	positionEvalInterval  = 10 * time.Second
	guardCheckInterval    = 30 * time.Second
	tradingScanInterval   = 5 * time.Second
	reconcileInterval     = 60 * time.Second
	fundingTrackInterval  = 1 * time.Hour
	httpListenAddr        = ":8080"
	grpcListenAddr        = ":50060"
	metricsListenAddr     = ":9090"
)

func main() {
	flag.Parse()

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		panic(err)
	}
	logger := app.Logger
	cfg := app.Cfg

	ports := map[string]exchange.Port{}

	lighterAdapter, err := lighter.New(lighter.Config{
		PrivateKeyHex: string(cfg.Lighter.PrivateKey),
		AccountIndex:  cfg.Lighter.AccountIndex,
		BaseURL:       cfg.Lighter.BaseURL,
		WSURL:         cfg.Lighter.WSURL,
	}, logger)
	if err != nil {
		logger.Fatal("failed to construct lighter adapter", "error", err)
	}
	ports["lighter"] = lighterAdapter

	x10Adapter, err := x10.New(x10.Config{
		APIKey:  string(cfg.X10.APIKey),
		Secret:  string(cfg.X10.PrivateKey),
		VaultID: cfg.X10.VaultID,
		BaseURL: cfg.X10.BaseURL,
		WSURL:   cfg.X10.WSURL,
	}, logger)
	if err != nil {
		logger.Fatal("failed to construct x10 adapter", "error", err)
	}
	ports["x10"] = x10Adapter

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelConnect()
	for venue, port := range ports {
		if err := port.Connect(connectCtx); err != nil {
			logger.Fatal("failed to connect to venue", "venue", venue, "error", err)
		}
	}

	tradeStore, err := store.Open(store.Config{
		Path:               cfg.Database.Path,
		WALMode:            cfg.Database.WALMode,
		WriteBatchSize:     cfg.Database.WriteBatchSize,
		WriteQueueMaxSize:  cfg.Database.WriteQueueMaxSize,
		OpenTradesCacheTTL: time.Duration(cfg.Database.OpenTradesCacheTTLSeconds) * time.Second,
	}, logger)
	if err != nil {
		logger.Fatal("failed to open trade store", "error", err)
	}

	bus := eventbus.New(logger)
	md := marketdata.New(ports, cfg.Trading.Symbols, marketdataStaleAfter, logger)
	execEngine := execution.New(ports, md, tradeStore, bus, cfg.Execution, cfg.Trading, logger)
	oppEngine := opportunity.New(md, tradeStore, execEngine, cfg.Trading, "lighter", "x10", cfg.Trading.Symbols, logger)
	posMgr := position.New(tradeStore, md, ports, oppEngine, cfg.Trading, bus, logger)
	tracker := fundingtracker.New(tradeStore, ports, logger)
	reconciler := reconcile.New(tradeStore, ports, bus, logger)
	sup := supervisor.New(ports, bus, cfg.Risk, logger)

	alertManager := alert.NewAlertManager(logger)
	if url := os.Getenv("SLACK_WEBHOOK_URL"); url != "" {
		alertManager.AddChannel(alert.NewSlackChannel(url))
	}
	if token, chatID := os.Getenv("TELEGRAM_BOT_TOKEN"), os.Getenv("TELEGRAM_CHAT_ID"); token != "" && chatID != "" {
		alertManager.AddChannel(alert.NewTelegramChannel(token, chatID))
	}
	alert.Subscribe(bus, alertManager)

	var opener durable.Opener = execEngine
	var durableEngine *durable.Engine
	if cfg.App.EngineType == "dbos" {
		dbosCtx, err := dbos.NewDBOSContext(dbos.Config{
			DatabaseURL: cfg.App.DatabaseURL,
			AppName:     "fundingarb",
		})
		if err != nil {
			logger.Fatal("failed to construct DBOS context", "error", err)
		}
		durableEngine = durable.New(dbosCtx, execEngine, logger)
		if err := durableEngine.Start(context.Background()); err != nil {
			logger.Fatal("failed to start DBOS engine", "error", err)
		}
		opener = durableEngine
	}

	httpSrv := httpsurface.New(sup, posMgr, tradeStore, logger)
	grpcSvc := grpcsurface.NewService(sup, posMgr, tradeStore, logger)
	grpcSrv := grpcsurface.NewServer(grpcSvc, logger)
	metricsSrv := metrics.NewServer(logger)

	runners := []bootstrap.Runner{
		runnerFunc(md.Start),
		runnerFunc(func(ctx context.Context) error {
			md.RunBatchRefresh(ctx, marketdataRefreshTick)
			return nil
		}),
		&tradingLoop{opp: oppEngine, opener: opener, sup: sup, logger: logger, interval: tradingScanInterval},
		&positionLoop{mgr: posMgr, interval: positionEvalInterval},
		&guardLoop{sup: sup, interval: guardCheckInterval},
		intervalRunner(tracker.Run, fundingTrackInterval),
		intervalRunner(reconciler.Run, reconcileInterval),
		runnerFunc(func(ctx context.Context) error { return httpSrv.Run(ctx, httpListenAddr) }),
		runnerFunc(func(ctx context.Context) error { return grpcSrv.Run(ctx, grpcListenAddr) }),
		runnerFunc(func(ctx context.Context) error { return metricsSrv.Run(ctx, metricsListenAddr) }),
	}

	shutdown := func(ctx context.Context) error {
		logger.Info("shutting down")
		if durableEngine != nil {
			if err := durableEngine.Stop(); err != nil {
				logger.Error("durable engine shutdown failed", "error", err)
			}
		}
		for venue, port := range ports {
			if err := port.Close(); err != nil {
				logger.Error("venue connection close failed", "venue", venue, "error", err)
			}
		}
		if err := tradeStore.Shutdown(ctx); err != nil {
			return fmt.Errorf("store shutdown: %w", err)
		}
		return nil
	}

	if err := app.Run(shutdown, runners...); err != nil {
		os.Exit(1)
	}
}
