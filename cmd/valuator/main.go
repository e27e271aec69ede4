// ====================================
// File: cmd/valuator/main.go
// ====================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ssprotocol/amm-valuator/internal/app"
	"github.com/ssprotocol/amm-valuator/internal/config"
	"github.com/ssprotocol/amm-valuator/internal/events"
	"github.com/ssprotocol/amm-valuator/internal/utils/logger"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.DefaultConfig()
	logCfg.LogFile = cfg.LogFile
	logCfg.Development = cfg.DebugLogging
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting AMM valuator", zap.String("config", *configPath))

	endStartup := log.TrackPerformance("startup")
	runner, err := app.NewRunner(cfg, log.WithChain(cfg.ChainID, cfg.RouterAddress))
	if err != nil {
		log.LogError("Failed to initialize valuator", err)
		os.Exit(1)
	}
	endStartup()

	reportEvents(runner.Bus(), log.WithComponent("report"))
	go exportOnSignal(ctx, runner, log.WithComponent("export"))

	if err := runner.Run(ctx); err != nil {
		log.LogError("Valuator stopped with errors", err)
		os.Exit(1)
	}
	log.Info("Valuator stopped")
}

// exportOnSignal writes a report on every SIGUSR1.
func exportOnSignal(ctx context.Context, runner *app.Runner, log *zap.Logger) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-usr1:
			if _, err := runner.Export(); err != nil {
				log.Warn("Export failed", zap.Error(err))
			}
		}
	}
}

// reportEvents logs every pipeline outcome; without a dashboard the log
// is the output.
func reportEvents(bus *events.Bus, log *zap.Logger) {
	bus.SubscribeFunc(events.ValuationUpdated, func(_ context.Context, e events.Event) error {
		ev := e.(events.ValuationUpdatedEvent)
		log.Info("Portfolio valued",
			zap.String("total", ev.TotalSum),
			zap.String("trigger", ev.Trigger),
			zap.Int("tokens", ev.Tokens),
			zap.Duration("duration", ev.Duration))
		return nil
	})
	bus.SubscribeFunc(events.ValuationFailed, func(_ context.Context, e events.Event) error {
		ev := e.(events.ValuationFailedEvent)
		log.Warn("Portfolio valuation degraded",
			zap.String("fallback", ev.Fallback),
			zap.Error(ev.Error))
		return nil
	})
	bus.SubscribeFunc(events.EstimateUpdated, func(_ context.Context, e events.Event) error {
		ev := e.(events.EstimateUpdatedEvent)
		log.Info("Claim estimate",
			zap.String("value", ev.Estimate),
			zap.String("source", ev.Source))
		return nil
	})
}
