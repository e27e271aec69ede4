package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/ssprotocol/amm-valuator/internal/app"
	"github.com/ssprotocol/amm-valuator/internal/config"
	"github.com/ssprotocol/amm-valuator/internal/ui"
	"github.com/ssprotocol/amm-valuator/internal/utils/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Консоль занята интерфейсом, логи только в файл
	logCfg := logger.DefaultConfig()
	logCfg.LogFile = cfg.LogFile
	logCfg.Development = cfg.DebugLogging
	logCfg.Console = false
	ring := logger.NewRing(50, zapcore.WarnLevel)
	logCfg.Ring = ring
	appLogger, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Close()

	appLogger.Info("Starting AMM valuator TUI")

	runner, err := app.NewRunner(cfg, appLogger.WithChain(cfg.ChainID, cfg.RouterAddress))
	if err != nil {
		appLogger.LogError("Failed to initialize valuator", err)
		fmt.Fprintf(os.Stderr, "Failed to initialize valuator: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		appLogger.LogError("Failed to start valuator", err)
		fmt.Fprintf(os.Stderr, "Failed to start valuator: %v\n", err)
		os.Exit(1)
	}

	msgChan := make(chan tea.Msg, 256)
	sender := ui.NewUpdateSender(msgChan, appLogger.WithComponent("tui"))
	sender.Attach(runner.Bus(), ui.DashboardEvents...)

	unit := strings.TrimPrefix(cfg.WrappedNativeSymbol, "W")
	recovery := ui.NewRecoveryHandler(appLogger.Logger, func() (tea.Model, []tea.ProgramOption) {
		return ui.NewDashboard(runner, msgChan, unit).WithLogs(ring), []tea.ProgramOption{
			tea.WithAltScreen(),
			tea.WithReportFocus(),
			tea.WithoutSignalHandler(),
		}
	})

	go func() {
		<-ctx.Done()
		recovery.Stop()
	}()

	if err := recovery.RunWithRecovery(ctx); err != nil && ctx.Err() == nil {
		appLogger.Error("TUI application failed", zap.Error(err))
	}

	appLogger.Info("Shutting down TUI application")
	cancel()
	sender.Close()
	if err := runner.Close(); err != nil {
		appLogger.LogError("Shutdown completed with errors", err)
	}
}
