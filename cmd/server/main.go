package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitsongofficial/faucet/internal/config"
	"github.com/bitsongofficial/faucet/internal/dispatch"
	"github.com/bitsongofficial/faucet/internal/logging"
	"github.com/bitsongofficial/faucet/internal/runs"
	"github.com/bitsongofficial/faucet/internal/server"
	"github.com/bitsongofficial/faucet/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	store, closeStore, err := openRunStore(context.Background(), cfg.Service)
	if err != nil {
		logger.Error("run store error", "backend", cfg.Service.RunStore, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	metrics := server.NewMetrics()
	manager := session.NewManager(session.ChainConnector{}, logger).WithInitHook(metrics.SessionInit)
	defer manager.Close()

	dispatcher := dispatch.NewDispatcher(manager, store, logger).
		WithObserver(metrics).
		WithRetention(cfg.Service.RunRetention)

	sweepCtx, cancelSweep := context.WithTimeout(context.Background(), 15*time.Second)
	dispatcher.Sweep(sweepCtx, cfg.Chain.DispatchTimeout)
	cancelSweep()

	maintainCtx, stopMaintain := context.WithCancel(context.Background())
	defer stopMaintain()
	go dispatcher.Maintain(maintainCtx, cfg.Service.RunRetention/4, cfg.Chain.DispatchTimeout)

	logger.Info("faucet configured",
		"chain", cfg.Chain,
		"denom", cfg.Drip.Denom,
		"amount", cfg.Drip.Amount,
		"run_store", cfg.Service.RunStore,
	)

	apiServer := server.NewServer(cfg, dispatcher, manager, store, metrics, logger)

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	stopMaintain()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	_ = apiServer.Shutdown(ctx)
	if err := dispatcher.Drain(ctx); err != nil {
		logger.Warn("shutdown with dispatches in flight", "error", err)
	}
}

func openRunStore(ctx context.Context, cfg config.ServiceConfig) (runs.Store, func(), error) {
	switch cfg.RunStore {
	case config.RunStoreFile:
		fs, err := runs.NewFileStore(cfg.RunStorePath)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	case config.RunStorePostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		pg, err := runs.NewPostgresStore(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case config.RunStoreMemory, "":
		return runs.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown run store %q", cfg.RunStore)
	}
}
