package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/lexivid/transcript-pipeline/internal/config"
	"github.com/lexivid/transcript-pipeline/internal/engine"
	"github.com/lexivid/transcript-pipeline/internal/httpapi"
	"github.com/lexivid/transcript-pipeline/internal/persistence"
	"github.com/lexivid/transcript-pipeline/internal/service"
	"github.com/lexivid/transcript-pipeline/pkg/log"
)

const shutdownGrace = 10 * time.Second

type cronEngine interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	log.InitLogger(log.ParseLevel(cfg.System.LogLevel))

	store, err := persistence.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("Failed to open store at %s: %v", cfg.Storage.DBPath, err)
	}
	defer store.Close()

	// A missing sandbox runtime would fail every job, so refuse to start.
	probe := engine.NewInvoker(cfg.Engine, cfg.Storage.AudiosDir())
	if err := probe.Probe(context.Background()); err != nil {
		log.Fatal("Engine runtime check failed: %v", err)
	}

	svc := service.NewService(cfg, store)
	svc.Start()
	defer svc.Stop()

	maintenance := cron.New()
	if _, err := maintenance.AddFunc(cfg.Queue.MaintenanceSpec, svc.Maintain); err != nil {
		log.Fatal("Invalid maintenance schedule %q: %v", cfg.Queue.MaintenanceSpec, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runWithComponents(ctx, cfg, maintenance, httpapi.NewServer(svc)); err != nil {
		log.Fatal("Server error: %v", err)
	}
	log.Info("Shutdown complete")
}

// runWithComponents runs the cron scheduler and HTTP server until ctx is
// cancelled or the server fails on its own.
func runWithComponents(ctx context.Context, cfg *config.Config, maintenance cronEngine, httpSrv httpServer) error {
	maintenance.Start()
	defer func() {
		<-maintenance.Stop().Done()
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening on %s", cfg.System.HTTPAddr)
		err := httpSrv.ListenAndServe(cfg.System.HTTPAddr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
