package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"analytics-kiosk/backend/internal/app"
	"analytics-kiosk/backend/internal/bootstrap"
	"analytics-kiosk/backend/internal/infra/logger"
	"analytics-kiosk/backend/internal/infra/metrics"

	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	zapLogger, err := logger.Init()
	if err != nil {
		panic(fmt.Sprintf("init logger failed: %v", err))
	}
	sugar := zapLogger.Sugar()

	if err := run(sugar); err != nil {
		sugar.Errorw("server exited with error", "error", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(sugar *zap.SugaredLogger) error {
	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resources, err := app.InitResources(ctx)
	if err != nil {
		return fmt.Errorf("init resources: %w", err)
	}
	defer func() {
		if cerr := resources.Close(); cerr != nil {
			sugar.Warnw("close resources failed", "error", cerr)
		}
	}()

	application, err := bootstrap.BuildApplication(ctx, sugar.Named("bootstrap"), resources)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	if resources.Config.Scheduler.Autostart {
		application.Scheduler.Start()
	}

	srv := &http.Server{
		Addr:              ":" + resources.Config.Port,
		Handler:           application.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		sugar.Infow("http server listening", "addr", srv.Addr, "mode", resources.Config.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		sugar.Infow("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	application.Scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("http server shutdown failed", "error", err)
	}
	sugar.Infow("server stopped")
	return runErr
}
