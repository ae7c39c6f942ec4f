package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"analytics-kiosk/backend/internal/app"
	"analytics-kiosk/backend/internal/bootstrap"
	"analytics-kiosk/backend/internal/domain/analytics"
	"analytics-kiosk/backend/internal/infra/logger"

	"go.uber.org/zap"
)

var (
	days   = flag.Int("days", analytics.DefaultHistoricalDays, "导入的历史天数，截止到今天")
	recent = flag.Bool("recent", false, "只刷新最近几天（DAILY_ROLLUP_DAYS），与每日定时任务一致")
)

func main() {
	flag.Parse()

	zapLogger, err := logger.Init()
	if err != nil {
		panic(fmt.Sprintf("init logger failed: %v", err))
	}
	sugar := zapLogger.Sugar()

	if err := run(sugar); err != nil {
		sugar.Errorw("import metrics failed", "error", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(sugar *zap.SugaredLogger) error {
	if *days <= 0 {
		return fmt.Errorf("days must be positive, got %d", *days)
	}

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

	if *recent {
		summary, err := application.Scheduler.RefreshRecent(ctx, 0)
		if err != nil {
			return fmt.Errorf("refresh recent metrics: %w", err)
		}
		sugar.Infow("recent metrics refreshed", "saved", summary.Saved, "start", summary.StartDate, "end", summary.EndDate)
		return nil
	}

	summary, err := application.Scheduler.ImportHistorical(ctx, *days)
	if err != nil {
		return fmt.Errorf("import historical metrics (%d days): %w", *days, err)
	}
	sugar.Infow("historical metrics imported", "saved", summary.Saved, "start", summary.StartDate, "end", summary.EndDate)
	return nil
}
