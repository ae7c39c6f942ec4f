package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"analytics-kiosk/backend/internal/domain/analytics"
	appLogger "analytics-kiosk/backend/internal/infra/logger"
	"analytics-kiosk/backend/internal/infra/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultInterval   = 3 * time.Minute
	defaultRollupDays = 3
	defaultRunTimeout = 2 * time.Minute
)

var (
	// ErrCollectionInProgress 表示已有一次采集正在执行，本次触发被跳过。
	ErrCollectionInProgress = errors.New("collection already in progress")
	// ErrNoData 表示上游在请求的日期区间内没有返回任何指标。
	ErrNoData = errors.New("no metrics returned for requested range")
)

// Source 抽象采集所需的上游数据源。
type Source interface {
	FetchRealtimeSnapshot(ctx context.Context) (analytics.RealtimeSummary, error)
	FetchRealtimeLocations(ctx context.Context) (analytics.RealtimeLocations, error)
	FetchDailyUserMetrics(ctx context.Context, start, end string) ([]analytics.DailyMetric, error)
}

// Store 抽象采集结果的持久化。
type Store interface {
	AppendSnapshot(ctx context.Context, input analytics.SnapshotInput) (analytics.Snapshot, error)
	AppendLocationBatch(ctx context.Context, details []analytics.LocationDetail, snap analytics.Snapshot) (analytics.BatchResult, error)
	UpsertDailyMetricsBatch(ctx context.Context, metrics []analytics.DailyMetric) (int, error)
}

// Config 描述调度参数。
type Config struct {
	Interval     time.Duration
	RollupHour   int
	RollupMinute int
	RollupDays   int
	Location     *time.Location
	RunTimeout   time.Duration
	BatchPolicy  analytics.BatchPolicy
}

// CollectionSummary 是一次实时采集的结果。
type CollectionSummary struct {
	RunID      string    `json:"runId"`
	SnapshotID uint      `json:"snapshotId"`
	TotalUsers int       `json:"totalUsers"`
	Locations  int       `json:"locations"`
	Inserted   int       `json:"inserted"`
	Failed     int       `json:"failed"`
	CapturedAt time.Time `json:"timestamp"`
}

// ImportSummary 是一次每日指标刷新或历史导入的结果。
type ImportSummary struct {
	Days      int                     `json:"days"`
	StartDate string                  `json:"startDate"`
	EndDate   string                  `json:"endDate"`
	Saved     int                     `json:"saved"`
	Dates     []string                `json:"dates"`
	Metrics   []analytics.DailyMetric `json:"metrics"`
}

// Status 是调度器的粗粒度运行状态。
type Status struct {
	Running        bool               `json:"isRunning"`
	Schedule       string             `json:"schedule"`
	RollupRunning  bool               `json:"rollupRunning"`
	RollupSchedule string             `json:"rollupSchedule"`
	Collecting     bool               `json:"collecting"`
	LastSuccessAt  *time.Time         `json:"lastSuccessAt,omitempty"`
	LastError      string             `json:"lastError,omitempty"`
	LastSummary    *CollectionSummary `json:"lastSummary,omitempty"`
}

type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler 负责实时采集与每日指标刷新两个周期任务。
// 每次触发使用独立的超时上下文，Stop 只停止后续触发，不会中断正在执行的采集。
type Scheduler struct {
	cfg    Config
	logger *zap.SugaredLogger
	source Source
	store  Store
	now    func() time.Time

	collecting atomic.Bool
	rolling    atomic.Bool

	mu          sync.Mutex
	realtime    *loopHandle
	rollup      *loopHandle
	lastSuccess time.Time
	lastError   string
	lastSummary *CollectionSummary
}

// Option 用于定制 Scheduler。
type Option func(*Scheduler)

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler 创建调度器，若 logger 为空则使用默认日志实例。
func NewScheduler(cfg Config, logger *zap.SugaredLogger, source Source, store Store, opts ...Option) *Scheduler {
	if logger == nil {
		logger = appLogger.Named("service.collector")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.RollupDays <= 0 {
		cfg.RollupDays = defaultRollupDays
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BatchPolicy == "" {
		cfg.BatchPolicy = analytics.BatchBestEffort
	}
	s := &Scheduler{
		cfg:    cfg,
		logger: logger,
		source: source,
		store:  store,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 启动实时采集与每日刷新，重复调用无副作用。
func (s *Scheduler) Start() {
	s.StartRealtime()
	s.StartDailyRollup()
}

// Stop 停止两个周期任务。
func (s *Scheduler) Stop() {
	s.StopRealtime()
	s.StopDailyRollup()
}

// StartRealtime 启动实时采集：立即执行一次，之后按固定间隔触发。返回 false 表示已在运行。
func (s *Scheduler) StartRealtime() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.realtime != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &loopHandle{cancel: cancel, done: make(chan struct{})}
	s.realtime = handle

	s.logger.Infow("realtime collection started", "interval", s.cfg.Interval)
	go func() {
		defer close(handle.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		go s.fireCollection("schedule")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				go s.fireCollection("schedule")
			}
		}
	}()
	return true
}

// StopRealtime 停止实时采集，返回 false 表示本就未运行。
func (s *Scheduler) StopRealtime() bool {
	s.mu.Lock()
	handle := s.realtime
	s.realtime = nil
	s.mu.Unlock()
	if handle == nil {
		return false
	}
	handle.cancel()
	<-handle.done
	s.logger.Infow("realtime collection stopped")
	return true
}

// StartDailyRollup 启动每日指标刷新，在配置时区的固定时刻触发。
func (s *Scheduler) StartDailyRollup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rollup != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &loopHandle{cancel: cancel, done: make(chan struct{})}
	s.rollup = handle

	next := nextRollupTime(s.now(), s.cfg.RollupHour, s.cfg.RollupMinute, s.cfg.Location)
	s.logger.Infow("daily rollup started", "at", s.rollupSchedule(), "next_run", next, "days", s.cfg.RollupDays)
	go func() {
		defer close(handle.done)
		timer := time.NewTimer(next.Sub(s.now()))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				go s.fireRollup()
				next = nextRollupTime(s.now(), s.cfg.RollupHour, s.cfg.RollupMinute, s.cfg.Location)
				timer.Reset(next.Sub(s.now()))
			}
		}
	}()
	return true
}

// StopDailyRollup 停止每日指标刷新。
func (s *Scheduler) StopDailyRollup() bool {
	s.mu.Lock()
	handle := s.rollup
	s.rollup = nil
	s.mu.Unlock()
	if handle == nil {
		return false
	}
	handle.cancel()
	<-handle.done
	s.logger.Infow("daily rollup stopped")
	return true
}

// CollectNow 同步执行一次采集。调用方取消请求不会中断已开始的写入。
func (s *Scheduler) CollectNow(ctx context.Context) (CollectionSummary, error) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RunTimeout)
	defer cancel()
	return s.collect(runCtx, "manual")
}

// RefreshRecent 刷新包含今天在内最近 days 天的每日指标，days<=0 时使用配置值。
func (s *Scheduler) RefreshRecent(ctx context.Context, days int) (ImportSummary, error) {
	if days <= 0 {
		days = s.cfg.RollupDays
	}
	start, end := analytics.RecentRange(analytics.Today(s.now(), s.cfg.Location), days)
	summary, err := s.importRange(ctx, days, start, end)
	if errors.Is(err, ErrNoData) {
		s.logger.Infow("no daily metrics returned for recent window", "start", start, "end", end)
		metrics.RecordRollup("recent", "empty")
		return summary, nil
	}
	metrics.RecordRollup("recent", resultLabel(err))
	return summary, err
}

// ImportHistorical 导入 days 天前到今天的每日指标，上游无数据时返回 ErrNoData。
func (s *Scheduler) ImportHistorical(ctx context.Context, days int) (ImportSummary, error) {
	if days <= 0 {
		days = analytics.DefaultHistoricalDays
	}
	start, end := analytics.HistoricalRange(analytics.Today(s.now(), s.cfg.Location), days)
	summary, err := s.importRange(ctx, days, start, end)
	metrics.RecordRollup("historical", resultLabel(err))
	return summary, err
}

// Status 返回调度器当前状态。
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Running:        s.realtime != nil,
		Schedule:       fmt.Sprintf("every %s", s.cfg.Interval),
		RollupRunning:  s.rollup != nil,
		RollupSchedule: s.rollupSchedule(),
		Collecting:     s.collecting.Load(),
		LastError:      s.lastError,
	}
	if !s.lastSuccess.IsZero() {
		at := s.lastSuccess
		status.LastSuccessAt = &at
	}
	if s.lastSummary != nil {
		summary := *s.lastSummary
		status.LastSummary = &summary
	}
	return status
}

func (s *Scheduler) fireCollection(trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()

	if _, err := s.collect(ctx, trigger); err != nil {
		if errors.Is(err, ErrCollectionInProgress) {
			s.logger.Infow("collection skipped, previous still running", "trigger", trigger)
			return
		}
		s.logger.Errorw("scheduled collection failed", "trigger", trigger, "error", err)
	}
}

func (s *Scheduler) fireRollup() {
	if !s.rolling.CompareAndSwap(false, true) {
		s.logger.Infow("daily rollup skipped, previous still running")
		return
	}
	defer s.rolling.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("daily rollup panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()

	summary, err := s.RefreshRecent(ctx, s.cfg.RollupDays)
	if err != nil {
		s.logger.Errorw("daily rollup failed", "days", s.cfg.RollupDays, "error", err)
		return
	}
	s.logger.Infow("daily rollup completed", "start", summary.StartDate, "end", summary.EndDate, "saved", summary.Saved)
}

// collect 执行一次完整采集：并发拉取快照与地区，任一失败则不写库。
func (s *Scheduler) collect(ctx context.Context, trigger string) (summary CollectionSummary, err error) {
	if !s.collecting.CompareAndSwap(false, true) {
		metrics.ObserveCollection(trigger, "skipped", 0)
		return CollectionSummary{}, ErrCollectionInProgress
	}
	defer s.collecting.Store(false)

	runID := uuid.NewString()
	started := time.Now()
	logger := s.logger.With("run_id", runID, "trigger", trigger)

	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("collection panicked", "panic", r)
			err = fmt.Errorf("collection panicked: %v", r)
		}
		metrics.ObserveCollection(trigger, resultLabel(err), time.Since(started))
		s.recordOutcome(summary, err)
	}()

	var (
		realtime  analytics.RealtimeSummary
		locations analytics.RealtimeLocations
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var fetchErr error
		realtime, fetchErr = s.source.FetchRealtimeSnapshot(groupCtx)
		return fetchErr
	})
	group.Go(func() error {
		var fetchErr error
		locations, fetchErr = s.source.FetchRealtimeLocations(groupCtx)
		return fetchErr
	})
	if err := group.Wait(); err != nil {
		logger.Warnw("realtime fetch failed, nothing written", "error", err)
		return CollectionSummary{}, err
	}

	snap, err := s.store.AppendSnapshot(ctx, analytics.MergeCollection(realtime, locations))
	if err != nil {
		metrics.RecordStoreError("append_snapshot")
		logger.Errorw("append snapshot failed", "error", err)
		return CollectionSummary{}, err
	}

	summary = CollectionSummary{
		RunID:      runID,
		SnapshotID: snap.ID,
		TotalUsers: realtime.TotalActiveUsers,
		Locations:  len(locations.LocationDetails),
		CapturedAt: snap.CapturedAt,
	}

	result, err := s.store.AppendLocationBatch(ctx, locations.LocationDetails, snap)
	summary.Inserted = result.Inserted
	summary.Failed = result.FailureCount()
	if result.FailureCount() > 0 {
		metrics.AddLocationRowFailures(string(s.cfg.BatchPolicy), result.FailureCount())
		logger.Warnw("location batch partially written", "inserted", result.Inserted, "failed", result.FailureCount())
	}
	if err != nil {
		metrics.RecordStoreError("append_locations")
		logger.Errorw("append locations failed", "snapshot_id", snap.ID, "error", err)
		return summary, err
	}

	metrics.SetLastActiveUsers(summary.TotalUsers)
	logger.Infow("collection completed",
		"snapshot_id", snap.ID,
		"total_users", summary.TotalUsers,
		"locations", summary.Locations,
		"duration", time.Since(started),
	)
	return summary, nil
}

func (s *Scheduler) importRange(ctx context.Context, days int, start, end string) (ImportSummary, error) {
	summary := ImportSummary{Days: days, StartDate: start, EndDate: end, Dates: []string{}, Metrics: []analytics.DailyMetric{}}

	rows, err := s.source.FetchDailyUserMetrics(ctx, start, end)
	if err != nil {
		s.logger.Warnw("fetch daily metrics failed", "start", start, "end", end, "error", err)
		return summary, err
	}
	if len(rows) == 0 {
		return summary, ErrNoData
	}

	saved, err := s.store.UpsertDailyMetricsBatch(ctx, rows)
	summary.Saved = saved
	for _, row := range rows[:saved] {
		summary.Dates = append(summary.Dates, row.Date)
	}
	summary.Metrics = rows
	if err != nil {
		metrics.RecordStoreError("upsert_daily_metrics")
		s.logger.Errorw("upsert daily metrics failed", "saved", saved, "error", err)
		return summary, err
	}
	s.logger.Infow("daily metrics saved", "start", start, "end", end, "saved", saved)
	return summary, nil
}

func (s *Scheduler) recordOutcome(summary CollectionSummary, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastError = err.Error()
		return
	}
	s.lastSuccess = s.now()
	s.lastError = ""
	s.lastSummary = &summary
}

func (s *Scheduler) rollupSchedule() string {
	return fmt.Sprintf("daily at %02d:%02d %s", s.cfg.RollupHour, s.cfg.RollupMinute, s.cfg.Location)
}

// nextRollupTime 返回 now 之后（不含）在 loc 时区的下一个 hour:minute。
func nextRollupTime(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCollectionInProgress):
		return "skipped"
	case errors.Is(err, ErrNoData):
		return "empty"
	default:
		return "error"
	}
}
