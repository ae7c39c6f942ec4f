package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"analytics-kiosk/backend/internal/domain/analytics"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AnalyticsRepository 负责实时快照、地区历史与每日用户指标三张表的持久化。
type AnalyticsRepository struct {
	db     *gorm.DB
	policy analytics.BatchPolicy
	now    func() time.Time
	logger *zap.SugaredLogger

	readyOnce sync.Once
	readyErr  error
}

// AnalyticsRepositoryOption 用于定制仓储行为。
type AnalyticsRepositoryOption func(*AnalyticsRepository)

// WithBatchPolicy 指定地区批量写入策略。
func WithBatchPolicy(policy analytics.BatchPolicy) AnalyticsRepositoryOption {
	return func(r *AnalyticsRepository) {
		if policy != "" {
			r.policy = policy
		}
	}
}

// WithClock 注入时钟，测试中用于固定"当前时间"。
func WithClock(now func() time.Time) AnalyticsRepositoryOption {
	return func(r *AnalyticsRepository) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRepositoryLogger 指定日志输出。
func WithRepositoryLogger(logger *zap.SugaredLogger) AnalyticsRepositoryOption {
	return func(r *AnalyticsRepository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewAnalyticsRepository 构造仓储，db 为空时返回 nil，调用方据此判断存储不可用。
func NewAnalyticsRepository(db *gorm.DB, opts ...AnalyticsRepositoryOption) *AnalyticsRepository {
	if db == nil {
		return nil
	}
	repo := &AnalyticsRepository{
		db:     db,
		policy: analytics.BatchBestEffort,
		now:    time.Now,
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Init 确保表结构就绪，重复调用只会迁移一次；失败后所有操作都返回 ErrStoreUnavailable。
func (r *AnalyticsRepository) Init(ctx context.Context) error {
	return r.ensureReady(ctx)
}

func (r *AnalyticsRepository) ensureReady(ctx context.Context) error {
	if r == nil || r.db == nil {
		return analytics.ErrStoreUnavailable
	}
	r.readyOnce.Do(func() {
		if err := r.db.WithContext(ctx).AutoMigrate(
			&analytics.SnapshotRecord{},
			&analytics.LocationRecord{},
			&analytics.DailyUserMetric{},
		); err != nil {
			r.readyErr = fmt.Errorf("%w: migrate: %v", analytics.ErrStoreUnavailable, err)
			r.logger.Errorw("analytics store migrate failed", "error", err)
		}
	})
	return r.readyErr
}

// AppendSnapshot 写入一次实时快照，采集时间取自仓储时钟。
func (r *AnalyticsRepository) AppendSnapshot(ctx context.Context, input analytics.SnapshotInput) (analytics.Snapshot, error) {
	if err := r.ensureReady(ctx); err != nil {
		return analytics.Snapshot{}, err
	}
	record, err := analytics.NewSnapshotRecord(input, r.now())
	if err != nil {
		return analytics.Snapshot{}, &analytics.StoreError{Op: "append snapshot", Err: err}
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return analytics.Snapshot{}, &analytics.StoreError{Op: "append snapshot", Err: err}
	}
	snap, err := record.Decode()
	if err != nil {
		return analytics.Snapshot{}, &analytics.StoreError{Op: "append snapshot", Err: err}
	}
	return snap, nil
}

// AppendLocationBatch 将地区明细逐行写入 location_history，所有行复用快照的采集时间。
// best_effort 策略下坏行被跳过并记入结果；fail_fast 策略下遇到坏行返回 PartialBatchError。
func (r *AnalyticsRepository) AppendLocationBatch(ctx context.Context, details []analytics.LocationDetail, snap analytics.Snapshot) (analytics.BatchResult, error) {
	if err := r.ensureReady(ctx); err != nil {
		return analytics.BatchResult{}, err
	}

	result := analytics.BatchResult{}
	capturedAt := snap.CapturedAt.UTC()
	if snap.CapturedAt.IsZero() {
		capturedAt = r.now().UTC()
	}

	for idx, detail := range details {
		rowErr := detail.Validate()
		if rowErr == nil {
			record := analytics.LocationRecord{
				CapturedAt:  capturedAt,
				Country:     analytics.DimensionOrUnknown(detail.Country),
				City:        analytics.DimensionOrUnknown(detail.City),
				ActiveUsers: detail.ActiveUsers,
				SnapshotID:  snap.ID,
			}
			rowErr = r.db.WithContext(ctx).Create(&record).Error
		}
		if rowErr == nil {
			result.Inserted++
			continue
		}

		failure := analytics.RowFailure{Index: idx, Country: detail.Country, City: detail.City, Err: rowErr}
		result.Failures = append(result.Failures, failure)
		r.logger.Warnw("location row rejected", "index", idx, "country", detail.Country, "city", detail.City, "error", rowErr)

		if r.policy == analytics.BatchFailFast {
			return result, &analytics.PartialBatchError{Inserted: result.Inserted, Failures: result.Failures}
		}
	}
	return result, nil
}

// GetLatestSnapshot 返回采集时间最新的快照，表为空时返回 nil。
func (r *AnalyticsRepository) GetLatestSnapshot(ctx context.Context) (*analytics.Snapshot, error) {
	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}
	var record analytics.SnapshotRecord
	err := r.db.WithContext(ctx).
		Order("captured_at DESC").
		Order("id DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &analytics.StoreError{Op: "latest snapshot", Err: err}
	}
	snap, err := record.Decode()
	if err != nil {
		return nil, &analytics.StoreError{Op: "latest snapshot", Key: fmt.Sprint(record.ID), Err: err}
	}
	return &snap, nil
}

// GetLocationHistory 返回最近 hours 小时内的地区记录，按时间倒序、同一时间按人数倒序。
func (r *AnalyticsRepository) GetLocationHistory(ctx context.Context, hours int) ([]analytics.LocationRecord, error) {
	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}
	if hours <= 0 {
		return []analytics.LocationRecord{}, nil
	}
	cutoff := r.now().UTC().Add(-time.Duration(hours) * time.Hour)

	records := make([]analytics.LocationRecord, 0)
	if err := r.db.WithContext(ctx).
		Where("captured_at > ?", cutoff).
		Order("captured_at DESC").
		Order("active_users DESC").
		Find(&records).Error; err != nil {
		return nil, &analytics.StoreError{Op: "location history", Err: err}
	}
	return records, nil
}

// UpsertDailyMetric 按日期写入或覆盖每日指标。
// 可选字段为 nil 时不参与更新，保留库中已有的值。
func (r *AnalyticsRepository) UpsertDailyMetric(ctx context.Context, metric analytics.DailyMetric) error {
	if err := r.ensureReady(ctx); err != nil {
		return err
	}
	if err := analytics.ValidateDate(metric.Date); err != nil {
		return &analytics.StoreError{Op: "upsert daily metric", Key: metric.Date, Err: err}
	}

	record := analytics.DailyUserMetric{
		MetricsDate:    metric.Date,
		TotalUsers:     metric.TotalUsers,
		NewUsers:       metric.NewUsers,
		ReturningUsers: metric.ReturningUsers,
		ActiveUsers:    metric.ActiveUsers,
		Sessions:       metric.Sessions,
	}

	updates := []string{"total_users", "new_users", "returning_users", "updated_at"}
	if metric.ActiveUsers != nil {
		updates = append(updates, "active_users")
	}
	if metric.Sessions != nil {
		updates = append(updates, "sessions")
	}

	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "metrics_date"}},
			DoUpdates: clause.AssignmentColumns(updates),
		}).
		Create(&record).Error; err != nil {
		return &analytics.StoreError{Op: "upsert daily metric", Key: metric.Date, Err: err}
	}
	return nil
}

// UpsertDailyMetricsBatch 依次 upsert 多日指标，返回成功条数；出错时立即返回。
func (r *AnalyticsRepository) UpsertDailyMetricsBatch(ctx context.Context, metrics []analytics.DailyMetric) (int, error) {
	saved := 0
	for _, metric := range metrics {
		if err := r.UpsertDailyMetric(ctx, metric); err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}

// GetDailyMetrics 返回 [start, end] 闭区间内的每日指标，按日期升序。任一端为空表示该端不限。
func (r *AnalyticsRepository) GetDailyMetrics(ctx context.Context, start, end string) ([]analytics.DailyUserMetric, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	for _, bound := range []string{start, end} {
		if bound == "" {
			continue
		}
		if err := analytics.ValidateDate(bound); err != nil {
			return nil, &analytics.StoreError{Op: "daily metrics", Key: bound, Err: err}
		}
	}
	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := r.db.WithContext(ctx).Model(&analytics.DailyUserMetric{})
	if start != "" {
		query = query.Where("metrics_date >= ?", start)
	}
	if end != "" {
		query = query.Where("metrics_date <= ?", end)
	}
	records := make([]analytics.DailyUserMetric, 0)
	if err := query.Order("metrics_date ASC").Find(&records).Error; err != nil {
		return nil, &analytics.StoreError{Op: "daily metrics", Key: start + ".." + end, Err: err}
	}
	return records, nil
}

// ListSnapshots 返回最近 limit 条快照，供数据查看页使用。
func (r *AnalyticsRepository) ListSnapshots(ctx context.Context, limit int) ([]analytics.Snapshot, error) {
	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}
	var records []analytics.SnapshotRecord
	if err := r.db.WithContext(ctx).
		Order("captured_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, &analytics.StoreError{Op: "list snapshots", Err: err}
	}
	snaps := make([]analytics.Snapshot, 0, len(records))
	for _, record := range records {
		snap, err := record.Decode()
		if err != nil {
			return nil, &analytics.StoreError{Op: "list snapshots", Key: fmt.Sprint(record.ID), Err: err}
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// ListLocationRecords 返回最近 limit 条地区记录，并关联所属快照的总人数。
func (r *AnalyticsRepository) ListLocationRecords(ctx context.Context, limit int) ([]analytics.LocationRecordWithTotal, error) {
	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}
	rows := make([]analytics.LocationRecordWithTotal, 0)
	if err := r.db.WithContext(ctx).
		Table("location_history AS lh").
		Select("lh.id, lh.captured_at, lh.country, lh.city, lh.active_users, lh.snapshot_id, rs.total_active_users AS collection_total").
		Joins("LEFT JOIN realtime_snapshots AS rs ON rs.id = lh.snapshot_id").
		Order("lh.captured_at DESC").
		Order("lh.id DESC").
		Limit(limit).
		Scan(&rows).Error; err != nil {
		return nil, &analytics.StoreError{Op: "list locations", Err: err}
	}
	return rows, nil
}

// CountSnapshots 返回快照总数。
func (r *AnalyticsRepository) CountSnapshots(ctx context.Context) (int64, error) {
	return r.count(ctx, &analytics.SnapshotRecord{})
}

// CountLocationRecords 返回地区记录总数。
func (r *AnalyticsRepository) CountLocationRecords(ctx context.Context) (int64, error) {
	return r.count(ctx, &analytics.LocationRecord{})
}

func (r *AnalyticsRepository) count(ctx context.Context, model any) (int64, error) {
	if err := r.ensureReady(ctx); err != nil {
		return 0, err
	}
	var total int64
	if err := r.db.WithContext(ctx).Model(model).Count(&total).Error; err != nil {
		return 0, &analytics.StoreError{Op: "count", Err: err}
	}
	return total, nil
}

// Ping 检查底层连接是否可用，供健康检查使用。
func (r *AnalyticsRepository) Ping(ctx context.Context) error {
	if err := r.ensureReady(ctx); err != nil {
		return err
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return &analytics.StoreError{Op: "ping", Err: err}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return &analytics.StoreError{Op: "ping", Err: err}
	}
	return nil
}
