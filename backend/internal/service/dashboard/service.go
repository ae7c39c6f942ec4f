package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"analytics-kiosk/backend/internal/domain/analytics"
)

const (
	defaultRollupHours = 24
	rollupTopN         = 10
	chartEndLagDays    = 2
	recentPreviewDays  = 7
	defaultTableLimit  = 100
	maxTableLimit      = 1000

	// TableSnapshots 与 TableLocations 是数据查看页可选的表名。
	TableSnapshots = "active_users"
	TableLocations = "location_history"
)

// ErrInvalidInput 表示查询参数不合法，handler 映射为 400。
var ErrInvalidInput = errors.New("invalid input")

// Window 是图表的时间窗口。
type Window string

const (
	Window1Y Window = "1y"
	Window2Y Window = "2y"
)

// ParseWindow 解析窗口参数，空值视为 1y。
func ParseWindow(raw string) (Window, error) {
	switch Window(strings.ToLower(strings.TrimSpace(raw))) {
	case "", Window1Y:
		return Window1Y, nil
	case Window2Y:
		return Window2Y, nil
	default:
		return "", fmt.Errorf("%w: unsupported range %q", ErrInvalidInput, raw)
	}
}

func (w Window) years() int {
	if w == Window2Y {
		return 2
	}
	return 1
}

// Store 是查询服务依赖的只读存储接口。
type Store interface {
	GetLatestSnapshot(ctx context.Context) (*analytics.Snapshot, error)
	GetLocationHistory(ctx context.Context, hours int) ([]analytics.LocationRecord, error)
	GetDailyMetrics(ctx context.Context, start, end string) ([]analytics.DailyUserMetric, error)
	ListSnapshots(ctx context.Context, limit int) ([]analytics.Snapshot, error)
	ListLocationRecords(ctx context.Context, limit int) ([]analytics.LocationRecordWithTotal, error)
	CountSnapshots(ctx context.Context) (int64, error)
	CountLocationRecords(ctx context.Context) (int64, error)
}

// LatestView 是看板首屏使用的最新快照视图。
type LatestView struct {
	HasData          bool                       `json:"hasData"`
	TotalActiveUsers int                        `json:"totalActiveUsers"`
	ByCountry        map[string]int             `json:"byCountry"`
	ByDevice         map[string]int             `json:"byDevice"`
	ByPlatform       map[string]int             `json:"byPlatform"`
	LocationDetails  []analytics.LocationDetail `json:"locationDetails"`
	Timestamp        time.Time                  `json:"timestamp"`
}

// BucketLocation 是时间桶内的一条地区记录。
type BucketLocation struct {
	Country      string `json:"country"`
	City         string `json:"city"`
	ActiveUsers  int    `json:"activeUsers"`
	CollectionID uint   `json:"collectionId"`
}

// LocationBucket 聚合同一采集时刻的全部地区记录。
type LocationBucket struct {
	Timestamp      time.Time        `json:"timestamp"`
	TotalLocations int              `json:"totalLocations"`
	TotalUsers     int              `json:"totalUsers"`
	TopLocations   []BucketLocation `json:"topLocations"`
}

// LocationRollup 是最近若干小时的地区时间序列。
type LocationRollup struct {
	Hours        int              `json:"hours"`
	TotalRecords int              `json:"totalRecords"`
	TimeSeries   []LocationBucket `json:"timeSeries"`
}

// DateRange 是图表实际覆盖的首末日期，无数据时为空。
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ChartSeries 是按日期对齐的平行数组，供折线图直接使用。
type ChartSeries struct {
	Window    Window    `json:"range"`
	Labels    []string  `json:"labels"`
	Dates     []string  `json:"dates"`
	Total     []int     `json:"total"`
	New       []int     `json:"new"`
	Returning []int     `json:"returning"`
	Count     int       `json:"count"`
	DateRange DateRange `json:"dateRange"`
}

// MetricsView 是原始每日指标列表。
type MetricsView struct {
	StartDate string                      `json:"startDate,omitempty"`
	EndDate   string                      `json:"endDate,omitempty"`
	Metrics   []analytics.DailyUserMetric `json:"metrics"`
	Count     int                         `json:"count"`
}

// TableView 是数据查看页的一页数据。
type TableView struct {
	Table string `json:"table"`
	Limit int    `json:"limit"`
	Total int64  `json:"total"`
	Rows  any    `json:"data"`
}

// Service 负责把存储中的原始记录整形为看板视图。
type Service struct {
	store    Store
	location *time.Location
	now      func() time.Time
}

// Option 用于定制 Service。
type Option func(*Service)

// WithClock 注入时钟，便于测试日期窗口。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 构造查询服务，loc 决定“今天”的日期边界。
func NewService(store Store, loc *time.Location, opts ...Option) *Service {
	if loc == nil {
		loc = time.UTC
	}
	s := &Service{store: store, location: loc, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Latest 返回最新快照视图，存储为空时 HasData 为 false。
func (s *Service) Latest(ctx context.Context) (LatestView, error) {
	snap, err := s.store.GetLatestSnapshot(ctx)
	if err != nil {
		return LatestView{}, err
	}
	if snap == nil {
		return LatestView{
			ByCountry:       map[string]int{},
			ByDevice:        map[string]int{},
			ByPlatform:      map[string]int{},
			LocationDetails: []analytics.LocationDetail{},
			Timestamp:       s.now().UTC(),
		}, nil
	}
	details := snap.LocationDetails
	if details == nil {
		details = []analytics.LocationDetail{}
	}
	return LatestView{
		HasData:          true,
		TotalActiveUsers: snap.TotalActiveUsers,
		ByCountry:        snap.ByCountry,
		ByDevice:         snap.ByDevice,
		ByPlatform:       snap.ByPlatform,
		LocationDetails:  details,
		Timestamp:        snap.CapturedAt,
	}, nil
}

// LatestSnapshot 返回存储中的原始快照，可能为 nil。
func (s *Service) LatestSnapshot(ctx context.Context) (*analytics.Snapshot, error) {
	return s.store.GetLatestSnapshot(ctx)
}

// LocationRollup 按采集时刻分桶统计最近 hours 小时的地区记录，hours<=0 时取 24。
func (s *Service) LocationRollup(ctx context.Context, hours int) (LocationRollup, error) {
	if hours <= 0 {
		hours = defaultRollupHours
	}
	records, err := s.store.GetLocationHistory(ctx, hours)
	if err != nil {
		return LocationRollup{}, err
	}
	return LocationRollup{
		Hours:        hours,
		TotalRecords: len(records),
		TimeSeries:   BucketLocations(records, rollupTopN),
	}, nil
}

// BucketLocations 以采集时刻为键分组，桶按时间倒序，桶内保留人数最多的 topN 条。
func BucketLocations(records []analytics.LocationRecord, topN int) []LocationBucket {
	type accumulator struct {
		at        time.Time
		users     int
		distinct  map[string]struct{}
		locations []BucketLocation
	}
	order := make([]int64, 0)
	groups := make(map[int64]*accumulator)
	for _, record := range records {
		key := record.CapturedAt.UnixNano()
		acc, ok := groups[key]
		if !ok {
			acc = &accumulator{at: record.CapturedAt, distinct: map[string]struct{}{}}
			groups[key] = acc
			order = append(order, key)
		}
		acc.users += record.ActiveUsers
		acc.distinct[record.Country+"\x00"+record.City] = struct{}{}
		acc.locations = append(acc.locations, BucketLocation{
			Country:      record.Country,
			City:         record.City,
			ActiveUsers:  record.ActiveUsers,
			CollectionID: record.SnapshotID,
		})
	}

	buckets := make([]LocationBucket, 0, len(order))
	for _, key := range order {
		acc := groups[key]
		sort.SliceStable(acc.locations, func(i, j int) bool {
			return acc.locations[i].ActiveUsers > acc.locations[j].ActiveUsers
		})
		top := acc.locations
		if topN > 0 && len(top) > topN {
			top = top[:topN]
		}
		buckets = append(buckets, LocationBucket{
			Timestamp:      acc.at,
			TotalLocations: len(acc.distinct),
			TotalUsers:     acc.users,
			TopLocations:   top,
		})
	}
	sort.SliceStable(buckets, func(i, j int) bool {
		return buckets[i].Timestamp.After(buckets[j].Timestamp)
	})
	return buckets
}

// ChartSeries 返回窗口内截至两天前的每日指标。
func (s *Service) ChartSeries(ctx context.Context, window Window) (ChartSeries, error) {
	if window == "" {
		window = Window1Y
	}
	today := analytics.Today(s.now(), s.location)
	start := analytics.FormatDate(today.AddDate(-window.years(), 0, 0))
	end := analytics.FormatDate(today.AddDate(0, 0, -chartEndLagDays))

	rows, err := s.store.GetDailyMetrics(ctx, start, end)
	if err != nil {
		return ChartSeries{}, err
	}

	series := ChartSeries{
		Window:    window,
		Labels:    make([]string, 0, len(rows)),
		Dates:     make([]string, 0, len(rows)),
		Total:     make([]int, 0, len(rows)),
		New:       make([]int, 0, len(rows)),
		Returning: make([]int, 0, len(rows)),
		Count:     len(rows),
	}
	for _, row := range rows {
		series.Labels = append(series.Labels, shortLabel(row.MetricsDate))
		series.Dates = append(series.Dates, row.MetricsDate)
		series.Total = append(series.Total, row.TotalUsers)
		series.New = append(series.New, row.NewUsers)
		series.Returning = append(series.Returning, row.ReturningUsers)
	}
	if len(rows) > 0 {
		series.DateRange = DateRange{Start: rows[0].MetricsDate, End: rows[len(rows)-1].MetricsDate}
	}
	return series, nil
}

// DailyMetrics 返回 [start, end] 内的原始每日指标，任一端为空表示不限。
func (s *Service) DailyMetrics(ctx context.Context, start, end string) (MetricsView, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	for _, bound := range []string{start, end} {
		if bound == "" {
			continue
		}
		if err := analytics.ValidateDate(bound); err != nil {
			return MetricsView{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	if start != "" && end != "" && start > end {
		return MetricsView{}, fmt.Errorf("%w: startDate %s is after endDate %s", ErrInvalidInput, start, end)
	}

	rows, err := s.store.GetDailyMetrics(ctx, start, end)
	if err != nil {
		return MetricsView{}, err
	}
	return MetricsView{StartDate: start, EndDate: end, Metrics: rows, Count: len(rows)}, nil
}

// RecentMetrics 返回最近 7 天的每日指标预览。
func (s *Service) RecentMetrics(ctx context.Context) (MetricsView, error) {
	today := analytics.Today(s.now(), s.location)
	start := analytics.FormatDate(today.AddDate(0, 0, -recentPreviewDays))
	end := analytics.FormatDate(today)
	rows, err := s.store.GetDailyMetrics(ctx, start, end)
	if err != nil {
		return MetricsView{}, err
	}
	return MetricsView{StartDate: start, EndDate: end, Metrics: rows, Count: len(rows)}, nil
}

// StoreTable 返回指定表最近 limit 行与总行数，table 为空时查看快照表。
func (s *Service) StoreTable(ctx context.Context, table string, limit int) (TableView, error) {
	if limit <= 0 {
		limit = defaultTableLimit
	}
	if limit > maxTableLimit {
		limit = maxTableLimit
	}

	view := TableView{Limit: limit}
	switch strings.TrimSpace(table) {
	case "", TableSnapshots:
		rows, err := s.store.ListSnapshots(ctx, limit)
		if err != nil {
			return TableView{}, err
		}
		total, err := s.store.CountSnapshots(ctx)
		if err != nil {
			return TableView{}, err
		}
		view.Table, view.Rows, view.Total = TableSnapshots, rows, total
	case TableLocations:
		rows, err := s.store.ListLocationRecords(ctx, limit)
		if err != nil {
			return TableView{}, err
		}
		total, err := s.store.CountLocationRecords(ctx)
		if err != nil {
			return TableView{}, err
		}
		view.Table, view.Rows, view.Total = TableLocations, rows, total
	default:
		return TableView{}, fmt.Errorf("%w: unknown table %q", ErrInvalidInput, table)
	}
	return view, nil
}

// shortLabel 把 YYYY-MM-DD 转成不补零的 M/D。
func shortLabel(date string) string {
	t, err := time.Parse(analytics.DateLayout, date)
	if err != nil {
		return date
	}
	return fmt.Sprintf("%d/%d", int(t.Month()), t.Day())
}
