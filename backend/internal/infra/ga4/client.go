package ga4

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"analytics-kiosk/backend/internal/domain/analytics"
	"analytics-kiosk/backend/internal/infra/fallback"
	appLogger "analytics-kiosk/backend/internal/infra/logger"
	"analytics-kiosk/backend/internal/infra/metrics"

	"go.uber.org/zap"
	analyticsdata "google.golang.org/api/analyticsdata/v1beta"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	sourceName          = "ga4"
	locationReportLimit = 200
	gaDateLayout        = "20060102"
)

// Reporter 抽象 GA4 Data API 的两个报表接口，测试中可替换为假实现。
type Reporter interface {
	RunRealtimeReport(ctx context.Context, property string, req *analyticsdata.RunRealtimeReportRequest) (*analyticsdata.RunRealtimeReportResponse, error)
	RunReport(ctx context.Context, property string, req *analyticsdata.RunReportRequest) (*analyticsdata.RunReportResponse, error)
}

type serviceReporter struct {
	svc *analyticsdata.Service
}

func (r serviceReporter) RunRealtimeReport(ctx context.Context, property string, req *analyticsdata.RunRealtimeReportRequest) (*analyticsdata.RunRealtimeReportResponse, error) {
	return r.svc.Properties.RunRealtimeReport(property, req).Context(ctx).Do()
}

func (r serviceReporter) RunReport(ctx context.Context, property string, req *analyticsdata.RunReportRequest) (*analyticsdata.RunReportResponse, error) {
	return r.svc.Properties.RunReport(property, req).Context(ctx).Do()
}

// Client 封装 GA4 实时与历史报表查询，并将结果转为领域类型。
type Client struct {
	property   string
	reporter   Reporter
	retry      fallback.RetryPolicy
	now        func() time.Time
	logger     *zap.SugaredLogger
	clientOpts []option.ClientOption
}

// Option 用于定制 Client。
type Option func(*Client)

// WithReporter 注入报表实现，跳过真实 Service 的构造。
func WithReporter(reporter Reporter) Option {
	return func(c *Client) {
		c.reporter = reporter
	}
}

// WithRetryPolicy 替换默认重试策略。
func WithRetryPolicy(policy fallback.RetryPolicy) Option {
	return func(c *Client) {
		c.retry = policy
	}
}

// WithClock 注入时钟，用于给实时结果打时间戳。
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientOptions 追加 google api 客户端参数，例如自定义 endpoint。
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(c *Client) {
		c.clientOpts = append(c.clientOpts, opts...)
	}
}

// NewClient 构造 GA4 客户端。propertyID 为空时客户端仍可使用，但每次调用都返回 ErrConfiguration。
// credentialsFile 为空时使用应用默认凭据。
func NewClient(ctx context.Context, propertyID, credentialsFile string, opts ...Option) (*Client, error) {
	client := &Client{
		property: normalizeProperty(propertyID),
		retry:    fallback.DefaultRetryPolicy(IsTransient),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.logger == nil {
		client.logger = appLogger.Named("ga4")
	}

	if client.property == "" {
		client.logger.Warnw("GA4 property id not configured, realtime collection disabled")
		return client, nil
	}
	if client.reporter != nil {
		return client, nil
	}

	clientOpts := append([]option.ClientOption{}, client.clientOpts...)
	if credentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := analyticsdata.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create analyticsdata service: %w", err)
	}
	client.reporter = serviceReporter{svc: svc}
	return client, nil
}

// Configured 表示客户端是否具备发起请求的条件。
func (c *Client) Configured() bool {
	return c != nil && c.property != "" && c.reporter != nil
}

// FetchRealtimeSnapshot 拉取按国家、设备、平台拆分的实时活跃人数。
func (c *Client) FetchRealtimeSnapshot(ctx context.Context) (analytics.RealtimeSummary, error) {
	if !c.Configured() {
		return analytics.RealtimeSummary{}, analytics.ErrConfiguration
	}
	req := &analyticsdata.RunRealtimeReportRequest{
		Dimensions: []*analyticsdata.Dimension{{Name: "country"}, {Name: "deviceCategory"}, {Name: "platform"}},
		Metrics:    []*analyticsdata.Metric{{Name: "activeUsers"}},
	}
	resp, err := c.realtime(ctx, "realtime_snapshot", req)
	if err != nil {
		return analytics.RealtimeSummary{}, err
	}

	summary := analytics.RealtimeSummary{
		ByCountry:  map[string]int{},
		ByDevice:   map[string]int{},
		ByPlatform: map[string]int{},
		Timestamp:  c.now().UTC(),
		RawRows:    make([]analytics.ReportRow, 0, len(resp.Rows)),
	}
	for _, row := range resp.Rows {
		dims := dimensionValues(row, 3)
		active := metricInt(row, 0)

		summary.TotalActiveUsers += active
		summary.ByCountry[dims[0]] += active
		summary.ByDevice[dims[1]] += active
		summary.ByPlatform[dims[2]] += active
		summary.RawRows = append(summary.RawRows, analytics.ReportRow{Dimensions: dims, ActiveUsers: active})
	}
	return summary, nil
}

// FetchRealtimeLocations 拉取按 (国家, 城市) 分组的实时活跃人数，结果按人数降序。
func (c *Client) FetchRealtimeLocations(ctx context.Context) (analytics.RealtimeLocations, error) {
	if !c.Configured() {
		return analytics.RealtimeLocations{}, analytics.ErrConfiguration
	}
	req := &analyticsdata.RunRealtimeReportRequest{
		Dimensions: []*analyticsdata.Dimension{{Name: "country"}, {Name: "city"}, {Name: "cityId"}},
		Metrics:    []*analyticsdata.Metric{{Name: "activeUsers"}},
		Limit:      locationReportLimit,
	}
	resp, err := c.realtime(ctx, "realtime_locations", req)
	if err != nil {
		return analytics.RealtimeLocations{}, err
	}

	result := analytics.RealtimeLocations{
		ByCountry: map[string]int{},
		ByCity:    map[string]int{},
		Timestamp: c.now().UTC(),
	}
	details := make([]analytics.LocationDetail, 0, len(resp.Rows))
	index := make(map[[2]string]int, len(resp.Rows))
	for _, row := range resp.Rows {
		dims := dimensionValues(row, 2)
		country, city := dims[0], dims[1]
		active := metricInt(row, 0)

		result.TotalActiveUsers += active
		result.ByCountry[country] += active
		result.ByCity[city+", "+country] += active

		key := [2]string{country, city}
		if pos, ok := index[key]; ok {
			details[pos].ActiveUsers += active
			continue
		}
		index[key] = len(details)
		details = append(details, analytics.LocationDetail{Country: country, City: city, ActiveUsers: active})
	}
	sort.SliceStable(details, func(i, j int) bool {
		return details[i].ActiveUsers > details[j].ActiveUsers
	})
	result.LocationDetails = details
	return result, nil
}

// FetchDailyUserMetrics 查询 [start, end] 区间（YYYY-MM-DD）的每日用户指标，按日期升序。
func (c *Client) FetchDailyUserMetrics(ctx context.Context, start, end string) ([]analytics.DailyMetric, error) {
	if !c.Configured() {
		return nil, analytics.ErrConfiguration
	}
	req := &analyticsdata.RunReportRequest{
		Dimensions: []*analyticsdata.Dimension{{Name: "date"}},
		Metrics: []*analyticsdata.Metric{
			{Name: "totalUsers"},
			{Name: "newUsers"},
			{Name: "activeUsers"},
			{Name: "sessions"},
		},
		DateRanges: []*analyticsdata.DateRange{{StartDate: start, EndDate: end}},
		OrderBys: []*analyticsdata.OrderBy{
			{Dimension: &analyticsdata.DimensionOrderBy{DimensionName: "date"}},
		},
	}

	resp, err := fallback.Do(ctx, c.retry, func(ctx context.Context) (*analyticsdata.RunReportResponse, error) {
		return c.reporter.RunReport(ctx, c.property, req)
	})
	if err != nil {
		metrics.RecordUpstreamCall(sourceName, "daily_metrics", "error")
		return nil, &analytics.UpstreamError{Source: sourceName, Op: "daily metrics", Err: err}
	}
	metrics.RecordUpstreamCall(sourceName, "daily_metrics", "ok")

	out := make([]analytics.DailyMetric, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		rawDate := ""
		if len(row.DimensionValues) > 0 && row.DimensionValues[0] != nil {
			rawDate = row.DimensionValues[0].Value
		}
		parsed, err := time.Parse(gaDateLayout, rawDate)
		if err != nil {
			c.logger.Warnw("skip daily metric row with malformed date", "date", rawDate)
			continue
		}
		out = append(out, analytics.NewDailyMetric(
			analytics.FormatDate(parsed),
			metricInt(row, 0),
			metricInt(row, 1),
			analytics.IntPtr(metricInt(row, 2)),
			analytics.IntPtr(metricInt(row, 3)),
		))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (c *Client) realtime(ctx context.Context, op string, req *analyticsdata.RunRealtimeReportRequest) (*analyticsdata.RunRealtimeReportResponse, error) {
	resp, err := fallback.Do(ctx, c.retry, func(ctx context.Context) (*analyticsdata.RunRealtimeReportResponse, error) {
		return c.reporter.RunRealtimeReport(ctx, c.property, req)
	})
	if err != nil {
		metrics.RecordUpstreamCall(sourceName, op, "error")
		return nil, &analytics.UpstreamError{Source: sourceName, Op: strings.ReplaceAll(op, "_", " "), Err: err}
	}
	metrics.RecordUpstreamCall(sourceName, op, "ok")
	return resp, nil
}

// IsTransient 判断错误是否值得重试：限流、服务端错误与网络错误。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func normalizeProperty(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if strings.HasPrefix(id, "properties/") {
		return id
	}
	return "properties/" + id
}

func dimensionValues(row *analyticsdata.Row, n int) []string {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		value := ""
		if row != nil && i < len(row.DimensionValues) && row.DimensionValues[i] != nil {
			value = row.DimensionValues[i].Value
		}
		out[i] = analytics.DimensionOrUnknown(value)
	}
	return out
}

func metricInt(row *analyticsdata.Row, idx int) int {
	if row == nil || idx >= len(row.MetricValues) || row.MetricValues[idx] == nil {
		return 0
	}
	value, err := strconv.Atoi(strings.TrimSpace(row.MetricValues[idx].Value))
	if err != nil {
		return 0
	}
	return value
}
