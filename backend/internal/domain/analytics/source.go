package analytics

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DateLayout 是每日指标使用的日期格式。
	DateLayout = "2006-01-02"
	// UnknownDimension 用于填充上游缺失的维度值。
	UnknownDimension = "Unknown"
)

// ReportRow 是上游报表中的一行，反序列化后立即转为强类型，内部代码不再接触松散的 map。
type ReportRow struct {
	Dimensions  []string `json:"dimensions"`
	ActiveUsers int      `json:"active_users"`
}

// LocationDetail 描述某个 (国家, 城市) 组合的实时活跃人数。
type LocationDetail struct {
	Country     string `json:"country"`
	City        string `json:"city"`
	ActiveUsers int    `json:"activeUsers"`
}

// RealtimeSummary 是一次实时报表按国家、设备、平台聚合后的结果。
type RealtimeSummary struct {
	TotalActiveUsers int            `json:"totalActiveUsers"`
	ByCountry        map[string]int `json:"byCountry"`
	ByDevice         map[string]int `json:"byDevice"`
	ByPlatform       map[string]int `json:"byPlatform"`
	Timestamp        time.Time      `json:"timestamp"`
	RawRows          []ReportRow    `json:"-"`
}

// RealtimeLocations 是按 (国家, 城市) 分组后的实时地区分布。
type RealtimeLocations struct {
	TotalActiveUsers int              `json:"totalActiveUsers"`
	ByCountry        map[string]int   `json:"byCountry"`
	ByCity           map[string]int   `json:"byCity"`
	LocationDetails  []LocationDetail `json:"locationDetails"`
	Timestamp        time.Time        `json:"timestamp"`
}

// DailyMetric 是上游返回的单日用户指标，也是 upsert 的输入。
// ActiveUsers/Sessions 为 nil 表示本次未提供，写库时保留旧值。
type DailyMetric struct {
	Date           string `json:"date"`
	TotalUsers     int    `json:"totalUsers"`
	NewUsers       int    `json:"newUsers"`
	ReturningUsers int    `json:"returningUsers"`
	ActiveUsers    *int   `json:"activeUsers,omitempty"`
	Sessions       *int   `json:"sessions,omitempty"`
}

// ReturningUsers 根据总用户与新用户推算回访用户，结果不会为负。
func ReturningUsers(totalUsers, newUsers int) int {
	returning := totalUsers - newUsers
	if returning < 0 {
		return 0
	}
	return returning
}

// NewDailyMetric 构造单日指标并统一计算回访用户数。
func NewDailyMetric(date string, totalUsers, newUsers int, activeUsers, sessions *int) DailyMetric {
	return DailyMetric{
		Date:           date,
		TotalUsers:     totalUsers,
		NewUsers:       newUsers,
		ReturningUsers: ReturningUsers(totalUsers, newUsers),
		ActiveUsers:    activeUsers,
		Sessions:       sessions,
	}
}

// MergeCollection 将实时汇总与地区明细合并为一次快照写入参数。
func MergeCollection(summary RealtimeSummary, locations RealtimeLocations) SnapshotInput {
	return SnapshotInput{
		TotalActiveUsers: summary.TotalActiveUsers,
		ByCountry:        summary.ByCountry,
		ByDevice:         summary.ByDevice,
		ByPlatform:       summary.ByPlatform,
		LocationDetails:  locations.LocationDetails,
		RawRows:          summary.RawRows,
	}
}

// Validate 校验单条地区明细，活跃人数为负视为畸形数据。
func (d LocationDetail) Validate() error {
	if d.ActiveUsers < 0 {
		return fmt.Errorf("active users must not be negative: %d", d.ActiveUsers)
	}
	return nil
}

// ValidateDate 校验 YYYY-MM-DD 格式的日期字符串。
func ValidateDate(value string) error {
	if _, err := time.Parse(DateLayout, value); err != nil {
		return fmt.Errorf("invalid date %q: expected YYYY-MM-DD", value)
	}
	return nil
}

// FormatDate 以 DateLayout 输出 t 在所在时区的日期。
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// DimensionOrUnknown 返回去除空白后的维度值，空值回退为 Unknown。
func DimensionOrUnknown(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return UnknownDimension
}

// IntPtr 返回 v 的指针，便于构造可选字段。
func IntPtr(v int) *int {
	return &v
}

// DefaultHistoricalDays 是历史导入默认回溯的天数。
const DefaultHistoricalDays = 730

// Today 返回 now 在 loc 时区当天的零点。
func Today(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// RecentRange 返回包含 today 在内最近 days 天的起止日期。
func RecentRange(today time.Time, days int) (string, string) {
	if days <= 0 {
		days = 1
	}
	return FormatDate(today.AddDate(0, 0, -(days - 1))), FormatDate(today)
}

// HistoricalRange 返回从 days 天前到 today 的起止日期，days<=0 时回溯 DefaultHistoricalDays 天。
func HistoricalRange(today time.Time, days int) (string, string) {
	if days <= 0 {
		days = DefaultHistoricalDays
	}
	return FormatDate(today.AddDate(0, 0, -days)), FormatDate(today)
}
