package analytics

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// SnapshotRecord 映射 realtime_snapshots 表的一行，即一次实时采集的结果。
// 细分维度与地区明细均以 JSON 文本存储，读取时由 Decode 还原。
type SnapshotRecord struct {
	ID               uint           `gorm:"column:id;primaryKey"`
	CapturedAt       time.Time      `gorm:"column:captured_at;index:idx_snapshot_captured_at"`
	TotalActiveUsers int            `gorm:"column:total_active_users"`
	ByCountry        datatypes.JSON `gorm:"column:by_country;type:json"`
	ByDevice         datatypes.JSON `gorm:"column:by_device;type:json"`
	ByPlatform       datatypes.JSON `gorm:"column:by_platform;type:json"`
	LocationDetails  datatypes.JSON `gorm:"column:location_details;type:json"`
	RawPayload       datatypes.JSON `gorm:"column:raw_payload;type:json"`
}

// TableName 返回快照表名。
func (SnapshotRecord) TableName() string {
	return "realtime_snapshots"
}

// LocationRecord 映射 location_history 表，记录某次快照下单个 (国家, 城市) 的活跃人数。
type LocationRecord struct {
	ID          uint      `gorm:"column:id;primaryKey" json:"id"`
	CapturedAt  time.Time `gorm:"column:captured_at;index:idx_location_captured_at" json:"timestamp"`
	Country     string    `gorm:"column:country;size:128;not null;index:idx_location_country" json:"country"`
	City        string    `gorm:"column:city;size:128;not null;index:idx_location_city" json:"city"`
	ActiveUsers int       `gorm:"column:active_users;not null" json:"active_users"`
	SnapshotID  uint      `gorm:"column:snapshot_id;index:idx_location_snapshot" json:"collection_id"`
}

// TableName 返回地区历史表名。
func (LocationRecord) TableName() string {
	return "location_history"
}

// LocationRecordWithTotal 在地区记录上附带所属快照的总活跃人数，供数据查看页使用。
type LocationRecordWithTotal struct {
	LocationRecord  `gorm:"embedded"`
	CollectionTotal *int `gorm:"column:collection_total" json:"collection_total"`
}

// DailyUserMetric 映射 user_metrics 表，每个自然日仅有一行。
type DailyUserMetric struct {
	ID             uint      `gorm:"column:id;primaryKey" json:"id"`
	MetricsDate    string    `gorm:"column:metrics_date;size:10;not null;uniqueIndex:idx_user_metrics_date" json:"date"`
	TotalUsers     int       `gorm:"column:total_users;not null;default:0" json:"total_users"`
	NewUsers       int       `gorm:"column:new_users;not null;default:0" json:"new_users"`
	ReturningUsers int       `gorm:"column:returning_users;not null;default:0" json:"returning_users"`
	ActiveUsers    *int      `gorm:"column:active_users;default:0" json:"active_users"`
	Sessions       *int      `gorm:"column:sessions;default:0" json:"sessions"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 返回每日指标表名。
func (DailyUserMetric) TableName() string {
	return "user_metrics"
}

// Snapshot 是 SnapshotRecord 解码后的结构化形式。
type Snapshot struct {
	ID               uint             `json:"id"`
	CapturedAt       time.Time        `json:"timestamp"`
	TotalActiveUsers int              `json:"total_active_users"`
	ByCountry        map[string]int   `json:"by_country"`
	ByDevice         map[string]int   `json:"by_device"`
	ByPlatform       map[string]int   `json:"by_platform"`
	LocationDetails  []LocationDetail `json:"location_details"`
	RawPayload       []ReportRow      `json:"raw_data"`
}

// SnapshotInput 是写入一次快照所需的数据，由实时汇总与地区明细合并而来。
type SnapshotInput struct {
	TotalActiveUsers int
	ByCountry        map[string]int
	ByDevice         map[string]int
	ByPlatform       map[string]int
	LocationDetails  []LocationDetail
	RawRows          []ReportRow
}

// NewSnapshotRecord 将写入参数编码为表记录，capturedAt 统一转为 UTC 存储。
func NewSnapshotRecord(input SnapshotInput, capturedAt time.Time) (SnapshotRecord, error) {
	record := SnapshotRecord{
		CapturedAt:       capturedAt.UTC(),
		TotalActiveUsers: input.TotalActiveUsers,
	}
	var err error
	if record.ByCountry, err = encodeJSON(nonNilMap(input.ByCountry)); err != nil {
		return SnapshotRecord{}, fmt.Errorf("encode by_country: %w", err)
	}
	if record.ByDevice, err = encodeJSON(nonNilMap(input.ByDevice)); err != nil {
		return SnapshotRecord{}, fmt.Errorf("encode by_device: %w", err)
	}
	if record.ByPlatform, err = encodeJSON(nonNilMap(input.ByPlatform)); err != nil {
		return SnapshotRecord{}, fmt.Errorf("encode by_platform: %w", err)
	}
	details := input.LocationDetails
	if details == nil {
		details = []LocationDetail{}
	}
	if record.LocationDetails, err = encodeJSON(details); err != nil {
		return SnapshotRecord{}, fmt.Errorf("encode location_details: %w", err)
	}
	rows := input.RawRows
	if rows == nil {
		rows = []ReportRow{}
	}
	if record.RawPayload, err = encodeJSON(rows); err != nil {
		return SnapshotRecord{}, fmt.Errorf("encode raw_payload: %w", err)
	}
	return record, nil
}

// Decode 将 JSON 列还原为结构化快照，空列按空集合处理。
func (r SnapshotRecord) Decode() (Snapshot, error) {
	snap := Snapshot{
		ID:               r.ID,
		CapturedAt:       r.CapturedAt,
		TotalActiveUsers: r.TotalActiveUsers,
		ByCountry:        map[string]int{},
		ByDevice:         map[string]int{},
		ByPlatform:       map[string]int{},
		LocationDetails:  []LocationDetail{},
		RawPayload:       []ReportRow{},
	}
	if err := decodeJSON(r.ByCountry, &snap.ByCountry); err != nil {
		return Snapshot{}, fmt.Errorf("decode by_country: %w", err)
	}
	if err := decodeJSON(r.ByDevice, &snap.ByDevice); err != nil {
		return Snapshot{}, fmt.Errorf("decode by_device: %w", err)
	}
	if err := decodeJSON(r.ByPlatform, &snap.ByPlatform); err != nil {
		return Snapshot{}, fmt.Errorf("decode by_platform: %w", err)
	}
	if err := decodeJSON(r.LocationDetails, &snap.LocationDetails); err != nil {
		return Snapshot{}, fmt.Errorf("decode location_details: %w", err)
	}
	if err := decodeJSON(r.RawPayload, &snap.RawPayload); err != nil {
		return Snapshot{}, fmt.Errorf("decode raw_payload: %w", err)
	}
	return snap, nil
}

func encodeJSON(value any) (datatypes.JSON, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func decodeJSON(raw datatypes.JSON, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nonNilMap(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}
