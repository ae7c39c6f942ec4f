package roster

import "time"

// Character 对应 Supabase arimate_characters 表中上架的角色。
type Character struct {
	ID           string `json:"id" db:"id"`
	Name         string `json:"name" db:"name"`
	ProfileImage string `json:"profile_img" db:"profile_img"`
}

// PerformanceRecord 是角色表现历史中的一行，同一角色会有多条按时间累积的记录。
type PerformanceRecord struct {
	Character         string    `json:"character" db:"character"`
	MeanPaymentRatio  float64   `json:"mean_payment_ratio" db:"mean_payment_ratio"`
	ReviewCount       int       `json:"review_count" db:"review_count"`
	AvgStoryRating    float64   `json:"avg_story_rating" db:"avg_story_rating"`
	AvgArtRating      float64   `json:"avg_art_rating" db:"avg_art_rating"`
	PlayCount         int       `json:"play_count" db:"play_count"`
	CompletionRate30d float64   `json:"completion_rate_recent_30d" db:"completion_rate_recent_30d"`
	DropoutRate30d    float64   `json:"dropout_rate_recent_30d" db:"dropout_rate_recent_30d"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// RankedCharacter 是排行榜输出的一行，Rank 从 1 开始。
type RankedCharacter struct {
	Rank              int     `json:"rank"`
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	ProfileImage      string  `json:"profile_img"`
	MeanPaymentRatio  float64 `json:"mean_payment_ratio"`
	ReviewCount       int     `json:"review_count"`
	AvgStoryRating    float64 `json:"avg_story_rating"`
	AvgArtRating      float64 `json:"avg_art_rating"`
	PlayCount         int     `json:"play_count"`
	CompletionRate30d float64 `json:"completion_rate_recent_30d"`
	DropoutRate30d    float64 `json:"dropout_rate_recent_30d"`
}

// Review 是一条带文字的角色评价，已关联角色名与头像。
type Review struct {
	ID            int64     `json:"id" db:"id"`
	Character     string    `json:"character" db:"character"`
	User          string    `json:"user" db:"user"`
	StoryStar     float64   `json:"story_star" db:"story_star"`
	ArtStar       float64   `json:"art_star" db:"art_star"`
	Text          string    `json:"review" db:"review"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	CharacterName string    `json:"character_name" db:"character_name"`
	ProfileImage  string    `json:"profile_img" db:"profile_img"`
}

// LatestByCharacter 按输入顺序保留每个角色的第一条记录，输入需已按创建时间倒序。
func LatestByCharacter(records []PerformanceRecord) map[string]PerformanceRecord {
	latest := make(map[string]PerformanceRecord, len(records))
	for _, record := range records {
		if _, ok := latest[record.Character]; ok {
			continue
		}
		latest[record.Character] = record
	}
	return latest
}

// UnknownCharacterName 用于评价关联不到角色时的占位名称。
const UnknownCharacterName = "Unknown"

// Normalize 补齐关联缺失时的角色名。
func (r Review) Normalize() Review {
	if r.CharacterName == "" {
		r.CharacterName = UnknownCharacterName
	}
	return r
}
