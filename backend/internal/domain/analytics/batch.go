package analytics

import (
	"fmt"
	"strings"
)

// BatchPolicy 决定地区批量写入遇到坏行时的处理方式。
type BatchPolicy string

const (
	// BatchBestEffort 跳过失败行继续写入，并在结果中返回失败数量。
	BatchBestEffort BatchPolicy = "best_effort"
	// BatchFailFast 遇到第一条失败行立即中止并返回 PartialBatchError。
	BatchFailFast BatchPolicy = "fail_fast"
)

// ParseBatchPolicy 解析配置中的批量策略，空值使用 best_effort。
func ParseBatchPolicy(raw string) (BatchPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(BatchBestEffort), "best-effort":
		return BatchBestEffort, nil
	case string(BatchFailFast), "fail-fast":
		return BatchFailFast, nil
	default:
		return "", fmt.Errorf("unknown batch policy %q", raw)
	}
}

// RowFailure 记录批量写入中单行的失败原因。
type RowFailure struct {
	Index   int    `json:"index"`
	Country string `json:"country"`
	City    string `json:"city"`
	Err     error  `json:"-"`
}

// BatchResult 是地区批量写入的结果：无失败即 AllOk，否则为 PartialOk。
type BatchResult struct {
	Inserted int          `json:"inserted"`
	Failures []RowFailure `json:"failures,omitempty"`
}

// AllOk 表示全部行写入成功。
func (r BatchResult) AllOk() bool {
	return len(r.Failures) == 0
}

// FailureCount 返回失败行数。
func (r BatchResult) FailureCount() int {
	return len(r.Failures)
}
