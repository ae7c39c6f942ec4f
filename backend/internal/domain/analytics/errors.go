package analytics

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration 表示上游数据源缺少必要配置（如 GA4 property id），调用不会发起网络请求。
	ErrConfiguration = errors.New("analytics source not configured")
	// ErrStoreUnavailable 表示本地存储初始化失败，所有读写都会立即失败。
	ErrStoreUnavailable = errors.New("analytics store unavailable")
)

// UpstreamError 包装上游调用失败或响应异常，保留原始错误信息。
type UpstreamError struct {
	Source string
	Op     string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StoreError 描述一次失败的存储读写，附带操作名与主键方便排查。
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Key != "" {
		return fmt.Sprintf("store %s (%s): %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// PartialBatchError 在 fail-fast 策略下返回，说明批量写入在第几行中断。
type PartialBatchError struct {
	Inserted int
	Failures []RowFailure
}

func (e *PartialBatchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if len(e.Failures) == 0 {
		return fmt.Sprintf("location batch aborted after %d rows", e.Inserted)
	}
	first := e.Failures[0]
	return fmt.Sprintf("location batch aborted after %d rows: row %d: %v", e.Inserted, first.Index, first.Err)
}

// IsUpstream 判断错误链中是否包含上游错误。
func IsUpstream(err error) bool {
	var upstream *UpstreamError
	return errors.As(err, &upstream)
}

// IsStore 判断错误链中是否包含存储错误。
func IsStore(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr) || errors.Is(err, ErrStoreUnavailable)
}
