package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registerOnce           sync.Once
	collectionRuns         *prometheus.CounterVec
	collectionDuration     *prometheus.HistogramVec
	lastActiveUsers        prometheus.Gauge
	locationRowFailures    *prometheus.CounterVec
	upstreamCalls          *prometheus.CounterVec
	storeErrors            *prometheus.CounterVec
	rollupRuns             *prometheus.CounterVec
	defaultDurationBuckets = prometheus.DefBuckets
)

const (
	namespaceMetrics = "kiosk"
)

// MustRegister 初始化 Prometheus 指标并注册 Go 运行时采样器，需在应用启动阶段调用一次。
func MustRegister() {
	registerOnce.Do(func() {
		collectionRuns = registerCounterVec(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespaceMetrics,
					Subsystem: "collector",
					Name:      "runs_total",
					Help:      "实时采集的执行次数，按触发方式与结果统计。",
				},
				[]string{"trigger", "result"},
			),
		)
		collectionDuration = registerHistogramVec(
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespaceMetrics,
					Subsystem: "collector",
					Name:      "duration_seconds",
					Help:      "单次实时采集的耗时。",
					Buckets:   defaultDurationBuckets,
				},
				[]string{"trigger"},
			),
		)
		lastActiveUsers = registerGauge(
			prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespaceMetrics,
				Subsystem: "collector",
				Name:      "last_active_users",
				Help:      "最近一次成功采集的实时活跃人数。",
			}),
		)
		locationRowFailures = registerCounterVec(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespaceMetrics,
					Subsystem: "store",
					Name:      "location_row_failures_total",
					Help:      "地区批量写入中被拒绝的行数。",
				},
				[]string{"policy"},
			),
		)
		upstreamCalls = registerCounterVec(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespaceMetrics,
					Subsystem: "upstream",
					Name:      "calls_total",
					Help:      "上游数据源调用次数，按来源、操作与结果统计。",
				},
				[]string{"source", "op", "result"},
			),
		)
		storeErrors = registerCounterVec(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespaceMetrics,
					Subsystem: "store",
					Name:      "errors_total",
					Help:      "存储读写失败次数，按操作统计。",
				},
				[]string{"op"},
			),
		)
		rollupRuns = registerCounterVec(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespaceMetrics,
					Subsystem: "rollup",
					Name:      "runs_total",
					Help:      "每日指标刷新的执行次数，按任务类型与结果统计。",
				},
				[]string{"kind", "result"},
			),
		)

		registerRuntimeCollectors()
	})
}

// ObserveCollection 记录一次实时采集的结果与耗时。
func ObserveCollection(trigger, result string, duration time.Duration) {
	if collectionRuns == nil || collectionDuration == nil {
		return
	}
	triggerLabel := normalizeLabel(trigger, "unknown")
	collectionRuns.WithLabelValues(triggerLabel, normalizeLabel(result, "unknown")).Inc()
	collectionDuration.WithLabelValues(triggerLabel).Observe(duration.Seconds())
}

// SetLastActiveUsers 更新最近一次采集的活跃人数。
func SetLastActiveUsers(total int) {
	if lastActiveUsers == nil {
		return
	}
	lastActiveUsers.Set(float64(total))
}

// AddLocationRowFailures 累加地区批量写入的失败行数。
func AddLocationRowFailures(policy string, count int) {
	if locationRowFailures == nil || count <= 0 {
		return
	}
	locationRowFailures.WithLabelValues(normalizeLabel(policy, "unknown")).Add(float64(count))
}

// RecordUpstreamCall 记录一次上游调用。
func RecordUpstreamCall(source, op, result string) {
	if upstreamCalls == nil {
		return
	}
	upstreamCalls.WithLabelValues(
		normalizeLabel(source, "unknown"),
		normalizeLabel(op, "unknown"),
		normalizeLabel(result, "unknown"),
	).Inc()
}

// RecordStoreError 记录一次存储失败。
func RecordStoreError(op string) {
	if storeErrors == nil {
		return
	}
	storeErrors.WithLabelValues(normalizeLabel(op, "unknown")).Inc()
}

// RecordRollup 记录每日指标刷新或历史导入的结果。
func RecordRollup(kind, result string) {
	if rollupRuns == nil {
		return
	}
	rollupRuns.WithLabelValues(normalizeLabel(kind, "unknown"), normalizeLabel(result, "unknown")).Inc()
}

func normalizeLabel(value string, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func registerCounterVec(vec *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return vec
}

func registerHistogramVec(vec *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := prometheus.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return vec
}

func registerGauge(gauge prometheus.Gauge) prometheus.Gauge {
	if err := prometheus.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing
			}
		}
		panic(err)
	}
	return gauge
}

func registerRuntimeCollectors() {
	if err := prometheus.Register(collectors.NewGoCollector()); err != nil {
		if !isAlreadyRegistered(err) {
			panic(err)
		}
	}
	if err := prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		if !isAlreadyRegistered(err) {
			panic(err)
		}
	}
}

func isAlreadyRegistered(err error) bool {
	_, ok := err.(prometheus.AlreadyRegisteredError)
	return ok
}
