// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 認証処理の結果ラベル。
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeRateLimited = "rate_limited"
	OutcomeUpstream    = "upstream_error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラーや上流クライアントから利用する。
type MetricsCollector interface {
	RecordAuthRequest(operation, outcome string)
	RecordRateLimited(operation string)
	ObserveUpstream(operation string, d time.Duration)
	RecordSideEffectFailure(hook string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authRequests       *prometheus.CounterVec
	rateLimited        *prometheus.CounterVec
	upstreamLatency    *prometheus.HistogramVec
	sideEffectFailures *prometheus.CounterVec
	httpStatus         *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_auth_requests_total",
			Help: "認証操作ごとのリクエスト数",
		}, []string{"operation", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_rate_limited_total",
			Help: "レート制限で拒否されたリクエスト数",
		}, []string{"operation"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authgate_upstream_request_duration_seconds",
			Help:    "認証バックエンド呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		sideEffectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_side_effect_failures_total",
			Help: "登録後の副作用の失敗数",
		}, []string{"hook"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.authRequests,
		c.rateLimited,
		c.upstreamLatency,
		c.sideEffectFailures,
		c.httpStatus,
	)

	return c
}

// RecordAuthRequest は認証操作の結果を記録する。
func (c *Collector) RecordAuthRequest(operation, outcome string) {
	c.authRequests.WithLabelValues(operation, outcome).Inc()
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited(operation string) {
	c.rateLimited.WithLabelValues(operation).Inc()
}

// ObserveUpstream は上流呼び出しのレイテンシを記録する。
func (c *Collector) ObserveUpstream(operation string, d time.Duration) {
	c.upstreamLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordSideEffectFailure は副作用の失敗を記録する。
func (c *Collector) RecordSideEffectFailure(hook string) {
	c.sideEffectFailures.WithLabelValues(hook).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// NoopCollector は何も記録しないMetricsCollector。
type NoopCollector struct{}

func (NoopCollector) RecordAuthRequest(string, string)      {}
func (NoopCollector) RecordRateLimited(string)              {}
func (NoopCollector) ObserveUpstream(string, time.Duration) {}
func (NoopCollector) RecordSideEffectFailure(string)        {}
func (NoopCollector) RecordHTTPStatus(int)                  {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
