package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "AgentShield/internal/errors"
	"AgentShield/internal/vault"
)

const namespace = "agentshield"

// Registry 持有服务的全部 Prometheus 指标。
type Registry struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	operations      *prometheus.CounterVec
	operationTime   *prometheus.HistogramVec
	feesCollected   *prometheus.CounterVec
	sweptSessions   prometheus.Counter
	sweepFailures   prometheus.Counter
	eventsPublished *prometheus.CounterVec
}

// New 创建独立的指标注册表，并附带 Go 运行时与进程指标。
func New() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"handler", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"handler", "method"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "operations_total",
			Help:      "Vault transactions by operation and result code.",
		}, []string{"operation", "code", "category"}),
		operationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "operation_duration_seconds",
			Help:      "Time spent holding the vault lock, including the commit.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation"}),
		feesCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "fees_collected_total",
			Help:      "Fees transferred at finalize, in token base units.",
		}, []string{"token", "kind"}),
		sweptSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "sessions_finalized_total",
			Help:      "Expired sessions finalized by the sweeper.",
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "failures_total",
			Help:      "Expired sessions the sweeper could not finalize.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Vault events handed to the configured sinks.",
		}, []string{"kind"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests,
		r.httpLatency,
		r.operations,
		r.operationTime,
		r.feesCollected,
		r.sweptSessions,
		r.sweepFailures,
		r.eventsPublished,
	)
	return r
}

// Gatherer 暴露底层注册表，便于测试读取。
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler 以 Prometheus 文本格式暴露指标。
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	r.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveTransaction 实现 vault.Observer。
func (r *Registry) ObserveTransaction(operation string, code xerrors.Code, d time.Duration) {
	if r == nil {
		return
	}
	category := "ok"
	if code != vault.CodeOK {
		category = string(xerrors.AttributesOf(code).Category)
	}
	r.operations.WithLabelValues(operation, string(code), category).Inc()
	r.operationTime.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveFees 实现 vault.Observer。
func (r *Registry) ObserveFees(token common.Address, protocol, developer uint64) {
	if r == nil {
		return
	}
	label := token.Hex()
	r.feesCollected.WithLabelValues(label, "protocol").Add(float64(protocol))
	r.feesCollected.WithLabelValues(label, "developer").Add(float64(developer))
}

// ObserveSweep 记录一轮清理的结果。
func (r *Registry) ObserveSweep(finalized, failed int) {
	if r == nil {
		return
	}
	r.sweptSessions.Add(float64(finalized))
	r.sweepFailures.Add(float64(failed))
}

// Publish 实现 vault.EventSink，仅按种类计数。
func (r *Registry) Publish(_ context.Context, events []vault.Event) error {
	if r == nil {
		return nil
	}
	for _, ev := range events {
		r.eventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	}
	return nil
}
