package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"xray-fleet/internal/domain"
)

// Module provides a private registry and the metrics collector
var Module = fx.Options(
	fx.Provide(prometheus.NewRegistry),
	fx.Provide(func(r *prometheus.Registry) prometheus.Registerer { return r }),
	fx.Provide(func(r *prometheus.Registry) prometheus.Gatherer { return r }),
	fx.Provide(NewCollector),
	fx.Provide(func(c *Collector) domain.MetricsCollector { return c }),
)

const (
	ResultApplied       = "applied"
	ResultInvalidConfig = "invalid_config"
	ResultRestartFailed = "restart_failed"
	ResultPushed        = "pushed"
	ResultUnreachable   = "unreachable"
	ResultRemote        = "remote_error"
	ResultError         = "error"
	ResultSkipped       = "skipped"
)

type Collector struct {
	logger        *zap.Logger
	applyTotal    *prometheus.CounterVec
	applyDuration prometheus.Histogram
	pushTotal     *prometheus.CounterVec
	pushDuration  *prometheus.HistogramVec
	notifications prometheus.Counter
	cycles        *prometheus.CounterVec
	keyProvisions prometheus.Counter
}

func NewCollector(reg prometheus.Registerer, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		logger: logger,
		applyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xray_fleet_apply_total",
				Help: "Total number of config apply attempts by result",
			},
			[]string{"result"},
		),
		applyDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "xray_fleet_apply_duration_seconds",
				Help:    "Duration of config apply attempts",
				Buckets: prometheus.DefBuckets,
			},
		),
		pushTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xray_fleet_push_total",
				Help: "Total number of config pushes by node and result",
			},
			[]string{"node", "result"},
		),
		pushDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xray_fleet_push_duration_seconds",
				Help:    "Duration of config pushes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"node"},
		),
		notifications: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "xray_fleet_change_notifications_total",
				Help: "Total number of entity change notifications",
			},
		),
		cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xray_fleet_debounced_cycles_total",
				Help: "Total number of coalesced apply cycles by result",
			},
			[]string{"result"},
		),
		keyProvisions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "xray_fleet_reality_key_provisions_total",
				Help: "Total number of Reality key sets generated",
			},
		),
	}
}

func (c *Collector) RecordApply(result string, duration time.Duration) {
	c.applyTotal.WithLabelValues(result).Inc()
	c.applyDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordPush(node string, result string, duration time.Duration) {
	c.pushTotal.WithLabelValues(node, result).Inc()
	c.pushDuration.WithLabelValues(node).Observe(duration.Seconds())
}

func (c *Collector) RecordNotification() {
	c.notifications.Inc()
}

func (c *Collector) RecordCycle(result string) {
	c.cycles.WithLabelValues(result).Inc()
}

func (c *Collector) RecordKeyProvision() {
	c.keyProvisions.Inc()
}
