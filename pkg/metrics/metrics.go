package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nais/rollout/pkg/record"
)

const (
	namespace = "deployment"
	subsystem = "rollout"

	StatusOK    = "ok"
	StatusError = "error"

	LabelBackend = "backend"
	LabelCode    = "code"
	LabelHealthy = "healthy"
	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelService = "service"
	LabelState   = "state"
	LabelStatus  = "status"
	LabelStep    = "step"
	LabelTier    = "tier"
)

func statusLabel(err error) string {
	if err == nil {
		return StatusOK
	}
	return StatusError
}

// StateTransition counts every status a record passes through, and observes the lead time
// from creation until completion.
func StateTransition(rec *record.Record) {
	labels := prometheus.Labels{
		LabelState:   string(rec.Status),
		LabelService: rec.Service,
	}
	stateTransitions.With(labels).Inc()

	if rec.Status == record.StatusCompleted {
		leadTime.With(prometheus.Labels{LabelService: rec.Service}).Observe(time.Since(rec.CreatedAt).Seconds())
	}
}

func StepDuration(step record.StepKey, t time.Time, err error) {
	stepDuration.With(prometheus.Labels{
		LabelStep:   string(step),
		LabelStatus: statusLabel(err),
	}).Observe(time.Since(t).Seconds())
}

func HealthProbe(healthy bool) {
	healthProbes.With(prometheus.Labels{
		LabelHealthy: strconv.FormatBool(healthy),
	}).Inc()
}

func TierResolved(tier int, t time.Time) {
	tierDuration.With(prometheus.Labels{
		LabelTier: strconv.Itoa(tier),
	}).Observe(time.Since(t).Seconds())
}

func DatabaseQuery(backend string, t time.Time, err error) {
	elapsed := time.Since(t)
	databaseQueries.With(prometheus.Labels{
		LabelBackend: backend,
		LabelStatus:  statusLabel(err),
	}).Observe(elapsed.Seconds())
}

func SetQueueSize(size int) {
	queueSize.Set(float64(size))
}

func WebhookDelivery(err error) {
	webhookDeliveries.With(prometheus.Labels{
		LabelStatus: statusLabel(err),
	}).Inc()
}

func HTTPRequest(method, route string, code int, t time.Time) {
	httpRequests.With(prometheus.Labels{
		LabelMethod: method,
		LabelRoute:  route,
		LabelCode:   strconv.Itoa(code),
	}).Observe(time.Since(t).Seconds())
}

var (
	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "state_transition",
		Help:      "deployment record state transitions",
		Namespace: namespace,
		Subsystem: subsystem,
	},
		[]string{
			LabelState,
			LabelService,
		},
	)

	leadTime = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name:      "lead_time_seconds",
		Help:      "the time it takes from a deployment is requested until it is verified healthy",
		Namespace: namespace,
		Subsystem: subsystem,
	},
		[]string{
			LabelService,
		},
	)

	stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "step_duration_seconds",
		Help:      "time spent in each deployment step",
		Namespace: namespace,
		Subsystem: subsystem,
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	},
		[]string{
			LabelStep,
			LabelStatus,
		},
	)

	healthProbes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "health_probes",
		Help:      "number of health probes made against deployed endpoints",
		Namespace: namespace,
		Subsystem: subsystem,
	},
		[]string{
			LabelHealthy,
		},
	)

	tierDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "tier_duration_seconds",
		Help:      "time until every service in a tier reached a terminal state",
		Namespace: namespace,
		Subsystem: subsystem,
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	},
		[]string{
			LabelTier,
		},
	)

	databaseQueries = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "database_queries",
		Help:      "time to execute record store queries",
		Namespace: namespace,
		Subsystem: subsystem,
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 20),
	},
		[]string{
			LabelBackend,
			LabelStatus,
		},
	)

	queueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "queue_size",
		Help:      "number of on-demand deployments waiting for a worker",
		Namespace: namespace,
		Subsystem: subsystem,
	})

	webhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "webhook_deliveries",
		Help:      "number of webhook notifications sent",
		Namespace: namespace,
		Subsystem: subsystem,
	},
		[]string{
			LabelStatus,
		},
	)

	httpRequests = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "http_requests",
		Help:      "time to serve API requests",
		Namespace: namespace,
		Subsystem: subsystem,
		Buckets:   prometheus.DefBuckets,
	},
		[]string{
			LabelMethod,
			LabelRoute,
			LabelCode,
		},
	)
)

func init() {
	prometheus.MustRegister(stateTransitions)
	prometheus.MustRegister(leadTime)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(healthProbes)
	prometheus.MustRegister(tierDuration)
	prometheus.MustRegister(databaseQueries)
	prometheus.MustRegister(queueSize)
	prometheus.MustRegister(webhookDeliveries)
	prometheus.MustRegister(httpRequests)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
