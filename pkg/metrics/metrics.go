package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "promote"

	StatusOK    = "ok"
	StatusError = "error"

	labelStatus      = "status"
	labelEnvironment = "environment"
	labelArtifact    = "artifact"
	labelOutcome     = "outcome"
	labelVerdict     = "verdict"
	labelState       = "state"
	labelKind        = "kind"
	labelStatusCode  = "status_code"
	labelRepository  = "repository"
	labelMethod      = "method"
	labelPath        = "path"
)

func statusLabel(err error) string {
	if err == nil {
		return StatusOK
	}
	return StatusError
}

func DatabaseQuery(t time.Time, err error) {
	elapsed := time.Since(t)
	databaseQueries.With(prometheus.Labels{
		labelStatus: statusLabel(err),
	}).Observe(elapsed.Seconds())
}

func StateTransition(environment, state string) {
	stateTransitions.With(prometheus.Labels{
		labelEnvironment: environment,
		labelState:       state,
	}).Inc()
}

func Promotion(environment, outcome string, duration time.Duration) {
	labels := prometheus.Labels{
		labelEnvironment: environment,
		labelOutcome:     outcome,
	}
	promotions.With(labels).Inc()
	promotionDuration.With(labels).Observe(duration.Seconds())
}

func GateDecision(environment, verdict string) {
	gateDecisions.With(prometheus.Labels{
		labelEnvironment: environment,
		labelVerdict:     verdict,
	}).Inc()
}

func HealthProbe(environment string, latency time.Duration, err error) {
	labels := prometheus.Labels{
		labelEnvironment: environment,
		labelStatus:      statusLabel(err),
	}
	healthProbes.With(labels).Observe(latency.Seconds())
}

// TrafficWeight exports the weight map of an environment. Artifacts that
// dropped out of the map are reported as zero.
func TrafficWeight(environment string, previous, current map[string]int) {
	for artifact := range previous {
		if _, ok := current[artifact]; !ok {
			trafficWeight.With(prometheus.Labels{
				labelEnvironment: environment,
				labelArtifact:    artifact,
			}).Set(0)
		}
	}
	for artifact, weight := range current {
		trafficWeight.With(prometheus.Labels{
			labelEnvironment: environment,
			labelArtifact:    artifact,
		}).Set(float64(weight))
	}
}

func Rollback(environment string, err error) {
	rollbacks.With(prometheus.Labels{
		labelEnvironment: environment,
		labelStatus:      statusLabel(err),
	}).Inc()
}

func GitHubRequest(statusCode int, repository string) {
	githubRequests.With(prometheus.Labels{
		labelStatusCode: strconv.Itoa(statusCode),
		labelRepository: repository,
	}).Inc()
}

func HTTPRequest(statusCode int, method, path string, duration time.Duration) {
	labels := prometheus.Labels{
		labelStatusCode: strconv.Itoa(statusCode),
		labelMethod:     method,
		labelPath:       path,
	}
	httpRequests.With(labels).Inc()
	httpDuration.With(labels).Observe(duration.Seconds())
}

func FatalError(kind string) {
	fatalErrors.With(prometheus.Labels{
		labelKind: kind,
	}).Inc()
}

var (
	databaseQueries = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "database_queries",
		Help:      "time to execute database queries",
		Namespace: namespace,
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 20),
	},
		[]string{
			labelStatus,
		},
	)

	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "state_transitions",
		Help:      "deployment state transitions",
		Namespace: namespace,
	},
		[]string{
			labelEnvironment,
			labelState,
		},
	)

	promotions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "promotions",
		Help:      "completed promotions by outcome",
		Namespace: namespace,
	},
		[]string{
			labelEnvironment,
			labelOutcome,
		},
	)

	promotionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "promotion_duration_seconds",
		Help:      "time from promotion start until a terminal state",
		Namespace: namespace,
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	},
		[]string{
			labelEnvironment,
			labelOutcome,
		},
	)

	gateDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "gate_decisions",
		Help:      "gate decisions by verdict",
		Namespace: namespace,
	},
		[]string{
			labelEnvironment,
			labelVerdict,
		},
	)

	healthProbes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "health_probe_seconds",
		Help:      "latency of health endpoint probes",
		Namespace: namespace,
		Buckets:   prometheus.DefBuckets,
	},
		[]string{
			labelEnvironment,
			labelStatus,
		},
	)

	trafficWeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "traffic_weight",
		Help:      "percentage of environment traffic routed to an artifact",
		Namespace: namespace,
	},
		[]string{
			labelEnvironment,
			labelArtifact,
		},
	)

	rollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "rollbacks",
		Help:      "rollbacks performed",
		Namespace: namespace,
	},
		[]string{
			labelEnvironment,
			labelStatus,
		},
	)

	githubRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "github_requests",
		Help:      "number of GitHub API requests by status code",
		Namespace: namespace,
	},
		[]string{
			labelStatusCode,
			labelRepository,
		},
	)

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "requests_total",
		Help:      "How many HTTP requests processed, partitioned by status code, method and HTTP path.",
		Namespace: namespace,
	},
		[]string{
			labelStatusCode,
			labelMethod,
			labelPath,
		},
	)

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "request_duration_seconds",
		Help:      "How long it took to process the request, partitioned by status code, method and HTTP path.",
		Namespace: namespace,
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30},
	},
		[]string{
			labelStatusCode,
			labelMethod,
			labelPath,
		},
	)

	fatalErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "fatal_errors",
		Help:      "errors that halted automated action and need an operator",
		Namespace: namespace,
	},
		[]string{
			labelKind,
		},
	)
)

func init() {
	prometheus.MustRegister(databaseQueries)
	prometheus.MustRegister(stateTransitions)
	prometheus.MustRegister(promotions)
	prometheus.MustRegister(promotionDuration)
	prometheus.MustRegister(gateDecisions)
	prometheus.MustRegister(healthProbes)
	prometheus.MustRegister(trafficWeight)
	prometheus.MustRegister(rollbacks)
	prometheus.MustRegister(githubRequests)
	prometheus.MustRegister(httpRequests)
	prometheus.MustRegister(httpDuration)
	prometheus.MustRegister(fatalErrors)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
