package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the fanin Prometheus metrics.
type Metrics struct {
	MessagesReceived   *prometheus.CounterVec
	DecodeFailures     *prometheus.CounterVec
	RecordsAccumulated *prometheus.CounterVec
	Runs               *prometheus.CounterVec
	DrainTimeouts      *prometheus.CounterVec
	ArtifactBytes      prometheus.Counter
	ArtifactWrite      prometheus.Histogram
	SplitPublished     *prometheus.CounterVec
	SplitErrors        *prometheus.CounterVec
	JobTriggers        *prometheus.CounterVec
}

// NewMetrics creates and registers all fanin metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanin_messages_received_total",
			Help: "Messages delivered to the aggregation handler.",
		}, []string{"subscription"}),

		DecodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanin_decode_failures_total",
			Help: "Messages discarded because they did not decode to a JSON object.",
		}, []string{"subscription"}),

		RecordsAccumulated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanin_records_accumulated_total",
			Help: "Decoded records appended to the aggregate.",
		}, []string{"subscription"}),

		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanin_runs_total",
			Help: "Aggregation runs by final state and wait outcome.",
		}, []string{"state", "outcome"}),

		DrainTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanin_drain_timeouts_total",
			Help: "Subscriptions that did not close within the drain timeout.",
		}, []string{"subscription"}),

		ArtifactBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "fanin_artifact_bytes_total",
			Help: "Bytes written as aggregate artifacts.",
		}),

		ArtifactWrite: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanin_artifact_write_duration_seconds",
			Help:    "Time spent writing an aggregate artifact.",
			Buckets: prometheus.DefBuckets,
		}),

		SplitPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanin_split_published_total",
			Help: "Messages published by the splitter.",
		}, []string{"destination"}),

		SplitErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanin_split_errors_total",
			Help: "Split failures by reason.",
		}, []string{"reason"}),

		JobTriggers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanin_job_triggers_total",
			Help: "Downstream job triggers by status.",
		}, []string{"status"}),
	}
}
