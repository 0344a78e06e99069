package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/azure/mentions-responder/internal/models"
	"github.com/azure/mentions-responder/internal/pipeline"
)

// Metrics holds the Prometheus collectors for the pipeline
type Metrics struct {
	Transitions          *prometheus.CounterVec
	AdapterFailures      *prometheus.CounterVec
	NotificationFailures prometheus.Counter
	FrozenMentions       *prometheus.CounterVec
	RepliesPublished     prometheus.Counter

	Cycles        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	ItemsFetched  prometheus.Counter
	Duplicates    prometheus.Counter
	MentionStates *prometheus.GaugeVec
}

// Ensure Metrics observes the pipeline
var _ pipeline.Observer = (*Metrics)(nil)

// NewMetrics registers the collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mentions_transitions_total",
			Help: "Mention state transitions",
		}, []string{"from", "to"}),

		AdapterFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mentions_adapter_failures_total",
			Help: "Failed adapter calls by adapter and error class",
		}, []string{"adapter", "class"}),

		NotificationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mentions_notification_failures_total",
			Help: "Alerts that could not be delivered on any channel",
		}),

		FrozenMentions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mentions_frozen_total",
			Help: "Mentions parked in FAILED without automatic retry, by origin state",
		}, []string{"origin"}),

		RepliesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "mentions_replies_published_total",
			Help: "Approved replies posted to the source platform",
		}),

		Cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mentions_cycles_total",
			Help: "Fetch-and-process cycles by result",
		}, []string{"result"}),

		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mentions_cycle_duration_seconds",
			Help:    "Duration of a fetch-and-process cycle",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),

		ItemsFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "mentions_items_fetched_total",
			Help: "Candidate items returned by the forum",
		}),

		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "mentions_duplicates_total",
			Help: "Fetched items dropped as already seen",
		}),

		MentionStates: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mentions_by_state",
			Help: "Stored mentions per pipeline state",
		}, []string{"state"}),
	}
}

func (m *Metrics) Transition(from, to models.State) {
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) AdapterFailure(adapter string, permanent bool) {
	class := "transient"
	if permanent {
		class = "permanent"
	}
	m.AdapterFailures.WithLabelValues(adapter, class).Inc()
}

func (m *Metrics) NotificationFailure() {
	m.NotificationFailures.Inc()
}

func (m *Metrics) Frozen(origin models.State) {
	m.FrozenMentions.WithLabelValues(string(origin)).Inc()
}

func (m *Metrics) Published() {
	m.RepliesPublished.Inc()
}

func (m *Metrics) setStateCounts(counts map[models.State]int) {
	for _, state := range models.AllStates {
		m.MentionStates.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
