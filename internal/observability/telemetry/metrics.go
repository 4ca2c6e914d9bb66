package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call-level metrics
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callflow_active_calls",
		Help: "Number of live call sessions on this worker",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callflow_calls_total",
		Help: "Completed calls by end reason",
	}, []string{"reason"})

	CheckinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callflow_checkins_total",
		Help: "Silence check-ins spoken",
	})

	InterruptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callflow_interruptions_total",
		Help: "Classified user utterances during agent speech",
	}, []string{"verdict"})

	// Pipeline metrics
	TransitionEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callflow_transition_evaluations_total",
		Help: "Transition decisions by resolution path",
	}, []string{"path"})

	LLMLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "callflow_llm_latency_seconds",
		Help:    "Latency of bounded language model calls",
		Buckets: []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5},
	})

	PlaybackUnitsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callflow_playback_units_in_flight",
		Help: "Synthesized fragments dispatched but not yet confirmed played",
	})

	PlaybackCancellations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callflow_playback_cancellations_total",
		Help: "Barge-in cancellations of in-flight playback",
	})

	WebhookDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callflow_webhook_duplicates_total",
		Help: "Lifecycle webhooks absorbed as duplicates",
	})
)
