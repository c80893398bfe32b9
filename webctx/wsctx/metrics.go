package wsctx

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveContexts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "activities",
		Subsystem: "relay",
		Name:      "active_contexts",
		Help:      "Number of browsing contexts currently registered with the relay.",
	})
	metricEnvelopesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "activities",
		Subsystem: "relay",
		Name:      "envelopes_relayed_total",
		Help:      "Envelopes forwarded between contexts.",
	})
	metricSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "activities",
		Subsystem: "relay",
		Name:      "send_failures_total",
		Help:      "Envelopes that could not be forwarded to their target context.",
	})
	metricDuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "activities",
		Subsystem: "relay",
		Name:      "duplicate_envelopes_dropped_total",
		Help:      "Envelopes dropped because their msg_id was already processed.",
	})
)
