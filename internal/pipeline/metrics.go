package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters, registered once on the default registry and exposed via
// the optional /metrics listener.
var (
	messagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ridcot_messages_received_total",
		Help: "Raw bus messages received by the pipeline.",
	})

	framingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ridcot_framing_errors_total",
		Help: "Bus messages that failed framing (malformed JSON or corrupt compression).",
	})

	recordsDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ridcot_records_decoded_total",
		Help: "UASdata blobs decoded into Remote ID records.",
	})

	eventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridcot_events_emitted_total",
		Help: "CoT events placed on the egress queue.",
	}, []string{"kind"})

	messagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridcot_messages_dropped_total",
		Help: "Objects discarded by policy.",
	}, []string{"reason"})
)
