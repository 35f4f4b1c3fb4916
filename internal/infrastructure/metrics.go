// services/hub/internal/infrastructure/metrics.go
package infrastructure

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	RejectReasonHubNotFound       = "hub_not_found"
	RejectReasonNotInitialized    = "not_initialized"
	RejectReasonSignatureMismatch = "signature_mismatch"
	RejectReasonMalformedPayload  = "malformed_payload"
	RejectReasonUnknownSensor     = "unknown_sensor"
	RejectReasonForeignSensor     = "foreign_sensor"
	RejectReasonInvalidReading    = "invalid_reading"
)

// Metrics captures ingestion and provisioning signals. A nil *Metrics is a no-op.
type Metrics struct {
	readingsIngested  *prometheus.CounterVec
	pushesAccepted    *prometheus.CounterVec
	pushesRejected    *prometheus.CounterVec
	sensorsRejected   *prometheus.CounterVec
	initializations   prometheus.Counter
	identifierRetries *prometheus.CounterVec
	eventsSpooled     prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		readingsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hub_service",
			Name:      "readings_ingested_total",
			Help:      "Sensor readings persisted from hub pushes.",
		}, []string{"transport"}),
		pushesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hub_service",
			Name:      "pushes_accepted_total",
			Help:      "Telemetry pushes that passed signature verification.",
		}, []string{"transport"}),
		pushesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hub_service",
			Name:      "pushes_rejected_total",
			Help:      "Telemetry pushes rejected as a whole.",
		}, []string{"reason"}),
		sensorsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hub_service",
			Name:      "sensor_batches_rejected_total",
			Help:      "Per-sensor batches skipped inside an accepted push.",
		}, []string{"reason"}),
		initializations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hub_service",
			Name:      "hub_initializations_total",
			Help:      "Hub secrets issued.",
		}),
		identifierRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hub_service",
			Name:      "identifier_retries_total",
			Help:      "Identifier numbers that collided and were retried.",
		}, []string{"entity"}),
		eventsSpooled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hub_service",
			Name:      "events_spooled_total",
			Help:      "Events written to the write-ahead log because the bus was unavailable.",
		}),
	}

	collectors := []prometheus.Collector{
		m.readingsIngested,
		m.pushesAccepted,
		m.pushesRejected,
		m.sensorsRejected,
		m.initializations,
		m.identifierRetries,
		m.eventsSpooled,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) PushAccepted(transport string, readings int) {
	if m == nil {
		return
	}
	m.pushesAccepted.WithLabelValues(transport).Inc()
	m.readingsIngested.WithLabelValues(transport).Add(float64(readings))
}

func (m *Metrics) PushRejected(reason string) {
	if m == nil {
		return
	}
	m.pushesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SensorRejected(reason string) {
	if m == nil {
		return
	}
	m.sensorsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) HubInitialized() {
	if m == nil {
		return
	}
	m.initializations.Inc()
}

func (m *Metrics) IdentifierRetry(entity string) {
	if m == nil {
		return
	}
	m.identifierRetries.WithLabelValues(entity).Inc()
}

func (m *Metrics) EventSpooled() {
	if m == nil {
		return
	}
	m.eventsSpooled.Inc()
}
