// services/hub/internal/core/events.go
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/hub/internal/infrastructure"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	TopicHubZoneBound     = "hub.zone.bound"
	TopicHubZoneUnbound   = "hub.zone.unbound"
	TopicHubInitialized   = "hub.initialized"
	TopicHubDeleted       = "hub.deleted"
	TopicSensorAttached   = "sensor.hub.attached"
	TopicSensorDetached   = "sensor.hub.detached"
	TopicReadingsIngested = "sensor.readings.ingested"
)

const eventPublishTimeout = 5 * time.Second

// Event is the envelope published on the message bus and spooled to the WAL.
type Event struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// HubEventData describes a hub lifecycle change. It never carries the secret.
type HubEventData struct {
	HubID            string `json:"hubId"`
	IdentifierNumber string `json:"identifierNumber"`
	ZoneID           *int   `json:"zoneId,omitempty"`
	RadioGroup       *int   `json:"radioGroup,omitempty"`
	IPAddress        string `json:"ipAddress,omitempty"`
}

// SensorEventData describes a sensor attaching to or detaching from a hub.
type SensorEventData struct {
	SensorID         string `json:"sensorId"`
	IdentifierNumber string `json:"identifierNumber"`
	HubID            string `json:"hubId"`
}

// ReadingsIngestedData summarizes one accepted telemetry push.
type ReadingsIngestedData struct {
	HubID            string    `json:"hubId"`
	IdentifierNumber string    `json:"identifierNumber"`
	Sensors          []string  `json:"sensors"`
	ReadingCount     int       `json:"readingCount"`
	FirstReadingDate time.Time `json:"firstReadingDate"`
	LastReadingDate  time.Time `json:"lastReadingDate"`
	Transport        string    `json:"transport"`
}

// NewEvent wraps data in an envelope with a fresh id.
func NewEvent(topic string, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", topic, err)
	}
	return &Event{
		ID:         uuid.New().String(),
		Topic:      topic,
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	}, nil
}

// MessageID lets the bus and the WAL deduplicate on the envelope id.
func (e *Event) MessageID() string { return e.ID }

// EventPublisher sends a message to the bus.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, message interface{}) error
}

// EventSpool durably keeps events the bus could not take.
type EventSpool interface {
	Write(data interface{}) error
}

// EventDispatcher publishes events and falls back to the spool when the bus fails.
// With no publisher configured events are only logged at debug level.
type EventDispatcher struct {
	publisher EventPublisher
	spool     EventSpool
	metrics   *infrastructure.Metrics
	logger    *logrus.Logger
}

func NewEventDispatcher(publisher EventPublisher, spool EventSpool, metrics *infrastructure.Metrics, logger *logrus.Logger) *EventDispatcher {
	return &EventDispatcher{
		publisher: publisher,
		spool:     spool,
		metrics:   metrics,
		logger:    logger,
	}
}

// Dispatch never fails the caller; the triggering write has already committed.
func (d *EventDispatcher) Dispatch(ctx context.Context, topic string, data interface{}) {
	if d == nil {
		return
	}

	event, err := NewEvent(topic, data)
	if err != nil {
		d.logger.WithError(err).WithField("topic", topic).Error("Failed to build event")
		return
	}

	if d.publisher == nil {
		d.logger.WithFields(logrus.Fields{
			"topic":    topic,
			"event_id": event.ID,
		}).Debug("Messaging disabled, event not published")
		return
	}

	// Detach from request cancellation: the client may already be gone.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()

	if err := d.publisher.Publish(pubCtx, topic, event); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"topic":    topic,
			"event_id": event.ID,
		}).Warn("Failed to publish event, spooling to WAL")
		d.spoolEvent(event)
	}
}

func (d *EventDispatcher) spoolEvent(event *Event) {
	if d.spool == nil {
		d.logger.WithField("event_id", event.ID).Error("Failed to spool event, event dropped")
		return
	}
	if err := d.spool.Write(event); err != nil {
		d.logger.WithError(err).WithField("event_id", event.ID).Error("Failed to spool event, event dropped")
		return
	}
	d.metrics.EventSpooled()
}
