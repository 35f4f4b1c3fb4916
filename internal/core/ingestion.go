// services/hub/internal/core/ingestion.go
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"example.com/backstage/services/hub/internal/infrastructure"
	"example.com/backstage/services/hub/internal/utils"
	"github.com/bwmarrin/snowflake"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	TransportHTTP   = "http"
	TransportMQTT   = "mqtt"
	TransportReplay = "replay"

	// unassignedRadioGroup is the value hub firmware falls back to.
	unassignedRadioGroup = 255
)

// readingDateLayouts are tried in order. Naive timestamps are taken as UTC.
var readingDateLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// PushReadingsRequest is the signed envelope a hub sends.
type PushReadingsRequest struct {
	JSONPayloadString string `json:"jsonPayloadString"`
	SHA256            string `json:"sha256"`
}

// ReadingEntry is one measurement inside the signed payload.
type ReadingEntry struct {
	ReadingDate string   `json:"readingDate"`
	Reading     *float64 `json:"reading"`
}

// RejectedSensor explains why a sensor's batch was skipped.
type RejectedSensor struct {
	Sensor string `json:"sensor"`
	Reason string `json:"reason"`
}

// PushResult is returned to the hub after an accepted push.
type PushResult struct {
	Sensors    []string         `json:"sensors"`
	RadioGroup int              `json:"radioGroup"`
	Rejected   []RejectedSensor `json:"rejected"`
}

// TelemetryIngestionService verifies signed reading batches and stores them.
type TelemetryIngestionService struct {
	store     Repository
	node      *snowflake.Node
	hubPrefix string
	events    *EventDispatcher
	metrics   *infrastructure.Metrics
	logger    *logrus.Logger
}

func NewTelemetryIngestionService(store Repository, node *snowflake.Node, hubPrefix string, events *EventDispatcher, metrics *infrastructure.Metrics, logger *logrus.Logger) *TelemetryIngestionService {
	return &TelemetryIngestionService{
		store:     store,
		node:      node,
		hubPrefix: hubPrefix,
		events:    events,
		metrics:   metrics,
		logger:    logger,
	}
}

// PushSensorReadings authenticates payload against the hub secret and persists
// the readings of every sensor that belongs to the hub. A bad signature or a
// structurally broken payload rejects the whole push; problems with a single
// sensor only skip that sensor.
func (s *TelemetryIngestionService) PushSensorReadings(ctx context.Context, identifier, payload, providedHash, transport string) (*PushResult, error) {
	log := s.logger.WithFields(logrus.Fields{
		"identifier_number": identifier,
		"transport":         transport,
	})

	hub, err := lookupDeviceHub(ctx, s.store, s.hubPrefix, identifier)
	if err != nil {
		if errors.Is(err, ErrHubNotFound) {
			s.metrics.PushRejected(infrastructure.RejectReasonHubNotFound)
		}
		return nil, err
	}
	if err := requireInitialized(hub); err != nil {
		s.metrics.PushRejected(infrastructure.RejectReasonNotInitialized)
		return nil, err
	}

	if !utils.VerifyPayloadDigest(payload, *hub.HubSecret, providedHash) {
		s.metrics.PushRejected(infrastructure.RejectReasonSignatureMismatch)
		log.Warn("Rejected push with invalid signature")
		return nil, ErrInvalidPayloadSignature
	}

	// Only the outer object must decode; each sensor's entries are decoded on
	// their own so a mistyped entry skips that sensor alone.
	var batch map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &batch); err != nil {
		s.metrics.PushRejected(infrastructure.RejectReasonMalformedPayload)
		return nil, invalidf(ErrInvalidPayload, "%v", err)
	}

	attached, err := s.store.ListSensors(ctx, SensorFilter{HubID: hub.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to load hub sensors: %w", err)
	}
	byIdentifier := make(map[string]*Sensor, len(attached))
	for _, sensor := range attached {
		byIdentifier[sensor.IdentifierNumber] = sensor
	}

	keys := make([]string, 0, len(batch))
	for key := range batch {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := &PushResult{
		Sensors:    []string{},
		RadioGroup: unassignedRadioGroup,
		Rejected:   []RejectedSensor{},
	}
	if hub.RadioGroup != nil {
		result.RadioGroup = *hub.RadioGroup
	}

	var readings []*SensorReading
	for _, key := range keys {
		sensor, ok := byIdentifier[key]
		if !ok {
			reason, metric, err := s.classifyUnattached(ctx, key)
			if err != nil {
				return nil, err
			}
			s.metrics.SensorRejected(metric)
			result.Rejected = append(result.Rejected, RejectedSensor{Sensor: key, Reason: reason})
			continue
		}

		parsed, err := s.parseEntries(sensor.ID, batch[key])
		if err != nil {
			s.metrics.SensorRejected(infrastructure.RejectReasonInvalidReading)
			result.Rejected = append(result.Rejected, RejectedSensor{Sensor: key, Reason: err.Error()})
			continue
		}
		readings = append(readings, parsed...)
		result.Sensors = append(result.Sensors, key)
	}

	now := time.Now().UTC()
	err = s.store.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		if err := tx.CreateReadings(ctx, readings); err != nil {
			return fmt.Errorf("failed to store readings: %w", err)
		}
		return tx.TouchHubDataUpdate(ctx, hub.ID, now)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.PushAccepted(transport, len(readings))
	log.WithFields(logrus.Fields{
		"hub_id":   hub.ID,
		"readings": len(readings),
		"accepted": len(result.Sensors),
		"rejected": len(result.Rejected),
	}).Info("Sensor readings ingested")

	if len(readings) > 0 {
		s.events.Dispatch(ctx, TopicReadingsIngested, summarizeReadings(hub, result.Sensors, readings, transport))
	}
	return result, nil
}

func (s *TelemetryIngestionService) classifyUnattached(ctx context.Context, identifier string) (string, string, error) {
	_, err := s.store.GetSensorByIdentifier(ctx, identifier)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return "unknown sensor", infrastructure.RejectReasonUnknownSensor, nil
	case err != nil:
		return "", "", fmt.Errorf("failed to resolve sensor %s: %w", identifier, err)
	default:
		return "sensor is not attached to this hub", infrastructure.RejectReasonForeignSensor, nil
	}
}

// parseEntries rejects the sensor's batch if any entry is unusable, so a
// sensor is either fully accepted or fully skipped.
func (s *TelemetryIngestionService) parseEntries(sensorID string, raw json.RawMessage) ([]*SensorReading, error) {
	var entries []ReadingEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("readings must be a list of {readingDate, reading} entries")
	}
	readings := make([]*SensorReading, 0, len(entries))
	for i, entry := range entries {
		if entry.Reading == nil {
			return nil, fmt.Errorf("entry %d: missing reading", i)
		}
		date, err := parseReadingDate(entry.ReadingDate)
		if err != nil {
			return nil, fmt.Errorf("entry %d: unparseable readingDate", i)
		}
		readings = append(readings, &SensorReading{
			ID:          s.node.Generate().Int64(),
			SensorID:    sensorID,
			ReadingDate: date,
			Value:       *entry.Reading,
		})
	}
	return readings, nil
}

func parseReadingDate(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range readingDateLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func summarizeReadings(hub *Hub, sensors []string, readings []*SensorReading, transport string) ReadingsIngestedData {
	data := ReadingsIngestedData{
		HubID:            hub.ID,
		IdentifierNumber: hub.IdentifierNumber,
		Sensors:          sensors,
		ReadingCount:     len(readings),
		Transport:        transport,
	}
	for i, r := range readings {
		if i == 0 || r.ReadingDate.Before(data.FirstReadingDate) {
			data.FirstReadingDate = r.ReadingDate
		}
		if i == 0 || r.ReadingDate.After(data.LastReadingDate) {
			data.LastReadingDate = r.ReadingDate
		}
	}
	return data
}
