// services/hub/internal/core/readings.go
package core

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const maxReadingWindowHours = 24 * 366

// ReadingAverage is the mean value of a sensor over a trailing window.
type ReadingAverage struct {
	SensorID string    `json:"sensorId"`
	Hours    int       `json:"hours"`
	Since    time.Time `json:"since"`
	Average  *float64  `json:"average"`
}

// ReadingQueryService answers read-only questions about stored readings.
type ReadingQueryService struct {
	store     Repository
	hubPrefix string
	logger    *logrus.Logger
	now       func() time.Time
}

func NewReadingQueryService(store Repository, hubPrefix string, logger *logrus.Logger) *ReadingQueryService {
	return &ReadingQueryService{
		store:     store,
		hubPrefix: hubPrefix,
		logger:    logger,
		now:       time.Now,
	}
}

// GetReadings returns a sensor's readings in reading date order. Nil bounds are open.
func (s *ReadingQueryService) GetReadings(ctx context.Context, sensorID string, from, to *time.Time) ([]*SensorReading, error) {
	if from != nil && to != nil && from.After(*to) {
		return nil, invalidf(ErrInvalidTimeRange, "from is after to")
	}
	if err := s.requireSensor(ctx, sensorID); err != nil {
		return nil, err
	}
	return s.store.ListReadings(ctx, []string{sensorID}, ReadingRange{From: from, To: to})
}

func (s *ReadingQueryService) LatestReading(ctx context.Context, sensorID string) (*SensorReading, error) {
	if err := s.requireSensor(ctx, sensorID); err != nil {
		return nil, err
	}
	reading, err := s.store.LatestReading(ctx, sensorID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoReadings
		}
		return nil, err
	}
	return reading, nil
}

// ReadingsForLastHours returns readings dated within the trailing window.
func (s *ReadingQueryService) ReadingsForLastHours(ctx context.Context, sensorID string, hours int) ([]*SensorReading, error) {
	since, err := s.windowStart(hours)
	if err != nil {
		return nil, err
	}
	return s.GetReadings(ctx, sensorID, &since, nil)
}

// AverageForLastHours averages readings dated within the trailing window. Average
// is nil when the window holds no readings.
func (s *ReadingQueryService) AverageForLastHours(ctx context.Context, sensorID string, hours int) (*ReadingAverage, error) {
	since, err := s.windowStart(hours)
	if err != nil {
		return nil, err
	}
	if err := s.requireSensor(ctx, sensorID); err != nil {
		return nil, err
	}
	avg, err := s.store.AverageReading(ctx, sensorID, since)
	if err != nil {
		return nil, err
	}
	return &ReadingAverage{SensorID: sensorID, Hours: hours, Since: since, Average: avg}, nil
}

// HubReadingsSummary rebuilds the ingestion summary for a hub's stored readings
// in [from, to]. It returns nil when the range holds nothing.
func (s *ReadingQueryService) HubReadingsSummary(ctx context.Context, hubIdentifier string, from, to time.Time) (*ReadingsIngestedData, error) {
	if from.After(to) {
		return nil, invalidf(ErrInvalidTimeRange, "from is after to")
	}
	hub, err := lookupHubByIdentifier(ctx, s.store, s.hubPrefix, hubIdentifier)
	if err != nil {
		return nil, err
	}
	sensors, err := s.store.ListSensors(ctx, SensorFilter{HubID: hub.ID})
	if err != nil {
		return nil, err
	}
	if len(sensors) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(sensors))
	identifiers := make(map[string]string, len(sensors))
	for _, sensor := range sensors {
		ids = append(ids, sensor.ID)
		identifiers[sensor.ID] = sensor.IdentifierNumber
	}

	readings, err := s.store.ListReadings(ctx, ids, ReadingRange{From: &from, To: &to})
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var reported []string
	for _, r := range readings {
		identifier := identifiers[r.SensorID]
		if !seen[identifier] {
			seen[identifier] = true
			reported = append(reported, identifier)
		}
	}

	summary := summarizeReadings(hub, reported, readings, TransportReplay)
	return &summary, nil
}

func (s *ReadingQueryService) windowStart(hours int) (time.Time, error) {
	if hours <= 0 || hours > maxReadingWindowHours {
		return time.Time{}, invalidf(ErrInvalidTimeRange, "hours must be between 1 and %d", maxReadingWindowHours)
	}
	return s.now().UTC().Add(-time.Duration(hours) * time.Hour), nil
}

func (s *ReadingQueryService) requireSensor(ctx context.Context, sensorID string) error {
	if err := validateID(sensorID); err != nil {
		return err
	}
	if _, err := s.store.GetSensor(ctx, sensorID); err != nil {
		return sensorLookupError(err)
	}
	return nil
}
