// services/hub/internal/core/sensor_service.go
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/backstage/services/hub/internal/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CreateSensorRequest carries the staff supplied fields of a new sensor.
type CreateSensorRequest struct {
	Name                     string     `json:"name"`
	SerialNumber             string     `json:"serialNumber"`
	SensorType               string     `json:"sensorType"`
	SensorStatus             string     `json:"sensorStatus"`
	SensorUnit               string     `json:"sensorUnit"`
	Description              string     `json:"description"`
	Supplier                 string     `json:"supplier"`
	SupplierContactNumber    string     `json:"supplierContactNumber"`
	AcquisitionDate          *time.Time `json:"acquisitionDate"`
	FacilityID               string     `json:"facilityId"`
	LastMaintenanceDate      *time.Time `json:"lastMaintenanceDate"`
	NextMaintenanceDate      *time.Time `json:"nextMaintenanceDate"`
	CalibrationFrequencyDays int        `json:"calibrationFrequencyDays"`
	LastCalibratedDate       *time.Time `json:"lastCalibratedDate"`
	DataFrequencyMinutes     int        `json:"dataFrequencyMinutes"`
}

// UpdateSensorRequest patches sensor details. Nil fields are left untouched.
type UpdateSensorRequest struct {
	Name                     *string    `json:"name"`
	SerialNumber             *string    `json:"serialNumber"`
	SensorType               *string    `json:"sensorType"`
	SensorStatus             *string    `json:"sensorStatus"`
	SensorUnit               *string    `json:"sensorUnit"`
	Description              *string    `json:"description"`
	Supplier                 *string    `json:"supplier"`
	SupplierContactNumber    *string    `json:"supplierContactNumber"`
	AcquisitionDate          *time.Time `json:"acquisitionDate"`
	FacilityID               *string    `json:"facilityId"`
	LastMaintenanceDate      *time.Time `json:"lastMaintenanceDate"`
	NextMaintenanceDate      *time.Time `json:"nextMaintenanceDate"`
	CalibrationFrequencyDays *int       `json:"calibrationFrequencyDays"`
	LastCalibratedDate       *time.Time `json:"lastCalibratedDate"`
	DataFrequencyMinutes     *int       `json:"dataFrequencyMinutes"`
}

// AddSensorToHubRequest attaches a sensor to a zone-bound hub at a position.
type AddSensorToHubRequest struct {
	HubID string  `json:"hubId"`
	Lat   float64 `json:"lat"`
	Long  float64 `json:"long"`
}

func (r CreateSensorRequest) validate() error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return invalidf(ErrInvalidRequest, "name is required")
	case strings.TrimSpace(r.SerialNumber) == "":
		return invalidf(ErrInvalidRequest, "serialNumber is required")
	case strings.TrimSpace(r.FacilityID) == "":
		return invalidf(ErrInvalidRequest, "facilityId is required")
	case !contains(sensorTypes, r.SensorType):
		return invalidf(ErrInvalidSensorType, "%q", r.SensorType)
	case !contains(sensorUnits, r.SensorUnit):
		return invalidf(ErrInvalidSensorUnit, "%q", r.SensorUnit)
	case r.SensorStatus != "" && !contains(sensorStatuses, r.SensorStatus):
		return invalidf(ErrInvalidSensorStatus, "%q", r.SensorStatus)
	case r.CalibrationFrequencyDays < 0 || r.DataFrequencyMinutes < 0:
		return invalidf(ErrInvalidRequest, "frequencies cannot be negative")
	}
	return nil
}

func (r UpdateSensorRequest) validate() error {
	switch {
	case r.Name != nil && strings.TrimSpace(*r.Name) == "":
		return invalidf(ErrInvalidRequest, "name cannot be empty")
	case r.SerialNumber != nil && strings.TrimSpace(*r.SerialNumber) == "":
		return invalidf(ErrInvalidRequest, "serialNumber cannot be empty")
	case r.FacilityID != nil && strings.TrimSpace(*r.FacilityID) == "":
		return invalidf(ErrInvalidRequest, "facilityId cannot be empty")
	case r.SensorType != nil && !contains(sensorTypes, *r.SensorType):
		return invalidf(ErrInvalidSensorType, "%q", *r.SensorType)
	case r.SensorUnit != nil && !contains(sensorUnits, *r.SensorUnit):
		return invalidf(ErrInvalidSensorUnit, "%q", *r.SensorUnit)
	case r.SensorStatus != nil && !contains(sensorStatuses, *r.SensorStatus):
		return invalidf(ErrInvalidSensorStatus, "%q", *r.SensorStatus)
	case r.CalibrationFrequencyDays != nil && *r.CalibrationFrequencyDays < 0,
		r.DataFrequencyMinutes != nil && *r.DataFrequencyMinutes < 0:
		return invalidf(ErrInvalidRequest, "frequencies cannot be negative")
	}
	return nil
}

func (r AddSensorToHubRequest) validate() error {
	if err := validateID(r.HubID); err != nil {
		return err
	}
	switch {
	case r.Lat < -90 || r.Lat > 90:
		return invalidf(ErrInvalidRequest, "lat must be between -90 and 90")
	case r.Long < -180 || r.Long > 180:
		return invalidf(ErrInvalidRequest, "long must be between -180 and 180")
	}
	return nil
}

// SensorRegistry owns every write to sensors.
type SensorRegistry struct {
	store     Repository
	directory ParkDirectory
	ids       *IdentifierGenerator
	events    *EventDispatcher
	logger    *logrus.Logger
}

func NewSensorRegistry(store Repository, directory ParkDirectory, ids *IdentifierGenerator, events *EventDispatcher, logger *logrus.Logger) *SensorRegistry {
	return &SensorRegistry{
		store:     store,
		directory: directory,
		ids:       ids,
		events:    events,
		logger:    logger,
	}
}

func (s *SensorRegistry) CreateSensor(ctx context.Context, req CreateSensorRequest) (*Sensor, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	exists, err := s.store.SensorSerialNumberExists(ctx, req.SerialNumber, "")
	if err != nil {
		return nil, fmt.Errorf("failed to check serial number: %w", err)
	}
	if exists {
		return nil, ErrSensorSerialNumberExists
	}

	facility, err := s.directory.GetFacility(ctx, req.FacilityID)
	if err != nil {
		return nil, err
	}

	status := req.SensorStatus
	if status == "" {
		status = SensorStatusActive
	}

	sensor := &Sensor{
		ID:                       uuid.New().String(),
		Name:                     req.Name,
		SerialNumber:             req.SerialNumber,
		SensorType:               req.SensorType,
		SensorStatus:             status,
		SensorUnit:               req.SensorUnit,
		Description:              req.Description,
		Supplier:                 req.Supplier,
		SupplierContactNumber:    req.SupplierContactNumber,
		AcquisitionDate:          utcTime(req.AcquisitionDate),
		FacilityID:               facility.ID,
		ParkID:                   facility.ParkID,
		LastMaintenanceDate:      utcTime(req.LastMaintenanceDate),
		NextMaintenanceDate:      utcTime(req.NextMaintenanceDate),
		CalibrationFrequencyDays: req.CalibrationFrequencyDays,
		LastCalibratedDate:       utcTime(req.LastCalibratedDate),
		DataFrequencyMinutes:     req.DataFrequencyMinutes,
	}

	_, err = s.ids.Generate(ctx, EntitySensor, func(identifier string) error {
		sensor.IdentifierNumber = identifier
		err := s.store.CreateSensor(ctx, sensor)
		if isUniqueViolation(err) && violatedColumn(err, "serial_number") {
			return ErrSensorSerialNumberExists
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"sensor_id":         sensor.ID,
		"identifier_number": sensor.IdentifierNumber,
		"sensor_type":       sensor.SensorType,
	}).Info("Sensor created")

	return sensor, nil
}

func (s *SensorRegistry) GetSensor(ctx context.Context, id string) (*Sensor, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	sensor, err := s.store.GetSensor(ctx, id)
	if err != nil {
		return nil, sensorLookupError(err)
	}
	return sensor, nil
}

func (s *SensorRegistry) GetSensorByIdentifier(ctx context.Context, identifier string) (*Sensor, error) {
	prefix := s.ids.Prefix(EntitySensor)
	if !utils.ValidIdentifier(identifier, prefix) {
		return nil, invalidf(ErrInvalidIdentifier, "%q is not a %s identifier", identifier, prefix)
	}
	sensor, err := s.store.GetSensorByIdentifier(ctx, identifier)
	if err != nil {
		return nil, sensorLookupError(err)
	}
	return sensor, nil
}

func (s *SensorRegistry) ListSensors(ctx context.Context, filter SensorFilter) ([]*Sensor, error) {
	if filter.ParkID < 0 {
		return nil, invalidf(ErrInvalidIdentifier, "parkId must be a positive integer")
	}
	if filter.HubID != "" {
		if err := validateID(filter.HubID); err != nil {
			return nil, err
		}
	}
	return s.store.ListSensors(ctx, filter)
}

func (s *SensorRegistry) CheckDuplicateSerialNumber(ctx context.Context, serial, excludeID string) (bool, error) {
	if strings.TrimSpace(serial) == "" {
		return false, invalidf(ErrInvalidRequest, "serialNumber is required")
	}
	if excludeID != "" {
		if err := validateID(excludeID); err != nil {
			return false, err
		}
	}
	return s.store.SensorSerialNumberExists(ctx, serial, excludeID)
}

// SensorsNeedingMaintenance lists sensors whose next maintenance date has passed.
func (s *SensorRegistry) SensorsNeedingMaintenance(ctx context.Context, now time.Time) ([]*Sensor, error) {
	return s.store.ListSensorsMaintenanceDue(ctx, now)
}

// SensorsNeedingCalibration lists sensors never calibrated or past their calibration window.
func (s *SensorRegistry) SensorsNeedingCalibration(ctx context.Context, now time.Time) ([]*Sensor, error) {
	sensors, err := s.store.ListSensors(ctx, SensorFilter{})
	if err != nil {
		return nil, err
	}
	due := make([]*Sensor, 0, len(sensors))
	for _, sensor := range sensors {
		if sensor.NeedsCalibration(now) {
			due = append(due, sensor)
		}
	}
	return due, nil
}

func (s *SensorRegistry) UpdateSensorDetails(ctx context.Context, id string, req UpdateSensorRequest) (*Sensor, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	sensor, err := s.store.GetSensor(ctx, id)
	if err != nil {
		return nil, sensorLookupError(err)
	}

	if req.SerialNumber != nil && *req.SerialNumber != sensor.SerialNumber {
		exists, err := s.store.SensorSerialNumberExists(ctx, *req.SerialNumber, sensor.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check serial number: %w", err)
		}
		if exists {
			return nil, ErrSensorSerialNumberExists
		}
		sensor.SerialNumber = *req.SerialNumber
	}
	if req.FacilityID != nil && *req.FacilityID != sensor.FacilityID {
		facility, err := s.directory.GetFacility(ctx, *req.FacilityID)
		if err != nil {
			return nil, err
		}
		sensor.FacilityID = facility.ID
		sensor.ParkID = facility.ParkID
	}
	applySensorPatch(sensor, req)

	if err := s.store.SaveSensor(ctx, sensor); err != nil {
		if isUniqueViolation(err) && violatedColumn(err, "serial_number") {
			return nil, ErrSensorSerialNumberExists
		}
		return nil, fmt.Errorf("failed to update sensor: %w", err)
	}
	return sensor, nil
}

func applySensorPatch(sensor *Sensor, req UpdateSensorRequest) {
	if req.Name != nil {
		sensor.Name = *req.Name
	}
	if req.SensorType != nil {
		sensor.SensorType = *req.SensorType
	}
	if req.SensorStatus != nil {
		sensor.SensorStatus = *req.SensorStatus
	}
	if req.SensorUnit != nil {
		sensor.SensorUnit = *req.SensorUnit
	}
	if req.Description != nil {
		sensor.Description = *req.Description
	}
	if req.Supplier != nil {
		sensor.Supplier = *req.Supplier
	}
	if req.SupplierContactNumber != nil {
		sensor.SupplierContactNumber = *req.SupplierContactNumber
	}
	if req.AcquisitionDate != nil {
		sensor.AcquisitionDate = utcTime(req.AcquisitionDate)
	}
	if req.LastMaintenanceDate != nil {
		sensor.LastMaintenanceDate = utcTime(req.LastMaintenanceDate)
	}
	if req.NextMaintenanceDate != nil {
		sensor.NextMaintenanceDate = utcTime(req.NextMaintenanceDate)
	}
	if req.CalibrationFrequencyDays != nil {
		sensor.CalibrationFrequencyDays = *req.CalibrationFrequencyDays
	}
	if req.LastCalibratedDate != nil {
		sensor.LastCalibratedDate = utcTime(req.LastCalibratedDate)
	}
	if req.DataFrequencyMinutes != nil {
		sensor.DataFrequencyMinutes = *req.DataFrequencyMinutes
	}
}

// DeleteSensor removes the sensor. Its readings stay for history.
func (s *SensorRegistry) DeleteSensor(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := s.store.DeleteSensor(ctx, id); err != nil {
		return sensorLookupError(err)
	}
	s.logger.WithField("sensor_id", id).Info("Sensor deleted")
	return nil
}

// AddSensorToHub attaches the sensor to a hub that is currently bound to a zone.
func (s *SensorRegistry) AddSensorToHub(ctx context.Context, id string, req AddSensorToHubRequest) (*Sensor, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	var (
		sensor *Sensor
		hub    *Hub
	)
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		var err error
		sensor, err = tx.GetSensor(ctx, id)
		if err != nil {
			return sensorLookupError(err)
		}
		// Lock the hub so a concurrent zone removal cannot slip in between.
		hub, err = tx.GetHubForUpdate(ctx, req.HubID)
		if err != nil {
			return hubLookupError(err)
		}
		if !hub.InZone() {
			return ErrHubNotInZone
		}

		lat, long := req.Lat, req.Long
		sensor.HubID = &hub.ID
		sensor.Lat = &lat
		sensor.Long = &long
		return tx.SaveSensor(ctx, sensor)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"sensor_id": sensor.ID,
		"hub_id":    hub.ID,
	}).Info("Sensor added to hub")

	s.events.Dispatch(ctx, TopicSensorAttached, SensorEventData{
		SensorID:         sensor.ID,
		IdentifierNumber: sensor.IdentifierNumber,
		HubID:            hub.ID,
	})
	return sensor, nil
}

// RemoveSensorFromHub clears the hub association and position. Detaching an
// unattached sensor is a no-op.
func (s *SensorRegistry) RemoveSensorFromHub(ctx context.Context, id string) (*Sensor, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	sensor, err := s.store.GetSensor(ctx, id)
	if err != nil {
		return nil, sensorLookupError(err)
	}
	if sensor.HubID == nil {
		return sensor, nil
	}

	previousHub := *sensor.HubID
	sensor.HubID = nil
	sensor.Lat = nil
	sensor.Long = nil
	if err := s.store.SaveSensor(ctx, sensor); err != nil {
		return nil, fmt.Errorf("failed to detach sensor: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"sensor_id": sensor.ID,
		"hub_id":    previousHub,
	}).Info("Sensor removed from hub")

	s.events.Dispatch(ctx, TopicSensorDetached, SensorEventData{
		SensorID:         sensor.ID,
		IdentifierNumber: sensor.IdentifierNumber,
		HubID:            previousHub,
	})
	return sensor, nil
}

func (s *SensorRegistry) GetAllSensorsByHubID(ctx context.Context, hubID string) ([]*Sensor, error) {
	if err := validateID(hubID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetHub(ctx, hubID); err != nil {
		return nil, hubLookupError(err)
	}
	return s.store.ListSensors(ctx, SensorFilter{HubID: hubID})
}

// UpdateHubSensors answers the hub's poll for the sensors it should relay.
// It always reads the database so attachments show up on the next poll.
func (s *SensorRegistry) UpdateHubSensors(ctx context.Context, hubIdentifier string) ([]string, error) {
	hub, err := lookupDeviceHub(ctx, s.store, s.ids.Prefix(EntityHub), hubIdentifier)
	if err != nil {
		return nil, err
	}
	sensors, err := s.store.ListSensors(ctx, SensorFilter{HubID: hub.ID})
	if err != nil {
		return nil, err
	}
	identifiers := make([]string, 0, len(sensors))
	for _, sensor := range sensors {
		identifiers = append(identifiers, sensor.IdentifierNumber)
	}
	return identifiers, nil
}

func sensorLookupError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrSensorNotFound
	}
	return err
}
