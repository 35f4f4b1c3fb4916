// services/hub/internal/core/hub_service.go
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

// CreateHubRequest carries the staff supplied fields of a new hub.
type CreateHubRequest struct {
	Name                  string     `json:"name"`
	SerialNumber          string     `json:"serialNumber"`
	Description           string     `json:"description"`
	Supplier              string     `json:"supplier"`
	SupplierContactNumber string     `json:"supplierContactNumber"`
	AcquisitionDate       *time.Time `json:"acquisitionDate"`
	FacilityID            string     `json:"facilityId"`
}

// UpdateHubRequest patches hub details. Nil fields are left untouched.
type UpdateHubRequest struct {
	Name                  *string    `json:"name"`
	SerialNumber          *string    `json:"serialNumber"`
	Description           *string    `json:"description"`
	Supplier              *string    `json:"supplier"`
	SupplierContactNumber *string    `json:"supplierContactNumber"`
	AcquisitionDate       *time.Time `json:"acquisitionDate"`
	FacilityID            *string    `json:"facilityId"`
}

// AddHubToZoneRequest binds a hub to a zone along with its placement.
type AddHubToZoneRequest struct {
	ZoneID                   int     `json:"zoneId"`
	Lat                      float64 `json:"lat"`
	Long                     float64 `json:"long"`
	MacAddress               string  `json:"macAddress"`
	DataTransmissionInterval int     `json:"dataTransmissionInterval"`
}

func (r CreateHubRequest) validate() error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return invalidf(ErrInvalidRequest, "name is required")
	case strings.TrimSpace(r.SerialNumber) == "":
		return invalidf(ErrInvalidRequest, "serialNumber is required")
	case strings.TrimSpace(r.FacilityID) == "":
		return invalidf(ErrInvalidRequest, "facilityId is required")
	}
	return nil
}

func (r UpdateHubRequest) validate() error {
	if r.Name != nil && strings.TrimSpace(*r.Name) == "" {
		return invalidf(ErrInvalidRequest, "name cannot be empty")
	}
	if r.SerialNumber != nil && strings.TrimSpace(*r.SerialNumber) == "" {
		return invalidf(ErrInvalidRequest, "serialNumber cannot be empty")
	}
	if r.FacilityID != nil && strings.TrimSpace(*r.FacilityID) == "" {
		return invalidf(ErrInvalidRequest, "facilityId cannot be empty")
	}
	return nil
}

func (r AddHubToZoneRequest) validate() error {
	switch {
	case r.ZoneID <= 0:
		return invalidf(ErrInvalidIdentifier, "zoneId must be a positive integer")
	case r.Lat < -90 || r.Lat > 90:
		return invalidf(ErrInvalidRequest, "lat must be between -90 and 90")
	case r.Long < -180 || r.Long > 180:
		return invalidf(ErrInvalidRequest, "long must be between -180 and 180")
	case strings.TrimSpace(r.MacAddress) == "":
		return invalidf(ErrInvalidRequest, "macAddress is required")
	case r.DataTransmissionInterval <= 0:
		return invalidf(ErrInvalidRequest, "dataTransmissionInterval must be positive")
	}
	return nil
}

// HubRegistry owns every write to hubs.
type HubRegistry struct {
	store     Repository
	directory ParkDirectory
	ids       *IdentifierGenerator
	events    *EventDispatcher
	logger    *logrus.Logger
}

func NewHubRegistry(store Repository, directory ParkDirectory, ids *IdentifierGenerator, events *EventDispatcher, logger *logrus.Logger) *HubRegistry {
	return &HubRegistry{
		store:     store,
		directory: directory,
		ids:       ids,
		events:    events,
		logger:    logger,
	}
}

func (s *HubRegistry) CreateHub(ctx context.Context, req CreateHubRequest) (*Hub, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	exists, err := s.store.HubSerialNumberExists(ctx, req.SerialNumber, "")
	if err != nil {
		return nil, fmt.Errorf("failed to check serial number: %w", err)
	}
	if exists {
		return nil, ErrHubSerialNumberExists
	}

	facility, err := s.directory.GetFacility(ctx, req.FacilityID)
	if err != nil {
		return nil, err
	}

	hub := &Hub{
		ID:                    uuid.New().String(),
		Name:                  req.Name,
		SerialNumber:          req.SerialNumber,
		Description:           req.Description,
		Supplier:              req.Supplier,
		SupplierContactNumber: req.SupplierContactNumber,
		AcquisitionDate:       utcTime(req.AcquisitionDate),
		FacilityID:            facility.ID,
		ParkID:                facility.ParkID,
		HubStatus:             HubStatusInactive,
	}

	_, err = s.ids.Generate(ctx, EntityHub, func(identifier string) error {
		hub.IdentifierNumber = identifier
		err := s.store.CreateHub(ctx, hub)
		if isUniqueViolation(err) && violatedColumn(err, "serial_number") {
			return ErrHubSerialNumberExists
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"hub_id":            hub.ID,
		"identifier_number": hub.IdentifierNumber,
		"facility_id":       hub.FacilityID,
	}).Info("Hub created")

	return hub, nil
}

func (s *HubRegistry) GetHub(ctx context.Context, id string) (*Hub, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	hub, err := s.store.GetHub(ctx, id)
	if err != nil {
		return nil, hubLookupError(err)
	}
	return hub, nil
}

func (s *HubRegistry) GetHubByIdentifier(ctx context.Context, identifier string) (*Hub, error) {
	return lookupHubByIdentifier(ctx, s.store, s.ids.Prefix(EntityHub), identifier)
}

func (s *HubRegistry) ListHubsByZone(ctx context.Context, zoneID int) ([]*Hub, error) {
	if zoneID <= 0 {
		return nil, invalidf(ErrInvalidIdentifier, "zoneId must be a positive integer")
	}
	return s.store.ListHubs(ctx, HubFilter{ZoneID: zoneID})
}

// ListHubs filters by status and park; zero values match everything.
func (s *HubRegistry) ListHubs(ctx context.Context, status string, parkID int) ([]*Hub, error) {
	if status != "" && status != HubStatusActive && status != HubStatusInactive {
		return nil, invalidf(ErrInvalidIdentifier, "unknown hub status %q", status)
	}
	if parkID < 0 {
		return nil, invalidf(ErrInvalidIdentifier, "parkId must be a positive integer")
	}
	return s.store.ListHubs(ctx, HubFilter{Status: status, ParkID: parkID})
}

// CheckDuplicateSerialNumber reports whether another hub already uses serial.
func (s *HubRegistry) CheckDuplicateSerialNumber(ctx context.Context, serial, excludeID string) (bool, error) {
	if strings.TrimSpace(serial) == "" {
		return false, invalidf(ErrInvalidRequest, "serialNumber is required")
	}
	if excludeID != "" {
		if err := validateID(excludeID); err != nil {
			return false, err
		}
	}
	return s.store.HubSerialNumberExists(ctx, serial, excludeID)
}

// UpdateHubDetails changes descriptive fields. Zone placement, secret and
// identifier number are managed by their own operations.
func (s *HubRegistry) UpdateHubDetails(ctx context.Context, id string, req UpdateHubRequest) (*Hub, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	hub, err := s.store.GetHub(ctx, id)
	if err != nil {
		return nil, hubLookupError(err)
	}

	if req.SerialNumber != nil && *req.SerialNumber != hub.SerialNumber {
		exists, err := s.store.HubSerialNumberExists(ctx, *req.SerialNumber, hub.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check serial number: %w", err)
		}
		if exists {
			return nil, ErrHubSerialNumberExists
		}
		hub.SerialNumber = *req.SerialNumber
	}
	if req.FacilityID != nil && *req.FacilityID != hub.FacilityID {
		facility, err := s.directory.GetFacility(ctx, *req.FacilityID)
		if err != nil {
			return nil, err
		}
		hub.FacilityID = facility.ID
		hub.ParkID = facility.ParkID
	}
	if req.Name != nil {
		hub.Name = *req.Name
	}
	if req.Description != nil {
		hub.Description = *req.Description
	}
	if req.Supplier != nil {
		hub.Supplier = *req.Supplier
	}
	if req.SupplierContactNumber != nil {
		hub.SupplierContactNumber = *req.SupplierContactNumber
	}
	if req.AcquisitionDate != nil {
		hub.AcquisitionDate = utcTime(req.AcquisitionDate)
	}

	if err := s.store.SaveHub(ctx, hub); err != nil {
		if isUniqueViolation(err) && violatedColumn(err, "serial_number") {
			return nil, ErrHubSerialNumberExists
		}
		return nil, fmt.Errorf("failed to update hub: %w", err)
	}
	return hub, nil
}

// AddHubToZone binds the hub to a zone and activates it. Re-binding overwrites
// the placement fields; the last committed write wins.
func (s *HubRegistry) AddHubToZone(ctx context.Context, id string, req AddHubToZoneRequest) (*Hub, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	if _, err := s.directory.GetZone(ctx, req.ZoneID); err != nil {
		return nil, err
	}

	var hub *Hub
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		var err error
		hub, err = tx.GetHubForUpdate(ctx, id)
		if err != nil {
			return hubLookupError(err)
		}
		hub.bindZone(req)
		return tx.SaveHub(ctx, hub)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"hub_id":  hub.ID,
		"zone_id": req.ZoneID,
	}).Info("Hub added to zone")

	s.events.Dispatch(ctx, TopicHubZoneBound, HubEventData{
		HubID:            hub.ID,
		IdentifierNumber: hub.IdentifierNumber,
		ZoneID:           hub.ZoneID,
		RadioGroup:       hub.RadioGroup,
	})
	return hub, nil
}

// RemoveHubFromZone deactivates the hub. The issued secret and radio group survive.
func (s *HubRegistry) RemoveHubFromZone(ctx context.Context, id string) (*Hub, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	var (
		hub    *Hub
		zoneID int
	)
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		var err error
		hub, err = tx.GetHubForUpdate(ctx, id)
		if err != nil {
			return hubLookupError(err)
		}
		if !hub.InZone() {
			return ErrHubNotInZone
		}
		zoneID = *hub.ZoneID
		hub.unbindZone()
		return tx.SaveHub(ctx, hub)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"hub_id":  hub.ID,
		"zone_id": zoneID,
	}).Info("Hub removed from zone")

	s.events.Dispatch(ctx, TopicHubZoneUnbound, HubEventData{
		HubID:            hub.ID,
		IdentifierNumber: hub.IdentifierNumber,
		ZoneID:           &zoneID,
	})
	return hub, nil
}

// DeleteHub detaches every sensor of the hub and removes it. Sensors are never deleted.
func (s *HubRegistry) DeleteHub(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	var (
		hub      *Hub
		detached int64
	)
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		var err error
		hub, err = tx.GetHubForUpdate(ctx, id)
		if err != nil {
			return hubLookupError(err)
		}
		detached, err = tx.DetachSensorsFromHub(ctx, hub.ID)
		if err != nil {
			return fmt.Errorf("failed to detach sensors: %w", err)
		}
		if err := tx.DeleteHub(ctx, hub.ID); err != nil {
			return hubLookupError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"hub_id":           hub.ID,
		"sensors_detached": detached,
	}).Info("Hub deleted")

	s.events.Dispatch(ctx, TopicHubDeleted, HubEventData{
		HubID:            hub.ID,
		IdentifierNumber: hub.IdentifierNumber,
	})
	return nil
}

// lookupHubByIdentifier validates the identifier shape before touching the store.
func lookupHubByIdentifier(ctx context.Context, store Repository, prefix, identifier string) (*Hub, error) {
	if !utils.ValidIdentifier(identifier, prefix) {
		return nil, invalidf(ErrInvalidIdentifier, "%q is not a %s identifier", identifier, prefix)
	}
	hub, err := store.GetHubByIdentifier(ctx, identifier)
	if err != nil {
		return nil, hubLookupError(err)
	}
	return hub, nil
}

// lookupDeviceHub resolves the hub a device claims to be. Devices only ever
// hold identifiers the registry issued, so a malformed one is an unknown hub.
func lookupDeviceHub(ctx context.Context, store Repository, prefix, identifier string) (*Hub, error) {
	if !utils.ValidIdentifier(identifier, prefix) {
		return nil, ErrHubNotFound
	}
	hub, err := store.GetHubByIdentifier(ctx, identifier)
	if err != nil {
		return nil, hubLookupError(err)
	}
	return hub, nil
}

func hubLookupError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrHubNotFound
	}
	return err
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return invalidf(ErrInvalidIdentifier, "%q is not a valid id", id)
	}
	return nil
}

func utcTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
