// services/hub/internal/core/models.go
package core

import (
	"time"
)

// Hub represents a physical field gateway that relays sensor readings.
type Hub struct {
	ID                       string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name                     string     `json:"name" gorm:"not null"`
	SerialNumber             string     `json:"serialNumber" gorm:"uniqueIndex:idx_hubs_serial_number;not null"`
	IdentifierNumber         string     `json:"identifierNumber" gorm:"uniqueIndex:idx_hubs_identifier_number;not null"`
	Description              string     `json:"description"`
	Supplier                 string     `json:"supplier"`
	SupplierContactNumber    string     `json:"supplierContactNumber"`
	AcquisitionDate          *time.Time `json:"acquisitionDate"`
	FacilityID               string     `json:"facilityId" gorm:"index;not null"`
	ParkID                   int        `json:"parkId" gorm:"index"`
	ZoneID                   *int       `json:"zoneId" gorm:"index"`
	Lat                      *float64   `json:"lat"`
	Long                     *float64   `json:"long"`
	MacAddress               *string    `json:"macAddress"`
	DataTransmissionInterval *int       `json:"dataTransmissionInterval"`
	HubStatus                string     `json:"hubStatus" gorm:"index;not null"`
	HubSecret                *string    `json:"-"`
	IPAddress                *string    `json:"ipAddress"`
	RadioGroup               *int       `json:"radioGroup"`
	LastDataUpdateDate       *time.Time `json:"lastDataUpdateDate"`
	CreatedAt                time.Time  `json:"createdAt"`
	UpdatedAt                time.Time  `json:"updatedAt"`
}

// Sensor represents a measurement device, optionally relaying through a hub.
type Sensor struct {
	ID                       string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name                     string     `json:"name" gorm:"not null"`
	SerialNumber             string     `json:"serialNumber" gorm:"uniqueIndex:idx_sensors_serial_number;not null"`
	IdentifierNumber         string     `json:"identifierNumber" gorm:"uniqueIndex:idx_sensors_identifier_number;not null"`
	SensorType               string     `json:"sensorType" gorm:"index;not null"`
	SensorStatus             string     `json:"sensorStatus" gorm:"not null"`
	SensorUnit               string     `json:"sensorUnit" gorm:"not null"`
	Description              string     `json:"description"`
	Supplier                 string     `json:"supplier"`
	SupplierContactNumber    string     `json:"supplierContactNumber"`
	AcquisitionDate          *time.Time `json:"acquisitionDate"`
	FacilityID               string     `json:"facilityId" gorm:"index;not null"`
	ParkID                   int        `json:"parkId" gorm:"index"`
	HubID                    *string    `json:"hubId" gorm:"index;type:varchar(36)"`
	Lat                      *float64   `json:"lat"`
	Long                     *float64   `json:"long"`
	LastMaintenanceDate      *time.Time `json:"lastMaintenanceDate"`
	NextMaintenanceDate      *time.Time `json:"nextMaintenanceDate"`
	CalibrationFrequencyDays int        `json:"calibrationFrequencyDays"`
	LastCalibratedDate       *time.Time `json:"lastCalibratedDate"`
	DataFrequencyMinutes     int        `json:"dataFrequencyMinutes"`
	CreatedAt                time.Time  `json:"createdAt"`
	UpdatedAt                time.Time  `json:"updatedAt"`
}

// SensorReading is an append-only measurement. IDs are snowflakes so they sort in insertion order.
type SensorReading struct {
	ID          int64     `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	SensorID    string    `json:"sensorId" gorm:"index:idx_sensor_readings_sensor_date,priority:1;type:varchar(36);not null"`
	ReadingDate time.Time `json:"readingDate" gorm:"index:idx_sensor_readings_sensor_date,priority:2;not null"`
	Value       float64   `json:"value" gorm:"not null"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IdentifierSequence is the per-class counter behind identifier numbers.
type IdentifierSequence struct {
	Entity    string    `gorm:"primaryKey;type:varchar(32)"`
	LastValue int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

// TableName overrides for GORM
func (Hub) TableName() string                { return "hubs" }
func (Sensor) TableName() string             { return "sensors" }
func (SensorReading) TableName() string      { return "sensor_readings" }
func (IdentifierSequence) TableName() string { return "identifier_sequences" }

// Models lists every persisted model in migration order.
func Models() []interface{} {
	return []interface{}{
		&IdentifierSequence{},
		&Hub{},
		&Sensor{},
		&SensorReading{},
	}
}

const (
	// Hub statuses
	HubStatusInactive = "INACTIVE"
	HubStatusActive   = "ACTIVE"

	// Identifier classes
	EntityHub    = "hub"
	EntitySensor = "sensor"

	// Sensor types
	SensorTypeTemperature  = "TEMPERATURE"
	SensorTypeHumidity     = "HUMIDITY"
	SensorTypeSoilMoisture = "SOIL_MOISTURE"
	SensorTypeLight        = "LIGHT"
	SensorTypeCamera       = "CAMERA"

	// Sensor statuses
	SensorStatusActive           = "ACTIVE"
	SensorStatusInactive         = "INACTIVE"
	SensorStatusUnderMaintenance = "UNDER_MAINTENANCE"
	SensorStatusDecommissioned   = "DECOMMISSIONED"

	// Sensor units
	SensorUnitDegreesCelsius         = "DEGREES_CELSIUS"
	SensorUnitPercent                = "PERCENT"
	SensorUnitLux                    = "LUX"
	SensorUnitVolumetricWaterContent = "VOLUMETRIC_WATER_CONTENT"
	SensorUnitPax                    = "PAX"
)

var (
	sensorTypes    = []string{SensorTypeTemperature, SensorTypeHumidity, SensorTypeSoilMoisture, SensorTypeLight, SensorTypeCamera}
	sensorStatuses = []string{SensorStatusActive, SensorStatusInactive, SensorStatusUnderMaintenance, SensorStatusDecommissioned}
	sensorUnits    = []string{SensorUnitDegreesCelsius, SensorUnitPercent, SensorUnitLux, SensorUnitVolumetricWaterContent, SensorUnitPax}
)

// InitializationState describes whether a hub holds an issued secret.
type InitializationState string

const (
	HubUninitialized InitializationState = "UNINITIALIZED"
	HubInitialized   InitializationState = "INITIALIZED"
)

// InitializationState reports the hub's secret state.
func (h *Hub) InitializationState() InitializationState {
	if h.HubSecret == nil || *h.HubSecret == "" {
		return HubUninitialized
	}
	return HubInitialized
}

// InZone reports whether the hub is currently bound to a zone.
func (h *Hub) InZone() bool {
	return h.ZoneID != nil
}

// bindZone sets the zone and spatial fields and keeps status in step with zoneId.
func (h *Hub) bindZone(req AddHubToZoneRequest) {
	zoneID := req.ZoneID
	lat, long := req.Lat, req.Long
	mac := req.MacAddress
	interval := req.DataTransmissionInterval

	h.ZoneID = &zoneID
	h.Lat = &lat
	h.Long = &long
	h.MacAddress = &mac
	h.DataTransmissionInterval = &interval
	h.HubStatus = HubStatusActive
}

// unbindZone clears zone and spatial fields. Secret and radio group are kept.
func (h *Hub) unbindZone() {
	h.ZoneID = nil
	h.Lat = nil
	h.Long = nil
	h.MacAddress = nil
	h.DataTransmissionInterval = nil
	h.HubStatus = HubStatusInactive
}

// NeedsCalibration reports whether the calibration window has elapsed at now.
func (s *Sensor) NeedsCalibration(now time.Time) bool {
	if s.LastCalibratedDate == nil {
		return true
	}
	if s.CalibrationFrequencyDays <= 0 {
		return false
	}
	due := s.LastCalibratedDate.AddDate(0, 0, s.CalibrationFrequencyDays)
	return !due.After(now)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
