// services/hub/internal/core/repository.go
package core

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HubFilter narrows hub listings. Zero values are ignored.
type HubFilter struct {
	Status string
	ParkID int
	ZoneID int
}

// SensorFilter narrows sensor listings. Zero values are ignored.
type SensorFilter struct {
	FacilityID string
	ParkID     int
	HubID      string
}

// ReadingRange bounds a reading query. Nil bounds are open.
type ReadingRange struct {
	From  *time.Time
	To    *time.Time
	Limit int
}

// Repository defines the interface for data access operations.
type Repository interface {
	// Hub operations
	CreateHub(ctx context.Context, hub *Hub) error
	SaveHub(ctx context.Context, hub *Hub) error
	GetHub(ctx context.Context, id string) (*Hub, error)
	GetHubForUpdate(ctx context.Context, id string) (*Hub, error)
	GetHubByIdentifier(ctx context.Context, identifier string) (*Hub, error)
	ListHubs(ctx context.Context, filter HubFilter) ([]*Hub, error)
	DeleteHub(ctx context.Context, id string) error
	HubSerialNumberExists(ctx context.Context, serialNumber, excludeID string) (bool, error)
	TouchHubDataUpdate(ctx context.Context, hubID string, at time.Time) error

	// Sensor operations
	CreateSensor(ctx context.Context, sensor *Sensor) error
	SaveSensor(ctx context.Context, sensor *Sensor) error
	GetSensor(ctx context.Context, id string) (*Sensor, error)
	GetSensorByIdentifier(ctx context.Context, identifier string) (*Sensor, error)
	ListSensors(ctx context.Context, filter SensorFilter) ([]*Sensor, error)
	ListSensorsMaintenanceDue(ctx context.Context, now time.Time) ([]*Sensor, error)
	DeleteSensor(ctx context.Context, id string) error
	SensorSerialNumberExists(ctx context.Context, serialNumber, excludeID string) (bool, error)
	DetachSensorsFromHub(ctx context.Context, hubID string) (int64, error)

	// Reading operations
	CreateReadings(ctx context.Context, readings []*SensorReading) error
	ListReadings(ctx context.Context, sensorIDs []string, rng ReadingRange) ([]*SensorReading, error)
	LatestReading(ctx context.Context, sensorID string) (*SensorReading, error)
	AverageReading(ctx context.Context, sensorID string, since time.Time) (*float64, error)

	// Identifier sequences
	AdvanceSequence(ctx context.Context, entity string) (int64, bool, error)
	InitSequence(ctx context.Context, entity string, seed int64) error
	ListIdentifierNumbers(ctx context.Context, entity string) ([]string, error)

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository accepts a *gorm.DB so the core package never depends on infrastructure wiring.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewRepository(tx))
	})
}

func (r *repository) CreateHub(ctx context.Context, h *Hub) error {
	return r.db.WithContext(ctx).Create(h).Error
}

func (r *repository) SaveHub(ctx context.Context, h *Hub) error {
	return r.db.WithContext(ctx).Save(h).Error
}

func (r *repository) GetHub(ctx context.Context, id string) (*Hub, error) {
	var h Hub
	return &h, r.db.WithContext(ctx).Where("id = ?", id).First(&h).Error
}

// GetHubForUpdate takes a row lock where the dialect supports it. SQLite serializes writers anyway.
func (r *repository) GetHubForUpdate(ctx context.Context, id string) (*Hub, error) {
	var h Hub
	q := r.db.WithContext(ctx)
	if r.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return &h, q.Where("id = ?", id).First(&h).Error
}

func (r *repository) GetHubByIdentifier(ctx context.Context, identifier string) (*Hub, error) {
	var h Hub
	return &h, r.db.WithContext(ctx).Where("identifier_number = ?", identifier).First(&h).Error
}

func (r *repository) ListHubs(ctx context.Context, f HubFilter) ([]*Hub, error) {
	var hubs []*Hub
	q := r.db.WithContext(ctx)
	if f.Status != "" {
		q = q.Where("hub_status = ?", f.Status)
	}
	if f.ParkID > 0 {
		q = q.Where("park_id = ?", f.ParkID)
	}
	if f.ZoneID > 0 {
		q = q.Where("zone_id = ?", f.ZoneID)
	}
	if err := q.Order("identifier_number ASC").Find(&hubs).Error; err != nil {
		return nil, err
	}
	return hubs, nil
}

func (r *repository) DeleteHub(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Hub{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *repository) HubSerialNumberExists(ctx context.Context, serial, excludeID string) (bool, error) {
	var count int64
	q := r.db.WithContext(ctx).Model(&Hub{}).Where("serial_number = ?", serial)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repository) TouchHubDataUpdate(ctx context.Context, hubID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Hub{}).Where("id = ?", hubID).Update("last_data_update_date", at).Error
}

func (r *repository) CreateSensor(ctx context.Context, s *Sensor) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *repository) SaveSensor(ctx context.Context, s *Sensor) error {
	return r.db.WithContext(ctx).Save(s).Error
}

func (r *repository) GetSensor(ctx context.Context, id string) (*Sensor, error) {
	var s Sensor
	return &s, r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
}

func (r *repository) GetSensorByIdentifier(ctx context.Context, identifier string) (*Sensor, error) {
	var s Sensor
	return &s, r.db.WithContext(ctx).Where("identifier_number = ?", identifier).First(&s).Error
}

func (r *repository) ListSensors(ctx context.Context, f SensorFilter) ([]*Sensor, error) {
	var sensors []*Sensor
	q := r.db.WithContext(ctx)
	if f.FacilityID != "" {
		q = q.Where("facility_id = ?", f.FacilityID)
	}
	if f.ParkID > 0 {
		q = q.Where("park_id = ?", f.ParkID)
	}
	if f.HubID != "" {
		q = q.Where("hub_id = ?", f.HubID)
	}
	if err := q.Order("identifier_number ASC").Find(&sensors).Error; err != nil {
		return nil, err
	}
	return sensors, nil
}

func (r *repository) ListSensorsMaintenanceDue(ctx context.Context, now time.Time) ([]*Sensor, error) {
	var sensors []*Sensor
	err := r.db.WithContext(ctx).
		Where("next_maintenance_date IS NOT NULL AND next_maintenance_date <= ?", now.UTC()).
		Order("next_maintenance_date ASC").
		Find(&sensors).Error
	if err != nil {
		return nil, err
	}
	return sensors, nil
}

func (r *repository) DeleteSensor(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Sensor{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *repository) SensorSerialNumberExists(ctx context.Context, serial, excludeID string) (bool, error) {
	var count int64
	q := r.db.WithContext(ctx).Model(&Sensor{}).Where("serial_number = ?", serial)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repository) DetachSensorsFromHub(ctx context.Context, hubID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Sensor{}).
		Where("hub_id = ?", hubID).
		Updates(map[string]interface{}{"hub_id": nil, "lat": nil, "long": nil})
	return res.RowsAffected, res.Error
}

func (r *repository) CreateReadings(ctx context.Context, readings []*SensorReading) error {
	if len(readings) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(readings, 100).Error
}

func (r *repository) ListReadings(ctx context.Context, sensorIDs []string, rng ReadingRange) ([]*SensorReading, error) {
	var readings []*SensorReading
	q := r.db.WithContext(ctx).Where("sensor_id IN ?", sensorIDs)
	if rng.From != nil {
		q = q.Where("reading_date >= ?", rng.From.UTC())
	}
	if rng.To != nil {
		q = q.Where("reading_date <= ?", rng.To.UTC())
	}
	if rng.Limit > 0 {
		q = q.Limit(rng.Limit)
	}
	if err := q.Order("reading_date ASC").Order("id ASC").Find(&readings).Error; err != nil {
		return nil, err
	}
	return readings, nil
}

func (r *repository) LatestReading(ctx context.Context, sensorID string) (*SensorReading, error) {
	var reading SensorReading
	err := r.db.WithContext(ctx).
		Where("sensor_id = ?", sensorID).
		Order("reading_date DESC").Order("id DESC").
		First(&reading).Error
	return &reading, err
}

func (r *repository) AverageReading(ctx context.Context, sensorID string, since time.Time) (*float64, error) {
	var avg sql.NullFloat64
	err := r.db.WithContext(ctx).Model(&SensorReading{}).
		Select("AVG(value)").
		Where("sensor_id = ? AND reading_date >= ?", sensorID, since.UTC()).
		Row().Scan(&avg)
	if err != nil || !avg.Valid {
		return nil, err
	}
	return &avg.Float64, nil
}

// AdvanceSequence bumps the counter for entity. ok is false when no counter row exists yet.
func (r *repository) AdvanceSequence(ctx context.Context, entity string) (int64, bool, error) {
	var value int64
	found := true
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&IdentifierSequence{}).
			Where("entity = ?", entity).
			Update("last_value", gorm.Expr("last_value + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			found = false
			return nil
		}
		var seq IdentifierSequence
		if err := tx.Where("entity = ?", entity).First(&seq).Error; err != nil {
			return err
		}
		value = seq.LastValue
		return nil
	})
	return value, found, err
}

// InitSequence creates the counter row unless another writer got there first.
func (r *repository) InitSequence(ctx context.Context, entity string, seed int64) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&IdentifierSequence{Entity: entity, LastValue: seed}).Error
}

func (r *repository) ListIdentifierNumbers(ctx context.Context, entity string) ([]string, error) {
	var model interface{}
	switch entity {
	case EntityHub:
		model = &Hub{}
	case EntitySensor:
		model = &Sensor{}
	default:
		return nil, fmt.Errorf("unknown identifier entity %q", entity)
	}
	var identifiers []string
	if err := r.db.WithContext(ctx).Model(model).Pluck("identifier_number", &identifiers).Error; err != nil {
		return nil, err
	}
	return identifiers, nil
}
