package core

import (
	"context"
	"io"
	"sync"
	"testing"

	"example.com/backstage/services/hub/config"
	"example.com/backstage/services/hub/internal/infrastructure"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testParkID     = 7
	testFacilityID = "facility-1"
	testZoneID     = 12
)

type fakeDirectory struct {
	zones      map[int]*Zone
	facilities map[string]*Facility
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		zones: map[int]*Zone{
			testZoneID: {ID: testZoneID, ParkID: testParkID, Name: "Orchid Garden"},
			300:        {ID: 300, ParkID: testParkID, Name: "Rainforest Dome"},
		},
		facilities: map[string]*Facility{
			testFacilityID: {ID: testFacilityID, ParkID: testParkID, Name: "Visitor Centre"},
			"facility-2":   {ID: "facility-2", ParkID: 8, Name: "Nursery"},
		},
	}
}

func (d *fakeDirectory) GetZone(_ context.Context, zoneID int) (*Zone, error) {
	if z, ok := d.zones[zoneID]; ok {
		return z, nil
	}
	return nil, ErrZoneNotFound
}

func (d *fakeDirectory) GetFacility(_ context.Context, facilityID string) (*Facility, error) {
	if f, ok := d.facilities[facilityID]; ok {
		return f, nil
	}
	return nil, ErrFacilityNotFound
}

type recordingPublisher struct {
	mu     sync.Mutex
	err    error
	events []*Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, message.(*Event))
	return nil
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	topics := make([]string, 0, len(p.events))
	for _, e := range p.events {
		topics = append(topics, e.Topic)
	}
	return topics
}

type recordingSpool struct {
	mu      sync.Mutex
	entries []interface{}
}

func (s *recordingSpool) Write(data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, data)
	return nil
}

type testEnv struct {
	db        *gorm.DB
	store     Repository
	directory *fakeDirectory
	publisher *recordingPublisher
	spool     *recordingSpool
	metrics   *infrastructure.Metrics
	reg       *prometheus.Registry
	registry  *ServiceRegistry
	cfg       *config.Config
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps every statement on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() *config.Config {
	return &config.Config{
		Identifiers: config.IdentifierConfig{
			HubPrefix:    "HUB",
			SensorPrefix: "SE",
			Width:        4,
			MaxAttempts:  5,
		},
		Radio:     config.RadioConfig{Groups: 255},
		Ingestion: config.IngestionConfig{NodeID: 1},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestDB(t)
	reg := prometheus.NewRegistry()
	metrics, err := infrastructure.NewMetrics(reg)
	require.NoError(t, err)

	env := &testEnv{
		db:        db,
		store:     NewRepository(db),
		directory: newFakeDirectory(),
		publisher: &recordingPublisher{},
		spool:     &recordingSpool{},
		metrics:   metrics,
		reg:       reg,
		cfg:       testConfig(),
	}

	env.registry, err = NewServiceRegistry(env.cfg, Dependencies{
		Store:     env.store,
		Directory: env.directory,
		Publisher: env.publisher,
		Spool:     env.spool,
		Metrics:   metrics,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) createHub(t *testing.T, serial string) *Hub {
	t.Helper()
	hub, err := e.registry.Hubs.CreateHub(context.Background(), CreateHubRequest{
		Name:         "Hub " + serial,
		SerialNumber: serial,
		FacilityID:   testFacilityID,
	})
	require.NoError(t, err)
	return hub
}

func (e *testEnv) createSensor(t *testing.T, serial string) *Sensor {
	t.Helper()
	sensor, err := e.registry.Sensors.CreateSensor(context.Background(), CreateSensorRequest{
		Name:         "Sensor " + serial,
		SerialNumber: serial,
		SensorType:   SensorTypeTemperature,
		SensorUnit:   SensorUnitDegreesCelsius,
		FacilityID:   testFacilityID,
	})
	require.NoError(t, err)
	return sensor
}

func (e *testEnv) bindHub(t *testing.T, hub *Hub) *Hub {
	t.Helper()
	bound, err := e.registry.Hubs.AddHubToZone(context.Background(), hub.ID, AddHubToZoneRequest{
		ZoneID:                   testZoneID,
		Lat:                      1.35,
		Long:                     103.8,
		MacAddress:               "AA:BB:CC:DD:EE:FF",
		DataTransmissionInterval: 5,
	})
	require.NoError(t, err)
	return bound
}

func (e *testEnv) initializeHub(t *testing.T, hub *Hub) *InitializationResult {
	t.Helper()
	res, err := e.registry.Initialization.VerifyHubInitialization(context.Background(), hub.IdentifierNumber, "10.0.0.8")
	require.NoError(t, err)
	return res
}

func (e *testEnv) attachSensor(t *testing.T, sensor *Sensor, hub *Hub) {
	t.Helper()
	_, err := e.registry.Sensors.AddSensorToHub(context.Background(), sensor.ID, AddSensorToHubRequest{
		HubID: hub.ID,
		Lat:   1.3501,
		Long:  103.8001,
	})
	require.NoError(t, err)
}

func (e *testEnv) countReadings(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&SensorReading{}).Count(&n).Error)
	return n
}
