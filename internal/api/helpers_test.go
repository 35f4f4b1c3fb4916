package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"example.com/backstage/services/hub/config"
	"example.com/backstage/services/hub/internal/core"
	"example.com/backstage/services/hub/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	adminStaff  = "staff-admin"
	readerStaff = "staff-reader"
	testZoneID  = 12
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDirectory struct {
	permissions map[string][]string
}

func (d *fakeDirectory) GetZone(_ context.Context, zoneID int) (*core.Zone, error) {
	if zoneID != testZoneID {
		return nil, core.ErrZoneNotFound
	}
	return &core.Zone{ID: zoneID, ParkID: 7, Name: "Orchid Garden"}, nil
}

func (d *fakeDirectory) GetFacility(_ context.Context, facilityID string) (*core.Facility, error) {
	if facilityID != "facility-1" {
		return nil, core.ErrFacilityNotFound
	}
	return &core.Facility{ID: facilityID, ParkID: 7, Name: "Visitor Centre"}, nil
}

func (d *fakeDirectory) ResolvePermissions(_ context.Context, staffID string) ([]string, error) {
	return d.permissions[staffID], nil
}

type testServer struct {
	router   *gin.Engine
	registry *core.ServiceRegistry
	handlers *APIHandlers
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(core.Models()...))

	reg := prometheus.NewRegistry()
	metrics, err := infrastructure.NewMetrics(reg)
	require.NoError(t, err)

	directory := &fakeDirectory{permissions: map[string][]string{
		adminStaff:  {core.PermissionAdmin},
		readerStaff: {core.PermissionHubsRead, core.PermissionSensorsRead},
	}}
	log := discardLogger()

	cfg := &config.Config{
		Identifiers: config.IdentifierConfig{HubPrefix: "HUB", SensorPrefix: "SE", Width: 4, MaxAttempts: 5},
		Radio:       config.RadioConfig{Groups: 255},
		Ingestion:   config.IngestionConfig{NodeID: 1},
	}
	registry, err := core.NewServiceRegistry(cfg, core.Dependencies{
		Store:     core.NewRepository(db),
		Directory: directory,
		Metrics:   metrics,
		Logger:    log,
	})
	require.NoError(t, err)

	handlers := NewAPIHandlers(registry, map[string]HealthProbe{
		"database": func(ctx context.Context) error { return sqlDB.PingContext(ctx) },
	}, log)
	handlers.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }

	router := gin.New()
	SetupRoutes(router, handlers, RouteOptions{
		Permissions: directory,
		Gatherer:    reg,
		Logger:      log,
	})

	return &testServer{router: router, registry: registry, handlers: handlers}
}

func (s *testServer) do(t *testing.T, method, path, staffID string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if staffID != "" {
		req.Header.Set(StaffIDHeader, staffID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *testServer) createHub(t *testing.T, serial string) core.Hub {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/hubs", adminStaff, gin.H{
		"name":         "Hub " + serial,
		"serialNumber": serial,
		"facilityId":   "facility-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[core.Hub](t, w)
}

func (s *testServer) createSensor(t *testing.T, serial string) core.Sensor {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/sensors", adminStaff, gin.H{
		"name":         "Sensor " + serial,
		"serialNumber": serial,
		"sensorType":   core.SensorTypeHumidity,
		"sensorUnit":   core.SensorUnitPercent,
		"facilityId":   "facility-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[core.Sensor](t, w)
}

func (s *testServer) bindHub(t *testing.T, hubID string) {
	t.Helper()
	w := s.do(t, http.MethodPut, "/api/v1/hubs/"+hubID+"/zone", adminStaff, gin.H{
		"zoneId":                   testZoneID,
		"lat":                      1.35,
		"long":                     103.8,
		"macAddress":               "AA:BB:CC:DD:EE:FF",
		"dataTransmissionInterval": 5,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
