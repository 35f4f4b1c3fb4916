// services/hub/internal/api/handlers.go
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/hub/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const healthCheckTimeout = 3 * time.Second

// HealthProbe reports whether a dependency is reachable.
type HealthProbe func(ctx context.Context) error

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	services *core.ServiceRegistry
	probes   map[string]HealthProbe
	logger   *logrus.Logger
	now      func() time.Time
}

// NewAPIHandlers creates a new handler instance. probes are checked by /health.
func NewAPIHandlers(services *core.ServiceRegistry, probes map[string]HealthProbe, logger *logrus.Logger) *APIHandlers {
	return &APIHandlers{
		services: services,
		probes:   probes,
		logger:   logger,
		now:      time.Now,
	}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := make(map[string]string, len(h.probes))
	for name, probe := range h.probes {
		if err := probe(ctx); err != nil {
			h.logger.WithError(err).WithField("dependency", name).Warn("Health probe failed")
			checks[name] = "unavailable"
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": h.now().UTC(),
		"service":   "hub-service",
		"checks":    checks,
	})
}

// --- Hub Endpoints ---

func (h *APIHandlers) CreateHub(c *gin.Context) {
	var req core.CreateHubRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	hub, err := h.services.Hubs.CreateHub(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, hub)
}

// ListHubs filters by optional status and parkId
func (h *APIHandlers) ListHubs(c *gin.Context) {
	parkID, ok := optionalIntQuery(c, "parkId")
	if !ok {
		return
	}

	hubs, err := h.services.Hubs.ListHubs(c.Request.Context(), c.Query("status"), parkID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, hubs)
}

func (h *APIHandlers) CheckHubSerialNumber(c *gin.Context) {
	serial := c.Query("serialNumber")
	if serial == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serialNumber is required"})
		return
	}

	exists, err := h.services.Hubs.CheckDuplicateSerialNumber(c.Request.Context(), serial, c.Query("excludeId"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"exists": exists})
}

func (h *APIHandlers) GetHub(c *gin.Context) {
	hub, err := h.services.Hubs.GetHub(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, hub)
}

func (h *APIHandlers) GetHubByIdentifier(c *gin.Context) {
	hub, err := h.services.Hubs.GetHubByIdentifier(c.Request.Context(), c.Param("identifierNumber"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, hub)
}

func (h *APIHandlers) ListZoneHubs(c *gin.Context) {
	zoneID, err := strconv.Atoi(c.Param("zoneId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid zone id"})
		return
	}

	hubs, err := h.services.Hubs.ListHubsByZone(c.Request.Context(), zoneID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, hubs)
}

func (h *APIHandlers) UpdateHub(c *gin.Context) {
	var req core.UpdateHubRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	hub, err := h.services.Hubs.UpdateHubDetails(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, hub)
}

func (h *APIHandlers) AddHubToZone(c *gin.Context) {
	var req core.AddHubToZoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	hub, err := h.services.Hubs.AddHubToZone(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, hub)
}

func (h *APIHandlers) RemoveHubFromZone(c *gin.Context) {
	hub, err := h.services.Hubs.RemoveHubFromZone(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, hub)
}

func (h *APIHandlers) DeleteHub(c *gin.Context) {
	if err := h.services.Hubs.DeleteHub(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "hub deleted"})
}

func (h *APIHandlers) ListHubSensors(c *gin.Context) {
	sensors, err := h.services.Sensors.GetAllSensorsByHubID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, sensors)
}

// --- Sensor Endpoints ---

func (h *APIHandlers) CreateSensor(c *gin.Context) {
	var req core.CreateSensorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	sensor, err := h.services.Sensors.CreateSensor(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, sensor)
}

// ListSensors filters by optional facilityId, parkId and hubId
func (h *APIHandlers) ListSensors(c *gin.Context) {
	parkID, ok := optionalIntQuery(c, "parkId")
	if !ok {
		return
	}

	sensors, err := h.services.Sensors.ListSensors(c.Request.Context(), core.SensorFilter{
		FacilityID: c.Query("facilityId"),
		ParkID:     parkID,
		HubID:      c.Query("hubId"),
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, sensors)
}

func (h *APIHandlers) CheckSensorSerialNumber(c *gin.Context) {
	serial := c.Query("serialNumber")
	if serial == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serialNumber is required"})
		return
	}

	exists, err := h.services.Sensors.CheckDuplicateSerialNumber(c.Request.Context(), serial, c.Query("excludeId"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"exists": exists})
}

func (h *APIHandlers) SensorsMaintenanceDue(c *gin.Context) {
	sensors, err := h.services.Sensors.SensorsNeedingMaintenance(c.Request.Context(), h.now())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, sensors)
}

func (h *APIHandlers) SensorsCalibrationDue(c *gin.Context) {
	sensors, err := h.services.Sensors.SensorsNeedingCalibration(c.Request.Context(), h.now())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, sensors)
}

func (h *APIHandlers) GetSensor(c *gin.Context) {
	sensor, err := h.services.Sensors.GetSensor(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, sensor)
}

func (h *APIHandlers) GetSensorByIdentifier(c *gin.Context) {
	sensor, err := h.services.Sensors.GetSensorByIdentifier(c.Request.Context(), c.Param("identifierNumber"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, sensor)
}

func (h *APIHandlers) UpdateSensor(c *gin.Context) {
	var req core.UpdateSensorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	sensor, err := h.services.Sensors.UpdateSensorDetails(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, sensor)
}

func (h *APIHandlers) DeleteSensor(c *gin.Context) {
	if err := h.services.Sensors.DeleteSensor(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "sensor deleted"})
}

func (h *APIHandlers) AddSensorToHub(c *gin.Context) {
	var req core.AddSensorToHubRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	sensor, err := h.services.Sensors.AddSensorToHub(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, sensor)
}

func (h *APIHandlers) RemoveSensorFromHub(c *gin.Context) {
	sensor, err := h.services.Sensors.RemoveSensorFromHub(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, sensor)
}

// --- Reading Endpoints ---

// GetSensorReadings accepts optional RFC 3339 from/to bounds
func (h *APIHandlers) GetSensorReadings(c *gin.Context) {
	from, ok := optionalTimeQuery(c, "from")
	if !ok {
		return
	}
	to, ok := optionalTimeQuery(c, "to")
	if !ok {
		return
	}

	readings, err := h.services.Readings.GetReadings(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, readings)
}

func (h *APIHandlers) LatestSensorReading(c *gin.Context) {
	reading, err := h.services.Readings.LatestReading(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, reading)
}

func (h *APIHandlers) SensorReadingsForLastHours(c *gin.Context) {
	hours, err := strconv.Atoi(c.Param("hours"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours"})
		return
	}

	readings, err := h.services.Readings.ReadingsForLastHours(c.Request.Context(), c.Param("id"), hours)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, readings)
}

func (h *APIHandlers) AverageSensorReading(c *gin.Context) {
	hours, err := strconv.Atoi(c.Param("hours"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours"})
		return
	}

	avg, err := h.services.Readings.AverageForLastHours(c.Request.Context(), c.Param("id"), hours)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, avg)
}

func optionalIntQuery(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}

func optionalTimeQuery(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + ", expected RFC 3339"})
		return nil, false
	}
	return &t, true
}
