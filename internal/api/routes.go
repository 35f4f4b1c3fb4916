// services/hub/internal/api/routes.go
package api

import (
	"example.com/backstage/services/hub/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RouteOptions carries the collaborators routing needs beyond the handlers.
// RateCounter may be nil, in which case requests are not rate limited.
type RouteOptions struct {
	Permissions       core.PermissionResolver
	RateCounter       WindowCounter
	RequestsPerMinute int
	Gatherer          prometheus.Gatherer
	Logger            *logrus.Logger
}

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, opts RouteOptions) {
	logger := opts.Logger

	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(ErrorHandler(logger))
	router.Use(CORS())

	// Operational (public)
	router.GET("/health", handlers.HealthCheck)
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	if opts.RateCounter != nil && opts.RequestsPerMinute > 0 {
		v1.Use(RateLimiter(opts.RateCounter, opts.RequestsPerMinute, logger))
	}

	// Device endpoints (payload hash authentication)
	device := v1.Group("/device/hubs")
	{
		device.PUT("/initialize", handlers.InitializeHub)
		device.POST("/:identifierNumber/readings", handlers.PushSensorReadings)
		device.GET("/:identifierNumber/sensors", handlers.HubSensors)
	}

	// Staff endpoints
	staff := v1.Group("")
	staff.Use(StaffAuthorization(opts.Permissions, logger))
	{
		hubs := staff.Group("/hubs")
		hubs.Use(RequirePermission(core.PermissionHubsRead))
		{
			hubs.GET("", handlers.ListHubs)
			hubs.GET("/check-serial", handlers.CheckHubSerialNumber)
			hubs.GET("/identifier/:identifierNumber", handlers.GetHubByIdentifier)
			hubs.GET("/:id", handlers.GetHub)
			hubs.GET("/:id/sensors", RequirePermission(core.PermissionSensorsRead), handlers.ListHubSensors)

			write := RequirePermission(core.PermissionHubsWrite)
			hubs.POST("", write, handlers.CreateHub)
			hubs.PUT("/:id", write, handlers.UpdateHub)
			hubs.PUT("/:id/zone", write, handlers.AddHubToZone)
			hubs.DELETE("/:id/zone", write, handlers.RemoveHubFromZone)
			hubs.DELETE("/:id", write, handlers.DeleteHub)
		}

		staff.GET("/zones/:zoneId/hubs", RequirePermission(core.PermissionHubsRead), handlers.ListZoneHubs)

		sensors := staff.Group("/sensors")
		sensors.Use(RequirePermission(core.PermissionSensorsRead))
		{
			sensors.GET("", handlers.ListSensors)
			sensors.GET("/check-serial", handlers.CheckSensorSerialNumber)
			sensors.GET("/maintenance-due", handlers.SensorsMaintenanceDue)
			sensors.GET("/calibration-due", handlers.SensorsCalibrationDue)
			sensors.GET("/identifier/:identifierNumber", handlers.GetSensorByIdentifier)
			sensors.GET("/:id", handlers.GetSensor)

			sensors.GET("/:id/readings", handlers.GetSensorReadings)
			sensors.GET("/:id/readings/latest", handlers.LatestSensorReading)
			sensors.GET("/:id/readings/hours/:hours", handlers.SensorReadingsForLastHours)
			sensors.GET("/:id/readings/average/:hours", handlers.AverageSensorReading)

			write := RequirePermission(core.PermissionSensorsWrite)
			sensors.POST("", write, handlers.CreateSensor)
			sensors.PUT("/:id", write, handlers.UpdateSensor)
			sensors.DELETE("/:id", write, handlers.DeleteSensor)
			// Attaching changes the hub's sensor list too.
			sensors.PUT("/:id/hub", write, RequirePermission(core.PermissionHubsWrite), handlers.AddSensorToHub)
			sensors.DELETE("/:id/hub", write, RequirePermission(core.PermissionHubsWrite), handlers.RemoveSensorFromHub)
		}
	}
}
