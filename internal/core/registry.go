// services/hub/internal/core/registry.go
package core

import (
	"fmt"

	"example.com/backstage/services/hub/config"
	"example.com/backstage/services/hub/internal/infrastructure"
	"github.com/bwmarrin/snowflake"
	"github.com/sirupsen/logrus"
)

// ServiceRegistry holds all domain services
type ServiceRegistry struct {
	Hubs           *HubRegistry
	Sensors        *SensorRegistry
	Initialization *HubInitializationService
	Ingestion      *TelemetryIngestionService
	Readings       *ReadingQueryService
}

// Dependencies are the collaborators built by the command layer.
// Publisher and Spool may be nil when messaging is not configured.
type Dependencies struct {
	Store     Repository
	Directory ParkDirectory
	Publisher EventPublisher
	Spool     EventSpool
	Metrics   *infrastructure.Metrics
	Logger    *logrus.Logger
}

func NewServiceRegistry(cfg *config.Config, deps Dependencies) (*ServiceRegistry, error) {
	node, err := snowflake.NewNode(cfg.Ingestion.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create reading id node: %w", err)
	}

	events := NewEventDispatcher(deps.Publisher, deps.Spool, deps.Metrics, deps.Logger)
	ids := NewIdentifierGenerator(deps.Store, cfg.Identifiers, deps.Metrics, deps.Logger)
	allocator := NewZoneRadioGroupAllocator(cfg.Radio.Groups)
	hubPrefix := cfg.Identifiers.HubPrefix

	return &ServiceRegistry{
		Hubs:           NewHubRegistry(deps.Store, deps.Directory, ids, events, deps.Logger),
		Sensors:        NewSensorRegistry(deps.Store, deps.Directory, ids, events, deps.Logger),
		Initialization: NewHubInitializationService(deps.Store, allocator, hubPrefix, events, deps.Metrics, deps.Logger),
		Ingestion:      NewTelemetryIngestionService(deps.Store, node, hubPrefix, events, deps.Metrics, deps.Logger),
		Readings:       NewReadingQueryService(deps.Store, hubPrefix, deps.Logger),
	}, nil
}
