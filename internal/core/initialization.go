// services/hub/internal/core/initialization.go
package core

import (
	"context"
	"fmt"

	"example.com/backstage/services/hub/internal/infrastructure"
	"example.com/backstage/services/hub/internal/utils"
	"github.com/sirupsen/logrus"
)

// InitializationResult is returned to the hub exactly once per initialization.
type InitializationResult struct {
	Token      string `json:"token"`
	RadioGroup int    `json:"radioGroup"`
}

// requireZoneBound guards operations that need an ACTIVE hub.
func requireZoneBound(hub *Hub) error {
	if !hub.InZone() {
		return ErrHubMustBeInZone
	}
	return nil
}

// requireInitialized guards operations that need an issued secret.
func requireInitialized(hub *Hub) error {
	if hub.InitializationState() != HubInitialized {
		return ErrHubNotInitialized
	}
	return nil
}

// HubInitializationService issues hub secrets on first activation.
type HubInitializationService struct {
	store     Repository
	allocator RadioGroupAllocator
	hubPrefix string
	events    *EventDispatcher
	metrics   *infrastructure.Metrics
	logger    *logrus.Logger
}

func NewHubInitializationService(store Repository, allocator RadioGroupAllocator, hubPrefix string, events *EventDispatcher, metrics *infrastructure.Metrics, logger *logrus.Logger) *HubInitializationService {
	return &HubInitializationService{
		store:     store,
		allocator: allocator,
		hubPrefix: hubPrefix,
		events:    events,
		metrics:   metrics,
		logger:    logger,
	}
}

// VerifyHubInitialization issues a fresh secret bound to originIP. Calling it
// again replaces the previous secret.
func (s *HubInitializationService) VerifyHubInitialization(ctx context.Context, identifier, originIP string) (*InitializationResult, error) {
	found, err := lookupDeviceHub(ctx, s.store, s.hubPrefix, identifier)
	if err != nil {
		return nil, err
	}

	var (
		hub    *Hub
		result *InitializationResult
	)
	err = s.store.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		var err error
		hub, err = tx.GetHubForUpdate(ctx, found.ID)
		if err != nil {
			return hubLookupError(err)
		}
		if err := requireZoneBound(hub); err != nil {
			return err
		}

		secret, err := utils.GenerateSecret()
		if err != nil {
			return fmt.Errorf("failed to generate hub secret: %w", err)
		}
		group, err := s.allocator.Allocate(hub)
		if err != nil {
			return err
		}

		hub.HubSecret = &secret
		hub.RadioGroup = &group
		if originIP != "" {
			hub.IPAddress = &originIP
		} else {
			hub.IPAddress = nil
		}
		if err := tx.SaveHub(ctx, hub); err != nil {
			return fmt.Errorf("failed to store hub secret: %w", err)
		}

		result = &InitializationResult{Token: secret, RadioGroup: group}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.HubInitialized()
	s.logger.WithFields(logrus.Fields{
		"hub_id":            hub.ID,
		"identifier_number": hub.IdentifierNumber,
		"radio_group":       result.RadioGroup,
		"ip_address":        originIP,
	}).Info("Hub initialized")

	s.events.Dispatch(ctx, TopicHubInitialized, HubEventData{
		HubID:            hub.ID,
		IdentifierNumber: hub.IdentifierNumber,
		ZoneID:           hub.ZoneID,
		RadioGroup:       hub.RadioGroup,
		IPAddress:        originIP,
	})
	return result, nil
}
