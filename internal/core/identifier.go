// services/hub/internal/core/identifier.go
package core

import (
	"context"
	"fmt"

	"example.com/backstage/services/hub/config"
	"example.com/backstage/services/hub/internal/infrastructure"
	"example.com/backstage/services/hub/internal/utils"
	"github.com/sirupsen/logrus"
)

// IdentifierGenerator hands out HUB-0001 style numbers backed by a committed
// per-class sequence and the unique index on identifier_number.
type IdentifierGenerator struct {
	store       Repository
	prefixes    map[string]string
	width       int
	maxAttempts int
	metrics     *infrastructure.Metrics
	logger      *logrus.Logger
}

func NewIdentifierGenerator(store Repository, cfg config.IdentifierConfig, metrics *infrastructure.Metrics, logger *logrus.Logger) *IdentifierGenerator {
	return &IdentifierGenerator{
		store: store,
		prefixes: map[string]string{
			EntityHub:    cfg.HubPrefix,
			EntitySensor: cfg.SensorPrefix,
		},
		width:       cfg.Width,
		maxAttempts: cfg.MaxAttempts,
		metrics:     metrics,
		logger:      logger,
	}
}

// Prefix returns the identifier prefix for an entity class.
func (g *IdentifierGenerator) Prefix(entity string) string {
	return g.prefixes[entity]
}

// Generate assigns the next identifier to a new row. insert is retried with a
// fresh number when it collides on identifier_number; any other error is returned
// as is. Numbers consumed by failed attempts are never handed out again.
func (g *IdentifierGenerator) Generate(ctx context.Context, entity string, insert func(identifier string) error) (string, error) {
	prefix, ok := g.prefixes[entity]
	if !ok {
		return "", fmt.Errorf("unknown identifier entity %q", entity)
	}

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		n, err := g.next(ctx, entity, prefix)
		if err != nil {
			return "", err
		}

		identifier := utils.FormatIdentifier(prefix, n, g.width)
		err = insert(identifier)
		if err == nil {
			return identifier, nil
		}
		if !isUniqueViolation(err) || !violatedColumn(err, "identifier_number") {
			return "", err
		}

		g.metrics.IdentifierRetry(entity)
		g.logger.WithFields(logrus.Fields{
			"entity":     entity,
			"identifier": identifier,
			"attempt":    attempt,
		}).Warn("Identifier number already taken, retrying")
	}

	return "", ErrGenerationConflict
}

func (g *IdentifierGenerator) next(ctx context.Context, entity, prefix string) (int64, error) {
	n, found, err := g.store.AdvanceSequence(ctx, entity)
	if err != nil {
		return 0, fmt.Errorf("failed to advance %s sequence: %w", entity, err)
	}
	if found {
		return n, nil
	}

	// First use: start after the highest identifier already stored.
	existing, err := g.store.ListIdentifierNumbers(ctx, entity)
	if err != nil {
		return 0, fmt.Errorf("failed to seed %s sequence: %w", entity, err)
	}
	if err := g.store.InitSequence(ctx, entity, utils.HighestSequence(existing, prefix)); err != nil {
		return 0, fmt.Errorf("failed to seed %s sequence: %w", entity, err)
	}

	n, found, err = g.store.AdvanceSequence(ctx, entity)
	if err != nil {
		return 0, fmt.Errorf("failed to advance %s sequence: %w", entity, err)
	}
	if !found {
		return 0, fmt.Errorf("%s sequence missing after seeding", entity)
	}
	return n, nil
}
