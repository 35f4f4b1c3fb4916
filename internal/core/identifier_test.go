package core

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertRawHub(t *testing.T, env *testEnv, identifier, serial string) {
	t.Helper()
	require.NoError(t, env.db.Create(&Hub{
		ID:               uuid.New().String(),
		Name:             "legacy",
		SerialNumber:     serial,
		IdentifierNumber: identifier,
		FacilityID:       testFacilityID,
		HubStatus:        HubStatusInactive,
	}).Error)
}

func TestIdentifierGenerator_SeedsFromExistingRows(t *testing.T) {
	env := newTestEnv(t)
	insertRawHub(t, env, "HUB-0041", "SN-LEGACY-1")
	insertRawHub(t, env, "HUB-0007", "SN-LEGACY-2")

	hub := env.createHub(t, "SN-HUB-1")
	assert.Equal(t, "HUB-0042", hub.IdentifierNumber)
}

func TestIdentifierGenerator_RetriesOnCollision(t *testing.T) {
	env := newTestEnv(t)
	env.createHub(t, "SN-HUB-1")
	// Taken behind the sequence's back.
	insertRawHub(t, env, "HUB-0002", "SN-LEGACY-1")

	hub := env.createHub(t, "SN-HUB-2")
	assert.Equal(t, "HUB-0003", hub.IdentifierNumber)

	series, err := testutil.GatherAndCount(env.reg, "hub_service_identifier_retries_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestIdentifierGenerator_GivesUpAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	gen := NewIdentifierGenerator(env.store, env.cfg.Identifiers, nil, testLogger())

	attempts := 0
	_, err := gen.Generate(context.Background(), EntitySensor, func(string) error {
		attempts++
		return errors.New("UNIQUE constraint failed: sensors.identifier_number")
	})
	assert.ErrorIs(t, err, ErrGenerationConflict)
	assert.Equal(t, 5, attempts)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindUnavailable, kind)
}

func TestIdentifierGenerator_OtherErrorsAreNotRetried(t *testing.T) {
	env := newTestEnv(t)
	gen := NewIdentifierGenerator(env.store, env.cfg.Identifiers, nil, testLogger())
	boom := errors.New("disk full")

	attempts := 0
	_, err := gen.Generate(context.Background(), EntityHub, func(string) error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}
