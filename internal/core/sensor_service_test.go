package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSensor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sensor := env.createSensor(t, "SN-SE-1")
	assert.Equal(t, "SE-0001", sensor.IdentifierNumber)
	assert.Equal(t, SensorStatusActive, sensor.SensorStatus)
	assert.Nil(t, sensor.HubID)
	assert.Equal(t, testParkID, sensor.ParkID)

	_, err := env.registry.Sensors.CreateSensor(ctx, CreateSensorRequest{
		Name: "dup", SerialNumber: "SN-SE-1", SensorType: SensorTypeLight, SensorUnit: SensorUnitLux, FacilityID: testFacilityID,
	})
	assert.ErrorIs(t, err, ErrSensorSerialNumberExists)

	_, err = env.registry.Sensors.CreateSensor(ctx, CreateSensorRequest{
		Name: "odd", SerialNumber: "SN-SE-2", SensorType: "SMELL", SensorUnit: SensorUnitLux, FacilityID: testFacilityID,
	})
	assert.ErrorContains(t, err, ErrInvalidSensorType.Code)

	_, err = env.registry.Sensors.CreateSensor(ctx, CreateSensorRequest{
		Name: "odd", SerialNumber: "SN-SE-3", SensorType: SensorTypeLight, SensorUnit: "FURLONGS", FacilityID: testFacilityID,
	})
	assert.ErrorContains(t, err, ErrInvalidSensorUnit.Code)
}

func TestCreateSensor_ConcurrentIdentifiersAreDistinct(t *testing.T) {
	env := newTestEnv(t)
	const workers = 8

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		identifiers = make(map[string]bool)
		errs        []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sensor, err := env.registry.Sensors.CreateSensor(context.Background(), CreateSensorRequest{
				Name:         fmt.Sprintf("Sensor %d", i),
				SerialNumber: fmt.Sprintf("SN-SE-%d", i),
				SensorType:   SensorTypeHumidity,
				SensorUnit:   SensorUnitPercent,
				FacilityID:   testFacilityID,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			identifiers[sensor.IdentifierNumber] = true
		}(i)
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, identifiers, workers)
}

func TestAddSensorToHub(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	hub := env.bindHub(t, env.createHub(t, "SN-HUB-1"))
	sensor := env.createSensor(t, "SN-SE-1")

	attached, err := env.registry.Sensors.AddSensorToHub(ctx, sensor.ID, AddSensorToHubRequest{HubID: hub.ID, Lat: 1.3, Long: 103.8})
	require.NoError(t, err)
	require.NotNil(t, attached.HubID)
	assert.Equal(t, hub.ID, *attached.HubID)
	assert.Equal(t, 1.3, *attached.Lat)

	onHub, err := env.registry.Sensors.GetAllSensorsByHubID(ctx, hub.ID)
	require.NoError(t, err)
	require.Len(t, onHub, 1)
	assert.Equal(t, sensor.ID, onHub[0].ID)
}

func TestAddSensorToHub_HubMustBeInZone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	hub := env.createHub(t, "SN-HUB-1")
	sensor := env.createSensor(t, "SN-SE-1")

	_, err := env.registry.Sensors.AddSensorToHub(ctx, sensor.ID, AddSensorToHubRequest{HubID: hub.ID})
	assert.ErrorIs(t, err, ErrHubNotInZone)

	stored, err := env.registry.Sensors.GetSensor(ctx, sensor.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.HubID)
}

func TestRemoveSensorFromHub(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	hub := env.bindHub(t, env.createHub(t, "SN-HUB-1"))
	sensor := env.createSensor(t, "SN-SE-1")
	env.attachSensor(t, sensor, hub)

	detached, err := env.registry.Sensors.RemoveSensorFromHub(ctx, sensor.ID)
	require.NoError(t, err)
	assert.Nil(t, detached.HubID)
	assert.Nil(t, detached.Lat)

	identifiers, err := env.registry.Sensors.UpdateHubSensors(ctx, hub.IdentifierNumber)
	require.NoError(t, err)
	assert.Empty(t, identifiers)

	_, err = env.registry.Sensors.RemoveSensorFromHub(ctx, "6f1c2f8e-9a0b-4a57-9d3c-2f4b7c1e0d11")
	assert.ErrorIs(t, err, ErrSensorNotFound)
}

func TestUpdateHubSensors_ReflectsAttachmentsImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	hub := env.bindHub(t, env.createHub(t, "SN-HUB-1"))
	first := env.createSensor(t, "SN-SE-1")
	second := env.createSensor(t, "SN-SE-2")

	env.attachSensor(t, first, hub)
	identifiers, err := env.registry.Sensors.UpdateHubSensors(ctx, hub.IdentifierNumber)
	require.NoError(t, err)
	assert.Equal(t, []string{first.IdentifierNumber}, identifiers)

	env.attachSensor(t, second, hub)
	identifiers, err = env.registry.Sensors.UpdateHubSensors(ctx, hub.IdentifierNumber)
	require.NoError(t, err)
	assert.Equal(t, []string{first.IdentifierNumber, second.IdentifierNumber}, identifiers)

	_, err = env.registry.Sensors.UpdateHubSensors(ctx, "HUB-0999")
	assert.ErrorIs(t, err, ErrHubNotFound)
	_, err = env.registry.Sensors.UpdateHubSensors(ctx, "invalid-id")
	assert.ErrorIs(t, err, ErrHubNotFound)
}

func TestUpdateAndDeleteSensor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sensor := env.createSensor(t, "SN-SE-1")
	env.createSensor(t, "SN-SE-2")

	status := SensorStatusUnderMaintenance
	freq := 30
	updated, err := env.registry.Sensors.UpdateSensorDetails(ctx, sensor.ID, UpdateSensorRequest{
		SensorStatus:             &status,
		CalibrationFrequencyDays: &freq,
	})
	require.NoError(t, err)
	assert.Equal(t, SensorStatusUnderMaintenance, updated.SensorStatus)
	assert.Equal(t, 30, updated.CalibrationFrequencyDays)

	bad := "BROKEN"
	_, err = env.registry.Sensors.UpdateSensorDetails(ctx, sensor.ID, UpdateSensorRequest{SensorStatus: &bad})
	assert.ErrorContains(t, err, ErrInvalidSensorStatus.Code)

	taken := "SN-SE-2"
	_, err = env.registry.Sensors.UpdateSensorDetails(ctx, sensor.ID, UpdateSensorRequest{SerialNumber: &taken})
	assert.ErrorIs(t, err, ErrSensorSerialNumberExists)

	require.NoError(t, env.registry.Sensors.DeleteSensor(ctx, sensor.ID))
	_, err = env.registry.Sensors.GetSensor(ctx, sensor.ID)
	assert.ErrorIs(t, err, ErrSensorNotFound)
	assert.ErrorIs(t, env.registry.Sensors.DeleteSensor(ctx, sensor.ID), ErrSensorNotFound)
}

func TestSensorsNeedingMaintenanceAndCalibration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-48 * time.Hour)
	future := now.Add(48 * time.Hour)
	recent := now.Add(-24 * time.Hour)

	create := func(serial string, next, calibrated *time.Time, freq int) *Sensor {
		sensor, err := env.registry.Sensors.CreateSensor(ctx, CreateSensorRequest{
			Name:                     serial,
			SerialNumber:             serial,
			SensorType:               SensorTypeSoilMoisture,
			SensorUnit:               SensorUnitVolumetricWaterContent,
			FacilityID:               testFacilityID,
			NextMaintenanceDate:      next,
			LastCalibratedDate:       calibrated,
			CalibrationFrequencyDays: freq,
		})
		require.NoError(t, err)
		return sensor
	}

	overdue := create("SN-SE-1", &past, &past, 1)
	fresh := create("SN-SE-2", &future, &recent, 30)
	never := create("SN-SE-3", nil, nil, 30)

	maintenance, err := env.registry.Sensors.SensorsNeedingMaintenance(ctx, now)
	require.NoError(t, err)
	require.Len(t, maintenance, 1)
	assert.Equal(t, overdue.ID, maintenance[0].ID)

	calibration, err := env.registry.Sensors.SensorsNeedingCalibration(ctx, now)
	require.NoError(t, err)
	ids := make([]string, 0, len(calibration))
	for _, s := range calibration {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{overdue.ID, never.ID}, ids)
	assert.NotContains(t, ids, fresh.ID)
}

func TestListSensors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	hub := env.bindHub(t, env.createHub(t, "SN-HUB-1"))
	onHub := env.createSensor(t, "SN-SE-1")
	env.createSensor(t, "SN-SE-2")
	env.attachSensor(t, onHub, hub)

	all, err := env.registry.Sensors.ListSensors(ctx, SensorFilter{ParkID: testParkID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := env.registry.Sensors.ListSensors(ctx, SensorFilter{HubID: hub.ID})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, onHub.ID, filtered[0].ID)

	byIdentifier, err := env.registry.Sensors.GetSensorByIdentifier(ctx, onHub.IdentifierNumber)
	require.NoError(t, err)
	assert.Equal(t, onHub.ID, byIdentifier.ID)

	_, err = env.registry.Sensors.GetSensorByIdentifier(ctx, "HUB-0001")
	assert.ErrorContains(t, err, ErrInvalidIdentifier.Code)
}
