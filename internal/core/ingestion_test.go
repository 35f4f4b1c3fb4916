package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"example.com/backstage/services/hub/internal/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ingestionFixture struct {
	env    *testEnv
	hub    *Hub
	sensor *Sensor
	token  string
}

func newIngestionFixture(t *testing.T) *ingestionFixture {
	t.Helper()
	env := newTestEnv(t)
	hub := env.bindHub(t, env.createHub(t, "SN-HUB-1"))
	sensor := env.createSensor(t, "SN-SE-1")
	env.attachSensor(t, sensor, hub)
	res := env.initializeHub(t, hub)
	return &ingestionFixture{env: env, hub: hub, sensor: sensor, token: res.Token}
}

func (f *ingestionFixture) push(payload, hash string) (*PushResult, error) {
	return f.env.registry.Ingestion.PushSensorReadings(context.Background(), f.hub.IdentifierNumber, payload, hash, TransportHTTP)
}

func mutate(s string, i int) string {
	b := []byte(s)
	if b[i] == 'a' {
		b[i] = 'b'
	} else {
		b[i] = 'a'
	}
	return string(b)
}

func TestPushSensorReadings(t *testing.T) {
	f := newIngestionFixture(t)
	payload := `{"SE-0001":[{"readingDate":"2024-05-01 10:00:00","reading":24.5},{"readingDate":"2024-05-01T10:05:00Z","reading":25}]}`

	res, err := f.push(payload, utils.PayloadDigest(payload, f.token))
	require.NoError(t, err)
	assert.Equal(t, []string{"SE-0001"}, res.Sensors)
	assert.Equal(t, testZoneID, res.RadioGroup)
	assert.Empty(t, res.Rejected)

	readings, err := f.env.registry.Readings.GetReadings(context.Background(), f.sensor.ID, nil, nil)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, 24.5, readings[0].Value)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), readings[0].ReadingDate.UTC())
	assert.Less(t, readings[0].ID, readings[1].ID)

	hub, err := f.env.registry.Hubs.GetHub(context.Background(), f.hub.ID)
	require.NoError(t, err)
	assert.NotNil(t, hub.LastDataUpdateDate)

	topics := f.env.publisher.topics()
	assert.Equal(t, TopicReadingsIngested, topics[len(topics)-1])
}

func TestPushSensorReadings_HashIsCaseInsensitive(t *testing.T) {
	f := newIngestionFixture(t)
	payload := `{"SE-0001":[{"readingDate":"2024-05-01 10:00:00","reading":1}]}`

	_, err := f.push(payload, strings.ToUpper(utils.PayloadDigest(payload, f.token)))
	assert.NoError(t, err)
}

func TestPushSensorReadings_SingleCharacterMutationsAreRejected(t *testing.T) {
	f := newIngestionFixture(t)
	payload := `{"SE-0001":[{"readingDate":"2024-05-01 10:00:00","reading":24.5}]}`
	hash := utils.PayloadDigest(payload, f.token)

	cases := map[string]struct {
		payload string
		hash    string
	}{
		"payload": {payload: mutate(payload, 12), hash: hash},
		"token":   {payload: payload, hash: utils.PayloadDigest(payload, mutate(f.token, 0))},
		"hash":    {payload: payload, hash: mutate(hash, 5)},
		"empty":   {payload: payload, hash: ""},
		"garbage": {payload: payload, hash: "not-hex"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.push(tc.payload, tc.hash)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPayloadSignature)
			assert.NotContains(t, err.Error(), f.token)
			assert.NotContains(t, err.Error(), hash)
		})
	}
	assert.Zero(t, f.env.countReadings(t))
}

func TestPushSensorReadings_UnknownHub(t *testing.T) {
	f := newIngestionFixture(t)
	payload := `{"SE-0001":[{"readingDate":"2024-05-01 10:00:00","reading":24.5}]}`

	for _, identifier := range []string{"HUB-0999", "invalid-id", "HUB-TEST-001", "NONEXISTENT", ""} {
		t.Run(identifier, func(t *testing.T) {
			_, err := f.env.registry.Ingestion.PushSensorReadings(context.Background(), identifier, payload, utils.PayloadDigest(payload, f.token), TransportHTTP)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrHubNotFound)
			assert.Contains(t, err.Error(), "not found")
		})
	}
	assert.Zero(t, f.env.countReadings(t))

	rejected, err := testutil.GatherAndCount(f.env.reg, "hub_service_pushes_rejected_total")
	require.NoError(t, err)
	assert.Equal(t, 1, rejected, "every unknown identifier lands on the hub_not_found series")
}

func TestPushSensorReadings_UninitializedHub(t *testing.T) {
	env := newTestEnv(t)
	hub := env.bindHub(t, env.createHub(t, "SN-HUB-1"))

	_, err := env.registry.Ingestion.PushSensorReadings(context.Background(), hub.IdentifierNumber, `{}`, "00", TransportHTTP)
	assert.ErrorIs(t, err, ErrHubNotInitialized)
}

func TestPushSensorReadings_MalformedPayload(t *testing.T) {
	f := newIngestionFixture(t)

	for _, payload := range []string{`{"SE-0001": [`, `["SE-0001"]`, `"nope"`} {
		_, err := f.push(payload, utils.PayloadDigest(payload, f.token))
		assert.ErrorContains(t, err, ErrInvalidPayload.Code, payload)
	}
	assert.Zero(t, f.env.countReadings(t))
}

func TestPushSensorReadings_MistypedEntriesRejectOnlyThatSensor(t *testing.T) {
	f := newIngestionFixture(t)
	second := f.env.createSensor(t, "SN-SE-2")
	f.env.attachSensor(t, second, f.hub)
	third := f.env.createSensor(t, "SN-SE-3")
	f.env.attachSensor(t, third, f.hub)

	payload := `{
		"SE-0001":[{"readingDate":"2024-05-01 10:00:00","reading":20}],
		"SE-0002":[{"readingDate":"2024-05-01 10:00:00","reading":"25.5"}],
		"SE-0003":"nope"
	}`
	res, err := f.push(payload, utils.PayloadDigest(payload, f.token))
	require.NoError(t, err)

	assert.Equal(t, []string{"SE-0001"}, res.Sensors)
	require.Len(t, res.Rejected, 2)
	assert.Equal(t, "SE-0002", res.Rejected[0].Sensor)
	assert.Equal(t, "SE-0003", res.Rejected[1].Sensor)
	assert.Contains(t, res.Rejected[1].Reason, "readingDate")
	assert.EqualValues(t, 1, f.env.countReadings(t))
}

func TestPushSensorReadings_PerSensorRejections(t *testing.T) {
	f := newIngestionFixture(t)
	ctx := context.Background()

	otherHub := f.env.bindHub(t, f.env.createHub(t, "SN-HUB-2"))
	foreign := f.env.createSensor(t, "SN-SE-2")
	f.env.attachSensor(t, foreign, otherHub)
	broken := f.env.createSensor(t, "SN-SE-3")
	f.env.attachSensor(t, broken, f.hub)

	payload := `{
		"SE-0001":[{"readingDate":"2024-05-01 10:00:00","reading":20}],
		"SE-0002":[{"readingDate":"2024-05-01 10:00:00","reading":21}],
		"SE-0003":[{"readingDate":"yesterday","reading":22}],
		"SE-0404":[{"readingDate":"2024-05-01 10:00:00","reading":23}]
	}`
	res, err := f.push(payload, utils.PayloadDigest(payload, f.token))
	require.NoError(t, err)

	assert.Equal(t, []string{"SE-0001"}, res.Sensors)
	require.Len(t, res.Rejected, 3)
	assert.Equal(t, RejectedSensor{Sensor: "SE-0002", Reason: "sensor is not attached to this hub"}, res.Rejected[0])
	assert.Equal(t, "SE-0003", res.Rejected[1].Sensor)
	assert.Contains(t, res.Rejected[1].Reason, "readingDate")
	assert.Equal(t, RejectedSensor{Sensor: "SE-0404", Reason: "unknown sensor"}, res.Rejected[2])
	assert.EqualValues(t, 1, f.env.countReadings(t))

	foreignReadings, err := f.env.registry.Readings.GetReadings(ctx, foreign.ID, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, foreignReadings)

	series, err := testutil.GatherAndCount(f.env.reg, "hub_service_sensor_batches_rejected_total")
	require.NoError(t, err)
	assert.Equal(t, 3, series)
}

func TestPushSensorReadings_SpoolsEventWhenBusFails(t *testing.T) {
	f := newIngestionFixture(t)
	f.env.publisher.err = errors.New("bus unavailable")
	payload := `{"SE-0001":[{"readingDate":"2024-05-01 10:00:00","reading":24.5}]}`

	_, err := f.push(payload, utils.PayloadDigest(payload, f.token))
	require.NoError(t, err)

	require.Len(t, f.env.spool.entries, 1)
	event, ok := f.env.spool.entries[0].(*Event)
	require.True(t, ok)
	assert.Equal(t, TopicReadingsIngested, event.Topic)
	assert.NotEmpty(t, event.ID)
	assert.EqualValues(t, 1, f.env.countReadings(t))
}
