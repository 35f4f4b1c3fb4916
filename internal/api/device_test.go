package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/hub/internal/core"
	"example.com/backstage/services/hub/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type provisionedHub struct {
	hub        core.Hub
	sensor     core.Sensor
	token      string
	radioGroup int
}

// provision walks a hub through create, zone binding, sensor attachment and
// initialization over HTTP.
func provision(t *testing.T, s *testServer) provisionedHub {
	t.Helper()
	hub := s.createHub(t, "SN-HUB-1")
	sensor := s.createSensor(t, "SN-SE-1")
	s.bindHub(t, hub.ID)

	w := s.do(t, http.MethodPut, "/api/v1/sensors/"+sensor.ID+"/hub", adminStaff, gin.H{"hubId": hub.ID, "lat": 1.35, "long": 103.8})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPut, "/api/v1/device/hubs/initialize", "",
		gin.H{"identifierNumber": hub.IdentifierNumber},
		"X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[core.InitializationResult](t, w)
	require.NotEmpty(t, res.Token)

	return provisionedHub{hub: hub, sensor: sensor, token: res.Token, radioGroup: res.RadioGroup}
}

func TestDeviceFlow_EndToEnd(t *testing.T) {
	s := newTestServer(t)
	p := provision(t, s)
	assert.Equal(t, testZoneID, p.radioGroup)

	w := s.do(t, http.MethodGet, "/api/v1/hubs/"+p.hub.ID, readerStaff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stored := decode[core.Hub](t, w)
	require.NotNil(t, stored.IPAddress)
	assert.Equal(t, "203.0.113.9", *stored.IPAddress)
	assert.NotContains(t, w.Body.String(), p.token, "secret must never be serialized")

	w = s.do(t, http.MethodGet, "/api/v1/device/hubs/"+p.hub.IdentifierNumber+"/sensors", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"SE-0001"}, decode[map[string][]string](t, w)["sensors"])

	payload := `{"SE-0001":[{"readingDate":"2024-06-01 11:30:00","reading":61.5}],"SE-0404":[{"readingDate":"2024-06-01 11:30:00","reading":1}]}`
	w = s.do(t, http.MethodPost, "/api/v1/device/hubs/"+p.hub.IdentifierNumber+"/readings", "", core.PushReadingsRequest{
		JSONPayloadString: payload,
		SHA256:            utils.PayloadDigest(payload, p.token),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[core.PushResult](t, w)
	assert.Equal(t, []string{"SE-0001"}, result.Sensors)
	assert.Equal(t, p.radioGroup, result.RadioGroup)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, "SE-0404", result.Rejected[0].Sensor)

	w = s.do(t, http.MethodGet, "/api/v1/sensors/"+p.sensor.ID+"/readings/latest", readerStaff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 61.5, decode[core.SensorReading](t, w).Value)
}

func TestPushSensorReadings_RejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	p := provision(t, s)

	payload := `{"SE-0001":[{"readingDate":"2024-06-01 11:30:00","reading":61.5}]}`
	w := s.do(t, http.MethodPost, "/api/v1/device/hubs/"+p.hub.IdentifierNumber+"/readings", "", core.PushReadingsRequest{
		JSONPayloadString: payload,
		SHA256:            utils.PayloadDigest(payload, p.token+"x"),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid payload signature", decode[map[string]string](t, w)["error"])

	w = s.do(t, http.MethodGet, "/api/v1/sensors/"+p.sensor.ID+"/readings", readerStaff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]core.SensorReading](t, w))
}

func TestInitializeHub_Errors(t *testing.T) {
	s := newTestServer(t)
	hub := s.createHub(t, "SN-HUB-1")

	w := s.do(t, http.MethodPut, "/api/v1/device/hubs/initialize", "", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, "/api/v1/device/hubs/initialize", "", gin.H{"identifierNumber": hub.IdentifierNumber})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Hub must be in a zone to be initialized", decode[map[string]string](t, w)["error"])

	for _, identifier := range []string{"HUB-0999", "invalid-id"} {
		w = s.do(t, http.MethodPost, "/api/v1/device/hubs/"+identifier+"/readings", "", core.PushReadingsRequest{JSONPayloadString: "{}", SHA256: "00"})
		assert.Equal(t, http.StatusBadRequest, w.Code, identifier)
		assert.Contains(t, decode[map[string]string](t, w)["error"], "not found", identifier)

		w = s.do(t, http.MethodPut, "/api/v1/device/hubs/initialize", "", gin.H{"identifierNumber": identifier})
		assert.Equal(t, http.StatusBadRequest, w.Code, identifier)
		assert.Equal(t, core.ErrHubNotFound.Code, decode[map[string]string](t, w)["code"], identifier)

		w = s.do(t, http.MethodGet, "/api/v1/device/hubs/"+identifier+"/sensors", "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, identifier)
		assert.Contains(t, w.Body.String(), "not found", identifier)
	}

	w = s.do(t, http.MethodGet, "/api/v1/hubs/identifier/invalid-id", adminStaff, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, core.ErrInvalidIdentifier.Code, decode[map[string]string](t, w)["code"])
}

type recordingAcks struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
}

func (r *recordingAcks) Publish(topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.payloads = append(r.payloads, payload)
	return nil
}

func TestReadingsMQTTHandler(t *testing.T) {
	s := newTestServer(t)
	p := provision(t, s)
	acks := &recordingAcks{}
	handler := NewReadingsMQTTHandler(s.registry.Ingestion, acks, discardLogger())

	payload := `{"SE-0001":[{"readingDate":"2024-06-01T11:45:00Z","reading":58}]}`
	body, err := json.Marshal(core.PushReadingsRequest{JSONPayloadString: payload, SHA256: utils.PayloadDigest(payload, p.token)})
	require.NoError(t, err)

	topic := "hubs/" + p.hub.IdentifierNumber + "/readings"
	require.NoError(t, handler(context.Background(), topic, body))
	require.NoError(t, handler(context.Background(), topic, []byte("not json")))

	require.Len(t, acks.topics, 2)
	assert.Equal(t, "hubs/"+p.hub.IdentifierNumber+"/ack", acks.topics[0])

	var ok map[string]interface{}
	require.NoError(t, json.Unmarshal(acks.payloads[0], &ok))
	assert.Equal(t, []interface{}{"SE-0001"}, ok["sensors"])
	assert.NotContains(t, ok, "error")

	var failed map[string]interface{}
	require.NoError(t, json.Unmarshal(acks.payloads[1], &failed))
	assert.Equal(t, "invalid request format", failed["error"])

	err = handler(context.Background(), "elsewhere", body)
	assert.Error(t, err)
}

type stubCounter struct {
	n   int64
	err error
}

func (c *stubCounter) IncrWindow(context.Context, string, time.Duration) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.n++
	return c.n, nil
}

func TestRateLimiter(t *testing.T) {
	router := gin.New()
	counter := &stubCounter{}
	router.Use(RateLimiter(counter, 2, discardLogger()))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	s := &testServer{router: router}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ping", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ping", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodGet, "/ping", "", nil).Code)

	counter.err = errors.New("redis down")
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ping", "", nil).Code)
}

func TestErrorHandler_HidesUnexpectedErrors(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandler(discardLogger()))
	router.GET("/boom", func(c *gin.Context) { c.Error(errors.New("pq: connection refused")) })
	router.GET("/busy", func(c *gin.Context) { c.Error(core.ErrGenerationConflict) })

	s := &testServer{router: router}
	w := s.do(t, http.MethodGet, "/boom", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal server error", decode[map[string]string](t, w)["error"])

	w = s.do(t, http.MethodGet, "/busy", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
