// services/hub/internal/api/device.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"example.com/backstage/services/hub/internal/core"
	"example.com/backstage/services/hub/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type initializeHubRequest struct {
	IdentifierNumber string `json:"identifierNumber" binding:"required"`
}

// --- Device Endpoints ---
// Hubs authenticate with their secret through the payload hash, so these
// routes sit outside staff authorization.

// InitializeHub issues the hub secret and radio group
func (h *APIHandlers) InitializeHub(c *gin.Context) {
	var req initializeHubRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identifierNumber is required"})
		return
	}

	result, err := h.services.Initialization.VerifyHubInitialization(c.Request.Context(), req.IdentifierNumber, originIP(c))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// PushSensorReadings ingests a signed reading batch
func (h *APIHandlers) PushSensorReadings(c *gin.Context) {
	var req core.PushReadingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	result, err := h.services.Ingestion.PushSensorReadings(
		c.Request.Context(),
		c.Param("identifierNumber"),
		req.JSONPayloadString,
		req.SHA256,
		core.TransportHTTP,
	)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// HubSensors lists the identifiers of the sensors attached to the hub
func (h *APIHandlers) HubSensors(c *gin.Context) {
	sensors, err := h.services.Sensors.UpdateHubSensors(c.Request.Context(), c.Param("identifierNumber"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sensors": sensors})
}

// originIP prefers the first X-Forwarded-For hop, then the peer address.
func originIP(c *gin.Context) string {
	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return c.RemoteIP()
}

// --- MQTT ---

// AckPublisher sends a payload on an MQTT topic.
type AckPublisher interface {
	Publish(topic string, payload []byte) error
}

type mqttAck struct {
	*core.PushResult
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// NewReadingsMQTTHandler ingests pushes arriving on hubs/{identifier}/readings
// and answers on hubs/{identifier}/ack.
func NewReadingsMQTTHandler(ingestion *core.TelemetryIngestionService, acks AckPublisher, logger *logrus.Logger) infrastructure.MessageHandler {
	return func(ctx context.Context, topic string, payload []byte) error {
		identifier, _, ok := infrastructure.ParseHubTopic(topic)
		if !ok {
			return fmt.Errorf("unexpected topic %q", topic)
		}
		ackTopic := infrastructure.HubTopic(identifier, infrastructure.MessageTypeAck)

		var req core.PushReadingsRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return publishAck(acks, ackTopic, mqttAck{Error: "invalid request format"})
		}

		result, err := ingestion.PushSensorReadings(ctx, identifier, req.JSONPayloadString, req.SHA256, core.TransportMQTT)
		if err != nil {
			var be core.BusinessError
			if !errors.As(err, &be) {
				// Unexpected failures get a generic answer and surface to the subscriber log.
				if ackErr := publishAck(acks, ackTopic, mqttAck{Error: "internal server error"}); ackErr != nil {
					logger.WithError(ackErr).WithField("topic", ackTopic).Warn("Failed to publish ack")
				}
				return err
			}
			return publishAck(acks, ackTopic, mqttAck{Error: be.Message, Code: be.Code})
		}

		return publishAck(acks, ackTopic, mqttAck{PushResult: result})
	}
}

func publishAck(acks AckPublisher, topic string, ack mqttAck) error {
	body, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("failed to marshal ack: %w", err)
	}
	if err := acks.Publish(topic, body); err != nil {
		return fmt.Errorf("failed to publish ack on %s: %w", topic, err)
	}
	return nil
}
