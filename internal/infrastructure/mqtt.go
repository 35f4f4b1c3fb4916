// services/hub/internal/infrastructure/mqtt.go
package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/hub/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	HubTopicRoot        = "hubs"
	MessageTypeReadings = "readings"
	MessageTypeAck      = "ack"

	mqttHandlerTimeout = 30 * time.Second
)

// MessageHandler processes MQTT messages
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

// HubTopic builds hubs/{identifier}/{messageType}.
func HubTopic(identifier, messageType string) string {
	return fmt.Sprintf("%s/%s/%s", HubTopicRoot, identifier, messageType)
}

// ParseHubTopic splits hubs/{identifier}/{messageType}. ok is false for any other shape.
func ParseHubTopic(topic string) (identifier, messageType string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != HubTopicRoot || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// MQTTSubscriber handles MQTT connections and message processing
type MQTTSubscriber struct {
	config    config.MQTTConfig
	client    mqtt.Client
	logger    *logrus.Logger
	handlers  map[string]MessageHandler
	mu        sync.RWMutex
	connected bool
	baseCtx   context.Context
	wg        sync.WaitGroup
}

// NewMQTTSubscriber creates a new MQTT subscriber
func NewMQTTSubscriber(cfg config.MQTTConfig, logger *logrus.Logger) (*MQTTSubscriber, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("hub-service-%d", time.Now().UnixNano())
	}

	return &MQTTSubscriber{
		config:   cfg,
		logger:   logger,
		handlers: make(map[string]MessageHandler),
		baseCtx:  context.Background(),
	}, nil
}

// RegisterHandler registers a handler for the last segment of hub topics.
func (s *MQTTSubscriber) RegisterHandler(messageType string, handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[messageType] = handler
}

// Run connects, serves messages until ctx is cancelled, then shuts down.
func (s *MQTTSubscriber) Run(ctx context.Context) error {
	s.baseCtx = ctx
	if err := s.start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.stop()
	return nil
}

func (s *MQTTSubscriber) start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.BrokerURL)
	opts.SetClientID(s.config.ClientID)

	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
	}
	if s.config.Password != "" {
		opts.SetPassword(s.config.Password)
	}

	opts.SetCleanSession(s.config.CleanSession)
	opts.SetKeepAlive(s.config.KeepAlive)
	opts.SetConnectTimeout(s.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(s.config.MaxReconnectDelay)

	// Connection handlers
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(s.onReconnecting)

	// Message handler
	opts.SetDefaultPublishHandler(s.messageHandler)

	s.client = mqtt.NewClient(opts)

	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	s.logger.WithField("broker", s.config.BrokerURL).Info("MQTT subscriber started")
	return nil
}

func (s *MQTTSubscriber) stop() {
	s.logger.Info("Stopping MQTT subscriber...")

	if s.client != nil && s.client.IsConnected() {
		for _, topic := range s.config.Topics {
			if token := s.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
				s.logger.WithError(token.Error()).WithField("topic", topic).
					Error("Failed to unsubscribe from topic")
			}
		}
	}

	// In-flight handlers may still publish acks, so wait before disconnecting.
	s.wg.Wait()
	if s.client != nil {
		s.client.Disconnect(250)
	}
	s.logger.Info("MQTT subscriber stopped")
}

// IsConnected returns the connection status
func (s *MQTTSubscriber) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MQTTSubscriber) onConnect(client mqtt.Client) {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	s.logger.Info("Connected to MQTT broker")

	// Subscriptions are redone on every reconnect.
	for _, topic := range s.config.Topics {
		if token := client.Subscribe(topic, s.config.QoS, nil); token.Wait() && token.Error() != nil {
			s.logger.WithError(token.Error()).WithField("topic", topic).
				Error("Failed to subscribe to topic")
		} else {
			s.logger.WithField("topic", topic).Info("Subscribed to topic")
		}
	}
}

func (s *MQTTSubscriber) onConnectionLost(client mqtt.Client, err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (s *MQTTSubscriber) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	s.logger.Info("Attempting to reconnect to MQTT broker...")
}

func (s *MQTTSubscriber) messageHandler(client mqtt.Client, msg mqtt.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processMessage(msg.Topic(), msg.Payload())
	}()
}

func (s *MQTTSubscriber) processMessage(topic string, payload []byte) {
	log := s.logger.WithFields(logrus.Fields{
		"topic": topic,
		"size":  len(payload),
	})
	log.Debug("Received MQTT message")

	_, messageType, ok := ParseHubTopic(topic)
	if !ok {
		log.Warn("Ignoring message on unexpected topic")
		return
	}

	s.mu.RLock()
	handler, exists := s.handlers[messageType]
	s.mu.RUnlock()

	if !exists {
		log.WithField("message_type", messageType).Warn("No handler registered for message type")
		return
	}

	// Detached from shutdown so a message already taken off the wire is finished.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), mqttHandlerTimeout)
	defer cancel()

	if err := handler(ctx, topic, payload); err != nil {
		log.WithError(err).Error("Failed to process MQTT message")
	}
}

// Publish sends payload on topic. Acks are never retained.
func (s *MQTTSubscriber) Publish(topic string, payload []byte) error {
	if !s.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	token := s.client.Publish(topic, s.config.QoS, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish message: %w", token.Error())
	}

	return nil
}
