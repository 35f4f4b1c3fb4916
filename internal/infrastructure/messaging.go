// services/hub/internal/infrastructure/messaging.go
package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/hub/config"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

type Messaging struct {
	client     *azservicebus.Client
	sender     *azservicebus.Sender
	maxRetries int
	retryDelay time.Duration
}

func NewMessaging(cfg config.ServiceBusConfig) (*Messaging, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("service bus connection string is required")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		client.Close(context.Background())
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}

	return &Messaging{
		client:     client,
		sender:     sender,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Publish sends message as JSON. The topic travels as the subject and as an
// application property so subscribers can filter on either.
func (m *Messaging) Publish(ctx context.Context, topic string, message interface{}) error {
	msg, err := buildMessage(topic, message)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish %s cancelled after %d attempts: %w", topic, attempt, ctx.Err())
			case <-time.After(m.retryDelay * time.Duration(attempt)):
			}
		}

		if lastErr = m.sender.SendMessage(ctx, msg, nil); lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("failed to publish %s: %w", topic, lastErr)
}

func buildMessage(topic string, message interface{}) (*azservicebus.Message, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	contentType := "application/json"
	msg := &azservicebus.Message{
		Body:        data,
		ContentType: &contentType,
		Subject:     &topic,
		ApplicationProperties: map[string]interface{}{
			"topic":     topic,
			"timestamp": time.Now().Unix(),
		},
	}

	if v, ok := message.(identified); ok && v.MessageID() != "" {
		id := v.MessageID()
		msg.MessageID = &id
	}

	return msg, nil
}

func (m *Messaging) Close() error {
	if m.sender != nil {
		if err := m.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if m.client != nil {
		return m.client.Close(context.Background())
	}

	return nil
}
