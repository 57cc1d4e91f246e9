package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Producer is satisfied by client.KafkaProducer.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaTransport hands codes to a downstream notification service.
type KafkaTransport struct {
	producer Producer
	topic    string
}

func NewKafkaTransport(producer Producer, topic string) *KafkaTransport {
	return &KafkaTransport{producer: producer, topic: topic}
}

func (t *KafkaTransport) Name() string { return "kafka" }

type codeNotification struct {
	Channel     string    `json:"channel"`
	Destination string    `json:"destination"`
	Code        string    `json:"code"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (t *KafkaTransport) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(codeNotification{
		Channel:     string(msg.Channel),
		Destination: msg.Destination,
		Code:        msg.Code,
		ExpiresAt:   time.Now().UTC().Add(msg.TTL),
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	headers := map[string]string{"channel": string(msg.Channel)}
	if err := t.producer.ProduceMessage(ctx, t.topic, []byte(msg.Destination), payload, headers); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
