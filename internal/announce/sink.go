package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// SpeechTopicFormat is the device topic announcements are published to.
const SpeechTopicFormat = "guardian/%s/speech"

// LogSink renders announcements to the structured log.
type LogSink struct{}

func (LogSink) Render(ctx context.Context, text string, urgent bool) error {
	level := slog.LevelInfo
	if urgent {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "LogSink.Render: announcement", "text", text, "urgent", urgent)
	return nil
}

// Publisher is the subset of mqtt.Client used by MQTTSink.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type speechPayload struct {
	Text   string `json:"text"`
	Urgent bool   `json:"urgent"`
}

// MQTTSink publishes announcements to the user's device for text-to-speech.
// Render completes when the broker acknowledges the message.
type MQTTSink struct {
	client Publisher
	topic  string
}

// NewMQTTSink creates a sink for deviceID.
func NewMQTTSink(client Publisher, deviceID string) *MQTTSink {
	return &MQTTSink{client: client, topic: fmt.Sprintf(SpeechTopicFormat, deviceID)}
}

func (s *MQTTSink) Render(ctx context.Context, text string, urgent bool) error {
	body, err := json.Marshal(speechPayload{Text: text, Urgent: urgent})
	if err != nil {
		return fmt.Errorf("marshal speech payload: %w", err)
	}
	token := s.client.Publish(s.topic, 1, false, body)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish speech: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MultiSink renders to every sink in order and returns the first error.
type MultiSink []Sink

func (m MultiSink) Render(ctx context.Context, text string, urgent bool) error {
	var first error
	for _, s := range m {
		if err := s.Render(ctx, text, urgent); err != nil && first == nil {
			first = err
		}
	}
	return first
}
