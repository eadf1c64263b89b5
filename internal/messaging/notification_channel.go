package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// NotifyFunc shows a local notification to the user.
type NotifyFunc func(ctx context.Context, text string) error

// NotificationChannel is the degraded path used when the network channel
// fails. It shows the alert locally so the user can forward it by hand.
type NotificationChannel struct {
	notify NotifyFunc
}

// NewNotificationChannel creates a channel that reports through notify.
func NewNotificationChannel(notify NotifyFunc) *NotificationChannel {
	return &NotificationChannel{notify: notify}
}

func (c *NotificationChannel) Name() string { return ChannelNotification }

func (c *NotificationChannel) Deliver(ctx context.Context, alert models.SOSAlert) (Result, error) {
	res := Result{Channel: ChannelNotification}
	if c.notify == nil {
		return res, fmt.Errorf("local notifications unavailable")
	}

	text := fmt.Sprintf("Alert could not be sent over the network. Please forward it to your %d contact(s): %s", len(alert.Contacts), alert.Message)
	if err := c.notify(ctx, text); err != nil {
		return res, fmt.Errorf("local notification: %w", err)
	}
	for _, ct := range alert.Contacts {
		slog.Info("NotificationChannel.Deliver: simulated delivery", "alertID", alert.ID, "to", models.MaskPhone(ct.Phone))
	}
	res.Sent = len(alert.Contacts)
	return res, nil
}

// NotificationTopicFormat is the device topic local notifications are published to.
const NotificationTopicFormat = "guardian/%s/notification"

// Publisher is the subset of mqtt.Client used to reach the device.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// LogNotify writes the notification to the log. Used when no device link is configured.
func LogNotify(ctx context.Context, text string) error {
	slog.Warn("LogNotify: local notification", "text", text)
	return nil
}

// MQTTNotify returns a NotifyFunc that shows the notification on the user's device.
func MQTTNotify(client Publisher, deviceID string) NotifyFunc {
	topic := fmt.Sprintf(NotificationTopicFormat, deviceID)
	return func(ctx context.Context, text string) error {
		payload, err := json.Marshal(map[string]string{"text": text})
		if err != nil {
			return err
		}
		token := client.Publish(topic, 1, false, payload)
		select {
		case <-token.Done():
			return token.Error()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
