// Package messaging provides the delivery channels alerts are sent through.
//
// Channels are tried by the dispatcher in order: a network channel (the SMS
// backend or Twilio directly) and then a degraded local notification.
package messaging

import (
	"context"
	"errors"

	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// Channel names reported on alerts and metrics.
const (
	ChannelHTTP         = "sms_backend"
	ChannelTwilio       = "twilio_sms"
	ChannelNotification = "local_notification"
)

var (
	// ErrNoRecipients is returned when a channel is given no contacts.
	ErrNoRecipients = errors.New("no recipients")
	// ErrAllRecipientsFailed is returned when no contact could be reached.
	ErrAllRecipientsFailed = errors.New("delivery failed for every recipient")
	// ErrBackendRejected is returned when the SMS backend answers but refuses the alert.
	ErrBackendRejected = errors.New("sms backend rejected alert")
)

// Result summarises a delivery attempt.
type Result struct {
	Channel   string `json:"channel"`
	Sent      int    `json:"totalSent"`
	Failed    int    `json:"totalFailed"`
	Delivered bool   `json:"delivered"`
}

// Channel delivers a formatted alert to its contacts.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, alert models.SOSAlert) (Result, error)
}
