package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// DefaultHTTPTimeout caps a single backend request. Callers usually pass a
// tighter deadline through ctx.
const DefaultHTTPTimeout = 10 * time.Second

// SendPath is the backend endpoint alerts are posted to.
const SendPath = "/api/sms/send"

type smsLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

type smsContact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type smsRequest struct {
	Type     models.AlertType `json:"type"`
	Location smsLocation      `json:"location"`
	Message  string           `json:"message"`
	Contacts []smsContact     `json:"contacts"`
}

type smsResponse struct {
	Success     bool   `json:"success"`
	TotalSent   int    `json:"totalSent"`
	TotalFailed int    `json:"totalFailed"`
	Error       string `json:"error,omitempty"`
}

// HTTPChannel posts alerts to the messaging backend.
type HTTPChannel struct {
	client *resty.Client
}

// NewHTTPChannel creates a channel for the backend at baseURL.
func NewHTTPChannel(baseURL string) *HTTPChannel {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(DefaultHTTPTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPChannel{client: client}
}

func (c *HTTPChannel) Name() string { return ChannelHTTP }

// Deliver posts the alert and maps the backend's accounting into a Result.
func (c *HTTPChannel) Deliver(ctx context.Context, alert models.SOSAlert) (Result, error) {
	res := Result{Channel: ChannelHTTP}
	if len(alert.Contacts) == 0 {
		return res, ErrNoRecipients
	}

	req := smsRequest{
		Type:    alert.Type,
		Message: alert.Message,
		Location: smsLocation{
			Latitude:  alert.Location.Latitude,
			Longitude: alert.Location.Longitude,
			Address:   alert.Location.Address,
		},
	}
	for _, ct := range alert.Contacts {
		req.Contacts = append(req.Contacts, smsContact{Name: ct.Name, Phone: ct.Phone})
	}

	var out smsResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post(SendPath)
	if err != nil {
		slog.Warn("HTTPChannel.Deliver: backend request failed", "alertID", alert.ID, "error", err)
		return res, fmt.Errorf("post %s: %w", SendPath, err)
	}
	if !resp.IsSuccess() {
		slog.Warn("HTTPChannel.Deliver: backend returned error status", "alertID", alert.ID, "status", resp.StatusCode(), "error", out.Error)
		return res, fmt.Errorf("post %s: unexpected status %d", SendPath, resp.StatusCode())
	}
	if !out.Success {
		return res, fmt.Errorf("%w: %s", ErrBackendRejected, out.Error)
	}

	res.Sent = out.TotalSent
	res.Failed = out.TotalFailed
	res.Delivered = out.TotalFailed == 0 && out.TotalSent == len(alert.Contacts)
	slog.Info("HTTPChannel.Deliver: alert accepted", "alertID", alert.ID, "type", alert.Type, "sent", res.Sent, "failed", res.Failed)
	return res, nil
}
