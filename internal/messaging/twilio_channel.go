package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// SMSSender sends a single text message.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) (string, error)
}

// TwilioOpts holds configuration options for the Twilio SMS client.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioOption defines a configuration option for the Twilio SMS client.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// TwilioClient wraps the Twilio REST API for SMS.
type TwilioClient struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioClient creates a client, falling back to TWILIO_* environment
// variables for anything not set through options.
func NewTwilioClient(opts ...TwilioOption) (*TwilioClient, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("NewTwilioClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioClient{client: client, from: cfg.FromNumber}, nil
}

// SendSMS sends body to the E.164 number to and returns the message SID.
func (c *TwilioClient) SendSMS(ctx context.Context, to, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("twilio create message: %w", err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	return sid, nil
}

// MockSMSClient records messages instead of sending them.
type MockSMSClient struct {
	mu     sync.Mutex
	Sent   []MockSMS
	FailTo map[string]error
}

// MockSMS is a message captured by MockSMSClient.
type MockSMS struct {
	To   string
	Body string
}

// NewMockSMSClient creates an empty MockSMSClient.
func NewMockSMSClient() *MockSMSClient {
	return &MockSMSClient{FailTo: make(map[string]error)}
}

func (m *MockSMSClient) SendSMS(ctx context.Context, to, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailTo[to]; err != nil {
		return "", err
	}
	m.Sent = append(m.Sent, MockSMS{To: to, Body: body})
	return fmt.Sprintf("SM%032d", len(m.Sent)), nil
}

// Messages returns a copy of the captured messages.
func (m *MockSMSClient) Messages() []MockSMS {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockSMS(nil), m.Sent...)
}

// TwilioChannel sends the alert to each contact as an individual SMS.
type TwilioChannel struct {
	sender SMSSender
}

// NewTwilioChannel creates a channel backed by sender.
func NewTwilioChannel(sender SMSSender) *TwilioChannel {
	return &TwilioChannel{sender: sender}
}

func (c *TwilioChannel) Name() string { return ChannelTwilio }

// Deliver sends to every contact and fails only when nobody was reached.
func (c *TwilioChannel) Deliver(ctx context.Context, alert models.SOSAlert) (Result, error) {
	res := Result{Channel: ChannelTwilio}
	if len(alert.Contacts) == 0 {
		return res, ErrNoRecipients
	}

	var lastErr error
	for _, ct := range alert.Contacts {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("twilio delivery interrupted: %w", err)
		}
		sid, err := c.sender.SendSMS(ctx, ct.Phone, alert.Message)
		if err != nil {
			res.Failed++
			lastErr = err
			slog.Warn("TwilioChannel.Deliver: send failed", "alertID", alert.ID, "to", models.MaskPhone(ct.Phone), "error", err)
			continue
		}
		res.Sent++
		slog.Debug("TwilioChannel.Deliver: message queued", "alertID", alert.ID, "to", models.MaskPhone(ct.Phone), "sid", sid)
	}

	if res.Sent == 0 {
		return res, fmt.Errorf("%w: %v", ErrAllRecipientsFailed, lastErr)
	}
	return res, nil
}
