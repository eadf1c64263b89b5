package location

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// Topic layout used between the engine and the user's device.
const (
	LocationTopicFormat = "guardian/%s/location"
	CommandTopicFormat  = "guardian/%s/command"
	DefaultMQTTQoS      = 1
)

// MQTTClient is the subset of mqtt.Client used by the engine.
type MQTTClient interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// NewMQTTClient connects to broker and returns a ready client.
func NewMQTTClient(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	slog.Info("NewMQTTClient: connected", "broker", broker, "clientID", clientID)
	return client, nil
}

// deviceMessage is the JSON payload a device publishes on its location topic.
type deviceMessage struct {
	Latitude  float64      `json:"latitude"`
	Longitude float64      `json:"longitude"`
	Accuracy  float64      `json:"accuracy"`
	Speed     *float64     `json:"speed,omitempty"`
	Heading   *float64     `json:"heading,omitempty"`
	Timestamp int64        `json:"timestamp"` // unix milliseconds
	Error     *deviceError `json:"error,omitempty"`
}

type deviceError struct {
	Code    models.LocationErrorKind `json:"code"`
	Message string                   `json:"message"`
}

// deviceCommand is published to ask the device for fixes.
type deviceCommand struct {
	Command      string `json:"command"`
	HighAccuracy bool   `json:"highAccuracy"`
	TimeoutMs    int64  `json:"timeoutMs"`
	MaxAgeMs     int64  `json:"maxAgeMs"`
}

type fixResult struct {
	sample models.LocationSample
	err    *models.LocationError
}

type mqttWatcher struct {
	onFix FixFunc
	onErr ErrorFunc
}

// MQTTProvider receives position fixes published by the user's device.
type MQTTProvider struct {
	client   MQTTClient
	deviceID string
	qos      byte

	startMu sync.Mutex
	started bool

	mu        sync.Mutex
	nextID    uint64
	watchers  map[SubscriptionID]mqttWatcher
	waiters   map[uint64]chan fixResult
	watchOpts PositionOptions
	now       func() time.Time
}

// NewMQTTProvider creates a provider for deviceID on client.
func NewMQTTProvider(client MQTTClient, deviceID string) *MQTTProvider {
	return &MQTTProvider{
		client:   client,
		deviceID: deviceID,
		qos:      DefaultMQTTQoS,
		watchers: make(map[SubscriptionID]mqttWatcher),
		waiters:  make(map[uint64]chan fixResult),
		now:      time.Now,
	}
}

// Start subscribes to the device location topic.
func (p *MQTTProvider) Start() error {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.started {
		return nil
	}
	topic := fmt.Sprintf(LocationTopicFormat, p.deviceID)
	token := p.client.Subscribe(topic, p.qos, p.handleMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	p.started = true
	slog.Info("MQTTProvider.Start: subscribed to device location", "topic", topic)
	return nil
}

// Stop unsubscribes from the device location topic.
func (p *MQTTProvider) Stop() {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if !p.started {
		return
	}
	p.client.Unsubscribe(fmt.Sprintf(LocationTopicFormat, p.deviceID)).Wait()
	p.started = false
}

// RequestPosition asks the device for a single fix and waits for it.
func (p *MQTTProvider) RequestPosition(ctx context.Context, opts PositionOptions) (models.LocationSample, error) {
	if err := p.Start(); err != nil {
		return models.LocationSample{}, models.NewLocationError(models.LocationPositionUnavailable, "device channel unavailable", err)
	}

	ch := make(chan fixResult, 1)
	p.mu.Lock()
	p.nextID++
	waiterID := p.nextID
	p.waiters[waiterID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, waiterID)
		p.mu.Unlock()
	}()

	if err := p.publishCommand("locate", opts); err != nil {
		return models.LocationSample{}, models.NewLocationError(models.LocationPositionUnavailable, "failed to reach device", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestOptions.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case res := <-ch:
			if res.err != nil {
				return models.LocationSample{}, res.err
			}
			if opts.MaxAge > 0 && p.now().Sub(res.sample.Timestamp) > opts.MaxAge {
				slog.Debug("MQTTProvider.RequestPosition: ignoring old fix", "timestamp", res.sample.Timestamp, "maxAge", opts.MaxAge)
				continue
			}
			return res.sample, nil
		case <-timer.C:
			return models.LocationSample{}, models.NewLocationError(models.LocationTimeout, "device did not report a position in time", nil)
		case <-ctx.Done():
			return models.LocationSample{}, ctx.Err()
		}
	}
}

// WatchPosition registers callbacks for every fix the device publishes.
func (p *MQTTProvider) WatchPosition(onFix FixFunc, onErr ErrorFunc, opts PositionOptions) (SubscriptionID, error) {
	if err := p.Start(); err != nil {
		return "", models.NewLocationError(models.LocationPositionUnavailable, "device channel unavailable", err)
	}

	p.mu.Lock()
	p.nextID++
	id := SubscriptionID(fmt.Sprintf("mqtt_watch_%d", p.nextID))
	first := len(p.watchers) == 0
	p.watchers[id] = mqttWatcher{onFix: onFix, onErr: onErr}
	p.watchOpts = opts
	p.mu.Unlock()

	if first {
		if err := p.publishCommand("watch_start", opts); err != nil {
			slog.Warn("MQTTProvider.WatchPosition: failed to start device stream", "error", err)
		}
	}
	return id, nil
}

// Cancel removes a watch; the device stream is stopped with the last watcher.
func (p *MQTTProvider) Cancel(id SubscriptionID) {
	p.mu.Lock()
	if _, ok := p.watchers[id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.watchers, id)
	last := len(p.watchers) == 0
	opts := p.watchOpts
	p.mu.Unlock()

	if last {
		if err := p.publishCommand("watch_stop", opts); err != nil {
			slog.Warn("MQTTProvider.Cancel: failed to stop device stream", "error", err)
		}
	}
}

func (p *MQTTProvider) publishCommand(command string, opts PositionOptions) error {
	body, err := json.Marshal(deviceCommand{
		Command:      command,
		HighAccuracy: opts.HighAccuracy,
		TimeoutMs:    opts.Timeout.Milliseconds(),
		MaxAgeMs:     opts.MaxAge.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	token := p.client.Publish(fmt.Sprintf(CommandTopicFormat, p.deviceID), p.qos, false, body)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timed out", command)
	}
	return token.Error()
}

func (p *MQTTProvider) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var raw deviceMessage
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		slog.Warn("MQTTProvider.handleMessage: invalid device payload", "topic", msg.Topic(), "error", err)
		return
	}

	var res fixResult
	if raw.Error != nil {
		kind := raw.Error.Code
		switch kind {
		case models.LocationPermissionDenied, models.LocationPositionUnavailable, models.LocationTimeout, models.LocationNotSupported:
		default:
			kind = models.LocationPositionUnavailable
		}
		res.err = models.NewLocationError(kind, raw.Error.Message, nil)
	} else {
		if !models.ValidCoordinates(raw.Latitude, raw.Longitude) {
			slog.Warn("MQTTProvider.handleMessage: coordinates out of range", "lat", raw.Latitude, "lon", raw.Longitude)
			return
		}
		ts := p.now()
		if raw.Timestamp > 0 {
			ts = time.UnixMilli(raw.Timestamp)
		}
		res.sample = models.LocationSample{
			Latitude:  raw.Latitude,
			Longitude: raw.Longitude,
			Accuracy:  raw.Accuracy,
			Speed:     raw.Speed,
			Heading:   raw.Heading,
			Timestamp: ts,
		}
	}

	p.mu.Lock()
	waiters := make([]chan fixResult, 0, len(p.waiters))
	for _, ch := range p.waiters {
		waiters = append(waiters, ch)
	}
	watchers := make([]mqttWatcher, 0, len(p.watchers))
	for _, w := range p.watchers {
		watchers = append(watchers, w)
	}
	p.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- res:
		default:
		}
	}
	for _, w := range watchers {
		if res.err != nil {
			if w.onErr != nil {
				w.onErr(res.err)
			}
			continue
		}
		if w.onFix != nil {
			w.onFix(res.sample)
		}
	}
}
