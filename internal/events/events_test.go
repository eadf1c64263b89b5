package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/BTreeMap/GuardianPipe/internal/models"
)

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a, cancelA := bus.Subscribe()
	b, cancelB := bus.Subscribe()
	defer cancelA()
	defer cancelB()

	bus.Emit(models.NewCircleStatusEvent(true, time.Now()))

	for i, ch := range []<-chan models.Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Type != models.EventCircleStatusChanged {
				t.Errorf("subscriber %d got %s", i, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestBus_DropsForFullSubscriber(t *testing.T) {
	bus := NewBus()
	bus.timeout = 5 * time.Millisecond
	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < DefaultSubscriberBuffer+3; i++ {
		bus.Emit(models.NewCircleStatusEvent(true, time.Now()))
	}
	if len(ch) != DefaultSubscriberBuffer {
		t.Errorf("expected buffer to be full at %d, got %d", DefaultSubscriberBuffer, len(ch))
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	bus.Emit(models.NewCircleStatusEvent(false, time.Now()))
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()
	bus.Close()
	ch, _ := bus.Subscribe()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after Close")
	}
}

func TestBus_OpenAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()
	bus.Open()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()
	bus.Emit(models.NewCircleStatusEvent(true, time.Now()))

	select {
	case ev, ok := <-ch:
		if !ok || ev.Type != models.EventCircleStatusChanged {
			t.Errorf("unexpected event %+v ok=%v", ev, ok)
		}
	case <-time.After(time.Second):
		t.Fatal("reopened bus did not deliver")
	}
}

func TestMulti_SkipsNil(t *testing.T) {
	var got []models.EventType
	m := Multi{nil, EmitterFunc(func(e models.Event) { got = append(got, e.Type) }), Discard}
	m.Emit(models.NewZoneEnteredEvent(models.DangerZone{ID: "z"}, time.Now()))
	if len(got) != 1 || got[0] != models.EventZoneEntered {
		t.Errorf("unexpected events %v", got)
	}
}

type fakeAMQPChannel struct {
	mu         sync.Mutex
	declared   string
	declareErr error
	publishErr error
	published  []amqp.Publishing
	keys       []string
	closed     bool
}

func (f *fakeAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.declared = name + ":" + kind
	return f.declareErr
}

func (f *fakeAMQPChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.keys = append(f.keys, exchange+"/"+key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeAMQPChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPPublisher_RoutesByEventType(t *testing.T) {
	ch := &fakeAMQPChannel{}
	p, err := newAMQPPublisherWithChannel(ch, DefaultExchange)
	if err != nil {
		t.Fatalf("newAMQPPublisherWithChannel failed: %v", err)
	}
	if ch.declared != DefaultExchange+":topic" {
		t.Errorf("unexpected exchange declaration %q", ch.declared)
	}

	le := models.NewLocationError(models.LocationTimeout, "timed out", nil)
	p.Emit(models.NewLocationErrorEvent(le, time.Now()))

	if len(ch.keys) != 1 || ch.keys[0] != DefaultExchange+"/locationError" {
		t.Fatalf("unexpected routing %v", ch.keys)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(ch.published[0].Body, &decoded); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	payload := decoded["payload"].(map[string]interface{})
	if payload["retryable"] != true {
		t.Errorf("expected retryable payload, got %v", payload)
	}

	if err := p.Close(); err != nil || !ch.closed {
		t.Errorf("Close err=%v closed=%v", err, ch.closed)
	}
}

func TestAMQPPublisher_PublishErrorIsSwallowed(t *testing.T) {
	ch := &fakeAMQPChannel{publishErr: errors.New("channel closed")}
	p, err := newAMQPPublisherWithChannel(ch, DefaultExchange)
	if err != nil {
		t.Fatalf("newAMQPPublisherWithChannel failed: %v", err)
	}
	p.Emit(models.NewCircleStatusEvent(true, time.Now()))
}

func TestAMQPPublisher_DeclareFailure(t *testing.T) {
	ch := &fakeAMQPChannel{declareErr: errors.New("access refused")}
	if _, err := newAMQPPublisherWithChannel(ch, DefaultExchange); err == nil {
		t.Fatal("expected declare error")
	}
	if !ch.closed {
		t.Error("expected channel to be closed on failure")
	}
}
