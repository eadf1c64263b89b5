package announce

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type doneToken struct {
	done chan struct{}
	err  error
}

func (t *doneToken) Wait() bool                     { <-t.done; return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type fakePublisher struct {
	topic   string
	payload []byte
	token   *doneToken
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.topic = topic
	p.payload = payload.([]byte)
	return p.token
}

func TestMQTTSinkRender(t *testing.T) {
	done := make(chan struct{})
	close(done)
	pub := &fakePublisher{token: &doneToken{done: done}}
	sink := NewMQTTSink(pub, "phone-1")

	if err := sink.Render(context.Background(), "You have entered a high risk area", true); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if pub.topic != "guardian/phone-1/speech" {
		t.Errorf("topic = %q", pub.topic)
	}
	var body speechPayload
	if err := json.Unmarshal(pub.payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !body.Urgent || body.Text == "" {
		t.Errorf("unexpected payload %+v", body)
	}
}

func TestMQTTSinkRenderErrors(t *testing.T) {
	done := make(chan struct{})
	close(done)
	sink := NewMQTTSink(&fakePublisher{token: &doneToken{done: done, err: errors.New("not connected")}}, "phone-1")
	if err := sink.Render(context.Background(), "hello", false); err == nil {
		t.Error("expected publish error")
	}

	sink = NewMQTTSink(&fakePublisher{token: &doneToken{done: make(chan struct{})}}, "phone-1")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := sink.Render(ctx, "hello", false); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestMultiSink(t *testing.T) {
	a, b := newRecordingSink(), newRecordingSink()
	b.fail["x"] = true
	err := MultiSink{a, LogSink{}, b}.Render(context.Background(), "x", false)
	if err == nil {
		t.Error("expected error from failing sink")
	}
	if got := a.done(); len(got) != 1 {
		t.Errorf("first sink should still render, got %v", got)
	}
}
