package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakePublisher struct {
	topic   string
	qos     byte
	payload []byte
	token   *fakeToken
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.topic = topic
	p.qos = qos
	p.payload = payload.([]byte)
	return p.token
}

func TestNotifyPublishesJSON(t *testing.T) {
	pub := &fakePublisher{token: completedToken(nil)}
	n := newMQTTNotifier(pub, "faceid/identifications", zap.NewNop())

	event := Identification{RequestID: "req-1", Actor: "Zendaya", Confidence: 91.5, Accepted: true, MediaCount: 4}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if pub.topic != "faceid/identifications" || pub.qos != 1 {
		t.Fatalf("published to %q at qos %d", pub.topic, pub.qos)
	}

	var got Identification
	if err := json.Unmarshal(pub.payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.RequestID != "req-1" || got.Actor != "Zendaya" || !got.Accepted {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestNotifyReturnsBrokerError(t *testing.T) {
	pub := &fakePublisher{token: completedToken(errors.New("not connected"))}
	n := newMQTTNotifier(pub, "t", zap.NewNop())
	if err := n.Notify(context.Background(), Identification{RequestID: "r"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNotifyTimesOut(t *testing.T) {
	pub := &fakePublisher{token: &fakeToken{done: make(chan struct{})}}
	n := newMQTTNotifier(pub, "t", zap.NewNop())
	n.timeout = 10 * time.Millisecond

	if err := n.Notify(context.Background(), Identification{RequestID: "r"}); !errors.Is(err, ErrPublishTimeout) {
		t.Fatalf("expected ErrPublishTimeout, got %v", err)
	}
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	if err := n.Notify(context.Background(), Identification{}); err != nil {
		t.Fatalf("Nop.Notify: %v", err)
	}
}
