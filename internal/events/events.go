// Package events publishes identification outcomes to an MQTT broker.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/faceid/internal/logging"
)

// ErrPublishTimeout is returned when the broker does not acknowledge in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// Identification is the event emitted after each request.
type Identification struct {
	RequestID  string    `json:"request_id"`
	Actor      string    `json:"actor"`
	Confidence float64   `json:"confidence"`
	Accepted   bool      `json:"accepted"`
	MediaCount int       `json:"media_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Notifier delivers identification events.
type Notifier interface {
	Notify(ctx context.Context, event Identification) error
}

// Nop drops every event.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Identification) error { return nil }

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTNotifier publishes events as JSON on a single topic.
type MQTTNotifier struct {
	client  publisher
	topic   string
	timeout time.Duration
	logger  *zap.Logger
}

// ConnectMQTT connects to broker with a random client id.
func ConnectMQTT(broker, topic string, logger *zap.Logger) (*MQTTNotifier, func(), error) {
	clientID := "faceid-" + uuid.NewString()
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		wrapped := logging.NewOperationError("events.connect", "", token.Error())
		logger.Error("failed to connect to mqtt broker", zap.Error(wrapped), zap.String("broker", broker))
		return nil, nil, wrapped
	}
	logger.Info("connected to mqtt broker", zap.String("broker", broker), zap.String("client_id", clientID))

	disconnect := func() { client.Disconnect(250) }
	return newMQTTNotifier(client, topic, logger), disconnect, nil
}

func newMQTTNotifier(client publisher, topic string, logger *zap.Logger) *MQTTNotifier {
	return &MQTTNotifier{client: client, topic: topic, timeout: 5 * time.Second, logger: logger.Named("events")}
}

// Notify publishes event at QoS 1 and waits for the acknowledgement.
func (n *MQTTNotifier) Notify(ctx context.Context, event Identification) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return logging.NewOperationError("events.marshal", event.RequestID, err)
	}

	token := n.client.Publish(n.topic, 1, false, payload)
	timer := time.NewTimer(n.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return logging.NewOperationError("events.publish", event.RequestID, ctx.Err())
	case <-timer.C:
		return logging.NewOperationError("events.publish", event.RequestID, ErrPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return logging.NewOperationError("events.publish", event.RequestID, err)
	}
	n.logger.Debug("identification event published", zap.String("request_id", event.RequestID), zap.String("topic", n.topic))
	return nil
}
