package mqttsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/robot"
	"github.com/arloliu/go-robolink/sink"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 60 * time.Second
	// milliseconds granted to in-flight publishes on Close
	disconnectQuiesce = 1000
	maxQoS            = 2
)

var (
	// ErrConnectionFailed is returned when the broker cannot be reached.
	ErrConnectionFailed = errors.New("mqtt connection failed")
	// ErrPublishFailed wraps publish failures.
	ErrPublishFailed = errors.New("mqtt publish failed")
	// ErrInvalidQoS is returned for a QoS above 2.
	ErrInvalidQoS = errors.New("mqtt qos must be 0, 1 or 2")
)

// Config configures the MQTT sink.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// publisher is the part of pahomqtt.Client used by the sink.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Sink publishes events as JSON to <prefix>/<device id>/<kind>.
//
// Disconnected events are retained so that late subscribers see the last link loss of a device.
type Sink struct {
	client publisher
	prefix string
	qos    byte
	logger logger.Logger
}

var _ sink.Sink = (*Sink)(nil)

// Dial connects to the broker and returns the sink.
func Dial(ctx context.Context, cfg Config, l logger.Logger) (*Sink, error) {
	if cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	if l == nil {
		l = logger.GetLogger()
	}
	l = l.With("sink", "mqtt", "broker", cfg.Broker)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			l.Warn("mqtt connection lost", "error", err)
		}).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			l.Debug("mqtt connected")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return newSink(client, cfg, l), nil
}

func newSink(client publisher, cfg Config, l logger.Logger) *Sink {
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "robolink"
	}

	return &Sink{client: client, prefix: prefix, qos: cfg.QoS, logger: l}
}

func (s *Sink) Name() string { return "mqtt" }

// Topic returns the topic ev is published on.
func (s *Sink) Topic(ev robot.Event) string {
	return s.prefix + "/" + ev.DeviceID + "/" + ev.Kind.String()
}

func (s *Sink) Write(ctx context.Context, ev robot.Event) error {
	payload, err := json.Marshal(sink.NewRecord(ev))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	retained := ev.Kind == robot.EventDisconnected
	if err := wait(ctx, s.client.Publish(s.Topic(ev), s.qos, retained, payload)); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

func (s *Sink) Close() error {
	s.client.Disconnect(disconnectQuiesce)
	return nil
}

func wait(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
