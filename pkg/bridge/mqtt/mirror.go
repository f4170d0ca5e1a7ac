// Package mqtt mirrors the session event feed onto an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"gyrolink/pkg/protocol"
)

type Config struct {
	Broker   string
	ClientID string
	// Topic receives sent samples; status changes go to Topic + "/status".
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       "gyrolink",
		Topic:          "gyrolink/orientation",
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: time.Second,
	}
}

// Publisher is the part of a paho client the mirror needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type Feed interface {
	Subscribe() chan protocol.Event
	Unsubscribe(ch chan protocol.Event)
}

type Mirror struct {
	cfg Config
	pub Publisher
	log *zap.Logger
}

// StatusPayload is the retained message on the status topic.
type StatusPayload struct {
	State   string `json:"state"`
	Reason  string `json:"reason,omitempty"`
	Session string `json:"session,omitempty"`
	TS      string `json:"ts"`
}

func NewMirror(cfg Config, pub Publisher, log *zap.Logger) *Mirror {
	def := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{cfg: cfg, pub: pub, log: log}
}

// Connect opens a paho client to cfg.Broker. The returned func disconnects it.
func Connect(cfg Config) (paho.Client, func(), error) {
	def := DefaultConfig()
	if cfg.Broker == "" {
		return nil, nil, errors.New("mqtt broker address is empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = def.ClientID
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, nil, fmt.Errorf("mqtt connect %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return client, func() { client.Disconnect(250) }, nil
}

// Run mirrors events from feed until ctx ends or the feed closes.
func (m *Mirror) Run(ctx context.Context, feed Feed) error {
	sub := feed.Subscribe()
	defer feed.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if err := m.Mirror(ev); err != nil {
				m.log.Warn("mqtt publish failed", zap.Error(err))
			}
		}
	}
}

// Mirror publishes a single event. Events without an MQTT form are ignored.
func (m *Mirror) Mirror(ev protocol.Event) error {
	topic, payload, retained, ok, err := m.Message(ev)
	if err != nil || !ok {
		return err
	}
	token := m.pub.Publish(topic, m.cfg.QoS, retained, payload)
	if !token.WaitTimeout(m.cfg.PublishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Message renders ev as an MQTT message.
func (m *Mirror) Message(ev protocol.Event) (topic string, payload []byte, retained bool, ok bool, err error) {
	switch ev.Kind {
	case protocol.EventSampleSent:
		if ev.Sample == nil {
			return "", nil, false, false, nil
		}
		payload, err = json.Marshal(ev.Sample)
		if err != nil {
			return "", nil, false, false, fmt.Errorf("marshal sample: %w", err)
		}
		return m.cfg.Topic, payload, false, true, nil
	case protocol.EventStatusChanged:
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		payload, err = json.Marshal(StatusPayload{
			State:   ev.State.String(),
			Reason:  ev.Reason,
			Session: ev.SessionID,
			TS:      ts.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return "", nil, false, false, fmt.Errorf("marshal status: %w", err)
		}
		return m.cfg.Topic + "/status", payload, true, true, nil
	default:
		return "", nil, false, false, nil
	}
}
