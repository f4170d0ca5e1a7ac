package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gyrolink/pkg/engine"
	"gyrolink/pkg/protocol"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return newFakeToken(p.err)
}

func (p *fakePublisher) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func TestMessageForSentSample(t *testing.T) {
	m := NewMirror(Config{Topic: "imu/pose"}, nil, nil)
	topic, payload, retained, ok, err := m.Message(protocol.Event{
		Kind:   protocol.EventSampleSent,
		Sample: &protocol.OrientationSample{Pitch: 0.25, Quaternion: protocol.Quaternion{W: 1}},
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "imu/pose", topic)
	assert.False(t, retained)

	var got protocol.OrientationSample
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, 0.25, got.Pitch)
	assert.Equal(t, 1.0, got.Quaternion.W)
}

func TestMessageForNonFiniteSample(t *testing.T) {
	m := NewMirror(Config{Topic: "imu/pose"}, nil, nil)
	_, payload, _, ok, err := m.Message(protocol.Event{
		Kind:   protocol.EventSampleSent,
		Sample: &protocol.OrientationSample{Pitch: math.NaN(), Roll: 0.5, Quaternion: protocol.Quaternion{W: math.Inf(1)}},
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(payload), `"pitch":null`)
	assert.Contains(t, string(payload), `"w":null`)
	assert.Contains(t, string(payload), `"roll":0.5`)
}

func TestMessageForStatusIsRetained(t *testing.T) {
	m := NewMirror(Config{Topic: "imu/pose"}, nil, nil)
	topic, payload, retained, ok, err := m.Message(protocol.Event{
		Kind:      protocol.EventStatusChanged,
		State:     protocol.StateDisconnected,
		Reason:    "connection lost: EOF",
		SessionID: "abc",
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "imu/pose/status", topic)
	assert.True(t, retained)

	var got StatusPayload
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "disconnected", got.State)
	assert.Equal(t, "connection lost: EOF", got.Reason)
	assert.Equal(t, "abc", got.Session)
	assert.NotEmpty(t, got.TS)
}

func TestMessageIgnoresOtherKinds(t *testing.T) {
	m := NewMirror(DefaultConfig(), nil, nil)
	for _, ev := range []protocol.Event{
		{Kind: protocol.EventMessageReceived, Text: "ack"},
		{Kind: protocol.EventSampleSendFailed},
		{Kind: protocol.EventSampleSent},
	} {
		_, _, _, ok, err := m.Message(ev)
		assert.NoError(t, err)
		assert.False(t, ok, "kind %s", ev.Kind)
	}
}

func TestMirrorReportsPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	m := NewMirror(DefaultConfig(), pub, nil)
	err := m.Mirror(protocol.Event{Kind: protocol.EventStatusChanged, State: protocol.StateConnected})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestRunMirrorsFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := engine.NewHub()
	go hub.Run(ctx)

	pub := &fakePublisher{}
	m := NewMirror(DefaultConfig(), pub, nil)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, hub) }()

	require.Eventually(t, func() bool {
		hub.Publish(protocol.Event{Kind: protocol.EventStatusChanged, State: protocol.StateConnected})
		return len(pub.snapshot()) > 0
	}, time.Second, 20*time.Millisecond)

	hub.Publish(protocol.Event{Kind: protocol.EventMessageReceived, Text: "ignored"})
	hub.Publish(protocol.Event{Kind: protocol.EventSampleSent, Sample: &protocol.OrientationSample{}})
	require.Eventually(t, func() bool {
		for _, msg := range pub.snapshot() {
			if msg.topic == DefaultConfig().Topic {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("mirror did not stop")
	}
}

func TestConnectRequiresBroker(t *testing.T) {
	_, _, err := Connect(Config{})
	assert.Error(t, err)
}
