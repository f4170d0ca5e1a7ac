package foxglove

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"gyrolink/pkg/logger"
	"gyrolink/pkg/protocol"
)

func sentEvent(ts time.Time) protocol.Event {
	return protocol.Event{
		Kind:      protocol.EventSampleSent,
		Timestamp: ts,
		Sample: &protocol.OrientationSample{
			Yaw:        1.57,
			Quaternion: protocol.Quaternion{X: 0, Y: 0, Z: 0.7071, W: 0.7071},
		},
	}
}

func TestMarkerFromSentSample(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil)
	ts := time.Unix(10, 123)

	marker, ok := srv.markerFromEvent(sentEvent(ts), ts)
	if !ok {
		t.Fatalf("expected marker to be created")
	}
	if marker.Header.FrameID != srv.cfg.FrameID {
		t.Fatalf("unexpected frame id: %s", marker.Header.FrameID)
	}
	if marker.Type != markerTypeCube || marker.Action != markerActionAdd {
		t.Fatalf("unexpected marker mode: type=%d action=%d", marker.Type, marker.Action)
	}
	if marker.Pose.Orientation.Z != 0.7071 || marker.Pose.Orientation.W != 0.7071 {
		t.Fatalf("unexpected marker orientation: %+v", marker.Pose.Orientation)
	}
	if marker.Header.Stamp.Sec != 10 || marker.Header.Stamp.Nsec != 123 {
		t.Fatalf("unexpected stamp: %+v", marker.Header.Stamp)
	}
}

func TestTransformFromSentSample(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil)
	ts := time.Unix(42, 99)

	tf, ok := srv.transformFromEvent(sentEvent(ts), ts)
	if !ok {
		t.Fatalf("expected transform message")
	}
	if len(tf.Transforms) != 1 {
		t.Fatalf("expected one transform, got %d", len(tf.Transforms))
	}
	tr := tf.Transforms[0]
	if tr.ParentFrameID != srv.cfg.ParentFrameID || tr.ChildFrameID != srv.cfg.FrameID {
		t.Fatalf("unexpected frame chain: %+v", tr)
	}
	if tr.Rotation.Z != 0.7071 || tr.Rotation.W != 0.7071 {
		t.Fatalf("unexpected transform rotation: %+v", tr.Rotation)
	}
	if tr.Timestamp.Sec != 42 || tr.Timestamp.Nsec != 99 {
		t.Fatalf("unexpected timestamp: %+v", tr.Timestamp)
	}
}

func TestNoPoseForFailedSend(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil)
	ts := time.Now()
	ev := sentEvent(ts)
	ev.Kind = protocol.EventSampleSendFailed

	if _, ok := srv.markerFromEvent(ev, ts); ok {
		t.Fatalf("failed send should not produce a marker")
	}
	if _, ok := srv.transformFromEvent(ev, ts); ok {
		t.Fatalf("failed send should not produce a transform")
	}
}

func TestLogFromEventLevels(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil)
	ts := time.Now()

	cases := []struct {
		ev    protocol.Event
		level uint8
		msg   string
	}{
		{protocol.Event{Kind: protocol.EventStatusChanged, State: protocol.StateConnected}, LogLevelInfo, "Connected!"},
		{protocol.Event{Kind: protocol.EventMessageReceived, Text: "ack"}, LogLevelInfo, "Server: ack"},
		{protocol.Event{Kind: protocol.EventSampleSendFailed, Err: errors.New("broken pipe")}, LogLevelWarning, "Failed to send with broken pipe"},
		{
			protocol.Event{Kind: protocol.EventStatusChanged, State: protocol.StateDisconnected, Reason: "refused", Err: errors.New("refused")},
			LogLevelError,
			"Failed: refused",
		},
	}
	for _, tc := range cases {
		msg, ok := srv.logFromEvent(tc.ev, ts)
		if !ok {
			t.Fatalf("expected log message for %+v", tc.ev)
		}
		if msg.Level != tc.level || msg.Message != tc.msg {
			t.Fatalf("unexpected log: %+v", msg)
		}
		if msg.Name != srv.cfg.LogName {
			t.Fatalf("unexpected log name: %s", msg.Name)
		}
	}

	if _, ok := srv.logFromEvent(sentEvent(ts), ts); ok {
		t.Fatalf("sent samples should not be logged")
	}
}

func TestAdvertiseChannels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TransformTopic = ""
	srv := NewServer(cfg, nil)
	msg := srv.advertise()
	if len(msg.Channels) != 4 {
		t.Fatalf("expected 4 channels, got %d", len(msg.Channels))
	}
	if msg.Channels[2].ID != TransformChannelID || msg.Channels[2].Topic != "/tf" {
		t.Fatalf("unexpected transform channel: %+v", msg.Channels[2])
	}
	if msg.Channels[3].SchemaName != "foxglove.Log" {
		t.Fatalf("unexpected log schema: %s", msg.Channels[3].SchemaName)
	}
}

func TestNonFiniteSampleKeepsEventSkipsPose(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil)
	ts := time.Unix(5, 0)
	ev := sentEvent(ts)
	ev.Sample.Pitch = math.NaN()
	ev.Sample.Quaternion.X = math.Inf(1)

	if _, ok := srv.markerFromEvent(ev, ts); ok {
		t.Fatalf("marker built from a non-finite quaternion")
	}
	if _, ok := srv.transformFromEvent(ev, ts); ok {
		t.Fatalf("transform built from a non-finite quaternion")
	}
	if _, err := json.Marshal(logger.NewRecord(ev)); err != nil {
		t.Fatalf("event record not encodable: %v", err)
	}
}
