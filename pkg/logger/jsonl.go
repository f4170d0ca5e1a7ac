package logger

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"gyrolink/pkg/protocol"
)

// JSONLWriter records the session event feed, one JSON object per line.
type JSONLWriter struct {
	enc *json.Encoder
}

// Record is the JSON shape of one event.
type Record struct {
	TS      string                      `json:"ts"`
	Kind    string                      `json:"kind"`
	Session string                      `json:"session,omitempty"`
	State   string                      `json:"state,omitempty"`
	Reason  string                      `json:"reason,omitempty"`
	Text    string                      `json:"text,omitempty"`
	Sample  *protocol.OrientationSample `json:"sample,omitempty"`
	Error   string                      `json:"error,omitempty"`
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{enc: enc}
}

func (j *JSONLWriter) Consume(ctx context.Context, in <-chan protocol.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			_ = j.Write(ev)
		}
	}
}

func (j *JSONLWriter) Write(ev protocol.Event) error {
	return j.enc.Encode(NewRecord(ev))
}

func NewRecord(ev protocol.Event) Record {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := Record{
		TS:      ts.UTC().Format(time.RFC3339Nano),
		Kind:    ev.Kind.String(),
		Session: ev.SessionID,
		Reason:  ev.Reason,
		Text:    ev.Text,
		Sample:  ev.Sample,
		Error:   ev.ErrorText(),
	}
	if ev.Kind == protocol.EventStatusChanged {
		rec.State = ev.State.String()
	}
	return rec
}
