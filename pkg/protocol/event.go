package protocol

import "time"

type EventKind int

const (
	EventStatusChanged EventKind = iota + 1
	EventMessageReceived
	EventSampleSent
	EventSampleSendFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStatusChanged:
		return "status"
	case EventMessageReceived:
		return "message"
	case EventSampleSent:
		return "sample_sent"
	case EventSampleSendFailed:
		return "sample_send_failed"
	default:
		return "unknown"
	}
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is the normalized record flowing through the session feed.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind          `json:"kind"`
	Timestamp time.Time          `json:"ts"`
	SessionID string             `json:"session_id,omitempty"`
	State     ConnectionState    `json:"state"`
	Reason    string             `json:"reason,omitempty"`
	Text      string             `json:"text,omitempty"`
	Sample    *OrientationSample `json:"sample,omitempty"`
	Err       error              `json:"-"`
}

// ErrorText returns the event error message, or "" if none.
func (e Event) ErrorText() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// HistoryLine renders ev as a human-readable scrollback line. Events with
// no history representation report false.
func (e Event) HistoryLine() (string, bool) {
	switch e.Kind {
	case EventStatusChanged:
		switch e.State {
		case StateConnected:
			return "Connected!", true
		case StateDisconnected:
			if e.Err != nil {
				return "Failed: " + e.Reason, true
			}
			return "Disconnected!", true
		}
	case EventMessageReceived:
		return "Server: " + e.Text, true
	case EventSampleSendFailed:
		return "Failed to send with " + e.ErrorText(), true
	}
	return "", false
}
