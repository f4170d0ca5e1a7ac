package protocol

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultInterval matches the 5 Hz rate of the handheld client.
const DefaultInterval = 200 * time.Millisecond

var (
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrInvalidInterval = errors.New("streaming interval must be positive")
	ErrInvalidUTF8     = errors.New("inbound data is not valid utf-8")
)

// Endpoint is the remote TCP peer a session streams to.
type Endpoint struct {
	Host string `json:"host" toml:"host"`
	Port int    `json:"port" toml:"port"`
}

func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}
	if e.Port < 1 || e.Port > 0xFFFF {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, e.Port)
	}
	return nil
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Address()
}

// ParseEndpoint accepts "host:port".
func ParseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: port %q", ErrInvalidEndpoint, portStr)
	}
	ep := Endpoint{Host: host, Port: port}
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// Quaternion is a unit rotation quaternion.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// OrientationSample is one device attitude reading. Angles are radians.
type OrientationSample struct {
	Pitch      float64    `json:"pitch"`
	Roll       float64    `json:"roll"`
	Yaw        float64    `json:"yaw"`
	Quaternion Quaternion `json:"quaternion"`
	Timestamp  time.Time  `json:"ts"`
}

// Fields returns the sample values in wire order.
func (s OrientationSample) Fields() [7]float64 {
	q := s.Quaternion
	return [7]float64{s.Pitch, s.Roll, s.Yaw, q.X, q.Y, q.Z, q.W}
}

type StreamingConfig struct {
	Interval time.Duration
}

func DefaultStreamingConfig() StreamingConfig {
	return StreamingConfig{Interval: DefaultInterval}
}

func (c StreamingConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, c.Interval)
	}
	return nil
}

// ConnectionState is owned by the session; Streaming is a sub-state of Connected.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateStreaming
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// IsConnected reports whether the socket is open.
func (s ConnectionState) IsConnected() bool {
	return s == StateConnected || s == StateStreaming
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
