// Package metrics holds the Prometheus collectors for a streaming session.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"gyrolink/pkg/protocol"
)

const namespace = "gyrolink"

// Connect attempt results.
const (
	ResultOK          = "ok"
	ResultTimeout     = "timeout"
	ResultRefused     = "refused"
	ResultUnreachable = "unreachable"
	ResultOther       = "other"
)

type Collectors struct {
	SamplesSent      prometheus.Counter
	SendFailures     prometheus.Counter
	SamplesSkipped   prometheus.Counter
	MessagesReceived prometheus.Counter
	DecodeErrors     prometheus.Counter
	ConnectAttempts  *prometheus.CounterVec
	State            prometheus.Gauge
}

// New creates the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		SamplesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "samples_sent_total",
			Help:      "Orientation samples written to the connection.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "send_failures_total",
			Help:      "Sampling ticks whose send failed.",
		}),
		SamplesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "samples_skipped_total",
			Help:      "Sampling ticks skipped because the sensor had no fresh data.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "messages_total",
			Help:      "Inbound text chunks delivered to the event feed.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "decode_errors_total",
			Help:      "Inbound chunks dropped because they were not valid UTF-8.",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connect_attempts_total",
			Help:      "Connect attempts by result.",
		}, []string{"result"}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=streaming).",
		}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{
		c.SamplesSent, c.SendFailures, c.SamplesSkipped,
		c.MessagesReceived, c.DecodeErrors, c.ConnectAttempts, c.State,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return c, nil
}

func (c *Collectors) SetState(s protocol.ConnectionState) {
	if c == nil {
		return
	}
	c.State.Set(float64(s))
}

func (c *Collectors) ObserveConnect(result string) {
	if c == nil {
		return
	}
	c.ConnectAttempts.WithLabelValues(result).Inc()
}

func (c *Collectors) ObserveSent() {
	if c == nil {
		return
	}
	c.SamplesSent.Inc()
}

func (c *Collectors) ObserveSendFailure() {
	if c == nil {
		return
	}
	c.SendFailures.Inc()
}

func (c *Collectors) ObserveSkipped() {
	if c == nil {
		return
	}
	c.SamplesSkipped.Inc()
}

func (c *Collectors) ObserveMessage() {
	if c == nil {
		return
	}
	c.MessagesReceived.Inc()
}

func (c *Collectors) ObserveDecodeError() {
	if c == nil {
		return
	}
	c.DecodeErrors.Inc()
}
