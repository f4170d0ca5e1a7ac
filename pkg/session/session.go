// Package session composes a TCP connection, an inbound receiver and a
// sampling scheduler into the connect/stream/disconnect state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gyrolink/pkg/engine"
	"gyrolink/pkg/metrics"
	"gyrolink/pkg/protocol"
	"gyrolink/pkg/scheduler"
	"gyrolink/pkg/sensor"
	"gyrolink/pkg/transport"
)

var (
	ErrAlreadyConnected = errors.New("session already connected")
	ErrNotConnected     = errors.New("session not connected")
	ErrConnectAborted   = errors.New("connect aborted")
	ErrClosed           = errors.New("session closed")
)

const (
	ReasonDisconnected = "disconnected"
	ReasonClosed       = "session closed"
)

// stopGrace is how long StopStreaming lets an in-flight send finish before
// interrupting it.
const stopGrace = 100 * time.Millisecond

type Config struct {
	ConnectTimeout time.Duration
	PollTimeout    time.Duration
	SendTimeout    time.Duration
	ChunkSize      int
	// MaxSendFailures consecutive failed sends tear the connection down.
	// Zero keeps streaming regardless.
	MaxSendFailures int
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  transport.DefaultDialTimeout,
		PollTimeout:     transport.DefaultPollTimeout,
		SendTimeout:     2 * time.Second,
		ChunkSize:       transport.DefaultChunkSize,
		MaxSendFailures: 5,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.SendTimeout < 0 {
		c.SendTimeout = 0
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.MaxSendFailures < 0 {
		c.MaxSendFailures = 0
	}
	return c
}

// stream is the part of *transport.Conn the session drives.
type stream interface {
	transport.Source
	Send(b []byte) error
	Interrupt()
	Close() error
}

type dialFunc func(ctx context.Context, ep protocol.Endpoint) (stream, error)

// link is everything that lives for exactly one established connection.
type link struct {
	gen      uint64
	id       string
	endpoint protocol.Endpoint
	conn     stream
	recv     *transport.Receiver
	sched    *scheduler.Scheduler
	failures atomic.Int64
	// halting is set while StopStreaming interrupts a blocked send.
	halting atomic.Bool
}

type Session struct {
	source  sensor.Source
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Collectors
	dial    dialFunc

	hub       *engine.Hub
	hubCancel context.CancelFunc

	// state mirrors the value below for lock-free reads; written only with mu held.
	stateView atomic.Int32

	mu         sync.Mutex
	state      protocol.ConnectionState
	gen        uint64
	pendingID  string
	dialCancel context.CancelFunc
	cur        *link
	streaming  protocol.StreamingConfig
	closed     bool
}

type Option func(*Session)

func WithConfig(cfg Config) Option {
	return func(s *Session) {
		s.cfg = cfg.normalized()
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// New returns a disconnected session sampling from source. The event feed
// runs until Close.
func New(source sensor.Source, opts ...Option) *Session {
	s := &Session{
		source: source,
		cfg:    DefaultConfig(),
		log:    zap.NewNop(),
		state:  protocol.StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dial == nil {
		s.dial = s.dialTCP
	}
	s.stateView.Store(int32(s.state))
	s.metrics.SetState(s.state)

	ctx, cancel := context.WithCancel(context.Background())
	s.hub = engine.NewHub()
	s.hubCancel = cancel
	go s.hub.Run(ctx)
	return s
}

func (s *Session) dialTCP(ctx context.Context, ep protocol.Endpoint) (stream, error) {
	conn, err := transport.Dial(ctx, ep, s.cfg.ConnectTimeout, transport.WithWriteTimeout(s.cfg.SendTimeout))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Session) State() protocol.ConnectionState {
	return protocol.ConnectionState(s.stateView.Load())
}

// ID returns the identifier of the current connection, or "" when
// disconnected.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.id
}

func (s *Session) Endpoint() (protocol.Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return protocol.Endpoint{}, false
	}
	return s.cur.endpoint, true
}

func (s *Session) Config() Config {
	return s.cfg
}

func (s *Session) Subscribe() chan protocol.Event {
	return s.hub.Subscribe()
}

func (s *Session) SubscribeWithBuffer(size int) chan protocol.Event {
	return s.hub.SubscribeWithBuffer(size)
}

func (s *Session) Unsubscribe(ch chan protocol.Event) {
	s.hub.Unsubscribe(ch)
}

// Connect dials ep and, on success, starts the receiver. Failures are
// returned and published as a status change back to Disconnected; they are
// never retried here.
func (s *Session) Connect(ctx context.Context, ep protocol.Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != protocol.StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (%s)", ErrAlreadyConnected, state)
	}
	s.gen++
	gen := s.gen
	id := uuid.NewString()
	dialCtx, cancel := context.WithCancel(ctx)
	s.dialCancel = cancel
	s.pendingID = id
	s.setStateLocked(protocol.StateConnecting, "", nil, id)
	s.mu.Unlock()

	log := s.log.With(zap.String("session", id), zap.String("addr", ep.Address()))
	log.Info("connecting")

	conn, err := s.dial(dialCtx, ep)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialCancel = nil
	s.pendingID = ""

	if gen != s.gen {
		// Disconnect or Close ran while dialing and already published the
		// transition back to Disconnected.
		if conn != nil {
			_ = conn.Close()
		}
		s.metrics.ObserveConnect(metrics.ResultOther)
		log.Info("connect aborted")
		return ErrConnectAborted
	}
	if err != nil {
		s.metrics.ObserveConnect(connectResult(err))
		log.Warn("connect failed", zap.Error(err))
		s.setStateLocked(protocol.StateDisconnected, err.Error(), err, id)
		return err
	}

	l := &link{gen: gen, id: id, endpoint: ep, conn: conn}
	l.sched = scheduler.New(func(now time.Time) { s.tick(l, now) })
	l.recv = transport.StartReceiver(conn,
		transport.WithChunkSize(s.cfg.ChunkSize),
		transport.WithPollTimeout(s.cfg.PollTimeout),
		transport.WithMessageHandler(func(text string) { s.onMessage(l, text) }),
		transport.WithDecodeErrorHandler(func(data []byte, err error) { s.onDecodeError(l, data, err) }),
		transport.WithLostHandler(func(err error) {
			go s.drop(l.gen, "connection lost: "+err.Error(), err)
		}),
	)
	s.cur = l
	s.metrics.ObserveConnect(metrics.ResultOK)
	log.Info("connected")
	s.setStateLocked(protocol.StateConnected, "", nil, id)
	return nil
}

// StartStreaming begins periodic sampling on the current connection. If
// streaming is already active the interval is replaced.
func (s *Session) StartStreaming(cfg protocol.StreamingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || !s.state.IsConnected() {
		return ErrNotConnected
	}
	s.haltLocked(s.cur)
	if err := s.cur.sched.Start(cfg.Interval); err != nil {
		return err
	}
	s.streaming = cfg
	s.log.Info("streaming started",
		zap.String("session", s.cur.id),
		zap.Duration("interval", cfg.Interval))
	s.setStateLocked(protocol.StateStreaming, "", nil, s.cur.id)
	return nil
}

// StopStreaming halts sampling and keeps the connection open. It is a no-op
// unless streaming.
func (s *Session) StopStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.state != protocol.StateStreaming {
		return
	}
	s.haltLocked(s.cur)
	s.log.Info("streaming stopped", zap.String("session", s.cur.id))
	s.setStateLocked(protocol.StateConnected, "", nil, s.cur.id)
}

// Streaming reports the active streaming config.
func (s *Session) Streaming() (protocol.StreamingConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != protocol.StateStreaming {
		return protocol.StreamingConfig{}, false
	}
	return s.streaming, true
}

// Disconnect tears down the current connection, or cancels a dial in
// progress. It returns once the scheduler and receiver have stopped and
// the socket is closed. Calling it while disconnected does nothing.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectLocked(ReasonDisconnected)
}

// Close disconnects and stops the event feed. Subscriber channels are
// closed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	err := s.disconnectLocked(ReasonClosed)
	s.closed = true
	s.mu.Unlock()

	s.hubCancel()
	<-s.hub.Done()
	return err
}

func (s *Session) disconnectLocked(reason string) error {
	switch {
	case s.state == protocol.StateConnecting:
		if s.dialCancel != nil {
			s.dialCancel()
			s.dialCancel = nil
		}
		id := s.pendingID
		s.gen++
		s.setStateLocked(protocol.StateDisconnected, reason, nil, id)
		return nil
	case s.cur != nil:
		return s.teardownLocked(reason, nil)
	default:
		return nil
	}
}

// drop is the asynchronous teardown path used by the receiver and the
// scheduler. A stale generation means the link it refers to is already
// gone.
func (s *Session) drop(gen uint64, reason string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.gen != gen {
		return
	}
	if err := s.teardownLocked(reason, cause); err != nil {
		s.log.Debug("teardown", zap.Error(err))
	}
}

func (s *Session) teardownLocked(reason string, cause error) error {
	l := s.cur
	s.cur = nil
	s.gen++

	// Stop both loops without waiting, then close: a send blocked on the
	// socket fails instead of holding up the teardown.
	l.recv.Stop()
	ticking := l.sched.Halt()
	var err error
	if cerr := l.conn.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close: %w", cerr))
	}
	<-ticking
	if !l.recv.StopAndWait(s.cfg.PollTimeout + time.Second) {
		err = multierr.Append(err, fmt.Errorf("receiver did not stop within %s", s.cfg.PollTimeout+time.Second))
	}

	fields := []zap.Field{zap.String("session", l.id), zap.String("reason", reason)}
	if cause != nil {
		fields = append(fields, zap.NamedError("cause", cause))
		s.log.Warn("disconnected", fields...)
	} else {
		s.log.Info("disconnected", fields...)
	}
	s.setStateLocked(protocol.StateDisconnected, reason, cause, l.id)
	return err
}

// haltLocked stops the tick loop of l. A tick still blocked in Send after
// stopGrace has its send interrupted; the stream itself stays open.
func (s *Session) haltLocked(l *link) {
	ticking := l.sched.Halt()
	grace := time.NewTicker(stopGrace)
	defer func() {
		grace.Stop()
		l.halting.Store(false)
	}()
	for {
		select {
		case <-ticking:
			return
		case <-grace.C:
			l.halting.Store(true)
			l.conn.Interrupt()
		}
	}
}

func (s *Session) setStateLocked(state protocol.ConnectionState, reason string, cause error, id string) {
	s.state = state
	s.stateView.Store(int32(state))
	s.metrics.SetState(state)
	s.hub.Publish(protocol.Event{
		Kind:      protocol.EventStatusChanged,
		Timestamp: time.Now(),
		SessionID: id,
		State:     state,
		Reason:    reason,
		Err:       cause,
	})
}

func (s *Session) tick(l *link, now time.Time) {
	sample, ok := s.source.Sample()
	if !ok {
		s.metrics.ObserveSkipped()
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	}

	err := l.conn.Send(protocol.Encode(sample))
	if err != nil {
		n := l.failures.Load()
		if !l.halting.Load() {
			n = l.failures.Add(1)
		}
		s.metrics.ObserveSendFailure()
		s.hub.Publish(protocol.Event{
			Kind:      protocol.EventSampleSendFailed,
			Timestamp: time.Now(),
			SessionID: l.id,
			Sample:    &sample,
			Err:       err,
		})
		if limit := s.cfg.MaxSendFailures; limit > 0 && n == int64(limit) && !l.halting.Load() {
			go s.drop(l.gen, fmt.Sprintf("%d consecutive send failures", n), err)
		}
		return
	}
	l.failures.Store(0)
	s.metrics.ObserveSent()
	s.hub.Publish(protocol.Event{
		Kind:      protocol.EventSampleSent,
		Timestamp: time.Now(),
		SessionID: l.id,
		Sample:    &sample,
	})
}

func (s *Session) onMessage(l *link, text string) {
	s.metrics.ObserveMessage()
	s.hub.Publish(protocol.Event{
		Kind:      protocol.EventMessageReceived,
		Timestamp: time.Now(),
		SessionID: l.id,
		Text:      text,
	})
}

func (s *Session) onDecodeError(l *link, data []byte, err error) {
	s.metrics.ObserveDecodeError()
	s.log.Debug("dropped inbound chunk",
		zap.String("session", l.id),
		zap.Int("bytes", len(data)),
		zap.Error(err))
}

func connectResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, transport.ErrTimeout):
		return metrics.ResultTimeout
	case errors.Is(err, transport.ErrRefused):
		return metrics.ResultRefused
	case errors.Is(err, transport.ErrUnreachable):
		return metrics.ResultUnreachable
	default:
		return metrics.ResultOther
	}
}
