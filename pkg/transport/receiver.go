package transport

import (
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"gyrolink/pkg/protocol"
)

const DefaultPollTimeout = 250 * time.Millisecond

// Source is the read side of a Conn.
type Source interface {
	Receive(max int, timeout time.Duration) ([]byte, error)
}

// Receiver drains a Source on its own goroutine and hands decoded text
// to its handlers. It never writes to the Source.
type Receiver struct {
	src         Source
	chunkSize   int
	pollTimeout time.Duration

	onMessage     func(string)
	onLost        func(error)
	onDecodeError func([]byte, error)

	stopping atomic.Bool
	done     chan struct{}
}

type ReceiverOption func(*Receiver)

func WithChunkSize(n int) ReceiverOption {
	return func(r *Receiver) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

func WithPollTimeout(d time.Duration) ReceiverOption {
	return func(r *Receiver) {
		if d > 0 {
			r.pollTimeout = d
		}
	}
}

func WithMessageHandler(fn func(string)) ReceiverOption {
	return func(r *Receiver) {
		if fn != nil {
			r.onMessage = fn
		}
	}
}

// WithLostHandler is called once if the loop ends on a receive error
// that was not caused by Stop.
func WithLostHandler(fn func(error)) ReceiverOption {
	return func(r *Receiver) {
		if fn != nil {
			r.onLost = fn
		}
	}
}

func WithDecodeErrorHandler(fn func([]byte, error)) ReceiverOption {
	return func(r *Receiver) {
		if fn != nil {
			r.onDecodeError = fn
		}
	}
}

func StartReceiver(src Source, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		src:         src,
		chunkSize:   DefaultChunkSize,
		pollTimeout: DefaultPollTimeout,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// Stop requests the loop to exit at its next poll boundary. It does not wait.
func (r *Receiver) Stop() {
	r.stopping.Store(true)
}

// Done is closed once the loop has exited.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

// StopAndWait stops the loop and waits at most limit for it to exit.
// It reports whether the loop exited in time.
func (r *Receiver) StopAndWait(limit time.Duration) bool {
	r.Stop()
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-r.done:
		return true
	case <-timer.C:
		return false
	}
}

func (r *Receiver) run() {
	defer close(r.done)
	for !r.stopping.Load() {
		data, err := r.src.Receive(r.chunkSize, r.pollTimeout)
		if err != nil {
			if !r.stopping.Load() && r.onLost != nil {
				r.onLost(err)
			}
			return
		}
		if data == nil {
			continue
		}
		r.deliver(data)
	}
}

func (r *Receiver) deliver(data []byte) {
	if !utf8.Valid(data) {
		if r.onDecodeError != nil {
			r.onDecodeError(data, protocol.ErrInvalidUTF8)
		}
		return
	}
	text := strings.TrimRight(string(data), "\r\n")
	if text == "" || r.onMessage == nil {
		return
	}
	r.onMessage(text)
}
