package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// Classification sentinels. Every *OpError matches exactly one of them.
var (
	ErrTimeout      = errors.New("timed out")
	ErrRefused      = errors.New("connection refused")
	ErrUnreachable  = errors.New("host unreachable")
	ErrNotConnected = errors.New("not connected")
	ErrBrokenPipe   = errors.New("broken pipe")
	ErrClosed       = errors.New("connection closed")
	ErrOther        = errors.New("transport failure")
)

// OpError reports a failed dial, send or receive.
type OpError struct {
	Op   string
	Addr string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.Addr != "" {
		msg += " " + e.Addr
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil && e.Err.Error() != e.Kind.Error() {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func classifyDial(err error) error {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrRefused
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH),
		errors.As(err, &dnsErr):
		return ErrUnreachable
	case isTimeout(err):
		return ErrTimeout
	default:
		return ErrOther
	}
}

func classifySend(err error) error {
	switch {
	case errors.Is(err, net.ErrClosed):
		return ErrNotConnected
	case errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED), errors.Is(err, io.ErrShortWrite):
		return ErrBrokenPipe
	default:
		return ErrOther
	}
}

func classifyReceive(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED):
		return ErrClosed
	default:
		return ErrOther
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
