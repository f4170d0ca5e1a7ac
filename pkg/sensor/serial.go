package sensor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync/atomic"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"

	"gyrolink/pkg/protocol"
)

const (
	DefaultSerialBaud   = 115200
	DefaultSerialMaxAge = time.Second
)

var ErrUnsupportedSentence = errors.New("unsupported nmea sentence")

type SerialConfig struct {
	PortName string
	BaudRate int
	// MaxAge is how long a reading stays fresh. Zero uses DefaultSerialMaxAge.
	MaxAge time.Duration
}

// LineSource reads newline-terminated orientation readings from a serial
// attached IMU (or any stream) and exposes the latest one as a Source.
//
// Accepted lines are either a 7-value orientation message, bracketed or
// bare, or an NMEA HDT heading sentence, which yields a yaw-only attitude.
type LineSource struct {
	*Latest

	rd       io.ReadCloser
	log      *zap.Logger
	accepted atomic.Int64
	rejected atomic.Int64
	done     chan struct{}
	err      atomic.Pointer[error]
}

// OpenSerial opens the port described by cfg and starts reading from it.
func OpenSerial(cfg SerialConfig, log *zap.Logger) (*LineSource, error) {
	if strings.TrimSpace(cfg.PortName) == "" {
		return nil, fmt.Errorf("serial source: empty port name")
	}
	baud := cfg.BaudRate
	if baud <= 0 {
		baud = DefaultSerialBaud
	}
	port, err := serial.Open(serial.OpenOptions{
		PortName:              cfg.PortName,
		BaudRate:              uint(baud),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.PortName, err)
	}
	if log != nil {
		log.Info("serial sensor opened", zap.String("port", cfg.PortName), zap.Int("baud", baud))
	}
	return NewLineSource(port, cfg.MaxAge, log), nil
}

// NewLineSource starts reading lines from rd until it fails or Close is called.
func NewLineSource(rd io.ReadCloser, maxAge time.Duration, log *zap.Logger) *LineSource {
	if maxAge == 0 {
		maxAge = DefaultSerialMaxAge
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &LineSource{
		Latest: NewLatest(maxAge),
		rd:     rd,
		log:    log,
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *LineSource) readLoop() {
	defer close(s.done)
	scanner := bufio.NewScanner(s.rd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sample, err := ParseLine(line)
		if err != nil {
			s.rejected.Add(1)
			s.log.Debug("sensor line rejected", zap.String("line", line), zap.Error(err))
			continue
		}
		s.accepted.Add(1)
		s.Push(sample)
	}
	if err := scanner.Err(); err != nil {
		s.err.Store(&err)
		s.log.Warn("sensor read stopped", zap.Error(err))
	}
	s.Reset()
}

// Done is closed when the reader goroutine exits.
func (s *LineSource) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that stopped the reader, if any.
func (s *LineSource) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *LineSource) Accepted() int64 { return s.accepted.Load() }

func (s *LineSource) Rejected() int64 { return s.rejected.Load() }

func (s *LineSource) Close() error {
	err := s.rd.Close()
	<-s.done
	return err
}

// ParseLine decodes one sensor line.
func ParseLine(line string) (protocol.OrientationSample, error) {
	if strings.HasPrefix(line, "$") {
		return parseNMEA(line)
	}
	sample, err := protocol.Decode(line)
	if err != nil {
		return protocol.OrientationSample{}, err
	}
	sample.Timestamp = time.Now()
	return sample, nil
}

func parseNMEA(line string) (protocol.OrientationSample, error) {
	sentence, err := nmea.Parse(line)
	if err != nil {
		return protocol.OrientationSample{}, fmt.Errorf("parse nmea: %w", err)
	}
	switch sentence.DataType() {
	case nmea.TypeHDT:
		m := sentence.(nmea.HDT)
		yaw := m.Heading * math.Pi / 180.0
		return FromEuler(0, 0, yaw, time.Now()), nil
	default:
		return protocol.OrientationSample{}, fmt.Errorf("%w: %s", ErrUnsupportedSentence, sentence.DataType())
	}
}
