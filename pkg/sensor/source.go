// Package sensor provides orientation sample sources.
package sensor

import (
	"math"
	"sync"
	"time"

	"gyrolink/pkg/protocol"
)

// Source produces orientation samples on demand. Sample must return
// immediately; ok is false while the sensor has not started or has no
// fresh reading.
type Source interface {
	Sample() (protocol.OrientationSample, bool)
}

// SourceFunc adapts a plain function to Source.
type SourceFunc func() (protocol.OrientationSample, bool)

func (f SourceFunc) Sample() (protocol.OrientationSample, bool) {
	return f()
}

// Latest turns a push-based producer into a Source by keeping the most
// recent sample. A sample older than maxAge is reported as unavailable.
type Latest struct {
	maxAge time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	sample protocol.OrientationSample
	at     time.Time
	have   bool
}

// NewLatest returns an empty Latest. maxAge <= 0 disables staleness checks.
func NewLatest(maxAge time.Duration) *Latest {
	return &Latest{maxAge: maxAge, now: time.Now}
}

func (l *Latest) Push(s protocol.OrientationSample) {
	now := l.now()
	if s.Timestamp.IsZero() {
		s.Timestamp = now
	}
	l.mu.Lock()
	l.sample = s
	l.at = now
	l.have = true
	l.mu.Unlock()
}

func (l *Latest) Reset() {
	l.mu.Lock()
	l.have = false
	l.mu.Unlock()
}

func (l *Latest) Sample() (protocol.OrientationSample, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.have {
		return protocol.OrientationSample{}, false
	}
	if l.maxAge > 0 && l.now().Sub(l.at) > l.maxAge {
		return protocol.OrientationSample{}, false
	}
	return l.sample, true
}

// EulerToQuaternion converts roll, pitch and yaw in radians to a unit
// quaternion using the ZYX intrinsic order (yaw, then pitch, then roll).
func EulerToQuaternion(roll, pitch, yaw float64) protocol.Quaternion {
	cr := math.Cos(roll * 0.5)
	sr := math.Sin(roll * 0.5)
	cp := math.Cos(pitch * 0.5)
	sp := math.Sin(pitch * 0.5)
	cy := math.Cos(yaw * 0.5)
	sy := math.Sin(yaw * 0.5)

	w := cr*cp*cy + sr*sp*sy
	x := sr*cp*cy - cr*sp*sy
	y := cr*sp*cy + sr*cp*sy
	z := cr*cp*sy - sr*sp*cy

	norm := math.Sqrt(w*w + x*x + y*y + z*z)
	if norm == 0 {
		return protocol.Quaternion{W: 1}
	}
	inv := 1.0 / norm
	return protocol.Quaternion{X: x * inv, Y: y * inv, Z: z * inv, W: w * inv}
}

// FromEuler builds a complete sample from attitude angles.
func FromEuler(roll, pitch, yaw float64, ts time.Time) protocol.OrientationSample {
	return protocol.OrientationSample{
		Pitch:      pitch,
		Roll:       roll,
		Yaw:        yaw,
		Quaternion: EulerToQuaternion(roll, pitch, yaw),
		Timestamp:  ts,
	}
}
