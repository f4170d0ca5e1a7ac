package sensor

import (
	"math"
	"sync/atomic"
	"time"

	"gyrolink/pkg/protocol"
)

const (
	mockRollAmplitudeRad  = 35.0 * math.Pi / 180.0
	mockPitchAmplitudeRad = 25.0 * math.Pi / 180.0
	mockYawAmplitudeRad   = 40.0 * math.Pi / 180.0

	mockRollFreqHz  = 0.23
	mockPitchFreqHz = 0.31
	mockYawFreqHz   = 0.17

	mockRollPhaseRad  = 0.0
	mockPitchPhaseRad = math.Pi / 3.0
	mockYawPhaseRad   = 2.0 * math.Pi / 3.0
)

// MockSource generates a smooth synthetic attitude. It reports no data
// until Start is called, like a motion manager before updates begin.
type MockSource struct {
	now     func() time.Time
	started atomic.Pointer[time.Time]
}

type MockOption func(*MockSource)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MockOption {
	return func(m *MockSource) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMockSource(opts ...MockOption) *MockSource {
	m := &MockSource{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MockSource) Start() {
	start := m.now()
	m.started.CompareAndSwap(nil, &start)
}

func (m *MockSource) Stop() {
	m.started.Store(nil)
}

func (m *MockSource) Sample() (protocol.OrientationSample, bool) {
	start := m.started.Load()
	if start == nil {
		return protocol.OrientationSample{}, false
	}
	now := m.now()
	roll, pitch, yaw := mockEulerAngles(now.Sub(*start).Seconds())
	return FromEuler(roll, pitch, yaw, now), true
}

func mockEulerAngles(t float64) (roll float64, pitch float64, yaw float64) {
	roll = mockRollAmplitudeRad * math.Sin(2.0*math.Pi*mockRollFreqHz*t+mockRollPhaseRad)
	pitch = mockPitchAmplitudeRad * math.Sin(2.0*math.Pi*mockPitchFreqHz*t+mockPitchPhaseRad)
	yaw = mockYawAmplitudeRad * math.Sin(2.0*math.Pi*mockYawFreqHz*t+mockYawPhaseRad)
	return
}
