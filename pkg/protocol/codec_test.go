package protocol_test

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gyrolink/pkg/protocol"
)

func TestEncodeFieldOrder(t *testing.T) {
	s := protocol.OrientationSample{
		Pitch:      0.1,
		Roll:       -0.2,
		Yaw:        3,
		Quaternion: protocol.Quaternion{X: 0.5, Y: -0.5, Z: 0.25, W: 0.625},
	}
	got := string(protocol.Encode(s))
	assert.Equal(t, "[0.1, -0.2, 3.0, 0.5, -0.5, 0.25, 0.625]", got)
}

func TestEncodeIsDeterministic(t *testing.T) {
	s := protocol.OrientationSample{
		Pitch:      math.Pi / 7,
		Roll:       -math.E,
		Yaw:        1e-7,
		Quaternion: protocol.Quaternion{X: 0.1, Y: 0.2, Z: 0.3, W: math.Sqrt(1 - 0.14)},
	}
	first := protocol.Encode(s)
	second := protocol.Encode(s)
	assert.Equal(t, first, second)
}

func TestEncodeHasNoFraming(t *testing.T) {
	msg := protocol.Encode(protocol.OrientationSample{Quaternion: protocol.Quaternion{W: 1}})
	require.NotEmpty(t, msg)
	assert.Equal(t, byte('['), msg[0])
	assert.Equal(t, byte(']'), msg[len(msg)-1])
	assert.False(t, strings.ContainsAny(string(msg), "\r\n\x00"))
	assert.Equal(t, "[0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 1.0]", string(msg))
}

func TestEncodeExtremeMagnitudes(t *testing.T) {
	msg := string(protocol.Encode(protocol.OrientationSample{Pitch: 1e-5, Roll: 2e20, Yaw: -123456.5}))
	assert.True(t, strings.HasPrefix(msg, "[1e-05, 2e+20, -123456.5, "), msg)
}

func TestDecodeRoundTripsEncode(t *testing.T) {
	s := protocol.OrientationSample{
		Pitch:      -1.2345678901234,
		Roll:       0.987654321,
		Yaw:        2.5e-9,
		Quaternion: protocol.Quaternion{X: 0.18257418583505536, Y: 0.3651483716701107, Z: 0.5477225575051661, W: 0.7302967433402214},
	}
	got, err := protocol.Decode(string(protocol.Encode(s)))
	require.NoError(t, err)
	assert.Equal(t, s.Fields(), got.Fields())
}

func TestDecodeAcceptsBareList(t *testing.T) {
	got, err := protocol.Decode(" 1,2,3,0,0,0,1 \r\n")
	require.NoError(t, err)
	assert.Equal(t, [7]float64{1, 2, 3, 0, 0, 0, 1}, got.Fields())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "[1, 2, 3]", "[1, 2, 3, 4, 5, 6, x]", "[1,2,3,4,5,6,7,8]"} {
		_, err := protocol.Decode(in)
		assert.ErrorIs(t, err, protocol.ErrMalformedMessage, "input %q", in)
	}
}
