package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FieldCount is the number of values in one wire message.
const FieldCount = 7

var ErrMalformedMessage = errors.New("malformed orientation message")

// Encode renders a sample as "[pitch, roll, yaw, x, y, z, w]".
// The output carries no terminator and no length prefix.
func Encode(s OrientationSample) []byte {
	fields := s.Fields()
	buf := make([]byte, 0, 2+FieldCount*24)
	buf = append(buf, '[')
	for i, v := range fields {
		if i > 0 {
			buf = append(buf, ',', ' ')
		}
		buf = appendFloat(buf, v)
	}
	buf = append(buf, ']')
	return buf
}

// appendFloat writes the shortest round-trip literal, keeping a
// fractional part on integral values ("3.0", not "3").
func appendFloat(dst []byte, v float64) []byte {
	switch {
	case math.IsNaN(v):
		return append(dst, "nan"...)
	case math.IsInf(v, 1):
		return append(dst, "inf"...)
	case math.IsInf(v, -1):
		return append(dst, "-inf"...)
	}
	abs := math.Abs(v)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.AppendFloat(dst, v, 'e', -1, 64)
	}
	start := len(dst)
	dst = strconv.AppendFloat(dst, v, 'f', -1, 64)
	if !strings.ContainsRune(string(dst[start:]), '.') {
		dst = append(dst, '.', '0')
	}
	return dst
}

// Decode parses one message produced by Encode. Surrounding whitespace
// and the brackets are optional, so a bare "p,r,y,x,y,z,w" line is accepted.
func Decode(text string) (OrientationSample, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "[")
	text = strings.TrimSuffix(text, "]")
	parts := strings.Split(text, ",")
	if len(parts) != FieldCount {
		return OrientationSample{}, fmt.Errorf("%w: expected %d fields, got %d", ErrMalformedMessage, FieldCount, len(parts))
	}
	var vals [FieldCount]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return OrientationSample{}, fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, i, err)
		}
		vals[i] = v
	}
	return OrientationSample{
		Pitch: vals[0],
		Roll:  vals[1],
		Yaw:   vals[2],
		Quaternion: Quaternion{
			X: vals[3],
			Y: vals[4],
			Z: vals[5],
			W: vals[6],
		},
	}, nil
}
