package protocol

import (
	"encoding/json"
	"math"
	"time"
)

// jsonFloat renders NaN and ±Inf as null, which encoding/json rejects.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// Finite reports whether every component is a finite number.
func (q Quaternion) Finite() bool {
	for _, v := range [4]float64{q.X, q.Y, q.Z, q.W} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// MarshalJSON keeps samples with non-finite readings encodable; those
// values become null.
func (q Quaternion) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		X jsonFloat `json:"x"`
		Y jsonFloat `json:"y"`
		Z jsonFloat `json:"z"`
		W jsonFloat `json:"w"`
	}{jsonFloat(q.X), jsonFloat(q.Y), jsonFloat(q.Z), jsonFloat(q.W)})
}

func (s OrientationSample) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Pitch      jsonFloat  `json:"pitch"`
		Roll       jsonFloat  `json:"roll"`
		Yaw        jsonFloat  `json:"yaw"`
		Quaternion Quaternion `json:"quaternion"`
		Timestamp  time.Time  `json:"ts"`
	}{jsonFloat(s.Pitch), jsonFloat(s.Roll), jsonFloat(s.Yaw), s.Quaternion, s.Timestamp})
}
