// Package lbl holds the long-baseline acoustic ranging model: two-way time
// of flight between a vehicle transceiver and a seabed beacon.
package lbl

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultSoundVelocity is the nominal speed of sound in sea water (m/s).
const DefaultSoundVelocity = 1498.0

// ErrBadTOF is returned for unparsable time of flight strings.
var ErrBadTOF = errors.New("malformed time of flight string")

// Point is a position in the local navigation frame, z positive down.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Beacon is a seabed transponder answering on Channel after a fixed
// turn-around time. A positive Std lets the filter refine its position.
type Beacon struct {
	Name     string  `json:"name" yaml:"name"`
	Channel  int     `json:"channel" yaml:"channel"`
	Position Point   `json:"position" yaml:"position"`
	TAT      float64 `json:"tat" yaml:"tat"`
	Std      float64 `json:"std" yaml:"std"`
}

// Mean returns the centroid of the beacon positions.
func Mean(beacons []Beacon) Point {
	var m Point
	if len(beacons) == 0 {
		return m
	}
	for _, b := range beacons {
		m.X += b.Position.X
		m.Y += b.Position.Y
		m.Z += b.Position.Z
	}
	n := float64(len(beacons))
	return Point{X: m.X / n, Y: m.Y / n, Z: m.Z / n}
}

// Range returns the slant range between a and b.
func Range(a, b Point) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// PredictTOF returns the two-way travel time between vehicle and beacon:
// 2r/sv plus the beacon's turn-around time.
func PredictTOF(vehicle, beacon Point, sv, tat float64) float64 {
	return 2*Range(vehicle, beacon)/sv + tat
}

// TOFJacobian returns the partial derivatives of PredictTOF with respect to
// the vehicle position. The derivatives with respect to the beacon position
// are their negation. At zero range the gradient is zero.
func TOFJacobian(vehicle, beacon Point, sv float64) Point {
	r := Range(vehicle, beacon)
	if r == 0 {
		return Point{}
	}
	k := 2 / (sv * r)
	return Point{
		X: k * (vehicle.X - beacon.X),
		Y: k * (vehicle.Y - beacon.Y),
		Z: k * (vehicle.Z - beacon.Z),
	}
}

// Reply is one beacon's answer within a ping cycle.
type Reply struct {
	Channel int
	TOF     float64
}

// ParseTOF parses strings of the form "Ch=1,TOF=0.25,Ch=2,TOF=0.5". Each TOF
// belongs to the channel named before it. Non-positive times mean no reply
// and are skipped.
func ParseTOF(s string) ([]Reply, error) {
	var (
		out     []Reply
		channel = -1
	)
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return nil, errors.Wrapf(ErrBadTOF, "field %q", field)
		}
		key, val := strings.ToUpper(strings.TrimSpace(kv[0])), strings.TrimSpace(kv[1])
		switch key {
		case "CH":
			ch, err := strconv.Atoi(val)
			if err != nil {
				return nil, errors.Wrapf(ErrBadTOF, "channel %q", val)
			}
			channel = ch
		case "TOF":
			if channel < 0 {
				return nil, errors.Wrap(ErrBadTOF, "TOF without channel")
			}
			tof, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, errors.Wrapf(ErrBadTOF, "tof %q", val)
			}
			if tof > 0 {
				out = append(out, Reply{Channel: channel, TOF: tof})
			}
			channel = -1
		}
	}
	return out, nil
}
