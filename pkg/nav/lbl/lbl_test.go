package lbl

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredictTOF(t *testing.T) {
	v := Point{X: 300, Y: 400, Z: 0}
	b := Point{}
	assert.Equal(t, 500.0, Range(v, b))
	assert.InDelta(t, 2*500/1500.0+0.01, PredictTOF(v, b, 1500, 0.01), 1e-12)
}

func TestTOFJacobian_MatchesFiniteDifference(t *testing.T) {
	v := Point{X: 120, Y: -35, Z: 18}
	b := Point{X: 10, Y: 40, Z: 90}
	const h = 1e-4
	j := TOFJacobian(v, b, DefaultSoundVelocity)

	dx := (PredictTOF(Point{v.X + h, v.Y, v.Z}, b, DefaultSoundVelocity, 0) -
		PredictTOF(Point{v.X - h, v.Y, v.Z}, b, DefaultSoundVelocity, 0)) / (2 * h)
	dy := (PredictTOF(Point{v.X, v.Y + h, v.Z}, b, DefaultSoundVelocity, 0) -
		PredictTOF(Point{v.X, v.Y - h, v.Z}, b, DefaultSoundVelocity, 0)) / (2 * h)
	dz := (PredictTOF(Point{v.X, v.Y, v.Z + h}, b, DefaultSoundVelocity, 0) -
		PredictTOF(Point{v.X, v.Y, v.Z - h}, b, DefaultSoundVelocity, 0)) / (2 * h)

	assert.InDelta(t, dx, j.X, 1e-9)
	assert.InDelta(t, dy, j.Y, 1e-9)
	assert.InDelta(t, dz, j.Z, 1e-9)
	assert.Equal(t, Point{}, TOFJacobian(v, v, DefaultSoundVelocity))
}

func TestParseTOF(t *testing.T) {
	got, err := ParseTOF("Ch=1,TOF=0.25, ch=2,TOF=0.5,Ch=3,TOF=-1")
	require.NoError(t, err)
	assert.Equal(t, []Reply{{Channel: 1, TOF: 0.25}, {Channel: 2, TOF: 0.5}}, got)

	for _, bad := range []string{"TOF=0.2", "Ch=x,TOF=0.1", "Ch=1,TOF=abc", "Ch"} {
		_, err := ParseTOF(bad)
		assert.Equal(t, ErrBadTOF, errors.Cause(err), bad)
	}
}

func TestMean(t *testing.T) {
	assert.Equal(t, Point{}, Mean(nil))
	got := Mean([]Beacon{
		{Position: Point{X: 0, Y: 0, Z: 100}},
		{Position: Point{X: 100, Y: 50, Z: 80}},
	})
	assert.Equal(t, Point{X: 50, Y: 25, Z: 90}, got)
}
