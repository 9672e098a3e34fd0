package ekf

import (
	"math"

	"github.com/skelterjohn/go.matrix"

	"github.com/moosgo/moos/pkg/nav/lbl"
	"github.com/moosgo/moos/pkg/nav/obs"
	"github.com/moosgo/moos/pkg/nav/state"
)

type partial struct {
	i int
	d float64
}

// linearize builds the Jacobian H, innovation vector and measurement noise
// R for the active observations, recording each innovation.
func (e *Engine) linearize(active []*obs.Observation) (h, innov, r *matrix.DenseMatrix) {
	m, n := len(active), e.st.Dim()
	h = matrix.Zeros(m, n)
	innov = matrix.Zeros(m, 1)
	r = matrix.Zeros(m, m)
	for row, o := range active {
		pred, jac := e.predictObs(o)
		v := o.Value - pred
		if o.Type == obs.Yaw {
			v = wrapAngle(v)
		}
		o.Innovation = v
		innov.Set(row, 0, v)
		for _, p := range jac {
			h.Set(row, p.i, p.d)
		}
		r.Set(row, row, o.Std*o.Std)
	}
	return h, innov, r
}

// predictObs returns the predicted measurement and its partial derivatives.
func (e *Engine) predictObs(o *obs.Observation) (float64, []partial) {
	v, g := e.vehicle, e.globals
	get := func(ent *state.Entity, i int) float64 { return e.st.Get(ent, i) }
	vi := v.Index

	switch o.Type {
	case obs.TOF:
		b := e.beacons[o.Channel]
		vp := lbl.Point{X: get(v, state.IdxX), Y: get(v, state.IdxY), Z: get(v, state.IdxZ)}
		bp := lbl.Point{X: get(b.e, 0), Y: get(b.e, 1), Z: get(b.e, 2)}
		j := lbl.TOFJacobian(vp, bp, e.cfg.SoundVelocity)
		return lbl.PredictTOF(vp, bp, e.cfg.SoundVelocity, b.cfg.TAT), []partial{
			{vi(state.IdxX), j.X}, {vi(state.IdxY), j.Y}, {vi(state.IdxZ), j.Z},
			{b.e.Index(0), -j.X}, {b.e.Index(1), -j.Y}, {b.e.Index(2), -j.Z},
		}

	case obs.Depth:
		return get(v, state.IdxZ) - get(g, state.IdxTide), []partial{
			{vi(state.IdxZ), 1}, {g.Index(state.IdxTide), -1},
		}

	case obs.Yaw:
		return get(v, state.IdxYaw) + get(g, state.IdxHeadingBias), []partial{
			{vi(state.IdxYaw), 1}, {g.Index(state.IdxHeadingBias), 1},
		}

	case obs.X:
		return get(v, state.IdxX), []partial{{vi(state.IdxX), 1}}

	case obs.Y:
		return get(v, state.IdxY), []partial{{vi(state.IdxY), 1}}

	case obs.BodyVelX, obs.BodyVelY:
		yaw, vx, vy := get(v, state.IdxYaw), get(v, state.IdxVX), get(v, state.IdxVY)
		c, s := math.Cos(yaw), math.Sin(yaw)
		if o.Type == obs.BodyVelX {
			return vx*c + vy*s, []partial{
				{vi(state.IdxVX), c}, {vi(state.IdxVY), s}, {vi(state.IdxYaw), -vx*s + vy*c},
			}
		}
		return -vx*s + vy*c, []partial{
			{vi(state.IdxVX), -s}, {vi(state.IdxVY), c}, {vi(state.IdxYaw), -vx*c - vy*s},
		}

	case obs.Tide:
		return get(g, state.IdxTide), []partial{{g.Index(state.IdxTide), 1}}

	case obs.HeadingBias:
		return get(g, state.IdxHeadingBias), []partial{{g.Index(state.IdxHeadingBias), 1}}
	}
	return o.Value, nil
}
