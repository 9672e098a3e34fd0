// Package ekf implements the extended Kalman filter navigation engine.
package ekf

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/skelterjohn/go.matrix"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/moosgo/moos/pkg/comms"
	"github.com/moosgo/moos/pkg/nav"
	"github.com/moosgo/moos/pkg/nav/chisq"
	"github.com/moosgo/moos/pkg/nav/lbl"
	"github.com/moosgo/moos/pkg/nav/obs"
	"github.com/moosgo/moos/pkg/nav/state"
)

var _ nav.Engine = (*Engine)(nil)

type beacon struct {
	cfg lbl.Beacon
	e   *state.Entity
}

// Engine is an EKF over vehicle pose, velocities, global parameters and
// beacon positions. It is not safe for concurrent use; the owner calls
// AddData and Iterate from one goroutine.
type Engine struct {
	log *logging.Logger
	cfg Config

	st    *state.State
	store *obs.Store
	cls   *obs.Classifier

	vehicle *state.Entity
	globals *state.Entity
	beacons map[int]*beacon

	status nav.Status
	t      float64
	slots  int
	stats  nav.Stats
	diags  nav.DiagQueue
}

// New builds an offline engine with its entities registered.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "ekf config")
	}
	cls, err := obs.NewClassifier(cfg.Sensors)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		log:     logging.MustGetLogger("ekf"),
		cfg:     cfg,
		st:      state.New(),
		store:   obs.NewStore(cfg.ObsSpan),
		cls:     cls,
		beacons: make(map[int]*beacon),
	}
	if e.globals, err = e.st.AddEntity("globals", state.Global, state.GlobalSize); err != nil {
		return nil, err
	}
	if e.vehicle, err = e.st.AddEntity("vehicle", state.Vehicle, state.VehicleSize); err != nil {
		return nil, err
	}
	for _, b := range cfg.Beacons {
		name := b.Name
		if name == "" {
			name = fmt.Sprintf("beacon_%d", b.Channel)
		}
		be, err := e.st.AddEntity(name, state.Beacon, state.BeaconSize)
		if err != nil {
			return nil, err
		}
		e.beacons[b.Channel] = &beacon{cfg: b, e: be}
	}
	return e, nil
}

// SetLogger sets the engine's logger.
func (e *Engine) SetLogger(log *logging.Logger) {
	e.log = log
}

// Status returns the lifecycle state.
func (e *Engine) Status() nav.Status { return e.status }

// Stats returns the data association counters.
func (e *Engine) Stats() nav.Stats { return e.stats }

// Variables lists the sensor variables the engine consumes.
func (e *Engine) Variables() []string { return e.cls.Variables() }

// AddData classifies a sensor message and stores its observations.
func (e *Engine) AddData(m comms.Msg) error {
	o, err := e.cls.Classify(m)
	if err != nil {
		return err
	}
	e.store.Add(o...)
	return nil
}

// Boot seeds the state from the configured priors, overridden by the most
// recent direct observations of position, depth and heading, and brings
// the engine online with its estimate at now minus the lag.
func (e *Engine) Boot(now float64) error {
	if e.vehicle == nil {
		return errors.New("no vehicle entity")
	}
	e.status = nav.Booting
	p := e.cfg.Prior

	x, y, z, yaw := p.X, p.Y, p.Z, p.Yaw
	if o, ok := e.store.Newest(obs.X); ok {
		x = o.Value
	}
	if o, ok := e.store.Newest(obs.Y); ok {
		y = o.Value
	}
	if o, ok := e.store.Newest(obs.Depth); ok {
		z = o.Value
	}
	if o, ok := e.store.Newest(obs.Yaw); ok {
		yaw = o.Value
	}

	e.st.Init(e.globals, []float64{0, 0}, []float64{p.TideStd, p.HeadingBiasStd})
	e.st.Init(e.vehicle,
		[]float64{x, y, z, wrapAngle(yaw), 0, 0, 0, 0},
		[]float64{p.PositionStd, p.PositionStd, p.DepthStd, p.YawStd,
			p.VelocityStd, p.VelocityStd, p.VelocityStd, p.YawRateStd})
	for _, b := range e.beacons {
		pos := b.cfg.Position
		e.st.Init(b.e, []float64{pos.X, pos.Y, pos.Z}, []float64{b.cfg.Std, b.cfg.Std, b.cfg.Std})
	}

	e.t = now - e.cfg.Lag
	e.status = nav.Online
	e.diag("booted at t=%.3f x=%.2f y=%.2f z=%.2f yaw=%.3f", e.t, x, y, z, yaw)
	return nil
}

// Iterate brings the estimate forward to now minus the lag. Without new
// data it only predicts. Otherwise the pending interval is cut into
// slices no longer than MaxSlice and each is predicted then updated.
// ErrNoSolution reports a numerically failed update; the state of that
// slice is rolled back to its prediction and the next call carries on.
func (e *Engine) Iterate(now float64) error {
	if e.status != nav.Online {
		return nav.ErrNotOnline
	}
	target := now - e.cfg.Lag
	if target <= e.t {
		return nil
	}
	defer e.store.Trim(now)

	if len(obs.Pending(e.store.Window(e.t, target))) == 0 {
		e.predict(target - e.t)
		e.t = target
		e.clampVelocity()
		return nil
	}

	failed := false
	for e.t < target {
		end := math.Min(e.t+e.cfg.MaxSlice, target)
		slice := obs.Pending(e.store.Window(e.t, end))
		e.predict(end - e.t)
		e.t = end
		if len(slice) > 0 {
			if err := e.update(slice); err != nil {
				e.diag("t=%.3f: %v", end, err)
				failed = true
			}
			obs.MarkUsed(slice)
			if e.cfg.TrajectoryDepth > 0 {
				e.shuffle(end)
			}
		}
		e.clampVelocity()
	}

	if failed {
		e.stats.Failures++
		e.stats.ConsecutiveFailures++
		if e.cfg.MaxFailures > 0 && e.stats.ConsecutiveFailures == e.cfg.MaxFailures {
			e.stats.Converged = false
			e.diag("no convergence for %d cycles", e.stats.ConsecutiveFailures)
			e.log.WithField("failures", e.stats.ConsecutiveFailures).Warn("EKF is not converging")
		}
		return nav.ErrNoSolution
	}
	e.stats.ConsecutiveFailures = 0
	e.stats.Converged = true
	return nil
}

// predict applies the constant velocity model over dt seconds:
// Xhat = F*Xhat, Phat = F*Phat*F' + Q.
func (e *Engine) predict(dt float64) {
	if dt <= 0 {
		return
	}
	n := e.st.Dim()
	v, g := e.vehicle, e.globals

	f := matrix.Eye(n)
	f.Set(v.Index(state.IdxX), v.Index(state.IdxVX), dt)
	f.Set(v.Index(state.IdxY), v.Index(state.IdxVY), dt)
	f.Set(v.Index(state.IdxZ), v.Index(state.IdxVZ), dt)
	f.Set(v.Index(state.IdxYaw), v.Index(state.IdxYawRate), dt)

	nz := e.cfg.Noise
	q := matrix.Zeros(n, n)
	for i, d := range map[int]float64{
		v.Index(state.IdxX):           nz.Position,
		v.Index(state.IdxY):           nz.Position,
		v.Index(state.IdxZ):           nz.Position,
		v.Index(state.IdxYaw):         nz.Yaw,
		v.Index(state.IdxVX):          nz.Velocity,
		v.Index(state.IdxVY):          nz.Velocity,
		v.Index(state.IdxVZ):          nz.Velocity,
		v.Index(state.IdxYawRate):     nz.YawRate,
		g.Index(state.IdxTide):        nz.Tide,
		g.Index(state.IdxHeadingBias): nz.HeadingBias,
	} {
		q.Set(i, i, d*d*dt)
	}

	e.st.Xhat = matrix.Product(f, e.st.Xhat)
	e.st.Phat = matrix.Sum(matrix.Product(f, matrix.Product(e.st.Phat, f.Transpose())), q)
	e.st.Symmetrize()
	e.normalizeYaw()
}

// update fuses one slice of observations. Observations failing the gate
// are rejected one at a time, at most once per observation.
func (e *Engine) update(slice []*obs.Observation) error {
	var active []*obs.Observation
	for _, o := range slice {
		if o.Type == obs.TOF {
			if _, ok := e.beacons[o.Channel]; !ok {
				o.Ignore = true
				e.diag("no beacon on channel %d, ignoring %s", o.Channel, o)
				continue
			}
		}
		active = append(active, o)
	}

	snap := e.st.Snapshot()
	fail := func(err error) error {
		e.st.Restore(snap)
		if !e.st.Valid() {
			e.resetCovariance()
		}
		return errors.Wrap(nav.ErrNoSolution, err.Error())
	}

	cycles := len(active)
	for cycle := 0; cycle < cycles && len(active) > 0; cycle++ {
		h, innov, r := e.linearize(active)
		m := len(active)

		s := matrix.Sum(matrix.Product(h, matrix.Product(e.st.Phat, h.Transpose())), r)
		for i := 0; i < m; i++ {
			if d := s.Get(i, i); !(d > 0) || math.IsInf(d, 0) {
				return fail(errors.Errorf("innovation variance %v for %s", d, active[i]))
			}
		}
		sinv, err := s.Inverse()
		if err != nil {
			return fail(errors.Wrap(err, "innovation covariance"))
		}

		d2 := Mahalanobis(innov, sinv)
		gate := chisq.Critical(m, e.cfg.Confidence)
		if math.IsNaN(d2) {
			return fail(errors.New("innovation distance is NaN"))
		}
		if d2 <= gate {
			k := matrix.Product(e.st.Phat, matrix.Product(h.Transpose(), sinv))
			e.st.Xhat = matrix.Sum(e.st.Xhat, matrix.Product(k, innov))
			e.st.Phat = matrix.Product(matrix.Difference(matrix.Eye(e.st.Dim()), matrix.Product(k, h)), e.st.Phat)
			e.st.Symmetrize()
			e.normalizeYaw()
			if !e.st.Valid() {
				return fail(errors.New("state diverged"))
			}
			e.stats.Accepted += uint64(m)
			e.stats.Updates++
			return nil
		}

		idx := 0
		if m > 1 {
			if idx, err = HyperDimSelect(innov, s, gate); err != nil {
				return fail(err)
			}
		}
		o := active[idx]
		o.Ignore = true
		e.stats.Rejected++
		e.diag("rejected %s innovation=%.4f d2=%.2f gate=%.2f", o, o.Innovation, d2, gate)
		active = append(active[:idx], active[idx+1:]...)
	}
	return nil
}

func (e *Engine) resetCovariance() {
	p := e.cfg.Prior
	e.st.Init(e.globals, nil, []float64{p.TideStd, p.HeadingBiasStd})
	e.st.Init(e.vehicle, nil, []float64{p.PositionStd, p.PositionStd, p.DepthStd, p.YawStd,
		p.VelocityStd, p.VelocityStd, p.VelocityStd, p.YawRateStd})
	e.diag("covariance reset")
}

// clampVelocity zeroes velocity states beyond the configured physical
// limits.
func (e *Engine) clampVelocity() {
	v := e.vehicle
	vx, vy, vz := e.st.Get(v, state.IdxVX), e.st.Get(v, state.IdxVY), e.st.Get(v, state.IdxVZ)
	if lim := e.cfg.MaxSpeed; lim > 0 {
		if speed := math.Hypot(vx, vy); speed > lim {
			e.st.Set(v, state.IdxVX, 0)
			e.st.Set(v, state.IdxVY, 0)
			e.warnClamp("speed", speed, lim)
		}
		if math.Abs(vz) > lim {
			e.st.Set(v, state.IdxVZ, 0)
			e.warnClamp("vertical speed", vz, lim)
		}
	}
	if lim := e.cfg.MaxYawRate; lim > 0 {
		if r := e.st.Get(v, state.IdxYawRate); math.Abs(r) > lim {
			e.st.Set(v, state.IdxYawRate, 0)
			e.warnClamp("yaw rate", r, lim)
		}
	}
}

func (e *Engine) warnClamp(what string, v, lim float64) {
	e.log.WithField("value", v).WithField("limit", lim).Warnf("%s out of bounds, zeroed", what)
	e.diag("%s %.3f exceeds %.3f, zeroed", what, v, lim)
}

func (e *Engine) shuffle(t float64) {
	e.slots++
	if _, err := e.st.Shuffle(e.vehicle, fmt.Sprintf("traj_%d", e.slots), t, e.cfg.TrajectoryDepth); err != nil {
		e.log.WithError(err).Error("Failed to shuffle trajectory")
	}
}

func (e *Engine) normalizeYaw() {
	e.st.Set(e.vehicle, state.IdxYaw, wrapAngle(e.st.Get(e.vehicle, state.IdxYaw)))
}

// Estimate returns the current vehicle solution.
func (e *Engine) Estimate() nav.Estimate {
	v, g := e.vehicle, e.globals
	get := func(i int) float64 { return e.st.Get(v, i) }
	std := func(i int) float64 { return math.Sqrt(math.Max(e.st.Var(v, i), 0)) }
	tide := e.st.Get(g, state.IdxTide)
	return nav.Estimate{
		Time:        e.t,
		X:           get(state.IdxX),
		Y:           get(state.IdxY),
		Z:           get(state.IdxZ),
		Depth:       get(state.IdxZ) - tide,
		Yaw:         get(state.IdxYaw),
		Speed:       math.Hypot(get(state.IdxVX), get(state.IdxVY)),
		VX:          get(state.IdxVX),
		VY:          get(state.IdxVY),
		VZ:          get(state.IdxVZ),
		YawRate:     get(state.IdxYawRate),
		Tide:        tide,
		HeadingBias: e.st.Get(g, state.IdxHeadingBias),
		XStd:        std(state.IdxX),
		YStd:        std(state.IdxY),
		ZStd:        std(state.IdxZ),
		YawStd:      std(state.IdxYaw),
	}
}

// Trajectory returns the smoothed positions held in trajectory slots,
// newest first.
func (e *Engine) Trajectory() []lbl.Point {
	var out []lbl.Point
	for _, s := range e.st.Entities() {
		if s.Type != state.Trajectory {
			continue
		}
		out = append(out, lbl.Point{
			X: e.st.Get(s, state.IdxX),
			Y: e.st.Get(s, state.IdxY),
			Z: e.st.Get(s, state.IdxZ),
		})
	}
	return out
}

// Diagnostics drains the diagnostic text queue.
func (e *Engine) Diagnostics() []string {
	return e.diags.Drain()
}

func (e *Engine) diag(format string, args ...interface{}) {
	e.log.Debug(e.diags.Addf(format, args...))
}

// wrapAngle maps a to (-pi, pi].
func wrapAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a <= -math.Pi {
		a += 2 * math.Pi
	} else if a > math.Pi {
		a -= 2 * math.Pi
	}
	return a
}
