// Package lsq implements the least squares navigation engine: a windowed
// Gauss-Newton position fix with residual screening.
package lsq

import (
	"math"

	"github.com/pkg/errors"
	"github.com/skelterjohn/go.matrix"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/moosgo/moos/pkg/comms"
	"github.com/moosgo/moos/pkg/nav"
	"github.com/moosgo/moos/pkg/nav/lbl"
	"github.com/moosgo/moos/pkg/nav/obs"
	"github.com/moosgo/moos/pkg/nav/state"
)

var _ nav.Engine = (*Engine)(nil)

// Config configures an LSQ engine.
type Config struct {
	// Window is the trailing span of observations used for one fix.
	Window        float64 `json:"window" yaml:"window"`
	MaxIterations int     `json:"max_iterations" yaml:"max_iterations"`
	// DeltaGate accepts a solution once dx' P^-1 dx falls below it.
	DeltaGate float64 `json:"delta_gate" yaml:"delta_gate"`
	// WThreshold rejects the worst observation when its standardised
	// residual exceeds it.
	WThreshold float64 `json:"w_threshold" yaml:"w_threshold"`
	// MaxStd bounds a plausible position standard deviation.
	MaxStd        float64 `json:"max_std" yaml:"max_std"`
	SoundVelocity float64 `json:"sound_velocity" yaml:"sound_velocity"`
	MaxFailures   int     `json:"max_failures" yaml:"max_failures"`

	// Seed is the initial guess. The zero point means the beacon centroid.
	Seed    lbl.Point          `json:"seed" yaml:"seed"`
	Beacons []lbl.Beacon       `json:"beacons" yaml:"beacons"`
	Sensors []obs.SensorConfig `json:"sensors" yaml:"sensors"`
}

// DefaultConfig returns the default LSQ configuration.
func DefaultConfig() Config {
	return Config{
		Window:        5,
		MaxIterations: 10,
		DeltaGate:     1e-4,
		WThreshold:    3.29,
		MaxStd:        1000,
		SoundVelocity: lbl.DefaultSoundVelocity,
		MaxFailures:   10,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Window <= 0:
		return errors.New("window must be positive")
	case c.MaxIterations < 1:
		return errors.New("max_iterations must be at least 1")
	case c.DeltaGate <= 0:
		return errors.New("delta_gate must be positive")
	case c.WThreshold <= 0:
		return errors.New("w_threshold must be positive")
	case c.MaxStd <= 0:
		return errors.New("max_std must be positive")
	case c.SoundVelocity <= 0:
		return errors.New("sound_velocity must be positive")
	}
	return nil
}

const unknowns = 3

// Engine solves for the vehicle position alone. It is not safe for
// concurrent use.
type Engine struct {
	log *logging.Logger
	cfg Config

	st      *state.State
	vehicle *state.Entity
	store   *obs.Store
	cls     *obs.Classifier
	beacons map[int]lbl.Beacon

	seed   lbl.Point
	status nav.Status
	t      float64
	stats  nav.Stats
	diags  nav.DiagQueue
}

// New builds an offline engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "lsq config")
	}
	cls, err := obs.NewClassifier(cfg.Sensors)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		log:     logging.MustGetLogger("lsq"),
		cfg:     cfg,
		st:      state.New(),
		store:   obs.NewStore(cfg.Window),
		cls:     cls,
		beacons: make(map[int]lbl.Beacon),
	}
	for _, b := range cfg.Beacons {
		e.beacons[b.Channel] = b
	}
	if e.vehicle, err = e.st.AddEntity("vehicle", state.Vehicle, unknowns); err != nil {
		return nil, err
	}
	return e, nil
}

// SetLogger sets the engine's logger.
func (e *Engine) SetLogger(log *logging.Logger) {
	e.log = log
}

// Variables lists the sensor variables the engine consumes.
func (e *Engine) Variables() []string { return e.cls.Variables() }

// Status returns the lifecycle state.
func (e *Engine) Status() nav.Status { return e.status }

// Stats returns the data association counters.
func (e *Engine) Stats() nav.Stats { return e.stats }

// Seed returns the starting point of the next solve.
func (e *Engine) Seed() lbl.Point { return e.seed }

// Diagnostics drains the diagnostic text queue.
func (e *Engine) Diagnostics() []string { return e.diags.Drain() }

func (e *Engine) diag(format string, args ...interface{}) {
	e.log.Debug(e.diags.Addf(format, args...))
}

// AddData classifies a sensor message and stores its observations.
func (e *Engine) AddData(m comms.Msg) error {
	o, err := e.cls.Classify(m)
	if err != nil {
		return err
	}
	e.store.Add(o...)
	return nil
}

func (e *Engine) beaconCentroid() lbl.Point {
	return lbl.Mean(e.cfg.Beacons)
}

// Boot places the seed and brings the engine online.
func (e *Engine) Boot(now float64) error {
	e.status = nav.Booting
	e.seed = e.cfg.Seed
	if e.seed == (lbl.Point{}) {
		e.seed = e.beaconCentroid()
	}
	std := e.cfg.MaxStd
	e.st.Init(e.vehicle, []float64{e.seed.X, e.seed.Y, e.seed.Z}, []float64{std, std, std})
	e.t = now
	e.status = nav.Online
	e.diag("booted at t=%.3f seed=(%.2f, %.2f, %.2f)", now, e.seed.X, e.seed.Y, e.seed.Z)
	return nil
}

// usable reports whether the position-only model can predict o.
func (e *Engine) usable(o *obs.Observation) bool {
	switch o.Type {
	case obs.TOF:
		_, ok := e.beacons[o.Channel]
		return ok
	case obs.Depth, obs.X, obs.Y:
		return true
	}
	return false
}

// Iterate computes a fix from the observations of the trailing window.
// Observations with a standardised residual beyond WThreshold are rejected
// one at a time and the solve restarted. On failure the seed moves to the
// beacon centroid and ErrNoSolution is returned.
func (e *Engine) Iterate(now float64) error {
	if e.status != nav.Online {
		return nav.ErrNotOnline
	}
	defer e.store.Trim(now)

	var window []*obs.Observation
	for _, o := range obs.Pending(e.store.Window(now-e.cfg.Window, now)) {
		if e.usable(o) {
			window = append(window, o)
		}
	}

	for restart := 0; restart <= len(window); restart++ {
		var active []*obs.Observation
		for _, o := range window {
			if !o.Ignore {
				active = append(active, o)
			}
		}
		if len(active) < unknowns {
			return e.fail(errors.Errorf("%d usable observations", len(active)))
		}

		x, p, err := e.solve(active)
		if err != nil {
			return e.fail(err)
		}

		worst, w := e.worstResidual(active, x, p)
		if w > e.cfg.WThreshold {
			o := active[worst]
			o.Ignore = true
			e.stats.Rejected++
			e.diag("rejected %s w=%.2f", o, w)
			continue
		}

		e.st.Xhat = x
		e.st.Phat = p
		e.st.Symmetrize()
		e.seed = lbl.Point{X: x.Get(0, 0), Y: x.Get(1, 0), Z: x.Get(2, 0)}
		e.t = now
		e.stats.Accepted += uint64(len(active))
		e.stats.Updates++
		e.stats.ConsecutiveFailures = 0
		e.stats.Converged = true
		return nil
	}
	return e.fail(errors.New("too many rejections"))
}

func (e *Engine) fail(err error) error {
	e.seed = e.beaconCentroid()
	e.stats.Failures++
	e.stats.ConsecutiveFailures++
	e.diag("no solution: %v; seed moved to (%.2f, %.2f, %.2f)", err, e.seed.X, e.seed.Y, e.seed.Z)
	if e.cfg.MaxFailures > 0 && e.stats.ConsecutiveFailures == e.cfg.MaxFailures {
		e.stats.Converged = false
		e.diag("no convergence for %d cycles", e.stats.ConsecutiveFailures)
		e.log.WithField("failures", e.stats.ConsecutiveFailures).Warn("LSQ is not converging")
	}
	return errors.Wrap(nav.ErrNoSolution, err.Error())
}

// solve runs Gauss-Newton from the seed:
// P = (H' R^-1 H)^-1, x += P H' R^-1 innov.
func (e *Engine) solve(active []*obs.Observation) (x, p *matrix.DenseMatrix, err error) {
	x = matrix.MakeDenseMatrix([]float64{e.seed.X, e.seed.Y, e.seed.Z}, unknowns, 1)
	for it := 0; it < e.cfg.MaxIterations; it++ {
		h, innov, rinv := e.linearize(active, x)
		htr := matrix.Product(h.Transpose(), rinv)
		n := matrix.Product(htr, h)
		if p, err = n.Inverse(); err != nil {
			return nil, nil, errors.Wrap(err, "normal equations")
		}
		for i := 0; i < unknowns; i++ {
			d := p.Get(i, i)
			if !(d > 0) || math.Sqrt(d) > e.cfg.MaxStd {
				return nil, nil, errors.Errorf("ill-conditioned: variance %v", d)
			}
		}
		dx := matrix.Product(p, matrix.Product(htr, innov))
		x = matrix.Sum(x, dx)
		if d2 := matrix.Product(dx.Transpose(), matrix.Product(n, dx)).Get(0, 0); d2 < e.cfg.DeltaGate {
			return x, p, nil
		}
	}
	return nil, nil, errors.Errorf("no convergence after %d iterations", e.cfg.MaxIterations)
}

// linearize returns H, the innovation vector and R^-1 about x.
func (e *Engine) linearize(active []*obs.Observation, x *matrix.DenseMatrix) (h, innov, rinv *matrix.DenseMatrix) {
	m := len(active)
	h = matrix.Zeros(m, unknowns)
	innov = matrix.Zeros(m, 1)
	rinv = matrix.Zeros(m, m)
	vp := lbl.Point{X: x.Get(0, 0), Y: x.Get(1, 0), Z: x.Get(2, 0)}
	for i, o := range active {
		var pred float64
		switch o.Type {
		case obs.TOF:
			b := e.beacons[o.Channel]
			pred = lbl.PredictTOF(vp, b.Position, e.cfg.SoundVelocity, b.TAT)
			j := lbl.TOFJacobian(vp, b.Position, e.cfg.SoundVelocity)
			h.Set(i, 0, j.X)
			h.Set(i, 1, j.Y)
			h.Set(i, 2, j.Z)
		case obs.X:
			pred = vp.X
			h.Set(i, 0, 1)
		case obs.Y:
			pred = vp.Y
			h.Set(i, 1, 1)
		case obs.Depth:
			pred = vp.Z
			h.Set(i, 2, 1)
		}
		o.Innovation = o.Value - pred
		innov.Set(i, 0, o.Innovation)
		rinv.Set(i, i, 1/(o.Std*o.Std))
	}
	return h, innov, rinv
}

// worstResidual returns the index and magnitude of the largest
// standardised residual w_i = r_i / sqrt((R - H P H')_ii).
func (e *Engine) worstResidual(active []*obs.Observation, x, p *matrix.DenseMatrix) (int, float64) {
	h, r, _ := e.linearize(active, x)
	hph := matrix.Product(h, matrix.Product(p, h.Transpose()))
	worst, worstW := 0, 0.0
	for i, o := range active {
		q := o.Std*o.Std - hph.Get(i, i)
		if q <= o.Std*o.Std*1e-9 {
			continue
		}
		if w := math.Abs(r.Get(i, 0)) / math.Sqrt(q); w > worstW {
			worst, worstW = i, w
		}
	}
	return worst, worstW
}

// Estimate returns the last accepted fix.
func (e *Engine) Estimate() nav.Estimate {
	v := e.vehicle
	std := func(i int) float64 { return math.Sqrt(math.Max(e.st.Var(v, i), 0)) }
	z := e.st.Get(v, state.IdxZ)
	return nav.Estimate{
		Time:  e.t,
		X:     e.st.Get(v, state.IdxX),
		Y:     e.st.Get(v, state.IdxY),
		Z:     z,
		Depth: z,
		XStd:  std(state.IdxX),
		YStd:  std(state.IdxY),
		ZStd:  std(state.IdxZ),
	}
}
