// Package navigator binds a navigation engine to a MOOS community: sensor
// mail flows into the engine through an active queue and solutions are
// published back on a fixed tick.
package navigator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/moosgo/moos/pkg/comms"
	"github.com/moosgo/moos/pkg/moostime"
	"github.com/moosgo/moos/pkg/nav"
)

// DataQueue is the name of the active queue feeding the engine.
const DataQueue = "nav_data"

// Published variable suffixes.
const (
	SuffixX       = "_X"
	SuffixY       = "_Y"
	SuffixZ       = "_Z"
	SuffixDepth   = "_DEPTH"
	SuffixYaw     = "_YAW"
	SuffixSpeed   = "_SPEED"
	SuffixStatus  = "_STATUS"
	SuffixRejects = "_REJECTS"
	SuffixDiag    = "_DIAG"
)

// Config configures a Navigator.
type Config struct {
	// Prefix names the published variables, e.g. LBL_X.
	Prefix string `json:"prefix" yaml:"prefix"`
	// IterateHz is the rate Iterate is called at.
	IterateHz float64 `json:"iterate_hz" yaml:"iterate_hz"`
	// PublishDiagnostics publishes engine diagnostics as <PREFIX>_DIAG.
	PublishDiagnostics bool `json:"publish_diagnostics" yaml:"publish_diagnostics"`
}

// DefaultConfig returns the default navigator configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:             "LBL",
		IterateHz:          2,
		PublishDiagnostics: true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Prefix == "" {
		return errors.New("prefix must not be empty")
	}
	if c.IterateHz <= 0 {
		return errors.New("iterate_hz must be positive")
	}
	return nil
}

// Client is the part of comms.Client the navigator uses.
type Client interface {
	Register(key string, interval float64) error
	AddActiveQueue(name string, fn comms.ActiveQueueFunc) error
	AddMessageRouteToActiveQueue(queue, key string) error
	Notify(key string, value interface{}, t float64) error
}

// Navigator drives one engine.
type Navigator struct {
	log    *logging.Logger
	cfg    Config
	client Client
	ts     *moostime.TimeSource

	mx       sync.Mutex
	engine   nav.Engine
	received uint64
	dropped  uint64
}

// New creates a navigator. Subscribe must be called before data flows.
func New(cfg Config, client Client, engine nav.Engine, ts *moostime.TimeSource) (*Navigator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "navigator config")
	}
	return &Navigator{
		log:    logging.MustGetLogger("navigator"),
		cfg:    cfg,
		client: client,
		ts:     ts,
		engine: engine,
	}, nil
}

// SetLogger sets the navigator's logger.
func (n *Navigator) SetLogger(log *logging.Logger) {
	n.log = log
}

// Subscribe registers for every sensor variable the engine consumes and
// routes them into the data queue.
func (n *Navigator) Subscribe() error {
	if err := n.client.AddActiveQueue(DataQueue, n.onData); err != nil {
		return err
	}
	for _, v := range n.engine.Variables() {
		if err := n.client.AddMessageRouteToActiveQueue(DataQueue, v); err != nil {
			return err
		}
		if err := n.client.Register(v, 0); err != nil {
			return errors.Wrapf(err, "register %s", v)
		}
	}
	return nil
}

func (n *Navigator) onData(m comms.Msg) error {
	n.mx.Lock()
	defer n.mx.Unlock()
	if err := n.engine.AddData(m); err != nil {
		n.dropped++
		return err
	}
	n.received++
	return nil
}

// Counters returns how many sensor messages were accepted and dropped.
func (n *Navigator) Counters() (received, dropped uint64) {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.received, n.dropped
}

// Step boots the engine once data has arrived, iterates it to now and
// publishes the outcome. A failed iteration publishes status only and the
// last good solution stands.
func (n *Navigator) Step(now float64) error {
	n.mx.Lock()
	status := n.engine.Status()
	if status == nav.Offline && n.received > 0 {
		if err := n.engine.Boot(now); err != nil {
			n.mx.Unlock()
			return errors.Wrap(err, "boot")
		}
		n.log.WithField("t", now).Info("Navigation engine booted")
		status = n.engine.Status()
	}
	var err error
	if status == nav.Online {
		err = n.engine.Iterate(now)
	}
	est, stats, diags := n.engine.Estimate(), n.engine.Stats(), n.engine.Diagnostics()
	status = n.engine.Status()
	n.mx.Unlock()

	if status == nav.Online && err == nil {
		n.publishEstimate(est)
	}
	if err != nil {
		n.log.WithError(err).Debug("Iterate failed")
	}
	n.notify(SuffixStatus, formatStatus(status, stats, err), now)
	n.notify(SuffixRejects, float64(stats.Rejected), now)
	if n.cfg.PublishDiagnostics {
		for _, d := range diags {
			n.notify(SuffixDiag, d, now)
		}
	}
	if errors.Cause(err) == nav.ErrNoSolution {
		return nil
	}
	return err
}

func (n *Navigator) publishEstimate(est nav.Estimate) {
	n.notify(SuffixX, est.X, est.Time)
	n.notify(SuffixY, est.Y, est.Time)
	n.notify(SuffixZ, est.Z, est.Time)
	n.notify(SuffixDepth, est.Depth, est.Time)
	n.notify(SuffixYaw, est.Yaw, est.Time)
	n.notify(SuffixSpeed, est.Speed, est.Time)
}

func (n *Navigator) notify(suffix string, v interface{}, t float64) {
	if err := n.client.Notify(n.cfg.Prefix+suffix, v, t); err != nil {
		n.log.WithError(err).WithField("key", n.cfg.Prefix+suffix).Warn("Failed to publish")
	}
}

func formatStatus(status nav.Status, s nav.Stats, err error) string {
	parts := []string{
		"Status=" + status.String(),
		fmt.Sprintf("Updates=%d", s.Updates),
		fmt.Sprintf("Accepted=%d", s.Accepted),
		fmt.Sprintf("Rejected=%d", s.Rejected),
		fmt.Sprintf("Failures=%d", s.Failures),
		fmt.Sprintf("Converged=%t", s.Converged),
	}
	if err != nil {
		parts = append(parts, "Error="+strings.Replace(err.Error(), ",", ";", -1))
	}
	return strings.Join(parts, ",")
}

// Run calls Step at IterateHz until ctx is done.
func (n *Navigator) Run(ctx context.Context) error {
	t := time.NewTicker(time.Duration(float64(time.Second) / n.cfg.IterateHz))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := n.Step(n.ts.Now()); err != nil {
				n.log.WithError(err).Error("Navigation step failed")
			}
		}
	}
}
