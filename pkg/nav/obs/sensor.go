package obs

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/moosgo/moos/pkg/comms"
	"github.com/moosgo/moos/pkg/nav/lbl"
)

// Sensor kinds accepted in configuration.
const (
	SensorTOF         = "TOF"
	SensorDepth       = "DEPTH"
	SensorYaw         = "YAW"
	SensorX           = "X"
	SensorY           = "Y"
	SensorXY          = "XY"
	SensorBodyVel     = "BODY_VEL"
	SensorTide        = "TIDE"
	SensorHeadingBias = "HEADING_BIAS"
)

// Errors returned by the classifier.
var (
	ErrUnknownSensor = errors.New("unknown sensor kind")
	ErrNoSensor      = errors.New("no sensor for message")
	ErrBadPayload    = errors.New("unexpected payload")
)

// SensorConfig binds a published variable to an observation kind.
type SensorConfig struct {
	Name     string  `json:"name" yaml:"name"`
	Variable string  `json:"variable" yaml:"variable"`
	Source   string  `json:"source,omitempty" yaml:"source,omitempty"`
	Kind     string  `json:"kind" yaml:"kind"`
	Std      float64 `json:"std" yaml:"std"`
}

// Validate checks the sensor configuration.
func (c SensorConfig) Validate() error {
	switch strings.ToUpper(c.Kind) {
	case SensorTOF, SensorDepth, SensorYaw, SensorX, SensorY, SensorXY,
		SensorBodyVel, SensorTide, SensorHeadingBias:
	default:
		return errors.Wrapf(ErrUnknownSensor, "%s: %q", c.Name, c.Kind)
	}
	if c.Variable == "" {
		return errors.Errorf("sensor %s: no variable", c.Name)
	}
	if c.Std <= 0 {
		return errors.Errorf("sensor %s: std must be positive", c.Name)
	}
	return nil
}

// Classifier maps messages to observations by variable name and source.
type Classifier struct {
	sensors map[string][]SensorConfig
	nextID  uint64
}

// NewClassifier validates cfgs and builds a classifier.
func NewClassifier(cfgs []SensorConfig) (*Classifier, error) {
	c := &Classifier{sensors: make(map[string][]SensorConfig)}
	for _, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		cfg.Kind = strings.ToUpper(cfg.Kind)
		if cfg.Name == "" {
			cfg.Name = cfg.Variable
		}
		c.sensors[cfg.Variable] = append(c.sensors[cfg.Variable], cfg)
	}
	return c, nil
}

// Variables lists the variables the classifier understands, sorted.
func (c *Classifier) Variables() []string {
	out := make([]string, 0, len(c.sensors))
	for v := range c.sensors {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (c *Classifier) lookup(m comms.Msg) (SensorConfig, bool) {
	for _, s := range c.sensors[m.Key] {
		if s.Source == "" || s.Source == m.Source {
			return s, true
		}
	}
	return SensorConfig{}, false
}

// Classify converts one message into zero or more observations.
func (c *Classifier) Classify(m comms.Msg) ([]*Observation, error) {
	s, ok := c.lookup(m)
	if !ok {
		return nil, errors.Wrapf(ErrNoSensor, "%s from %s", m.Key, m.Source)
	}
	mk := func(t Type, v float64) *Observation {
		c.nextID++
		return &Observation{
			ID:     c.nextID,
			Type:   t,
			Time:   m.Time,
			Value:  v,
			Std:    s.Std,
			Sensor: s.Name,
			Source: m.Source,
		}
	}

	switch s.Kind {
	case SensorTOF:
		if !m.IsString() {
			return nil, errors.Wrap(ErrBadPayload, m.Key)
		}
		replies, err := lbl.ParseTOF(m.String)
		if err != nil {
			return nil, err
		}
		out := make([]*Observation, 0, len(replies))
		for _, r := range replies {
			o := mk(TOF, r.TOF)
			o.Channel = r.Channel
			out = append(out, o)
		}
		return out, nil

	case SensorXY, SensorBodyVel:
		if !m.IsString() {
			return nil, errors.Wrap(ErrBadPayload, m.Key)
		}
		keys, types := [2]string{"X", "Y"}, [2]Type{X, Y}
		if s.Kind == SensorBodyVel {
			keys, types = [2]string{"U", "V"}, [2]Type{BodyVelX, BodyVelY}
		}
		vals, err := parsePairs(m.String)
		if err != nil {
			return nil, err
		}
		var out []*Observation
		for i, k := range keys {
			if v, ok := vals[k]; ok {
				out = append(out, mk(types[i], v))
			}
		}
		return out, nil
	}

	if !m.IsDouble() {
		return nil, errors.Wrap(ErrBadPayload, m.Key)
	}
	var t Type
	switch s.Kind {
	case SensorDepth:
		t = Depth
	case SensorYaw:
		t = Yaw
	case SensorX:
		t = X
	case SensorY:
		t = Y
	case SensorTide:
		t = Tide
	case SensorHeadingBias:
		t = HeadingBias
	}
	return []*Observation{mk(t, m.Double)}, nil
}

// parsePairs reads "K=v,K=v" strings with numeric values. Keys are upper
// cased.
func parsePairs(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return nil, errors.Wrapf(ErrBadPayload, "field %q", field)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			return nil, errors.Wrapf(ErrBadPayload, "field %q", field)
		}
		out[strings.ToUpper(strings.TrimSpace(kv[0]))] = v
	}
	return out, nil
}
