package ekf

import (
	"github.com/pkg/errors"

	"github.com/moosgo/moos/pkg/nav/chisq"
	"github.com/moosgo/moos/pkg/nav/lbl"
	"github.com/moosgo/moos/pkg/nav/obs"
)

// Noise holds process noise densities, each per square root second.
type Noise struct {
	Position    float64 `json:"position" yaml:"position"`
	Velocity    float64 `json:"velocity" yaml:"velocity"`
	Yaw         float64 `json:"yaw" yaml:"yaw"`
	YawRate     float64 `json:"yaw_rate" yaml:"yaw_rate"`
	Tide        float64 `json:"tide" yaml:"tide"`
	HeadingBias float64 `json:"heading_bias" yaml:"heading_bias"`
}

// Prior is the initial vehicle and global state with its uncertainty.
type Prior struct {
	X   float64 `json:"x" yaml:"x"`
	Y   float64 `json:"y" yaml:"y"`
	Z   float64 `json:"z" yaml:"z"`
	Yaw float64 `json:"yaw" yaml:"yaw"`

	PositionStd    float64 `json:"position_std" yaml:"position_std"`
	DepthStd       float64 `json:"depth_std" yaml:"depth_std"`
	YawStd         float64 `json:"yaw_std" yaml:"yaw_std"`
	VelocityStd    float64 `json:"velocity_std" yaml:"velocity_std"`
	YawRateStd     float64 `json:"yaw_rate_std" yaml:"yaw_rate_std"`
	TideStd        float64 `json:"tide_std" yaml:"tide_std"`
	HeadingBiasStd float64 `json:"heading_bias_std" yaml:"heading_bias_std"`
}

// Config configures an EKF engine.
type Config struct {
	// Lag holds the estimate back from the present so late data can settle.
	Lag float64 `json:"lag" yaml:"lag"`
	// MaxSlice bounds the length of one predict/update step.
	MaxSlice      float64 `json:"max_slice" yaml:"max_slice"`
	Confidence    float64 `json:"confidence" yaml:"confidence"`
	SoundVelocity float64 `json:"sound_velocity" yaml:"sound_velocity"`
	// Velocities beyond these limits are zeroed. Zero disables a limit.
	MaxSpeed   float64 `json:"max_speed" yaml:"max_speed"`
	MaxYawRate float64 `json:"max_yaw_rate" yaml:"max_yaw_rate"`
	// ObsSpan is how much observation history is retained.
	ObsSpan float64 `json:"obs_span" yaml:"obs_span"`
	// TrajectoryDepth enables the smoothing variant when positive.
	TrajectoryDepth int `json:"trajectory_depth" yaml:"trajectory_depth"`
	// MaxFailures is the number of consecutive failed cycles tolerated
	// before the engine reports itself as not converging.
	MaxFailures int `json:"max_failures" yaml:"max_failures"`

	Prior   Prior              `json:"prior" yaml:"prior"`
	Noise   Noise              `json:"noise" yaml:"noise"`
	Beacons []lbl.Beacon       `json:"beacons" yaml:"beacons"`
	Sensors []obs.SensorConfig `json:"sensors" yaml:"sensors"`
}

// DefaultConfig returns a configuration suitable for a slow AUV.
func DefaultConfig() Config {
	return Config{
		Lag:           1,
		MaxSlice:      0.5,
		Confidence:    chisq.Confidence99,
		SoundVelocity: lbl.DefaultSoundVelocity,
		MaxSpeed:      5,
		MaxYawRate:    1,
		ObsSpan:       60,
		MaxFailures:   10,
		Prior: Prior{
			PositionStd:    100,
			DepthStd:       5,
			YawStd:         1,
			VelocityStd:    1,
			YawRateStd:     0.1,
			TideStd:        0.5,
			HeadingBiasStd: 0.05,
		},
		Noise: Noise{
			Position:    0.1,
			Velocity:    0.1,
			Yaw:         0.02,
			YawRate:     0.01,
			Tide:        0.001,
			HeadingBias: 0.0001,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Lag < 0:
		return errors.New("lag must not be negative")
	case c.MaxSlice <= 0:
		return errors.New("max_slice must be positive")
	case c.Confidence <= 0 || c.Confidence >= 1:
		return errors.New("confidence must be within (0, 1)")
	case c.SoundVelocity <= 0:
		return errors.New("sound_velocity must be positive")
	case c.ObsSpan <= c.Lag:
		return errors.New("obs_span must exceed lag")
	case c.TrajectoryDepth < 0:
		return errors.New("trajectory_depth must not be negative")
	}
	channels := make(map[int]bool)
	for _, b := range c.Beacons {
		if channels[b.Channel] {
			return errors.Errorf("beacon %s: duplicate channel %d", b.Name, b.Channel)
		}
		channels[b.Channel] = true
	}
	return nil
}
