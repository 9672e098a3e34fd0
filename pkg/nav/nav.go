// Package nav defines what the navigation engines have in common: their
// lifecycle, their output and the interface the navigator drives.
package nav

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/moosgo/moos/pkg/comms"
)

// Status is the engine lifecycle state.
type Status int

// Engine states.
const (
	Offline Status = iota
	Booting
	Online
)

func (s Status) String() string {
	switch s {
	case Offline:
		return "OFFLINE"
	case Booting:
		return "BOOTING"
	case Online:
		return "ONLINE"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Errors shared by the engines.
var (
	ErrNoSolution = errors.New("no solution")
	ErrNotOnline  = errors.New("engine not online")
)

// Stats counts data association outcomes.
type Stats struct {
	Accepted            uint64 `json:"accepted"`
	Rejected            uint64 `json:"rejected"`
	Updates             uint64 `json:"updates"`
	Failures            uint64 `json:"failures"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Converged           bool   `json:"converged"`
}

// Estimate is a vehicle solution at Time. Fields an engine does not
// estimate are left zero.
type Estimate struct {
	Time        float64 `json:"time"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
	Depth       float64 `json:"depth"`
	Yaw         float64 `json:"yaw"`
	Speed       float64 `json:"speed"`
	VX          float64 `json:"vx"`
	VY          float64 `json:"vy"`
	VZ          float64 `json:"vz"`
	YawRate     float64 `json:"yaw_rate"`
	Tide        float64 `json:"tide"`
	HeadingBias float64 `json:"heading_bias"`
	XStd        float64 `json:"x_std"`
	YStd        float64 `json:"y_std"`
	ZStd        float64 `json:"z_std"`
	YawStd      float64 `json:"yaw_std"`
}

// Engine is a navigation filter fed with sensor messages.
type Engine interface {
	// Variables lists the sensor variables the engine consumes.
	Variables() []string
	AddData(m comms.Msg) error
	Boot(now float64) error
	Iterate(now float64) error
	Status() Status
	Estimate() Estimate
	Stats() Stats
	// Diagnostics drains pending diagnostic text.
	Diagnostics() []string
}

// MaxDiagnostics bounds the diagnostic queue; the oldest lines go first.
const MaxDiagnostics = 256

// DiagQueue collects diagnostic text until drained.
type DiagQueue struct {
	lines []string
}

// Addf formats and queues a line, returning it.
func (q *DiagQueue) Addf(format string, args ...interface{}) string {
	s := fmt.Sprintf(format, args...)
	if len(q.lines) >= MaxDiagnostics {
		q.lines = q.lines[1:]
	}
	q.lines = append(q.lines, s)
	return s
}

// Drain returns and clears the queued lines.
func (q *DiagQueue) Drain() []string {
	out := q.lines
	q.lines = nil
	return out
}
