package comms

import (
	"math"
	"sync"
	"time"
)

// Quality is the appraised quality of a link.
type Quality int

// Link qualities.
const (
	Excellent Quality = iota
	Good
	Fair
	Poor
)

func (q Quality) String() string {
	switch q {
	case Excellent:
		return "Excellent"
	case Good:
		return "Good"
	case Fair:
		return "Fair"
	default:
		return "Poor"
	}
}

// Appraise classifies a latency.
func Appraise(latency time.Duration) Quality {
	switch {
	case latency < time.Millisecond:
		return Excellent
	case latency < 10*time.Millisecond:
		return Good
	case latency < 100*time.Millisecond:
		return Fair
	default:
		return Poor
	}
}

const latencyWindow = 5

// LatencyStats tracks round-trip latencies of a connection.
type LatencyStats struct {
	recent  time.Duration
	min     time.Duration
	max     time.Duration
	window  [latencyWindow]time.Duration
	n       int
	samples uint64
	mx      sync.Mutex
}

// Add records a latency sample. Negative samples are clamped to zero.
func (s *LatencyStats) Add(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mx.Lock()
	defer s.mx.Unlock()

	s.recent = d
	if s.samples == 0 || d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
	s.window[s.samples%latencyWindow] = d
	s.samples++
	if s.n < latencyWindow {
		s.n++
	}
}

// LatencySnapshot is a point-in-time copy of LatencyStats.
type LatencySnapshot struct {
	Recent  time.Duration `json:"recent"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Average time.Duration `json:"average"`
	Samples uint64        `json:"samples"`
}

// Snapshot returns the current statistics.
func (s *LatencyStats) Snapshot() LatencySnapshot {
	s.mx.Lock()
	defer s.mx.Unlock()

	snap := LatencySnapshot{Recent: s.recent, Min: s.min, Max: s.max, Samples: s.samples}
	if s.n > 0 {
		var sum time.Duration
		for i := 0; i < s.n; i++ {
			sum += s.window[i]
		}
		snap.Average = sum / time.Duration(s.n)
	}
	return snap
}

// Appraise classifies the most recent latency.
func (s *LatencyStats) Appraise() Quality {
	return Appraise(s.Snapshot().Recent)
}

// Quality is a shorthand for appraising the recent latency of a snapshot.
func (s LatencySnapshot) Quality() Quality { return Appraise(s.Recent) }

func seconds(d float64) time.Duration {
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	return time.Duration(d * float64(time.Second))
}
