package comms

import (
	"sort"
	"sync"
	"time"
)

const (
	skewWindow   = 15
	skewRTTSlack = 2 * time.Millisecond
)

type skewSample struct {
	offset float64
	rtt    time.Duration
}

// SkewFilter estimates the offset between the local clock and the server
// clock from round-trip timings. Samples with a round trip much longer than
// the best recent one are ignored and the median offset of the rest is used.
type SkewFilter struct {
	samples []skewSample
	next    int
	mx      sync.Mutex
}

// NewSkewFilter creates a new SkewFilter.
func NewSkewFilter() *SkewFilter {
	return &SkewFilter{samples: make([]skewSample, 0, skewWindow)}
}

// Update feeds one round trip. clientTx and clientRx are local (not skew
// corrected) times. It returns the filtered offset to add to local time and
// the round-trip latency of this sample.
func (f *SkewFilter) Update(t Timing, clientRx float64) (float64, time.Duration) {
	rtt := seconds((clientRx - t.ClientTx) - (t.ServerTx - t.ServerRx))
	if rtt < 0 {
		rtt = 0
	}
	offset := ((t.ServerRx - t.ClientTx) + (t.ServerTx - clientRx)) / 2

	f.mx.Lock()
	defer f.mx.Unlock()

	s := skewSample{offset: offset, rtt: rtt}
	if len(f.samples) < skewWindow {
		f.samples = append(f.samples, s)
	} else {
		f.samples[f.next] = s
	}
	f.next = (f.next + 1) % skewWindow

	return f.estimate(), rtt
}

// Estimate returns the current filtered offset.
func (f *SkewFilter) Estimate() float64 {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.estimate()
}

func (f *SkewFilter) estimate() float64 {
	if len(f.samples) == 0 {
		return 0
	}
	best := f.samples[0].rtt
	for _, s := range f.samples[1:] {
		if s.rtt < best {
			best = s.rtt
		}
	}
	limit := 2*best + skewRTTSlack

	offsets := make([]float64, 0, len(f.samples))
	for _, s := range f.samples {
		if s.rtt <= limit {
			offsets = append(offsets, s.offset)
		}
	}
	sort.Float64s(offsets)
	mid := len(offsets) / 2
	if len(offsets)%2 == 1 {
		return offsets[mid]
	}
	return (offsets[mid-1] + offsets[mid]) / 2
}
