package comms

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppraise(t *testing.T) {
	cases := []struct {
		ms   float64
		want Quality
	}{
		{0.5, Excellent},
		{5, Good},
		{50, Fair},
		{500, Poor},
	}
	for _, tc := range cases {
		var s LatencyStats
		s.Add(time.Duration(tc.ms * float64(time.Millisecond)))
		assert.Equal(t, tc.want, s.Appraise(), "%vms", tc.ms)
	}
}

func TestLatencyStats_MovingAverage(t *testing.T) {
	var s LatencyStats
	for _, ms := range []int{10, 20, 30, 40, 50, 60, 2} {
		s.Add(time.Duration(ms) * time.Millisecond)
	}
	snap := s.Snapshot()
	assert.Equal(t, 2*time.Millisecond, snap.Recent)
	assert.Equal(t, 2*time.Millisecond, snap.Min)
	assert.Equal(t, 60*time.Millisecond, snap.Max)
	// last five samples: 30 40 50 60 2
	assert.Equal(t, 36400*time.Microsecond, snap.Average)
	assert.Equal(t, uint64(7), snap.Samples)
	assert.Equal(t, Good, snap.Quality())
}

func TestSkewFilter(t *testing.T) {
	f := NewSkewFilter()

	// server clock is 10s ahead, 2ms symmetric network delay.
	for i := 0; i < 10; i++ {
		ctx := float64(i)
		tm := Timing{ClientTx: ctx, ServerRx: ctx + 10 + 0.001, ServerTx: ctx + 10 + 0.0015}
		offset, rtt := f.Update(tm, ctx+0.0025)
		require.InDelta(t, 10.0, offset, 1e-6)
		require.InDelta(t, float64(2*time.Millisecond), float64(rtt), float64(time.Microsecond))
	}

	// a congested round trip with a biased offset must not move the estimate.
	tm := Timing{ClientTx: 20, ServerRx: 30.9, ServerTx: 30.9}
	offset, _ := f.Update(tm, 21)
	assert.InDelta(t, 10.0, offset, 1e-6)
	assert.InDelta(t, 10.0, f.Estimate(), 1e-6)
}
