package moostime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func TestTimeSource_Warp(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	ts := New(WithClock(clock.Now), WithWarp(10))

	require.InDelta(t, 1000.0, ts.Now(), 1e-9)

	clock.t = clock.t.Add(2 * time.Second)
	assert.InDelta(t, 1020.0, ts.LocalNow(), 1e-9)
}

func TestTimeSource_Skew(t *testing.T) {
	clock := &fakeClock{t: time.Unix(50, 0)}
	ts := New(WithClock(clock.Now))

	ts.SetSkew(-1.5)
	assert.Equal(t, -1.5, ts.Skew())
	assert.InDelta(t, 48.5, ts.Now(), 1e-9)
	assert.InDelta(t, 50.0, ts.LocalNow(), 1e-9)
}

func TestWithWarp_IgnoresNonPositive(t *testing.T) {
	ts := New(WithWarp(0), WithWarp(-3))
	assert.Equal(t, 1.0, ts.Warp())
}
