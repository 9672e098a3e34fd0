package comms

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moosgo/moos/internal/testhelpers"
	"github.com/moosgo/moos/pkg/moostime"
)

func TestClient_TickWaitScalesWithWarp(t *testing.T) {
	cases := []struct {
		name  string
		warp  float64
		scale float64
		want  time.Duration
	}{
		{"real time", 1, 0.5, 100 * time.Millisecond},
		{"no scaling", 5, 0, 100 * time.Millisecond},
		{"scaled", 5, 0.5, 300 * time.Millisecond},
		{"full scale", 3, 1, 300 * time.Millisecond},
		{"capped", 100, 1, 100*time.Millisecond + maxWarpDelay},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultClientConfig()
			cfg.CommsControlTimeWarpScaleFactor = tc.scale
			c := NewClient(cfg, moostime.New(moostime.WithWarp(tc.warp)))
			c.period = 100 * time.Millisecond
			assert.Equal(t, tc.want, c.tickWait())
		})
	}
}

func TestClient_PaceHonoursContext(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.CommsControlTimeWarpScaleFactor = 1
	c := NewClient(cfg, moostime.New(moostime.WithWarp(50)))
	c.period = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() {
		c.pace(ctx, time.Now())
		done <- nil
	}()
	assert.NoError(t, testhelpers.WithinTimeout(done), "pace ignored a cancelled context")
}

func timingMsg(tm Timing) Msg {
	return NewBinaryMsg(TimingType, timingKey, EncodeTiming(tm), 0)
}

func pipeConn(t *testing.T, c *Client) (*Conn, func()) {
	local, remote := net.Pipe()
	conn := newConn(c.log, local, time.Second)
	return conn, func() {
		testhelpers.NoErrorN(t, local.Close(), remote.Close())
	}
}

func TestClient_LocalTimeCorrection(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	// server is 10s ahead with no transit time.
	tm := Timing{ClientTx: 1000, ServerRx: 1010, ServerTx: 1010}

	t.Run("enabled", func(t *testing.T) {
		cfg := DefaultClientConfig()
		cfg.DoLocalTimeCorrection = true
		c := NewClient(cfg, moostime.New(moostime.WithClock(clock)))
		conn, closeConn := pipeConn(t, c)
		defer closeConn()

		c.onTiming(conn, timingMsg(tm))
		assert.InDelta(t, 10.0, c.ts.Skew(), 1e-9)
		assert.InDelta(t, 1010.0, c.ts.Now(), 1e-9)
		assert.InDelta(t, 1000.0, c.ts.LocalNow(), 1e-9)
		assert.Equal(t, uint64(1), conn.Latency().Snapshot().Samples)
	})

	t.Run("disabled", func(t *testing.T) {
		c := NewClient(DefaultClientConfig(), moostime.New(moostime.WithClock(clock)))
		conn, closeConn := pipeConn(t, c)
		defer closeConn()

		c.onTiming(conn, timingMsg(tm))
		assert.Zero(t, c.ts.Skew())
		assert.InDelta(t, 1000.0, c.ts.Now(), 1e-9)
		// the estimate is still tracked for status reporting
		assert.InDelta(t, 10.0, c.skew.Estimate(), 1e-9)
	})

	t.Run("bad payload", func(t *testing.T) {
		cfg := DefaultClientConfig()
		cfg.DoLocalTimeCorrection = true
		c := NewClient(cfg, moostime.New(moostime.WithClock(clock)))
		conn, closeConn := pipeConn(t, c)
		defer closeConn()

		c.onTiming(conn, NewBinaryMsg(TimingType, timingKey, []byte{1, 2}, 0))
		assert.Zero(t, c.ts.Skew())
		assert.Zero(t, conn.Latency().Snapshot().Samples)
	})
}

func TestClient_ReconnectUnderSameName(t *testing.T) {
	s, port := startServer(t, ServerConfig{})
	defer s.Stop() //nolint:errcheck

	first := startClient(t, port, "pNav", DefaultClientConfig())
	assert.False(t, s.IsUniqueName("pNav"))
	require.NoError(t, first.Close())
	testhelpers.Eventually(t, func() bool { return s.IsUniqueName("pNav") }, "name slot not freed")

	errCh := make(chan error, 1)
	second := NewClient(DefaultClientConfig(), nil)
	go func() {
		if err := second.Run("127.0.0.1", port, "pNav", 50); err != nil {
			errCh <- err
			return
		}
		if !second.WaitUntilConnected(testhelpers.Timeout) {
			errCh <- ErrConnect
			return
		}
		errCh <- nil
	}()
	require.NoError(t, testhelpers.WithinTimeout(errCh))
	defer second.Close() //nolint:errcheck

	assert.Equal(t, []string{"pNav"}, s.Clients())
	assert.False(t, s.IsUniqueName("pNav"))
}
