package comms

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moosgo/moos/internal/testhelpers"
)

type collector struct {
	msgs []Msg
	mx   sync.Mutex
}

func (c *collector) fn(msg Msg) error {
	c.mx.Lock()
	c.msgs = append(c.msgs, msg)
	c.mx.Unlock()
	return nil
}

func (c *collector) keys() []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	keys := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		keys[i] = m.Key
	}
	return keys
}

func (c *collector) len() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.msgs)
}

func notify(keys ...string) []Msg {
	msgs := make([]Msg, len(keys))
	for i, k := range keys {
		msgs[i] = NewDoubleMsg(NotifyType, k, float64(i), float64(i))
	}
	return msgs
}

func TestActiveQueues_Routing(t *testing.T) {
	aq := newActiveQueues(logging.MustGetLogger("test"), 16)
	defer aq.close()

	var nav collector
	require.NoError(t, aq.add("nav", nav.fn))
	require.NoError(t, aq.route("nav", "NAV_X"))
	require.NoError(t, aq.route("nav", "NAV_Y"))

	err := aq.add("nav", nav.fn)
	assert.Equal(t, ErrQueueExists, errors.Cause(err))
	err = aq.route("missing", "NAV_X")
	assert.Equal(t, ErrNoSuchQueue, errors.Cause(err))

	rest := aq.dispatch(notify("NAV_X", "DEPTH", "NAV_Y"))
	require.Len(t, rest, 1)
	assert.Equal(t, "DEPTH", rest[0].Key)

	testhelpers.Eventually(t, func() bool { return nav.len() == 2 })
	assert.Equal(t, []string{"NAV_X", "NAV_Y"}, nav.keys())
}

func TestActiveQueues_WildcardRetroactive(t *testing.T) {
	aq := newActiveQueues(logging.MustGetLogger("test"), 16)
	defer aq.close()

	// names seen before the queue exists are still routed afterwards.
	rest := aq.dispatch(notify("LBL_TOF_1", "LBL_TOF_2", "DEPTH"))
	assert.Len(t, rest, 3)

	var tof collector
	require.NoError(t, aq.addWildcard("tof", "LBL_TOF_*", tof.fn))
	assert.True(t, aq.has("tof"))

	rest = aq.dispatch(notify("LBL_TOF_2", "DEPTH", "LBL_TOF_9"))
	require.Len(t, rest, 1)
	assert.Equal(t, "DEPTH", rest[0].Key)
	testhelpers.Eventually(t, func() bool { return tof.len() == 2 })

	aq.mx.Lock()
	_, routed := aq.routes["LBL_TOF_1"]["tof"]
	aq.mx.Unlock()
	assert.True(t, routed)
}

func TestActiveQueues_FanOutToSeveralQueues(t *testing.T) {
	aq := newActiveQueues(logging.MustGetLogger("test"), 16)
	defer aq.close()

	var a, b collector
	require.NoError(t, aq.add("a", a.fn))
	require.NoError(t, aq.addWildcard("b", "*", b.fn))
	require.NoError(t, aq.route("a", "X"))

	assert.Empty(t, aq.dispatch(notify("X", "Y")))
	testhelpers.Eventually(t, func() bool { return a.len() == 1 && b.len() == 2 })
}

func TestActiveQueues_CallbackFailuresDoNotStopWorker(t *testing.T) {
	aq := newActiveQueues(logging.MustGetLogger("test"), 16)
	defer aq.close()

	var got collector
	calls := 0
	fn := func(msg Msg) error {
		calls++
		switch calls {
		case 1:
			return errors.New("boom")
		case 2:
			panic("bad callback")
		}
		return got.fn(msg)
	}
	require.NoError(t, aq.add("q", fn))
	require.NoError(t, aq.route("q", "K"))

	for i := 0; i < 3; i++ {
		aq.dispatch(notify("K"))
	}
	testhelpers.Eventually(t, func() bool { return got.len() == 1 })
}

func TestActiveQueues_Remove(t *testing.T) {
	aq := newActiveQueues(logging.MustGetLogger("test"), 16)
	defer aq.close()

	block := make(chan struct{})
	started := make(chan struct{})
	fn := func(Msg) error {
		close(started)
		<-block
		return nil
	}
	require.NoError(t, aq.add("slow", fn))
	require.NoError(t, aq.route("slow", "K"))
	aq.dispatch(notify("K"))
	<-started

	removed := make(chan bool)
	go func() { removed <- aq.remove("slow") }()

	// remove waits for the in-flight callback.
	select {
	case <-removed:
		t.Fatal("remove returned while callback running")
	default:
	}
	close(block)
	assert.True(t, <-removed)
	assert.False(t, aq.has("slow"))
	assert.False(t, aq.remove("slow"))
	assert.Len(t, aq.dispatch(notify("K")), 1)
}
