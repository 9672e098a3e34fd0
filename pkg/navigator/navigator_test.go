package navigator

import (
	"context"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/moosgo/moos/internal/testhelpers"
	"github.com/moosgo/moos/pkg/comms"
	"github.com/moosgo/moos/pkg/moosdb"
	"github.com/moosgo/moos/pkg/moostime"
	"github.com/moosgo/moos/pkg/nav"
	"github.com/moosgo/moos/pkg/nav/ekf"
	"github.com/moosgo/moos/pkg/nav/obs"
)

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			log.Fatal(err)
		}
		logging.SetLevel(lvl)
	} else {
		logging.Disable()
	}

	os.Exit(m.Run())
}

type fakeClient struct {
	mx       sync.Mutex
	regs     []string
	routes   map[string]string
	queue    comms.ActiveQueueFunc
	notified map[string][]interface{}
	failKey  string
}

func newFakeClient() *fakeClient {
	return &fakeClient{routes: make(map[string]string), notified: make(map[string][]interface{})}
}

func (f *fakeClient) Register(key string, _ float64) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.regs = append(f.regs, key)
	return nil
}

func (f *fakeClient) AddActiveQueue(name string, fn comms.ActiveQueueFunc) error {
	f.queue = fn
	return nil
}

func (f *fakeClient) AddMessageRouteToActiveQueue(queue, key string) error {
	f.routes[key] = queue
	return nil
}

func (f *fakeClient) Notify(key string, value interface{}, _ float64) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if key == f.failKey {
		return comms.ErrOutboxFull
	}
	f.notified[key] = append(f.notified[key], value)
	return nil
}

func (f *fakeClient) last(key string) (interface{}, bool) {
	f.mx.Lock()
	defer f.mx.Unlock()
	v := f.notified[key]
	if len(v) == 0 {
		return nil, false
	}
	return v[len(v)-1], true
}

func engineConfig() ekf.Config {
	cfg := ekf.DefaultConfig()
	cfg.Lag = 0
	cfg.Prior.PositionStd = 10
	cfg.Sensors = []obs.SensorConfig{
		{Name: "gps", Variable: "GPS_X", Kind: obs.SensorX, Std: 1},
		{Name: "gps", Variable: "GPS_Y", Kind: obs.SensorY, Std: 1},
		{Name: "depth", Variable: "DEPTH", Kind: obs.SensorDepth, Std: 0.1},
	}
	return cfg
}

func newNavigator(t *testing.T, c Client) *Navigator {
	e, err := ekf.New(engineConfig())
	require.NoError(t, err)
	n, err := New(DefaultConfig(), c, e, moostime.New())
	require.NoError(t, err)
	require.NoError(t, n.Subscribe())
	return n
}

func TestNavigator_Subscribe(t *testing.T) {
	c := newFakeClient()
	newNavigator(t, c)

	assert.Equal(t, []string{"DEPTH", "GPS_X", "GPS_Y"}, c.regs)
	assert.Equal(t, DataQueue, c.routes["GPS_X"])
	assert.NotNil(t, c.queue)
}

func TestNavigator_BootsOnFirstData(t *testing.T) {
	c := newFakeClient()
	n := newNavigator(t, c)

	require.NoError(t, n.Step(1))
	status, ok := c.last("LBL_STATUS")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(status.(string), "Status=OFFLINE"))
	_, ok = c.last("LBL_X")
	assert.False(t, ok)

	require.NoError(t, c.queue(comms.NewDoubleMsg(comms.NotifyType, "GPS_X", 10, 1)))
	require.NoError(t, c.queue(comms.NewDoubleMsg(comms.NotifyType, "GPS_Y", 20, 1)))
	require.NoError(t, c.queue(comms.NewDoubleMsg(comms.NotifyType, "DEPTH", 5, 1)))
	require.NoError(t, n.Step(1))

	for key, want := range map[string]float64{"LBL_X": 10, "LBL_Y": 20, "LBL_Z": 5, "LBL_DEPTH": 5} {
		v, ok := c.last(key)
		require.True(t, ok, key)
		assert.Equal(t, want, v, key)
	}
	status, _ = c.last("LBL_STATUS")
	assert.True(t, strings.HasPrefix(status.(string), "Status=ONLINE"), status)
	rejects, _ := c.last("LBL_REJECTS")
	assert.Equal(t, 0.0, rejects)
	diag, ok := c.last("LBL_DIAG")
	require.True(t, ok)
	assert.Contains(t, diag, "booted")
}

func TestNavigator_CountsBadData(t *testing.T) {
	c := newFakeClient()
	n := newNavigator(t, c)

	err := c.queue(comms.NewStringMsg(comms.NotifyType, "GPS_X", "ten", 1))
	assert.Equal(t, obs.ErrBadPayload, errors.Cause(err))
	received, dropped := n.Counters()
	assert.Zero(t, received)
	assert.Equal(t, uint64(1), dropped)

	// nothing usable arrived, so the engine stays offline
	require.NoError(t, n.Step(2))
	status, _ := c.last("LBL_STATUS")
	assert.True(t, strings.HasPrefix(status.(string), "Status=OFFLINE"))
}

func TestNavigator_PublishFailureIsNotFatal(t *testing.T) {
	c := newFakeClient()
	c.failKey = "LBL_STATUS"
	n := newNavigator(t, c)
	require.NoError(t, n.Step(1))
	_, ok := c.last("LBL_REJECTS")
	assert.True(t, ok)
}

func TestFormatStatus(t *testing.T) {
	s := formatStatus(nav.Online, nav.Stats{Updates: 3, Accepted: 7, Rejected: 1, Converged: true}, errors.New("a, b"))
	assert.Equal(t, "Status=ONLINE,Updates=3,Accepted=7,Rejected=1,Failures=0,Converged=true,Error=a; b", s)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{IterateHz: 1}.Validate())
	assert.Error(t, Config{Prefix: "X"}.Validate())
	_, err := New(Config{}, newFakeClient(), nil, nil)
	assert.Error(t, err)
}

func TestNavigator_EndToEnd(t *testing.T) {
	ts := moostime.New()
	lis, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	s := comms.NewServer(comms.ServerConfig{Community: "nav", DisableNameLookUp: true}, ts, nil)
	db := moosdb.New(moosdb.Config{Community: "nav"}, ts, nil)
	db.Attach(s)
	require.NoError(t, s.Start(context.Background(), lis))
	defer s.Stop() //nolint:errcheck
	port := lis.Addr().(*net.TCPAddr).Port

	run := func(name string) *comms.Client {
		cl := comms.NewClient(comms.DefaultClientConfig(), ts)
		require.NoError(t, cl.Run("127.0.0.1", port, name, 50))
		require.True(t, cl.WaitUntilConnected(testhelpers.Timeout))
		return cl
	}

	navClient := run("pNav")
	defer navClient.Close() //nolint:errcheck
	e, err := ekf.New(engineConfig())
	require.NoError(t, err)
	n, err := New(DefaultConfig(), navClient, e, ts)
	require.NoError(t, err)
	require.NoError(t, n.Subscribe())

	watcher := run("watcher")
	defer watcher.Close() //nolint:errcheck
	require.NoError(t, watcher.Register("LBL_X", 0))

	sensor := run("iGPS")
	defer sensor.Close() //nolint:errcheck
	testhelpers.Eventually(t, func() bool {
		v, ok := db.Variable("GPS_X")
		return ok && len(v.Subscribers) == 1
	})
	now := ts.Now()
	require.NoError(t, sensor.Notify("GPS_X", 42.0, now))
	require.NoError(t, sensor.Notify("GPS_Y", -7.0, now))
	require.NoError(t, sensor.Notify("DEPTH", 3.0, now))

	testhelpers.Eventually(t, func() bool {
		received, _ := n.Counters()
		return received == 3
	})
	require.NoError(t, n.Step(ts.Now()))

	var got comms.Msg
	testhelpers.Eventually(t, func() bool {
		var ok bool
		got, ok = watcher.PeekMail("LBL_X", true)
		return ok
	})
	assert.InDelta(t, 42.0, got.Double, 1e-6)
	assert.Equal(t, "pNav", got.Source)
}
