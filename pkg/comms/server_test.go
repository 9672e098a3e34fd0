package comms

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/moosgo/moos/internal/testhelpers"
	"github.com/moosgo/moos/pkg/moostime"
)

// relay is a minimal broker: every notification goes to every client
// registered for its key.
type relay struct {
	subs  map[string]map[string]bool
	boxes map[string][]Msg
	mx    sync.Mutex
}

func newRelay() *relay {
	return &relay{subs: make(map[string]map[string]bool), boxes: make(map[string][]Msg)}
}

func (r *relay) onRx(client string, in []Msg) ([]Msg, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	for _, m := range in {
		switch m.Type {
		case RegisterType:
			if r.subs[m.Key] == nil {
				r.subs[m.Key] = make(map[string]bool)
			}
			r.subs[m.Key][client] = true
		case NotifyType:
			for sub := range r.subs[m.Key] {
				r.boxes[sub] = append(r.boxes[sub], m)
			}
		}
	}
	return nil, nil
}

func (r *relay) fetch(client string) []Msg {
	r.mx.Lock()
	defer r.mx.Unlock()
	out := r.boxes[client]
	delete(r.boxes, client)
	return out
}

func startServer(t *testing.T, cfg ServerConfig) (*Server, int) {
	lis, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	cfg.DisableNameLookUp = true
	s := NewServer(cfg, nil, nil)
	r := newRelay()
	s.SetOnRx(r.onRx)
	s.SetOnFetchAllMail(r.fetch)
	require.NoError(t, s.Start(context.Background(), lis))
	return s, lis.Addr().(*net.TCPAddr).Port
}

func startClient(t *testing.T, port int, name string, cfg ClientConfig) *Client {
	c := NewClient(cfg, nil)
	require.NoError(t, c.Run("127.0.0.1", port, name, 50))
	require.True(t, c.WaitUntilConnected(testhelpers.Timeout), "client %s did not connect", name)
	return c
}

func TestServer_HandshakeUniqueName(t *testing.T) {
	s, port := startServer(t, ServerConfig{Community: "alpha"})
	defer s.Stop() //nolint:errcheck

	addr := "127.0.0.1:" + strconv.Itoa(port)
	ts := moostime.New()

	first, err := Dial(context.Background(), addr, DialConfig{Name: "A", Time: ts})
	require.NoError(t, err)
	assert.Equal(t, "alpha", first.Community())
	assert.Equal(t, DefaultServerName, first.Peer())
	assert.Equal(t, "127.0.0.1", first.PeerHost())
	assert.True(t, first.IsConnected())
	testhelpers.Eventually(t, func() bool { return !s.IsUniqueName("A") })

	_, err = Dial(context.Background(), addr, DialConfig{Name: "A", Time: ts})
	assert.Equal(t, ErrNameInUse, errors.Cause(err))

	// the name is released on disconnect and the community stays the same.
	require.NoError(t, first.Close())
	testhelpers.Eventually(t, func() bool { return s.IsUniqueName("A") })

	again, err := Dial(context.Background(), addr, DialConfig{Name: "A", Time: ts})
	require.NoError(t, err)
	assert.Equal(t, "alpha", again.Community())
	assert.NotEqual(t, first.ID(), again.ID())
	require.NoError(t, again.Close())

	assert.False(t, s.IsUniqueName(DefaultServerName))
}

func TestServer_BadPreamble(t *testing.T) {
	s, port := startServer(t, ServerConfig{HandshakeTimeout: time.Second})
	defer s.Stop() //nolint:errcheck

	raw, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer raw.Close() //nolint:errcheck

	_, err = raw.Write(make([]byte, protocolLen))
	require.NoError(t, err)
	_ = raw.SetReadDeadline(time.Now().Add(testhelpers.Timeout)) //nolint:errcheck
	_, err = raw.Read(make([]byte, 1))
	assert.Error(t, err, "server must hang up on an unknown protocol")
	assert.Empty(t, s.Clients())
}

func TestDial_Unreachable(t *testing.T) {
	lis, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	_, err = Dial(context.Background(), addr, DialConfig{Name: "A"})
	assert.Equal(t, ErrConnect, errors.Cause(err))
}

func TestClientServer_NotifyAndFetch(t *testing.T) {
	s, port := startServer(t, ServerConfig{})
	defer s.Stop() //nolint:errcheck

	a := startClient(t, port, "A", DefaultClientConfig())
	defer a.Close() //nolint:errcheck
	b := startClient(t, port, "B", DefaultClientConfig())
	defer b.Close() //nolint:errcheck

	mailCh := make(chan struct{}, 16)
	a.SetOnMail(func() {
		select {
		case mailCh <- struct{}{}:
		default:
		}
	})
	require.NoError(t, a.Register("NAV_X", 0))
	assert.True(t, a.IsRegisteredFor("NAV_X"))

	// registration travels with A's next packet, then B publishes.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, b.Notify("NAV_X", 12.5, 100.0))

	var got []Msg
	testhelpers.Eventually(t, func() bool {
		msgs, ok := a.Fetch()
		got = append(got, msgs...)
		return ok || len(got) > 0
	})
	require.Len(t, got, 1)
	assert.Equal(t, "NAV_X", got[0].Key)
	assert.Equal(t, 12.5, got[0].Double)
	assert.Equal(t, "B", got[0].Source)
	assert.InDelta(t, 100.0, got[0].Time, 1e-9)

	select {
	case <-mailCh:
	case <-time.After(testhelpers.Timeout):
		t.Fatal("mail callback not called")
	}

	assert.Equal(t, []string{"A", "B"}, s.Clients())
	statuses := s.ClientStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, "A", statuses[0].Name)
	assert.NotZero(t, statuses[0].Counters.PacketsRx)
	assert.NotEmpty(t, statuses[0].Session)
	testhelpers.Eventually(t, func() bool { return a.Latency().Samples > 0 })
}

func TestClientServer_ActiveQueueBypassesInbox(t *testing.T) {
	s, port := startServer(t, ServerConfig{})
	defer s.Stop() //nolint:errcheck

	a := startClient(t, port, "A", DefaultClientConfig())
	defer a.Close() //nolint:errcheck
	b := startClient(t, port, "B", DefaultClientConfig())
	defer b.Close() //nolint:errcheck

	var q collector
	require.NoError(t, a.AddActiveQueue("depth", q.fn))
	require.NoError(t, a.AddMessageRouteToActiveQueue("depth", "DEPTH"))
	assert.True(t, a.HasActiveQueue("depth"))
	require.NoError(t, a.Register("DEPTH", 0))
	require.NoError(t, a.Register("SPEED", 0))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, b.Notify("DEPTH", 3.0, 0))
	require.NoError(t, b.Notify("SPEED", 1.5, 0))

	testhelpers.Eventually(t, func() bool { return q.len() == 1 })
	testhelpers.Eventually(t, func() bool {
		_, ok := a.PeekMail("SPEED", false)
		return ok
	})
	testhelpers.Never(t, func() bool {
		_, ok := a.PeekMail("DEPTH", false)
		return ok
	}, 200*time.Millisecond, "routed mail reached the inbox")
	assert.True(t, a.RemoveActiveQueue("depth"))
}

func TestClient_NotRunning(t *testing.T) {
	c := NewClient(DefaultClientConfig(), nil)
	assert.Equal(t, ErrNotRunning, c.Notify("X", 1.0, 0))
	assert.Equal(t, ErrNotRunning, c.Close())
	assert.Error(t, c.Run("127.0.0.1", 1, "", 5))
}

func unreachablePort(t *testing.T) int {
	lis, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return port
}

func TestClient_OutboxOverflow(t *testing.T) {
	t.Run("evict oldest", func(t *testing.T) {
		cfg := DefaultClientConfig()
		cfg.OutboxPendingLimit = 2
		cfg.ExpectOutboxOverflow = true
		c := NewClient(cfg, nil)
		require.NoError(t, c.Run("127.0.0.1", unreachablePort(t), "A", 5))
		defer c.Close() //nolint:errcheck

		for i := 1; i <= 3; i++ {
			require.NoError(t, c.Notify("X", float64(i), 0))
		}
		assert.Equal(t, 2, c.GetNumberOfUnsentMessages())
		assert.False(t, c.IsConnected())

		msgs := c.outbox.DrainAll()
		require.Len(t, msgs, 2)
		assert.Equal(t, 2.0, msgs[0].Double)
		assert.Equal(t, 3.0, msgs[1].Double)
	})

	t.Run("reject new", func(t *testing.T) {
		cfg := DefaultClientConfig()
		cfg.OutboxPendingLimit = 2
		c := NewClient(cfg, nil)
		require.NoError(t, c.Run("127.0.0.1", unreachablePort(t), "A", 5))
		defer c.Close() //nolint:errcheck

		require.NoError(t, c.Notify("X", 1.0, 0))
		require.NoError(t, c.Notify("X", 2.0, 0))
		err := c.Notify("X", 3.0, 0)
		assert.Equal(t, ErrOutboxFull, errors.Cause(err))
		assert.Equal(t, 2, c.GetNumberOfUnsentMessages())
	})
}

func TestClient_ReconnectsAfterServerRestart(t *testing.T) {
	lis, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	addr := lis.Addr().String()
	port := lis.Addr().(*net.TCPAddr).Port

	s := NewServer(ServerConfig{DisableNameLookUp: true}, nil, nil)
	require.NoError(t, s.Start(context.Background(), lis))

	cfg := DefaultClientConfig()
	cfg.ReconnectInterval = 50 * time.Millisecond
	c := startClient(t, port, "A", cfg)
	defer c.Close() //nolint:errcheck

	var (
		connects    int
		disconnects int
		mx          sync.Mutex
	)
	c.SetOnConnect(func() { mx.Lock(); connects++; mx.Unlock() })
	c.SetOnDisconnect(func() { mx.Lock(); disconnects++; mx.Unlock() })

	require.NoError(t, s.Stop())
	testhelpers.Eventually(t, func() bool { return !c.IsConnected() })

	lis2, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	s2 := NewServer(ServerConfig{DisableNameLookUp: true}, nil, nil)
	require.NoError(t, s2.Start(context.Background(), lis2))
	defer s2.Stop() //nolint:errcheck

	require.True(t, c.WaitUntilConnected(testhelpers.Timeout))
	mx.Lock()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects)
	mx.Unlock()
}

func TestServer_IdleClientIsPoisoned(t *testing.T) {
	s, port := startServer(t, ServerConfig{
		ClientTimeout:    200 * time.Millisecond,
		WatchdogInterval: 50 * time.Millisecond,
	})
	defer s.Stop() //nolint:errcheck

	disconnected := make(chan string, 1)
	s.SetOnDisconnect(func(name string) { disconnected <- name })

	conn, err := Dial(context.Background(), "127.0.0.1:"+strconv.Itoa(port), DialConfig{Name: "quiet"})
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck

	msgs, err := conn.ReadPacket(testhelpers.Timeout)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, PoisonType, msgs[0].Type)

	select {
	case name := <-disconnected:
		assert.Equal(t, "quiet", name)
	case <-time.After(testhelpers.Timeout):
		t.Fatal("disconnect callback not called")
	}
	assert.Empty(t, s.Clients())
}

func TestServer_Audit(t *testing.T) {
	sink, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sink.Close() //nolint:errcheck

	s, port := startServer(t, ServerConfig{
		WatchdogInterval: 50 * time.Millisecond,
		AuditAddr:        sink.LocalAddr().String(),
	})
	defer s.Stop() //nolint:errcheck

	c := startClient(t, port, "auditee", DefaultClientConfig())
	defer c.Close() //nolint:errcheck

	buf := make([]byte, auditChunkSize)
	require.NoError(t, sink.SetReadDeadline(time.Now().Add(testhelpers.Timeout)))
	for {
		n, _, err := sink.ReadFrom(buf)
		require.NoError(t, err)
		assert.True(t, n <= auditChunkSize)
		if strings.Contains(string(buf[:n]), "auditee bytes_rx=") {
			break
		}
	}
}

func TestAuditChunks(t *testing.T) {
	line := strings.Repeat("x", 300) + "\n"
	text := strings.Repeat(line, 7)
	chunks := auditChunks(text, 1024)
	var joined []byte
	for _, c := range chunks {
		assert.True(t, len(c) <= 1024)
		joined = append(joined, c...)
	}
	assert.Equal(t, text, string(joined))
	assert.Len(t, chunks, 3)

	long := strings.Repeat("y", 2500)
	chunks = auditChunks(long, 1024)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[2], 452)
}
