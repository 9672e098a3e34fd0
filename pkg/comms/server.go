package comms

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"golang.org/x/sync/errgroup"

	"github.com/moosgo/moos/internal/ioutil"
	"github.com/moosgo/moos/internal/metrics"
	"github.com/moosgo/moos/pkg/moostime"
)

const (
	// DefaultServerName is the process name the server announces.
	DefaultServerName = "MOOSDB"
	// DefaultCommunity is the community served when none is configured.
	DefaultCommunity = "moos"
	// DefaultClientTimeout is the default silence tolerated from a client.
	DefaultClientTimeout = 5 * time.Second

	auditChunkSize = 1024
)

// ErrServerStopped is returned when using a server that is not running.
var ErrServerStopped = errors.New("server stopped")

// RxFunc processes the messages a client sent in one packet and returns
// the messages to send back.
type RxFunc func(client string, in []Msg) ([]Msg, error)

// FetchAllMailFunc returns all mail pending for a client.
type FetchAllMailFunc func(client string) []Msg

// ClientFunc is called when a client connects or disconnects.
type ClientFunc func(client string)

// ServerConfig configures a Server.
type ServerConfig struct {
	Name              string
	Community         string
	ClientTimeout     time.Duration
	DisableNameLookUp bool
	HandshakeTimeout  time.Duration
	IOTimeout         time.Duration
	// WatchdogInterval is the period of the idle scan and audit summary.
	WatchdogInterval time.Duration
	// AuditAddr is an optional UDP address receiving a plain text
	// per-client summary every watchdog period.
	AuditAddr string
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Name:             DefaultServerName,
		Community:        DefaultCommunity,
		ClientTimeout:    DefaultClientTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		IOTimeout:        5 * time.Second,
		WatchdogInterval: time.Second,
	}
}

type request struct {
	conn *Conn
	msgs []Msg
	rx   float64
}

// Server accepts clients and hands every packet they send to the RxFunc.
// It is mechanical: all pub/sub logic lives in the callbacks.
type Server struct {
	log     *logging.Logger
	cfg     ServerConfig
	ts      *moostime.TimeSource
	metrics metrics.Recorder

	lis      net.Listener
	audit    net.Conn
	requests chan request
	running  ioutil.AtomicBool
	cancel   context.CancelFunc
	eg       *errgroup.Group
	readers  sync.WaitGroup

	clients map[string]*Conn
	pending map[string]struct{} // names claimed by handshakes in progress
	mx      sync.RWMutex

	onRx         RxFunc
	onFetch      FetchAllMailFunc
	onConnect    ClientFunc
	onDisconnect ClientFunc
	cbMx         sync.RWMutex
}

// NewServer creates a new Server. A nil ts selects a fresh TimeSource and a
// nil m disables metrics.
func NewServer(cfg ServerConfig, ts *moostime.TimeSource, m metrics.Recorder) *Server {
	def := DefaultServerConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Community == "" {
		cfg.Community = def.Community
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = def.IOTimeout
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = def.WatchdogInterval
	}
	if ts == nil {
		ts = moostime.New()
	}
	if m == nil {
		m = metrics.NewDummy()
	}
	return &Server{
		log:      logging.MustGetLogger("comms_server"),
		cfg:      cfg,
		ts:       ts,
		metrics:  m,
		requests: make(chan request),
		clients:  make(map[string]*Conn),
		pending:  make(map[string]struct{}),
	}
}

// SetLogger sets the logger of the server.
func (s *Server) SetLogger(log *logging.Logger) { s.log = log }

// Community returns the community served.
func (s *Server) Community() string { return s.cfg.Community }

// Name returns the process name the server announces.
func (s *Server) Name() string { return s.cfg.Name }

// SetOnRx sets the function processing client packets, replacing any
// previous one.
func (s *Server) SetOnRx(fn RxFunc) {
	s.cbMx.Lock()
	s.onRx = fn
	s.cbMx.Unlock()
}

// SetOnFetchAllMail sets the function returning pending mail for a client.
func (s *Server) SetOnFetchAllMail(fn FetchAllMailFunc) {
	s.cbMx.Lock()
	s.onFetch = fn
	s.cbMx.Unlock()
}

// SetOnConnect sets the function called after a client completed its
// handshake.
func (s *Server) SetOnConnect(fn ClientFunc) {
	s.cbMx.Lock()
	s.onConnect = fn
	s.cbMx.Unlock()
}

// SetOnDisconnect sets the function called after a client went away.
func (s *Server) SetOnDisconnect(fn ClientFunc) {
	s.cbMx.Lock()
	s.onDisconnect = fn
	s.cbMx.Unlock()
}

// Run listens on port and starts serving. It does not block.
func (s *Server) Run(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "listen on port %d", port)
	}
	return s.Start(ctx, lis)
}

// Start serves clients accepted from lis. It does not block.
func (s *Server) Start(ctx context.Context, lis net.Listener) error {
	if !s.running.Flip(false) {
		return errors.New("server already running")
	}
	if s.cfg.AuditAddr != "" {
		audit, err := net.Dial("udp", s.cfg.AuditAddr)
		if err != nil {
			s.running.Set(false)
			return errors.Wrapf(err, "dial audit sink %s", s.cfg.AuditAddr)
		}
		s.audit = audit
	}
	s.lis = lis

	ctx, s.cancel = context.WithCancel(ctx)
	s.eg, ctx = errgroup.WithContext(ctx)
	s.eg.Go(func() error { return s.listenLoop(ctx) })
	s.eg.Go(func() error { return s.serveLoop(ctx) })
	s.eg.Go(func() error { return s.watchdogLoop(ctx) })
	s.eg.Go(func() error {
		<-ctx.Done()
		_ = lis.Close() //nolint:errcheck
		return nil
	})

	s.log.WithField("addr", lis.Addr()).WithField("community", s.cfg.Community).Info("Server started")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Stop closes the listener and every client connection, then waits for all
// goroutines to return.
func (s *Server) Stop() error {
	if !s.running.Flip(true) {
		return ErrServerStopped
	}
	s.cancel()

	s.mx.RLock()
	conns := make([]*Conn, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	s.mx.RUnlock()
	for _, c := range conns {
		_ = c.Close() //nolint:errcheck
	}

	err := s.eg.Wait()
	s.readers.Wait()
	if s.audit != nil {
		_ = s.audit.Close() //nolint:errcheck
	}
	s.log.Info("Server stopped")
	return err
}

// IsUniqueName reports whether no connected or connecting client uses name.
func (s *Server) IsUniqueName(name string) bool {
	s.mx.RLock()
	defer s.mx.RUnlock()
	_, c := s.clients[name]
	_, p := s.pending[name]
	return !c && !p && name != s.cfg.Name
}

func (s *Server) claimName(name string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	_, c := s.clients[name]
	_, p := s.pending[name]
	if c || p || name == s.cfg.Name {
		return false
	}
	s.pending[name] = struct{}{}
	return true
}

// Clients returns the names of the connected clients, sorted.
func (s *Server) Clients() []string {
	s.mx.RLock()
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	s.mx.RUnlock()
	sort.Strings(names)
	return names
}

// ClientStatus returns the communication status of every client, sorted
// by name.
func (s *Server) ClientStatus() []ClientCommsStatus {
	s.mx.RLock()
	out := make([]ClientCommsStatus, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, newClientCommsStatus(c))
	}
	s.mx.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Disconnect poisons and drops a client.
func (s *Server) Disconnect(name, reason string) error {
	s.mx.RLock()
	c, ok := s.clients[name]
	s.mx.RUnlock()
	if !ok {
		return fmt.Errorf("no client named %q", name)
	}
	return c.Poison(reason, s.ts.Now())
}

func (s *Server) listenLoop(ctx context.Context) error {
	for {
		raw, err := s.lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				s.log.WithError(err).Warn("Accept failed, retrying")
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return errors.Wrap(err, "accept")
		}
		s.handshake(ctx, raw)
	}
}

func (s *Server) handshake(ctx context.Context, raw net.Conn) {
	log := s.log.WithField("remote", raw.RemoteAddr())
	var name string
	conn, err := accept(raw, acceptConfig{
		serverName:       s.cfg.Name,
		community:        s.cfg.Community,
		disableLookUp:    s.cfg.DisableNameLookUp,
		handshakeTimeout: s.cfg.HandshakeTimeout,
		ioTimeout:        s.cfg.IOTimeout,
		claimName: func(n string) bool {
			if s.claimName(n) {
				name = n
				return true
			}
			return false
		},
		log:  s.log,
		time: s.ts,
	})
	if err != nil {
		s.mx.Lock()
		delete(s.pending, name)
		s.mx.Unlock()
		log.WithError(err).Warn("Handshake failed")
		return
	}

	conn.SetOnClose(s.connClosed)
	s.mx.Lock()
	delete(s.pending, name)
	s.clients[name] = conn
	n := len(s.clients)
	s.mx.Unlock()
	s.metrics.SetClients(n)

	if ctx.Err() != nil {
		_ = conn.Close() //nolint:errcheck
		return
	}
	log.WithField("client", name).WithField("host", conn.PeerHost()).
		WithField("session", conn.ID()).Info("Client connected")

	s.cbMx.RLock()
	onConnect := s.onConnect
	s.cbMx.RUnlock()
	if onConnect != nil {
		onConnect(name)
	}

	s.readers.Add(1)
	go s.readLoop(ctx, conn)
}

func (s *Server) connClosed(c *Conn, reason error) {
	s.mx.Lock()
	current, ok := s.clients[c.Peer()]
	if ok && current == c {
		delete(s.clients, c.Peer())
	}
	n := len(s.clients)
	s.mx.Unlock()
	if !ok || current != c {
		return
	}
	s.metrics.SetClients(n)

	log := s.log.WithField("client", c.Peer())
	if reason != nil {
		log = log.WithError(reason)
	}
	log.Info("Client disconnected")

	s.cbMx.RLock()
	onDisconnect := s.onDisconnect
	s.cbMx.RUnlock()
	if onDisconnect != nil {
		onDisconnect(c.Peer())
	}
}

// readLoop only reads; every packet is processed by the serve goroutine.
func (s *Server) readLoop(ctx context.Context, c *Conn) {
	defer s.readers.Done()
	for {
		msgs, err := c.ReadPacket(0)
		if err != nil {
			return
		}
		select {
		case s.requests <- request{conn: c, msgs: msgs, rx: s.ts.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) serveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.requests:
			s.serve(req)
		}
	}
}

func (s *Server) serve(req request) {
	name := req.conn.Peer()
	s.metrics.RecordPacket(true, bodyBytes(req.msgs), len(req.msgs))

	var (
		timing *Timing
		in     = make([]Msg, 0, len(req.msgs))
	)
	for _, msg := range req.msgs {
		if msg.Type != TimingType {
			in = append(in, msg)
			continue
		}
		t, err := DecodeTiming(msg.Binary)
		if err != nil {
			s.log.WithError(err).WithField("client", name).Warn("Bad timing message")
			continue
		}
		timing = &t
	}
	if timing != nil && timing.ClientLatency > 0 {
		d := seconds(timing.ClientLatency)
		req.conn.Latency().Add(d)
		s.metrics.RecordLatency(d)
	}

	s.cbMx.RLock()
	onRx, onFetch := s.onRx, s.onFetch
	s.cbMx.RUnlock()

	var mail []Msg
	if onRx != nil {
		reply, err := onRx(name, in)
		if err != nil {
			s.log.WithError(err).WithField("client", name).Warn("Rx callback failed")
		}
		mail = append(mail, reply...)
	}
	if onFetch != nil {
		mail = append(mail, onFetch(name)...)
	}

	out := make([]Msg, 0, len(mail)+1)
	if timing != nil {
		t := *timing
		t.ServerRx = req.rx
		t.ServerTx = s.ts.Now()
		tm := NewBinaryMsg(TimingType, timingKey, EncodeTiming(t), t.ServerTx)
		tm.Source = s.cfg.Name
		out = append(out, tm)
	}
	out = append(out, mail...)
	if len(out) == 0 {
		out = append(out, NewDoubleMsg(NullType, "", 0, s.ts.Now()))
	}

	if err := req.conn.WritePacket(out); err != nil {
		s.log.WithError(err).WithField("client", name).Warn("Reply failed")
		return
	}
	s.metrics.RecordPacket(false, bodyBytes(out), len(out))
}

func bodyBytes(msgs []Msg) int {
	n := ioutil.HeaderLen
	for i := range msgs {
		n += msgHeaderLen + bodySize(&msgs[i])
	}
	return n
}

func (s *Server) watchdogLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reapIdle()
			s.writeAudit()
		}
	}
}

func (s *Server) reapIdle() {
	if s.cfg.ClientTimeout <= 0 {
		return
	}
	s.mx.RLock()
	var idle []*Conn
	for _, c := range s.clients {
		if time.Since(c.LastActivity()) > s.cfg.ClientTimeout {
			idle = append(idle, c)
		}
	}
	s.mx.RUnlock()

	for _, c := range idle {
		s.log.WithField("client", c.Peer()).WithField("timeout", s.cfg.ClientTimeout).
			Warn("Client timed out, poisoning")
		_ = c.Poison(fmt.Sprintf("silent for more than %v", s.cfg.ClientTimeout), s.ts.Now()) //nolint:errcheck
	}
}

func (s *Server) writeAudit() {
	if s.audit == nil {
		return
	}
	for _, chunk := range auditChunks(FormatAudit(s.ClientStatus()), auditChunkSize) {
		if _, err := s.audit.Write(chunk); err != nil {
			s.log.WithError(err).Debug("Audit write failed")
			return
		}
	}
}

// auditChunks splits text into chunks of at most max bytes, breaking on
// line boundaries where possible.
func auditChunks(text string, max int) [][]byte {
	var (
		chunks [][]byte
		cur    []byte
	)
	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > max {
			if len(cur) > 0 {
				chunks = append(chunks, cur)
				cur = nil
			}
			chunks = append(chunks, []byte(line[:max]))
			line = line[max:]
		}
		if len(cur)+len(line) > max {
			chunks = append(chunks, cur)
			cur = nil
		}
		cur = append(cur, line...)
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}
