package comms

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/moosgo/moos/internal/ioutil"
	"github.com/moosgo/moos/pkg/moostime"
)

const (
	// ProtocolString opens every connection, padded with zeros to
	// protocolLen bytes.
	ProtocolString = "moos-go wire protocol 1"
	protocolLen    = 32

	// DefaultHandshakeTimeout bounds the handshake exchange.
	DefaultHandshakeTimeout = 5 * time.Second

	asyncFlag   = "asynchronous"
	keepAlive   = 30 * time.Second
	lookupLimit = 2 * time.Second
)

var (
	// ErrConnect is returned when the TCP connection cannot be established.
	ErrConnect = errors.New("connect failed")
	// ErrHandshakeFailed is returned when the handshake exchange fails.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrNameInUse is returned when the server already has a client with
	// the requested name.
	ErrNameInUse = errors.New("client name already in use")
	// ErrConnClosed is returned for operations on a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrPoisoned is returned when the peer asked us to terminate.
	ErrPoisoned = errors.New("poisoned by peer")
)

// ConnState is the lifecycle state of a Conn.
type ConnState int32

// Connection states.
const (
	Disconnected ConnState = iota
	Connecting
	Handshaking
	Connected
	Closing
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Handshaking:
		return "HANDSHAKING"
	case Connected:
		return "CONNECTED"
	case Closing:
		return "CLOSING"
	default:
		return fmt.Sprintf("UNKNOWN:%d", int32(s))
	}
}

// ConnCounters holds the traffic counters of a Conn.
type ConnCounters struct {
	BytesRx   uint64 `json:"bytes_rx"`
	BytesTx   uint64 `json:"bytes_tx"`
	PacketsRx uint64 `json:"packets_rx"`
	PacketsTx uint64 `json:"packets_tx"`
	MsgsRx    uint64 `json:"msgs_rx"`
	MsgsTx    uint64 `json:"msgs_tx"`
}

// Conn wraps one live TCP socket speaking the packet protocol.
type Conn struct {
	log *logging.Logger

	net.Conn
	rw *ioutil.LenReadWriter
	id uuid.UUID

	peer      string // name of the remote process
	peerHost  string // host of the remote as seen by the server
	community string
	async     bool

	state        int32
	lastActivity int64
	counters     ConnCounters
	latency      LatencyStats
	ioTimeout    time.Duration

	wmx       sync.Mutex // serializes writers
	onClose   func(c *Conn, err error)
	closeOnce sync.Once
	closeErr  error
}

func newConn(log *logging.Logger, raw net.Conn, ioTimeout time.Duration) *Conn {
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)              //nolint:errcheck
		_ = tcp.SetKeepAlive(true)            //nolint:errcheck
		_ = tcp.SetKeepAlivePeriod(keepAlive) //nolint:errcheck
	}
	c := &Conn{
		log:       log,
		Conn:      raw,
		rw:        ioutil.NewLenReadWriter(raw, MaxPacketSize),
		id:        uuid.New(),
		state:     int32(Handshaking),
		ioTimeout: ioTimeout,
	}
	c.touch()
	return c
}

// ID returns the session id of the connection.
func (c *Conn) ID() uuid.UUID { return c.id }

// Peer returns the name of the remote process.
func (c *Conn) Peer() string { return c.peer }

// PeerHost returns the remote host name.
func (c *Conn) PeerHost() string { return c.peerHost }

// Community returns the community name.
func (c *Conn) Community() string { return c.community }

// Asynchronous reports whether the server declared asynchronous capability.
func (c *Conn) Asynchronous() bool { return c.async }

// State returns the lifecycle state.
func (c *Conn) State() ConnState { return ConnState(atomic.LoadInt32(&c.state)) }

func (c *Conn) setState(s ConnState) { atomic.StoreInt32(&c.state, int32(s)) }

// IsConnected reports whether the connection is in the Connected state.
func (c *Conn) IsConnected() bool { return c.State() == Connected }

// LastActivity returns the time of the last packet received.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

func (c *Conn) touch() { atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano()) }

// Counters returns a copy of the traffic counters.
func (c *Conn) Counters() ConnCounters {
	return ConnCounters{
		BytesRx:   atomic.LoadUint64(&c.counters.BytesRx),
		BytesTx:   atomic.LoadUint64(&c.counters.BytesTx),
		PacketsRx: atomic.LoadUint64(&c.counters.PacketsRx),
		PacketsTx: atomic.LoadUint64(&c.counters.PacketsTx),
		MsgsRx:    atomic.LoadUint64(&c.counters.MsgsRx),
		MsgsTx:    atomic.LoadUint64(&c.counters.MsgsTx),
	}
}

// Latency returns the latency statistics of the connection.
func (c *Conn) Latency() *LatencyStats { return &c.latency }

// SetOnClose sets the function called once when the connection goes down.
// It must be set before the connection is shared between goroutines.
func (c *Conn) SetOnClose(fn func(c *Conn, err error)) { c.onClose = fn }

// WritePacket writes msgs as a single packet. Any failure tears the
// connection down.
func (c *Conn) WritePacket(msgs []Msg) error {
	if s := c.State(); s == Disconnected || s == Closing {
		return ErrConnClosed
	}
	raw := EncodePacket(msgs)
	c.wmx.Lock()
	if c.ioTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.ioTimeout)) //nolint:errcheck
	}
	err := c.rw.WritePacket(raw)
	c.wmx.Unlock()
	if err != nil {
		err = errors.Wrap(err, "write failed")
		c.fail(err)
		return err
	}
	atomic.AddUint64(&c.counters.BytesTx, uint64(len(raw)))
	atomic.AddUint64(&c.counters.PacketsTx, 1)
	atomic.AddUint64(&c.counters.MsgsTx, uint64(len(msgs)))
	return nil
}

// ReadPacket blocks until a whole packet is received. When timeout is
// positive the read is bounded by it. Any failure tears the connection down.
func (c *Conn) ReadPacket(timeout time.Duration) ([]Msg, error) {
	if s := c.State(); s == Disconnected || s == Closing {
		return nil, ErrConnClosed
	}
	if timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(timeout)) //nolint:errcheck
	} else {
		_ = c.Conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	}
	raw, err := c.rw.ReadPacket()
	if err != nil {
		err = errors.Wrap(err, "read failed")
		c.fail(err)
		return nil, err
	}
	msgs, err := DecodePacket(raw)
	if err != nil {
		c.fail(err)
		return nil, err
	}
	c.touch()
	atomic.AddUint64(&c.counters.BytesRx, uint64(len(raw)))
	atomic.AddUint64(&c.counters.PacketsRx, 1)
	atomic.AddUint64(&c.counters.MsgsRx, uint64(len(msgs)))
	return msgs, nil
}

// Poison asks the peer to terminate and closes the connection.
func (c *Conn) Poison(reason string, now float64) error {
	msg := NewStringMsg(PoisonType, poisonKey, reason, now)
	if c.ioTimeout <= 0 {
		c.wmx.Lock()
		_ = c.Conn.SetWriteDeadline(time.Now().Add(time.Second)) //nolint:errcheck
		c.wmx.Unlock()
	}
	err := c.WritePacket([]Msg{msg})
	c.close(errors.Wrap(ErrPoisoned, reason))
	return err
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.close(nil)
}

func (c *Conn) fail(err error) {
	c.log.WithError(err).WithField("peer", c.peer).Debug("ConnectionFailed")
	c.close(err)
}

func (c *Conn) close(reason error) error {
	closed := false
	c.closeOnce.Do(func() {
		closed = true
		c.setState(Closing)
		c.closeErr = c.Conn.Close()
		c.setState(Disconnected)
		if c.onClose != nil {
			c.onClose(c, reason)
		}
	})
	if !closed {
		return ErrConnClosed
	}
	return c.closeErr
}

func protocolPreamble() []byte {
	b := make([]byte, protocolLen)
	copy(b, ProtocolString)
	return b
}

// DialConfig configures the client side of a connection.
type DialConfig struct {
	Name             string
	HandshakeTimeout time.Duration
	IOTimeout        time.Duration
	Log              *logging.Logger
	Time             *moostime.TimeSource
}

// Dial connects to a server and performs the client side of the handshake.
func Dial(ctx context.Context, addr string, cfg DialConfig) (*Conn, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Log == nil {
		cfg.Log = logging.MustGetLogger("comms_conn")
	}
	if cfg.Time == nil {
		cfg.Time = moostime.New()
	}

	d := net.Dialer{KeepAlive: keepAlive, Timeout: cfg.HandshakeTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(ErrConnect, "%s: %v", addr, err)
	}
	c := newConn(cfg.Log, raw, cfg.IOTimeout)
	c.peer = addr

	if err := c.clientHandshake(cfg); err != nil {
		_ = raw.Close() //nolint:errcheck
		c.setState(Disconnected)
		return nil, err
	}
	c.setState(Connected)
	return c, nil
}

func (c *Conn) clientHandshake(cfg DialConfig) error {
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	_ = c.Conn.SetDeadline(deadline)      //nolint:errcheck
	defer c.Conn.SetDeadline(time.Time{}) //nolint:errcheck

	hello := NewStringMsg(DataType, handshakeKey, cfg.Name, cfg.Time.Now())
	hello.Source = cfg.Name
	pkt := append(protocolPreamble(), EncodePacket([]Msg{hello})...)
	if err := c.rw.WritePacket(pkt); err != nil {
		return errors.Wrapf(ErrHandshakeFailed, "write: %v", err)
	}

	raw, err := c.rw.ReadPacket()
	if err != nil {
		return errors.Wrapf(ErrHandshakeFailed, "read: %v", err)
	}
	msgs, err := DecodePacket(raw)
	if err != nil || len(msgs) == 0 {
		return errors.Wrapf(ErrHandshakeFailed, "decode: %v", err)
	}
	reply := msgs[0]
	switch reply.Type {
	case WelcomeType:
		c.community = reply.Community
		c.peerHost = reply.String
		c.async = reply.SourceAux == asyncFlag
		if reply.Source != "" {
			c.peer = reply.Source
		}
		c.touch()
		return nil
	case PoisonType:
		return errors.Wrap(ErrNameInUse, reply.String)
	default:
		return errors.Wrapf(ErrHandshakeFailed, "unexpected reply %s", reply.Type)
	}
}

// acceptConfig configures the server side of a connection.
type acceptConfig struct {
	serverName       string
	community        string
	async            bool
	disableLookUp    bool
	handshakeTimeout time.Duration
	ioTimeout        time.Duration
	claimName        func(name string) bool
	log              *logging.Logger
	time             *moostime.TimeSource
}

// accept performs the server side of the handshake on a freshly accepted
// socket. claimName must atomically check and reserve the client name.
func accept(raw net.Conn, cfg acceptConfig) (*Conn, error) {
	c := newConn(cfg.log, raw, cfg.ioTimeout)
	if err := c.serverHandshake(cfg); err != nil {
		_ = raw.Close() //nolint:errcheck
		c.setState(Disconnected)
		return nil, err
	}
	c.setState(Connected)
	return c, nil
}

func (c *Conn) serverHandshake(cfg acceptConfig) error {
	_ = c.Conn.SetDeadline(time.Now().Add(cfg.handshakeTimeout)) //nolint:errcheck
	defer c.Conn.SetDeadline(time.Time{})                        //nolint:errcheck

	preamble := make([]byte, protocolLen)
	if _, err := io.ReadFull(c.Conn, preamble); err != nil {
		return errors.Wrapf(ErrHandshakeFailed, "preamble: %v", err)
	}
	if !bytes.Equal(preamble, protocolPreamble()) {
		return errors.Wrapf(ErrHandshakeFailed, "unknown protocol %q", bytes.TrimRight(preamble, "\x00"))
	}

	raw, err := c.rw.ReadPacket()
	if err != nil {
		return errors.Wrapf(ErrHandshakeFailed, "read: %v", err)
	}
	msgs, err := DecodePacket(raw)
	if err != nil || len(msgs) == 0 || msgs[0].Kind != StringPayload || msgs[0].String == "" {
		return errors.Wrapf(ErrHandshakeFailed, "bad hello: %v", err)
	}
	name := msgs[0].String

	if !cfg.claimName(name) {
		reply := NewStringMsg(PoisonType, poisonKey, fmt.Sprintf("name %q is already in use", name), cfg.time.Now())
		_ = c.rw.WritePacket(EncodePacket([]Msg{reply})) //nolint:errcheck
		return errors.Wrap(ErrNameInUse, name)
	}
	c.peer = name
	c.peerHost = lookupHost(c.Conn.RemoteAddr(), cfg.disableLookUp)
	c.community = cfg.community
	c.async = cfg.async

	welcome := NewStringMsg(WelcomeType, welcomeKey, c.peerHost, cfg.time.Now())
	welcome.Community = cfg.community
	welcome.Source = cfg.serverName
	if cfg.async {
		welcome.SourceAux = asyncFlag
	}
	if err := c.rw.WritePacket(EncodePacket([]Msg{welcome})); err != nil {
		return errors.Wrapf(ErrHandshakeFailed, "write: %v", err)
	}
	c.touch()
	return nil
}

func lookupHost(addr net.Addr, disable bool) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if disable {
		return host
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupLimit)
	defer cancel()
	names, err := net.DefaultResolver.LookupAddr(ctx, host)
	if err != nil || len(names) == 0 {
		return host
	}
	return names[0]
}
