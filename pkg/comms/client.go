package comms

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"golang.org/x/time/rate"

	"github.com/moosgo/moos/internal/ioutil"
	"github.com/moosgo/moos/pkg/moostime"
)

const (
	// DefaultTickHz is the default IO loop frequency.
	DefaultTickHz = 5.0
	// MaxTickHz bounds the IO loop frequency.
	MaxTickHz = 200.0
	// MinTickHz bounds the IO loop frequency from below.
	MinTickHz = 1.0

	maxWarpDelay = time.Second
)

var (
	// ErrNotRunning is returned by operations that need a running client.
	ErrNotRunning = errors.New("client not running")
	// ErrAlreadyRunning is returned by Run on a running client.
	ErrAlreadyRunning = errors.New("client already running")
	// ErrOutboxFull is returned by Notify when the outbox is at its pending
	// limit and overflow is not expected.
	ErrOutboxFull = errors.New("outbox full")
)

// ClientConfig configures a Client.
type ClientConfig struct {
	OutboxPendingLimit int
	InboxPendingLimit  int
	// ExpectOutboxOverflow makes a full outbox evict its oldest message
	// instead of rejecting new ones.
	ExpectOutboxOverflow bool
	// CommsControlTimeWarpScaleFactor in [0, 1] slows the IO loop down
	// proportionally to the time warp so messages bunch up.
	CommsControlTimeWarpScaleFactor float64
	// DoLocalTimeCorrection applies the skew learned from the server to
	// the shared TimeSource.
	DoLocalTimeCorrection bool
	HandshakeTimeout      time.Duration
	IOTimeout             time.Duration
	ReconnectInterval     time.Duration
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		OutboxPendingLimit: DefaultPendingLimit,
		InboxPendingLimit:  DefaultPendingLimit,
		HandshakeTimeout:   DefaultHandshakeTimeout,
		IOTimeout:          5 * time.Second,
		ReconnectInterval:  time.Second,
	}
}

type registration struct {
	interval float64
}

type wildcardRegistration struct {
	varPattern string
	appPattern string
	interval   float64
}

func (r wildcardRegistration) id() string { return r.varPattern + ":" + r.appPattern }

func (r wildcardRegistration) String() string {
	return fmt.Sprintf("VarPattern=%s,AppPattern=%s,Interval=%s",
		r.varPattern, r.appPattern, strconv.FormatFloat(r.interval, 'g', -1, 64))
}

// ParseWildcardRegistration parses the payload of a wildcard (un)register
// message.
func ParseWildcardRegistration(s string) (varPattern, appPattern string, interval float64, err error) {
	for _, field := range strings.Split(s, ",") {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return "", "", 0, fmt.Errorf("bad field %q", field)
		}
		switch kv[0] {
		case "VarPattern":
			varPattern = kv[1]
		case "AppPattern":
			appPattern = kv[1]
		case "Interval":
			if interval, err = strconv.ParseFloat(kv[1], 64); err != nil {
				return "", "", 0, err
			}
		}
	}
	if varPattern == "" {
		varPattern = "*"
	}
	if appPattern == "" {
		appPattern = "*"
	}
	return varPattern, appPattern, interval, nil
}

// Client is the application facing handle of a community. It owns one
// connection to a server and a goroutine exchanging mail over it.
type Client struct {
	log *logging.Logger
	cfg ClientConfig
	ts  *moostime.TimeSource

	name   string
	addr   string
	period time.Duration

	outbox *Mailbox
	inbox  *Mailbox
	queues *activeQueues
	skew   *SkewFilter
	msgID  int32

	running ioutil.AtomicBool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	conn        *Conn
	connectedCh chan struct{}
	regs        map[string]registration
	wildRegs    map[string]wildcardRegistration
	control     []Msg // registrations waiting for the next packet
	renew       bool
	community   string

	onConnect    func()
	onDisconnect func()
	onMail       func()
	mx           sync.Mutex
}

// NewClient creates a new Client. A nil ts selects a fresh TimeSource.
func NewClient(cfg ClientConfig, ts *moostime.TimeSource) *Client {
	def := DefaultClientConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = def.IOTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.CommsControlTimeWarpScaleFactor < 0 {
		cfg.CommsControlTimeWarpScaleFactor = 0
	}
	if cfg.CommsControlTimeWarpScaleFactor > 1 {
		cfg.CommsControlTimeWarpScaleFactor = 1
	}
	if ts == nil {
		ts = moostime.New()
	}
	log := logging.MustGetLogger("comms_client")
	return &Client{
		log: log,
		cfg: cfg,
		ts:  ts,
		outbox: NewMailbox(MailboxConfig{
			Limit:       cfg.OutboxPendingLimit,
			EvictOldest: cfg.ExpectOutboxOverflow,
		}),
		inbox: NewMailbox(MailboxConfig{
			Limit:       cfg.InboxPendingLimit,
			EvictOldest: true,
		}),
		queues:      newActiveQueues(log, cfg.InboxPendingLimit),
		skew:        NewSkewFilter(),
		connectedCh: make(chan struct{}),
		regs:        make(map[string]registration),
		wildRegs:    make(map[string]wildcardRegistration),
	}
}

// SetLogger sets the logger of the client and its active queues.
func (c *Client) SetLogger(log *logging.Logger) {
	c.log = log
	c.queues.log = log
}

// Name returns the process name given to Run.
func (c *Client) Name() string { return c.name }

// Community returns the community announced by the server on the last
// successful handshake.
func (c *Client) Community() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.community
}

// TimeSource returns the time source used to stamp messages.
func (c *Client) TimeSource() *moostime.TimeSource { return c.ts }

// Run starts the IO goroutine connecting to host:port as name. It does not
// block. tickHz is clamped to [MinTickHz, MaxTickHz]; 0 selects DefaultTickHz.
func (c *Client) Run(host string, port int, name string, tickHz float64) error {
	if name == "" {
		return errors.New("client name must not be empty")
	}
	if !c.running.Flip(false) {
		return ErrAlreadyRunning
	}
	if tickHz == 0 {
		tickHz = DefaultTickHz
	}
	if tickHz < MinTickHz {
		tickHz = MinTickHz
	}
	if tickHz > MaxTickHz {
		tickHz = MaxTickHz
	}
	c.name = name
	c.addr = net.JoinHostPort(host, strconv.Itoa(port))
	c.period = time.Duration(float64(time.Second) / tickHz)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.ioLoop(ctx)

	c.log.WithField("server", c.addr).WithField("name", name).
		WithField("tick_hz", tickHz).Info("Client started")
	return nil
}

// Close stops the IO goroutine, closes the connection and stops every
// active queue.
func (c *Client) Close() error {
	if !c.running.Flip(true) {
		return ErrNotRunning
	}
	c.cancel()
	c.mx.Lock()
	conn := c.conn
	c.mx.Unlock()
	if conn != nil {
		_ = conn.Close() //nolint:errcheck
	}
	c.wg.Wait()
	c.queues.close()
	return nil
}

// IsRunning reports whether Run was called and Close was not.
func (c *Client) IsRunning() bool { return c.running.Get() }

// IsConnected reports whether the client is connected to its server.
func (c *Client) IsConnected() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.conn != nil && c.conn.IsConnected()
}

// WaitUntilConnected blocks up to timeout for the client to connect.
func (c *Client) WaitUntilConnected(timeout time.Duration) bool {
	c.mx.Lock()
	ch := c.connectedCh
	c.mx.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return c.IsConnected()
	}
}

// SetOnConnect sets the function called after every successful handshake.
func (c *Client) SetOnConnect(fn func()) {
	c.mx.Lock()
	c.onConnect = fn
	c.mx.Unlock()
}

// SetOnDisconnect sets the function called when the connection is lost.
func (c *Client) SetOnDisconnect(fn func()) {
	c.mx.Lock()
	c.onDisconnect = fn
	c.mx.Unlock()
}

// SetOnMail sets the function called from the IO goroutine when new mail
// arrived in the inbox.
func (c *Client) SetOnMail(fn func()) {
	c.mx.Lock()
	c.onMail = fn
	c.mx.Unlock()
}

// Notify publishes value under key. value may be a float64, any integer
// type, a string or a []byte. A non-positive t stamps the message with the
// current time.
func (c *Client) Notify(key string, value interface{}, t float64) error {
	return c.NotifyAux(key, value, "", t)
}

// NotifyAux is Notify with a source annotation.
func (c *Client) NotifyAux(key string, value interface{}, aux string, t float64) error {
	var msg Msg
	switch v := value.(type) {
	case float64:
		msg = NewDoubleMsg(NotifyType, key, v, t)
	case float32:
		msg = NewDoubleMsg(NotifyType, key, float64(v), t)
	case int:
		msg = NewDoubleMsg(NotifyType, key, float64(v), t)
	case int32:
		msg = NewDoubleMsg(NotifyType, key, float64(v), t)
	case int64:
		msg = NewDoubleMsg(NotifyType, key, float64(v), t)
	case uint32:
		msg = NewDoubleMsg(NotifyType, key, float64(v), t)
	case bool:
		msg = NewDoubleMsg(NotifyType, key, 0, t)
		if v {
			msg.Double = 1
		}
	case string:
		msg = NewStringMsg(NotifyType, key, v, t)
	case []byte:
		msg = NewBinaryMsg(NotifyType, key, v, t)
	default:
		return fmt.Errorf("cannot notify %q with value of type %T", key, value)
	}
	msg.SourceAux = aux
	return c.Post(msg)
}

// Post queues a fully formed message for transmission. Source, time and
// sequence id are filled in when unset.
func (c *Client) Post(msg Msg) error {
	if !c.running.Get() {
		return ErrNotRunning
	}
	if msg.Source == "" {
		msg.Source = c.name
	}
	if msg.Time <= 0 {
		msg.Time = c.ts.Now()
	}
	msg.ID = atomic.AddInt32(&c.msgID, 1)
	if err := c.outbox.Push(msg); err != nil {
		c.log.WithField("key", msg.Key).WithField("pending", c.outbox.Len()).Warn("Outbox full, message dropped")
		return errors.Wrap(ErrOutboxFull, msg.Key)
	}
	return nil
}

// GetNumberOfUnsentMessages returns the number of messages in the outbox.
func (c *Client) GetNumberOfUnsentMessages() int { return c.outbox.Len() }

// Fetch drains the inbox. It returns false when the inbox was empty.
func (c *Client) Fetch() ([]Msg, bool) {
	msgs := c.inbox.DrainAll()
	return msgs, len(msgs) > 0
}

// PeekMail returns the youngest inbox message with the given key.
func (c *Client) PeekMail(key string, erase bool) (Msg, bool) {
	return c.inbox.PeekYoungest(key, erase)
}

// Register subscribes to key with a minimum notification interval in
// seconds. It may be called before Run; registrations are (re)sent on
// every connection.
func (c *Client) Register(key string, interval float64) error {
	if key == "" {
		return errors.New("cannot register an empty name")
	}
	if IsWildcard(key) {
		return c.RegisterWildcard(key, "*", interval)
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	c.regs[key] = registration{interval: interval}
	c.queueControl(NewDoubleMsg(RegisterType, key, interval, c.ts.Now()))
	return nil
}

// RegisterWildcard subscribes to every variable whose name matches
// varPattern published by a process whose name matches appPattern.
func (c *Client) RegisterWildcard(varPattern, appPattern string, interval float64) error {
	r := wildcardRegistration{varPattern: varPattern, appPattern: appPattern, interval: interval}
	c.mx.Lock()
	defer c.mx.Unlock()
	c.wildRegs[r.id()] = r
	c.queueControl(NewStringMsg(WildcardRegisterType, varPattern, r.String(), c.ts.Now()))
	return nil
}

// UnRegister cancels a subscription made with Register.
func (c *Client) UnRegister(key string) error {
	if IsWildcard(key) {
		return c.UnRegisterWildcard(key, "*")
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, ok := c.regs[key]; !ok {
		return fmt.Errorf("not registered for %q", key)
	}
	delete(c.regs, key)
	c.queueControl(NewDoubleMsg(UnregisterType, key, 0, c.ts.Now()))
	return nil
}

// UnRegisterWildcard cancels a subscription made with RegisterWildcard.
func (c *Client) UnRegisterWildcard(varPattern, appPattern string) error {
	r := wildcardRegistration{varPattern: varPattern, appPattern: appPattern}
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, ok := c.wildRegs[r.id()]; !ok {
		return fmt.Errorf("not registered for %q from %q", varPattern, appPattern)
	}
	delete(c.wildRegs, r.id())
	c.queueControl(NewStringMsg(WildcardUnregisterType, varPattern, r.String(), c.ts.Now()))
	return nil
}

// IsRegisteredFor reports whether key is covered by a registration.
func (c *Client) IsRegisteredFor(key string) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, ok := c.regs[key]; ok {
		return true
	}
	for _, r := range c.wildRegs {
		if WildcardMatch(r.varPattern, key) {
			return true
		}
	}
	return false
}

// ServerRequest asks the server for one of the ServerRequest* reports.
// The answer arrives as mail.
func (c *Client) ServerRequest(what string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if !c.running.Get() {
		return ErrNotRunning
	}
	c.queueControl(NewStringMsg(ServerRequestType, what, "", c.ts.Now()))
	return nil
}

// queueControl must be called with the lock held. Control messages are only
// queued while connected; the registry is replayed on connect.
func (c *Client) queueControl(msg Msg) {
	if c.conn == nil {
		return
	}
	msg.Source = c.name
	c.control = append(c.control, msg)
}

// AddActiveQueue creates an active queue whose worker calls fn for every
// routed message.
func (c *Client) AddActiveQueue(name string, fn ActiveQueueFunc) error {
	return c.queues.add(name, fn)
}

// AddMessageRouteToActiveQueue routes messages named key to queue.
func (c *Client) AddMessageRouteToActiveQueue(queue, key string) error {
	return c.queues.route(queue, key)
}

// AddWildcardActiveQueue creates an active queue receiving every message
// whose name matches pattern, including names already seen.
func (c *Client) AddWildcardActiveQueue(name, pattern string, fn ActiveQueueFunc) error {
	return c.queues.addWildcard(name, pattern, fn)
}

// RemoveActiveQueue stops and removes an active queue.
func (c *Client) RemoveActiveQueue(name string) bool {
	return c.queues.remove(name)
}

// HasActiveQueue reports whether an active queue named name exists.
func (c *Client) HasActiveQueue(name string) bool {
	return c.queues.has(name)
}

// Latency returns the latency statistics of the current connection.
func (c *Client) Latency() LatencySnapshot {
	c.mx.Lock()
	conn := c.conn
	c.mx.Unlock()
	if conn == nil {
		return LatencySnapshot{}
	}
	return conn.Latency().Snapshot()
}

func (c *Client) ioLoop(ctx context.Context) {
	defer c.wg.Done()

	limiter := rate.NewLimiter(rate.Every(c.cfg.ReconnectInterval), 1)
	for {
		if ctx.Err() != nil {
			c.disconnect(nil)
			return
		}

		c.mx.Lock()
		conn := c.conn
		c.mx.Unlock()

		if conn == nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			if err := c.connect(ctx); err != nil {
				c.log.WithError(err).WithField("server", c.addr).Debug("Connect failed")
			}
			continue
		}

		start := time.Now()
		if err := c.doIO(conn); err != nil {
			if ctx.Err() == nil {
				c.log.WithError(err).WithField("server", c.addr).Warn("Connection lost")
			}
			c.disconnect(conn)
			continue
		}
		c.pace(ctx, start)
	}
}

func (c *Client) connect(ctx context.Context) error {
	conn, err := Dial(ctx, c.addr, DialConfig{
		Name:             c.name,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		IOTimeout:        c.cfg.IOTimeout,
		Log:              c.log,
		Time:             c.ts,
	})
	if err != nil {
		return err
	}

	c.mx.Lock()
	if ctx.Err() != nil {
		c.mx.Unlock()
		return conn.Close()
	}
	c.conn = conn
	c.community = conn.Community()
	c.renew = true
	close(c.connectedCh)
	onConnect := c.onConnect
	c.mx.Unlock()

	c.log.WithField("server", c.addr).WithField("community", conn.Community()).
		WithField("session", conn.ID()).Info("Connected")
	if onConnect != nil {
		onConnect()
	}
	return nil
}

// disconnect drops conn if it is still current. A nil conn drops whatever
// is current.
func (c *Client) disconnect(conn *Conn) {
	c.mx.Lock()
	if c.conn == nil || (conn != nil && c.conn != conn) {
		c.mx.Unlock()
		return
	}
	conn = c.conn
	c.conn = nil
	c.control = nil
	c.connectedCh = make(chan struct{})
	onDisconnect := c.onDisconnect
	c.mx.Unlock()

	_ = conn.Close() //nolint:errcheck
	if onDisconnect != nil {
		onDisconnect()
	}
}

// doIO runs one exchange: flush, read, dispatch, notify, renew.
func (c *Client) doIO(conn *Conn) error {
	c.mx.Lock()
	control := c.control
	c.control = nil
	c.mx.Unlock()

	timing := Timing{
		ClientTx:      c.ts.LocalNow(),
		ClientLatency: conn.Latency().Snapshot().Recent.Seconds(),
	}
	tm := NewBinaryMsg(TimingType, timingKey, EncodeTiming(timing), c.ts.Now())
	tm.Source = c.name

	out := make([]Msg, 0, 1+len(control)+c.outbox.Len())
	out = append(out, tm)
	out = append(out, control...)
	out = append(out, c.outbox.DrainAll()...)
	if err := conn.WritePacket(out); err != nil {
		return err
	}

	in, err := conn.ReadPacket(c.cfg.IOTimeout)
	if err != nil {
		return err
	}
	mail := make([]Msg, 0, len(in))
	for _, msg := range in {
		switch msg.Type {
		case TimingType:
			c.onTiming(conn, msg)
		case PoisonType, TerminateType:
			return errors.Wrap(ErrPoisoned, msg.String)
		case NullType:
		default:
			mail = append(mail, msg)
		}
	}

	mail = c.queues.dispatch(mail)
	for _, msg := range mail {
		if err := c.inbox.Push(msg); err != nil {
			c.log.WithError(err).WithField("key", msg.Key).Warn("Inbox full")
		}
	}

	c.mx.Lock()
	onMail := c.onMail
	c.mx.Unlock()
	if len(mail) > 0 && onMail != nil {
		onMail()
	}

	c.applyRenewals()
	return nil
}

func (c *Client) onTiming(conn *Conn, msg Msg) {
	t, err := DecodeTiming(msg.Binary)
	if err != nil {
		c.log.WithError(err).Warn("Bad timing message")
		return
	}
	offset, rtt := c.skew.Update(t, c.ts.LocalNow())
	conn.Latency().Add(rtt)
	if c.cfg.DoLocalTimeCorrection {
		c.ts.SetSkew(offset)
	}
}

// applyRenewals queues the whole registry after a (re)connection.
func (c *Client) applyRenewals() {
	c.mx.Lock()
	defer c.mx.Unlock()
	if !c.renew {
		return
	}
	c.renew = false
	now := c.ts.Now()
	for key, r := range c.regs {
		c.queueControl(NewDoubleMsg(RegisterType, key, r.interval, now))
	}
	for _, r := range c.wildRegs {
		c.queueControl(NewStringMsg(WildcardRegisterType, r.varPattern, r.String(), now))
	}
}

// tickWait is the full period between two IO rounds. Under time warp an
// extra delay proportional to the warp is added, capped at maxWarpDelay.
func (c *Client) tickWait() time.Duration {
	wait := c.period
	if warp := c.ts.Warp(); warp > 1 && c.cfg.CommsControlTimeWarpScaleFactor > 0 {
		extra := time.Duration(c.cfg.CommsControlTimeWarpScaleFactor * (warp - 1) * float64(c.period))
		if extra > maxWarpDelay {
			extra = maxWarpDelay
		}
		wait += extra
	}
	return wait
}

// pace sleeps out the rest of the tick period.
func (c *Client) pace(ctx context.Context, start time.Time) {
	wait := c.tickWait() - time.Since(start)
	if wait <= 0 {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
