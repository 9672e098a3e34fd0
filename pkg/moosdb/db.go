// Package moosdb implements the community database: the publish/subscribe
// logic served through a comms.Server.
package moosdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/moosgo/moos/pkg/comms"
	"github.com/moosgo/moos/pkg/moostime"
)

// Variables published by the database itself.
const (
	VarTime       = "DB_TIME"
	VarUptime     = "DB_UPTIME"
	VarClients    = "DB_CLIENTS"
	VarConnect    = "DB_CONNECT"
	VarDisconnect = "DB_DISCONNECT"
	VarEvent      = "DB_EVENT"
)

// Config configures a DB.
type Config struct {
	// Name is the source name of variables published by the database.
	Name      string
	Community string
	// InboxPendingLimit bounds the mail waiting for each client.
	InboxPendingLimit int
	// TickInterval is the period of DB_TIME, DB_UPTIME and of snapshot
	// flushes.
	TickInterval time.Duration
}

type subscription struct {
	interval float64
	lastSent float64
	sent     bool
	wildcard bool
}

// due reports whether a message may be sent at now.
func (s *subscription) due(now float64) bool {
	return !s.sent || s.interval <= 0 || now-s.lastSent >= s.interval
}

type variable struct {
	name    string
	kind    comms.PayloadKind
	value   comms.Msg
	written bool
	writes  uint64
	writers map[string]struct{}
	subs    map[string]*subscription
}

type wildcardSub struct {
	varPattern string
	appPattern string
	interval   float64
}

func (w wildcardSub) matches(key, source string) bool {
	return comms.WildcardMatch(w.varPattern, key) && comms.WildcardMatch(w.appPattern, source)
}

type client struct {
	name      string
	box       *comms.Mailbox
	wildcards map[string]wildcardSub
	published map[string]struct{}
	since     float64
}

// DB holds the variables of a community and the subscriptions of its
// clients.
type DB struct {
	log   *logging.Logger
	cfg   Config
	ts    *moostime.TimeSource
	store Store
	start float64

	server  *comms.Server
	vars    map[string]*variable
	clients map[string]*client
	dirty   map[string]comms.Msg
	mx      sync.Mutex

	flushMx sync.Mutex
}

// New creates a DB. A nil store keeps nothing across restarts.
func New(cfg Config, ts *moostime.TimeSource, store Store) *DB {
	if cfg.Name == "" {
		cfg.Name = comms.DefaultServerName
	}
	if cfg.Community == "" {
		cfg.Community = comms.DefaultCommunity
	}
	if cfg.InboxPendingLimit <= 0 {
		cfg.InboxPendingLimit = comms.DefaultPendingLimit
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if ts == nil {
		ts = moostime.New()
	}
	if store == nil {
		store = newMemoryStore()
	}
	return &DB{
		log:     logging.MustGetLogger("moosdb"),
		cfg:     cfg,
		ts:      ts,
		store:   store,
		start:   ts.Now(),
		vars:    make(map[string]*variable),
		clients: make(map[string]*client),
		dirty:   make(map[string]comms.Msg),
	}
}

// SetLogger sets the logger of the database.
func (db *DB) SetLogger(log *logging.Logger) { db.log = log }

// Attach installs the database as the callbacks of s.
func (db *DB) Attach(s *comms.Server) {
	db.mx.Lock()
	db.server = s
	db.mx.Unlock()
	s.SetOnConnect(db.OnConnect)
	s.SetOnDisconnect(db.OnDisconnect)
	s.SetOnRx(db.OnRx)
	s.SetOnFetchAllMail(db.FetchAllMail)
}

// Restore loads the variables saved in the store.
func (db *DB) Restore() (int, error) {
	msgs, err := db.store.Load()
	if err != nil {
		return 0, err
	}
	db.mx.Lock()
	defer db.mx.Unlock()
	for _, m := range msgs {
		v := db.variable(m.Key)
		v.kind = m.Kind
		v.value = m
		v.written = true
		v.writers[m.Source] = struct{}{}
	}
	db.log.WithField("variables", len(msgs)).Info("Restored variables")
	return len(msgs), nil
}

// Run publishes DB_TIME and DB_UPTIME and flushes the snapshot every tick
// until ctx is done. A last flush happens on the way out.
func (db *DB) Run(ctx context.Context) {
	ticker := time.NewTicker(db.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := db.Flush(); err != nil {
				db.log.WithError(err).Warn("Final snapshot failed")
			}
			return
		case <-ticker.C:
			now := db.ts.Now()
			db.Publish(VarTime, now)
			db.Publish(VarUptime, now-db.start)
			if err := db.Flush(); err != nil {
				db.log.WithError(err).Warn("Snapshot failed")
			}
		}
	}
}

// Flush writes the values changed since the last flush to the store in a
// single batch. Values that fail to write are kept for the next flush
// unless they were overwritten meanwhile.
func (db *DB) Flush() error {
	db.flushMx.Lock()
	defer db.flushMx.Unlock()

	db.mx.Lock()
	if len(db.dirty) == 0 {
		db.mx.Unlock()
		return nil
	}
	batch := make([]comms.Msg, 0, len(db.dirty))
	for _, m := range db.dirty {
		batch = append(batch, m)
	}
	db.dirty = make(map[string]comms.Msg)
	db.mx.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Key < batch[j].Key })
	if err := db.store.Put(batch...); err != nil {
		db.mx.Lock()
		for _, m := range batch {
			if _, ok := db.dirty[m.Key]; !ok {
				db.dirty[m.Key] = m
			}
		}
		db.mx.Unlock()
		return errors.Wrapf(err, "failed to save %d variables", len(batch))
	}
	return nil
}

// Publish writes a variable on behalf of the database itself.
func (db *DB) Publish(key string, value interface{}) {
	db.mx.Lock()
	defer db.mx.Unlock()
	db.publish(key, value)
}

// publish must be called with the lock held.
func (db *DB) publish(key string, value interface{}) {
	now := db.ts.Now()
	var m comms.Msg
	switch v := value.(type) {
	case float64:
		m = comms.NewDoubleMsg(comms.NotifyType, key, v, now)
	case int:
		m = comms.NewDoubleMsg(comms.NotifyType, key, float64(v), now)
	case string:
		m = comms.NewStringMsg(comms.NotifyType, key, v, now)
	case []byte:
		m = comms.NewBinaryMsg(comms.NotifyType, key, v, now)
	default:
		m = comms.NewStringMsg(comms.NotifyType, key, fmt.Sprint(v), now)
	}
	m.Source = db.cfg.Name
	db.notify(db.cfg.Name, m)
}

// variable must be called with the lock held.
func (db *DB) variable(name string) *variable {
	v, ok := db.vars[name]
	if !ok {
		v = &variable{
			name:    name,
			writers: make(map[string]struct{}),
			subs:    make(map[string]*subscription),
		}
		db.vars[name] = v
	}
	return v
}

// OnConnect registers a new client.
func (db *DB) OnConnect(name string) {
	db.mx.Lock()
	defer db.mx.Unlock()
	db.clients[name] = &client{
		name:      name,
		box:       comms.NewMailbox(comms.MailboxConfig{Limit: db.cfg.InboxPendingLimit, EvictOldest: true}),
		wildcards: make(map[string]wildcardSub),
		published: make(map[string]struct{}),
		since:     db.ts.Now(),
	}
	db.publish(VarConnect, name)
	db.publish(VarEvent, "type=connect,client="+name)
	db.publish(VarClients, strings.Join(db.clientNames(), ","))
}

// OnDisconnect forgets a client and its subscriptions.
func (db *DB) OnDisconnect(name string) {
	db.mx.Lock()
	defer db.mx.Unlock()
	delete(db.clients, name)
	for _, v := range db.vars {
		delete(v.subs, name)
	}
	db.publish(VarDisconnect, name)
	db.publish(VarEvent, "type=disconnect,client="+name)
	db.publish(VarClients, strings.Join(db.clientNames(), ","))
}

// clientNames must be called with the lock held.
func (db *DB) clientNames() []string {
	names := make([]string, 0, len(db.clients))
	for name := range db.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnRx processes the messages sent by a client in one packet.
func (db *DB) OnRx(name string, in []comms.Msg) ([]comms.Msg, error) {
	db.mx.Lock()
	defer db.mx.Unlock()

	var reply []comms.Msg
	for _, m := range in {
		if m.Source == "" {
			m.Source = name
		}
		switch m.Type {
		case comms.NotifyType:
			db.notify(name, m)
		case comms.RegisterType:
			db.register(name, m.Key, m.Double)
		case comms.UnregisterType:
			db.unregister(name, m.Key)
		case comms.WildcardRegisterType:
			db.registerWildcard(name, m)
		case comms.WildcardUnregisterType:
			db.unregisterWildcard(name, m)
		case comms.ServerRequestType:
			reply = append(reply, db.serverRequest(name, m.Key)...)
		case comms.CommandType:
			db.command(name, m)
		case comms.NullType, comms.TimingType:
		default:
			db.log.WithField("client", name).WithField("type", m.Type).Debug("Ignoring message")
		}
	}
	return reply, nil
}

// FetchAllMail drains the mail pending for a client.
func (db *DB) FetchAllMail(name string) []comms.Msg {
	db.mx.Lock()
	c, ok := db.clients[name]
	db.mx.Unlock()
	if !ok {
		return nil
	}
	return c.box.DrainAll()
}

// deliver must be called with the lock held.
func (db *DB) deliver(to string, m comms.Msg) {
	c, ok := db.clients[to]
	if !ok {
		return
	}
	if err := c.box.Push(m); err != nil {
		db.log.WithError(err).WithField("client", to).Warn("Dropped mail")
	}
}

// notify must be called with the lock held.
func (db *DB) notify(from string, m comms.Msg) {
	v := db.variable(m.Key)
	if v.written && v.kind != m.Kind {
		db.log.WithField("variable", m.Key).WithField("client", from).
			Warnf("Rejected %s write to %s variable", m.Kind, v.kind)
		return
	}
	m.Type = comms.NotifyType
	if m.Community == "" {
		m.Community = db.cfg.Community
	}
	v.kind = m.Kind
	v.value = m
	v.written = true
	v.writes++
	v.writers[m.Source] = struct{}{}
	if c, ok := db.clients[from]; ok {
		c.published[m.Key] = struct{}{}
	}
	db.dirty[m.Key] = m

	for name, c := range db.clients {
		if _, ok := v.subs[name]; ok {
			continue
		}
		for _, w := range c.wildcards {
			if w.matches(m.Key, m.Source) {
				v.subs[name] = &subscription{interval: w.interval, wildcard: true}
				break
			}
		}
	}

	now := db.ts.Now()
	for name, s := range v.subs {
		if !s.due(now) {
			continue
		}
		s.sent = true
		s.lastSent = now
		db.deliver(name, m)
	}
}

// register must be called with the lock held.
func (db *DB) register(name, key string, interval float64) {
	v := db.variable(key)
	s := &subscription{interval: interval}
	v.subs[name] = s
	if v.written {
		s.sent = true
		s.lastSent = db.ts.Now()
		db.deliver(name, v.value)
	}
}

// unregister must be called with the lock held.
func (db *DB) unregister(name, key string) {
	if v, ok := db.vars[key]; ok {
		delete(v.subs, name)
	}
}

// registerWildcard must be called with the lock held.
func (db *DB) registerWildcard(name string, m comms.Msg) {
	c, ok := db.clients[name]
	if !ok {
		return
	}
	varPattern, appPattern, interval, err := comms.ParseWildcardRegistration(m.String)
	if err != nil {
		db.log.WithError(err).WithField("client", name).Warn("Bad wildcard registration")
		return
	}
	w := wildcardSub{varPattern: varPattern, appPattern: appPattern, interval: interval}
	c.wildcards[varPattern+":"+appPattern] = w

	now := db.ts.Now()
	for _, v := range db.vars {
		if !v.written || !w.matches(v.name, v.value.Source) {
			continue
		}
		if _, ok := v.subs[name]; ok {
			continue
		}
		v.subs[name] = &subscription{interval: interval, wildcard: true, sent: true, lastSent: now}
		db.deliver(name, v.value)
	}
}

// unregisterWildcard must be called with the lock held.
func (db *DB) unregisterWildcard(name string, m comms.Msg) {
	c, ok := db.clients[name]
	if !ok {
		return
	}
	varPattern, appPattern, _, err := comms.ParseWildcardRegistration(m.String)
	if err != nil {
		db.log.WithError(err).WithField("client", name).Warn("Bad wildcard unregistration")
		return
	}
	delete(c.wildcards, varPattern+":"+appPattern)

	for _, v := range db.vars {
		s, ok := v.subs[name]
		if !ok || !s.wildcard {
			continue
		}
		keep := false
		for _, w := range c.wildcards {
			if w.matches(v.name, v.value.Source) {
				keep = true
				break
			}
		}
		if !keep {
			delete(v.subs, name)
		}
	}
}

// command must be called with the lock held. The key of a command names
// the client it is addressed to.
func (db *DB) command(from string, m comms.Msg) {
	if _, ok := db.clients[m.Key]; !ok {
		db.log.WithField("client", from).WithField("to", m.Key).Warn("Command for unknown client")
		return
	}
	db.deliver(m.Key, m)
}

// serverRequest must be called with the lock held.
func (db *DB) serverRequest(name, what string) []comms.Msg {
	now := db.ts.Now()
	reply := func(v string) []comms.Msg {
		m := comms.NewStringMsg(comms.NotifyType, what, v, now)
		m.Source = db.cfg.Name
		m.Community = db.cfg.Community
		return []comms.Msg{m}
	}

	switch what {
	case comms.ServerRequestAll:
		out := make([]comms.Msg, 0, len(db.vars))
		for _, name := range db.varNames() {
			if v := db.vars[name]; v.written {
				out = append(out, v.value)
			}
		}
		return out
	case comms.ServerRequestVarSummary:
		return reply(strings.Join(db.varNames(), ","))
	case comms.ServerRequestProcSummary:
		procs := make([]string, 0, len(db.clients))
		for _, cname := range db.clientNames() {
			pub := keys(db.clients[cname].published)
			procs = append(procs, fmt.Sprintf("%s[%s]", cname, strings.Join(pub, ";")))
		}
		return reply(strings.Join(procs, ","))
	case comms.ServerRequestClients:
		return reply(strings.Join(db.clientNames(), ","))
	default:
		db.log.WithField("client", name).WithField("request", what).Warn("Unknown server request")
		return nil
	}
}

// varNames must be called with the lock held.
func (db *DB) varNames() []string {
	names := make([]string, 0, len(db.vars))
	for name := range db.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// VariableInfo describes a variable for monitoring tools.
type VariableInfo struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Value       string   `json:"value"`
	Source      string   `json:"source"`
	SourceAux   string   `json:"source_aux,omitempty"`
	Community   string   `json:"community"`
	Time        float64  `json:"time"`
	Writes      uint64   `json:"writes"`
	Writers     []string `json:"writers"`
	Subscribers []string `json:"subscribers"`
}

func (v *variable) info() VariableInfo {
	info := VariableInfo{
		Name:        v.name,
		Writes:      v.writes,
		Writers:     keys(v.writers),
		Subscribers: make([]string, 0, len(v.subs)),
	}
	for name := range v.subs {
		info.Subscribers = append(info.Subscribers, name)
	}
	sort.Strings(info.Subscribers)
	if v.written {
		info.Type = v.kind.String()
		info.Value = v.value.Value()
		info.Source = v.value.Source
		info.SourceAux = v.value.SourceAux
		info.Community = v.value.Community
		info.Time = v.value.Time
	}
	return info
}

// Variables describes every known variable, sorted by name.
func (db *DB) Variables() []VariableInfo {
	db.mx.Lock()
	defer db.mx.Unlock()
	out := make([]VariableInfo, 0, len(db.vars))
	for _, name := range db.varNames() {
		out = append(out, db.vars[name].info())
	}
	return out
}

// Variable describes one variable.
func (db *DB) Variable(name string) (VariableInfo, bool) {
	db.mx.Lock()
	defer db.mx.Unlock()
	v, ok := db.vars[name]
	if !ok {
		return VariableInfo{}, false
	}
	return v.info(), true
}

// ClientStatus returns the communication status of every client with the
// variables it subscribes to and publishes.
func (db *DB) ClientStatus() []comms.ClientCommsStatus {
	db.mx.Lock()
	s := db.server
	db.mx.Unlock()
	if s == nil {
		return nil
	}
	statuses := s.ClientStatus()

	db.mx.Lock()
	defer db.mx.Unlock()
	for i := range statuses {
		name := statuses[i].Name
		for _, vname := range db.varNames() {
			if _, ok := db.vars[vname].subs[name]; ok {
				statuses[i].Subscribes = append(statuses[i].Subscribes, vname)
			}
		}
		if c, ok := db.clients[name]; ok {
			statuses[i].Publishes = keys(c.published)
		}
	}
	return statuses
}
