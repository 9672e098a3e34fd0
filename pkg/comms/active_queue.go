package comms

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
)

var (
	// ErrQueueExists is returned when adding an active queue whose name is taken.
	ErrQueueExists = errors.New("active queue already exists")
	// ErrNoSuchQueue is returned when referring to an unknown active queue.
	ErrNoSuchQueue = errors.New("no such active queue")
)

// ActiveQueueFunc consumes one message delivered to an active queue.
type ActiveQueueFunc func(msg Msg) error

// activeQueue owns a mailbox and the worker goroutine draining it.
type activeQueue struct {
	log  *logging.Logger
	name string
	fn   ActiveQueueFunc
	box  *Mailbox
	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newActiveQueue(log *logging.Logger, name string, limit int, fn ActiveQueueFunc) *activeQueue {
	q := &activeQueue{
		log:  log,
		name: name,
		fn:   fn,
		box:  NewMailbox(MailboxConfig{Limit: limit, EvictOldest: true}),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *activeQueue) push(msg Msg) {
	if err := q.box.Push(msg); err != nil {
		q.log.WithError(err).WithField("queue", q.name).Warn("Dropped message")
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *activeQueue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.quit:
			return
		case <-q.wake:
		}
		for _, msg := range q.box.DrainAll() {
			select {
			case <-q.quit:
				return
			default:
			}
			q.invoke(msg)
		}
	}
}

func (q *activeQueue) invoke(msg Msg) {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithField("queue", q.name).WithField("key", msg.Key).
				Errorf("Callback panicked: %v", r)
		}
	}()
	if err := q.fn(msg); err != nil {
		q.log.WithError(err).WithField("queue", q.name).WithField("key", msg.Key).
			Warn("Callback failed")
	}
}

// stop signals the worker and waits until any in-flight callback returned.
func (q *activeQueue) stop() {
	close(q.quit)
	<-q.done
}

// activeQueues routes incoming mail to active queues by exact name or
// wildcard pattern.
type activeQueues struct {
	log   *logging.Logger
	limit int

	queues    map[string]*activeQueue
	routes    map[string]map[string]struct{} // message name -> queue names
	wildcards map[string]string              // queue name -> pattern
	checked   map[string]struct{}            // names already matched against wildcards
	mx        sync.Mutex
}

func newActiveQueues(log *logging.Logger, limit int) *activeQueues {
	return &activeQueues{
		log:       log,
		limit:     limit,
		queues:    make(map[string]*activeQueue),
		routes:    make(map[string]map[string]struct{}),
		wildcards: make(map[string]string),
		checked:   make(map[string]struct{}),
	}
}

// addRoute must be called with the lock held.
func (a *activeQueues) addRoute(queue, key string) {
	set, ok := a.routes[key]
	if !ok {
		set = make(map[string]struct{})
		a.routes[key] = set
	}
	set[queue] = struct{}{}
}

func (a *activeQueues) add(name string, fn ActiveQueueFunc) error {
	if fn == nil {
		return fmt.Errorf("active queue %q: nil callback", name)
	}
	a.mx.Lock()
	defer a.mx.Unlock()

	if _, ok := a.queues[name]; ok {
		return errors.Wrap(ErrQueueExists, name)
	}
	a.queues[name] = newActiveQueue(a.log, name, a.limit, fn)
	return nil
}

func (a *activeQueues) route(queue, key string) error {
	a.mx.Lock()
	defer a.mx.Unlock()

	if _, ok := a.queues[queue]; !ok {
		return errors.Wrap(ErrNoSuchQueue, queue)
	}
	a.addRoute(queue, key)
	return nil
}

func (a *activeQueues) addWildcard(name, pattern string, fn ActiveQueueFunc) error {
	if err := a.add(name, fn); err != nil {
		return err
	}
	a.mx.Lock()
	defer a.mx.Unlock()

	a.wildcards[name] = pattern
	for key := range a.checked {
		if WildcardMatch(pattern, key) {
			a.addRoute(name, key)
		}
	}
	return nil
}

func (a *activeQueues) has(name string) bool {
	a.mx.Lock()
	_, ok := a.queues[name]
	a.mx.Unlock()
	return ok
}

func (a *activeQueues) remove(name string) bool {
	a.mx.Lock()
	q, ok := a.queues[name]
	if ok {
		delete(a.queues, name)
		delete(a.wildcards, name)
		for key, set := range a.routes {
			delete(set, name)
			if len(set) == 0 {
				delete(a.routes, key)
			}
		}
	}
	a.mx.Unlock()

	if ok {
		q.stop()
	}
	return ok
}

// dispatch hands every routed message to its queues and returns the
// messages no queue claimed.
func (a *activeQueues) dispatch(msgs []Msg) []Msg {
	type delivery struct {
		q   *activeQueue
		msg Msg
	}
	var (
		out  []delivery
		rest []Msg
	)

	a.mx.Lock()
	for i := range msgs {
		key := msgs[i].Key
		if _, ok := a.checked[key]; !ok {
			a.checked[key] = struct{}{}
			for name, pattern := range a.wildcards {
				if WildcardMatch(pattern, key) {
					a.addRoute(name, key)
				}
			}
		}
		set := a.routes[key]
		if len(set) == 0 {
			rest = append(rest, msgs[i])
			continue
		}
		for name := range set {
			out = append(out, delivery{q: a.queues[name], msg: msgs[i].clone()})
		}
	}
	a.mx.Unlock()

	for _, d := range out {
		d.q.push(d.msg)
	}
	return rest
}

func (a *activeQueues) close() {
	a.mx.Lock()
	queues := a.queues
	a.queues = make(map[string]*activeQueue)
	a.routes = make(map[string]map[string]struct{})
	a.wildcards = make(map[string]string)
	a.mx.Unlock()

	for _, q := range queues {
		q.stop()
	}
}
