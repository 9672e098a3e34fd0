package comms

import (
	"sync"

	"github.com/pkg/errors"
)

// DefaultPendingLimit is the default bound of inboxes and outboxes.
const DefaultPendingLimit = 2048

// ErrMailboxFull is returned by Push when the mailbox is at its pending limit
// and the overflow policy is to reject.
var ErrMailboxFull = errors.New("mailbox full")

// MailboxConfig configures a Mailbox.
type MailboxConfig struct {
	// Limit is the pending limit. Zero selects DefaultPendingLimit.
	Limit int
	// NewestFirst posts newly pushed messages to the front.
	NewestFirst bool
	// EvictOldest makes Push drop the oldest message instead of rejecting
	// the new one when the mailbox is full.
	EvictOldest bool
}

// Mailbox is a bounded, thread-safe queue of messages.
// The oldest message is at the front unless NewestFirst is set.
type Mailbox struct {
	cfg        MailboxConfig
	msgs       []Msg
	overflowed uint64
	mx         sync.Mutex
}

// NewMailbox creates a new Mailbox.
func NewMailbox(cfg MailboxConfig) *Mailbox {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultPendingLimit
	}
	return &Mailbox{cfg: cfg}
}

// Push inserts msg. When full it either evicts the oldest message or
// rejects msg with ErrMailboxFull.
func (b *Mailbox) Push(msg Msg) error {
	b.mx.Lock()
	defer b.mx.Unlock()

	if len(b.msgs) >= b.cfg.Limit {
		if !b.cfg.EvictOldest {
			return ErrMailboxFull
		}
		b.evictOldest(len(b.msgs) - b.cfg.Limit + 1)
	}
	if b.cfg.NewestFirst {
		b.msgs = append(b.msgs, Msg{})
		copy(b.msgs[1:], b.msgs)
		b.msgs[0] = msg
	} else {
		b.msgs = append(b.msgs, msg)
	}
	return nil
}

// evictOldest must be called with the lock held.
func (b *Mailbox) evictOldest(n int) {
	if n <= 0 {
		return
	}
	if n > len(b.msgs) {
		n = len(b.msgs)
	}
	if b.cfg.NewestFirst {
		b.msgs = b.msgs[:len(b.msgs)-n]
	} else {
		b.msgs = append(b.msgs[:0], b.msgs[n:]...)
	}
	b.overflowed += uint64(n)
}

// DrainAll atomically removes and returns the whole content.
func (b *Mailbox) DrainAll() []Msg {
	b.mx.Lock()
	msgs := b.msgs
	b.msgs = nil
	b.mx.Unlock()
	return msgs
}

// PeekAndErase returns the first message satisfying pred, scanning from the
// front. When erase is set the message is removed.
func (b *Mailbox) PeekAndErase(pred func(m *Msg) bool, erase bool) (Msg, bool) {
	b.mx.Lock()
	defer b.mx.Unlock()

	for i := range b.msgs {
		if !pred(&b.msgs[i]) {
			continue
		}
		m := b.msgs[i]
		if erase {
			b.msgs = append(b.msgs[:i], b.msgs[i+1:]...)
		}
		return m, true
	}
	return Msg{}, false
}

// PeekYoungest returns the most recently pushed message with the given key.
func (b *Mailbox) PeekYoungest(key string, erase bool) (Msg, bool) {
	b.mx.Lock()
	defer b.mx.Unlock()

	idx := -1
	for i := range b.msgs {
		if b.msgs[i].Key != key {
			continue
		}
		if idx == -1 || !b.cfg.NewestFirst {
			idx = i
		}
		if b.cfg.NewestFirst {
			break
		}
	}
	if idx == -1 {
		return Msg{}, false
	}
	m := b.msgs[idx]
	if erase {
		b.msgs = append(b.msgs[:idx], b.msgs[idx+1:]...)
	}
	return m, true
}

// Len returns the number of pending messages.
func (b *Mailbox) Len() int {
	b.mx.Lock()
	n := len(b.msgs)
	b.mx.Unlock()
	return n
}

// Limit returns the pending limit.
func (b *Mailbox) Limit() int {
	b.mx.Lock()
	n := b.cfg.Limit
	b.mx.Unlock()
	return n
}

// SetLimit changes the pending limit, evicting the oldest messages if the
// content no longer fits.
func (b *Mailbox) SetLimit(limit int) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	b.mx.Lock()
	b.cfg.Limit = limit
	b.evictOldest(len(b.msgs) - limit)
	b.mx.Unlock()
}

// Overflowed returns how many messages were evicted to make room, either by
// Push on a full mailbox or by SetLimit. Rejected pushes are not counted.
func (b *Mailbox) Overflowed() uint64 {
	b.mx.Lock()
	n := b.overflowed
	b.mx.Unlock()
	return n
}
