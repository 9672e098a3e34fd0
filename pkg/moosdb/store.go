package moosdb

import (
	"fmt"
	"sort"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/moosgo/moos/pkg/comms"
)

// Store persists the latest value of every variable so a restarted
// database can serve them again.
type Store interface {
	// Put saves the latest values of variables in one write.
	Put(msgs ...comms.Msg) error
	// Delete forgets a variable.
	Delete(name string) error
	// Load returns every saved value sorted by name.
	Load() ([]comms.Msg, error)
	// Close releases the store.
	Close() error
}

// NewStore returns a Store of the given kind. "bbolt" keeps values in the
// file at path, "memory" keeps them in memory.
func NewStore(kind, path, community string) (Store, error) {
	switch kind {
	case "bbolt":
		return newBoltStore(path, community)
	case "memory", "":
		return newMemoryStore(), nil
	default:
		return nil, fmt.Errorf("no Store of type %s", kind)
	}
}

type boltStore struct {
	db     *bbolt.DB
	bucket []byte
}

func newBoltStore(path, community string) (_ Store, err error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = db.Close() //nolint:errcheck
		}
	}()

	b := []byte(community)
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(b); err != nil {
			return fmt.Errorf("failed to create bucket: %s", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &boltStore{db: db, bucket: b}, nil
}

func (s *boltStore) Put(msgs ...comms.Msg) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for _, msg := range msgs {
			if err := b.Put([]byte(msg.Key), comms.EncodeMessage(msg)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) Delete(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(name))
	})
}

func (s *boltStore) Load() ([]comms.Msg, error) {
	msgs := make([]comms.Msg, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, v []byte) error {
			msg, err := comms.DecodeMessage(v)
			if err != nil {
				return fmt.Errorf("variable %s: %v", k, err)
			}
			msgs = append(msgs, msg)
			return nil
		})
	})
	return msgs, err
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

type memoryStore struct {
	vars map[string]comms.Msg
	mx   sync.Mutex
}

func newMemoryStore() *memoryStore {
	return &memoryStore{vars: make(map[string]comms.Msg)}
}

func (s *memoryStore) Put(msgs ...comms.Msg) error {
	s.mx.Lock()
	for _, msg := range msgs {
		s.vars[msg.Key] = msg
	}
	s.mx.Unlock()
	return nil
}

func (s *memoryStore) Delete(name string) error {
	s.mx.Lock()
	delete(s.vars, name)
	s.mx.Unlock()
	return nil
}

func (s *memoryStore) Load() ([]comms.Msg, error) {
	s.mx.Lock()
	msgs := make([]comms.Msg, 0, len(s.vars))
	for _, m := range s.vars {
		msgs = append(msgs, m)
	}
	s.mx.Unlock()
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Key < msgs[j].Key })
	return msgs, nil
}

func (s *memoryStore) Close() error { return nil }
