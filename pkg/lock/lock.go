// Package lock implements a lock in the kv store using CAS semantics.
// A lock still held once its ttl ran out may be taken over by the next
// acquirer.
package lock

import (
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mistifyio/flashnbd/pkg/kv"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrLockHeld signifies a non-blocking acquire of a lock held by someone else
	ErrLockHeld = errors.New("lock held by another client")
	// ErrLockNotHeld signifies an attempt to operate on a released/lost lock
	ErrLockNotHeld = errors.New("lock not held")
)

// PollInterval is how often a blocking Acquire retries.
var PollInterval = 100 * time.Millisecond

// Lock is a lock in the kv store
type Lock struct {
	kv     kv.KV
	key    string
	holder string
	ttl    time.Duration
	index  uint64
	held   bool
}

type record struct {
	Holder  string    `json:"holder"`
	Expires time.Time `json:"expires"`
}

func (l *Lock) value() []byte {
	buf, _ := json.Marshal(record{Holder: l.holder, Expires: time.Now().Add(l.ttl)})
	return buf
}

func (l *Lock) tryAcquire() error {
	index, err := l.kv.Update(l.key, kv.Value{Data: l.value()})
	if err == nil {
		l.index = index
		return nil
	}
	if !kv.IsConflict(err) {
		return err
	}

	current, err := l.kv.Get(l.key)
	if err != nil {
		if l.kv.IsKeyNotFound(err) {
			// released between our create and read
			return ErrLockHeld
		}
		return err
	}
	var r record
	if err := json.Unmarshal(current.Data, &r); err != nil {
		return err
	}
	if l.ttl == 0 || time.Now().Before(r.Expires) {
		return ErrLockHeld
	}

	index, err = l.kv.Update(l.key, kv.Value{Data: l.value(), Index: current.Index})
	if err != nil {
		if kv.IsConflict(err) {
			return ErrLockHeld
		}
		return err
	}
	l.index = index
	return nil
}

// Acquire will attempt to acquire the lock, if blocking is set to true it will wait forever to do so.
// Setting blocking to false would be the equivalent of a fictional TryAcquire, an immediate return
// if locking fails. A zero ttl never expires.
func Acquire(store kv.KV, key, holder string, ttl time.Duration, blocking bool) (*Lock, error) {
	if key == "" {
		return nil, errors.New("lock key required")
	}
	l := &Lock{
		kv:     store,
		key:    key,
		holder: holder,
		ttl:    ttl,
	}
	for {
		err := l.tryAcquire()
		if err == nil {
			l.held = true
			return l, nil
		}
		if err != ErrLockHeld || !blocking {
			return nil, err
		}
		time.Sleep(PollInterval)
	}
}

// Release will release the lock and delete the key
func (l *Lock) Release() error {
	if !l.held {
		return ErrLockNotHeld
	}
	l.held = false
	return l.kv.Remove(l.key, l.index)
}
