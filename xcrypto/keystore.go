package xcrypto

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xenocomm/xenocomm/xerr"
)

// entry is one stored key and its lifecycle metadata.
type entry struct {
	key      []byte
	expires  time.Time
	revoked  bool
}

// KeyStore holds keys obtained from key exchange behind UUID handles,
// reaping expired or revoked entries on a period (spec §5: "Keys obtained
// from key exchange are stored in a process-wide KeyStore keyed by a UUID;
// cleanup reaps expired/revoked keys periodically"). It is an explicitly
// constructed instance passed to whatever needs it, not package-level
// global state (spec §9's "Global mutable state" redesign note).
type KeyStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewKeyStore builds an empty KeyStore and starts its background reaper.
func NewKeyStore(reapInterval time.Duration) *KeyStore {
	ks := &KeyStore{
		entries: make(map[uuid.UUID]*entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if reapInterval > 0 {
		go ks.reap(reapInterval)
	} else {
		close(ks.done)
	}
	return ks
}

// Put stores key, valid until ttl elapses, and returns its handle.
func (ks *KeyStore) Put(key []byte, ttl time.Duration) uuid.UUID {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	id := uuid.New()
	ks.entries[id] = &entry{key: append([]byte(nil), key...), expires: time.Now().Add(ttl)}
	return id
}

// Get returns the key for handle, or an error if it is unknown, revoked, or
// expired.
func (ks *KeyStore) Get(handle uuid.UUID) ([]byte, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	e, ok := ks.entries[handle]
	if !ok || e.revoked || time.Now().After(e.expires) {
		return nil, xerr.New(xerr.Crypto, "xcrypto.KeyStore.Get")
	}
	return append([]byte(nil), e.key...), nil
}

// Revoke marks handle's key as no longer usable; the next reap sweep
// removes it.
func (ks *KeyStore) Revoke(handle uuid.UUID) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if e, ok := ks.entries[handle]; ok {
		e.revoked = true
	}
}

// Len reports the number of stored entries, including not-yet-reaped
// expired/revoked ones.
func (ks *KeyStore) Len() int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return len(ks.entries)
}

// Close stops the reaper goroutine.
func (ks *KeyStore) Close() {
	ks.once.Do(func() { close(ks.stop) })
	<-ks.done
}

func (ks *KeyStore) reap(interval time.Duration) {
	defer close(ks.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ks.sweep(time.Now())
		case <-ks.stop:
			return
		}
	}
}

func (ks *KeyStore) sweep(now time.Time) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for id, e := range ks.entries {
		if e.revoked || now.After(e.expires) {
			delete(ks.entries, id)
		}
	}
}
