// Package store implements the in-page response cache: a bounded,
// TTL-aware key/value store for API payloads with LRU eviction and
// cross-instance invalidation broadcasts.
package store

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrStorageFull is returned by Set when an entry cannot be admitted.
// Callers should degrade by skipping caching, never by failing the request.
var ErrStorageFull = errors.New("store: entry too large for cache")

const (
	// DefaultMaxEntries bounds the store when no limit is configured.
	DefaultMaxEntries = 256
	// DefaultMaxStale is the grace window during which an expired entry
	// is retained so that it can still be served stale-while-revalidate.
	DefaultMaxStale = time.Hour
)

// Entry is a single cached payload together with its freshness metadata.
// Entries are owned by the store; Get and Set copy payloads so that no
// caller ever aliases the stored bytes.
type Entry struct {
	Key      string
	Payload  []byte
	StoredAt time.Time
	TTL      time.Duration
	ETag     string
}

// Fresh reports whether the entry is still within its TTL at the given time.
func (e Entry) Fresh(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Config configures a Store. The zero value is usable.
type Config struct {
	// MaxEntries is the LRU bound. Defaults to DefaultMaxEntries.
	MaxEntries int
	// MaxStale is how long past its TTL an entry is retained for
	// stale serving before being purged. Defaults to DefaultMaxStale.
	MaxStale time.Duration
	// MaxPayloadBytes rejects oversized payloads with ErrStorageFull.
	// Zero means no per-entry limit.
	MaxPayloadBytes int
	// Bus, if set, receives an invalidation broadcast for every Set and
	// Delete, and invalidations published by sibling stores are applied
	// locally.
	Bus *Bus
}

// Store is a bounded in-memory cache of API response payloads.
// All mutations are serialized through a single mutex; there are no
// read-modify-write races between interleaved operations.
type Store struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List // front is most recently used
	maxEntries int
	maxStale   time.Duration
	maxPayload int
	bus        *Bus
	origin     string
	done       chan struct{}

	now func() time.Time
}

// New creates a Store and, if a Bus is configured, starts listening for
// sibling invalidations. Call Close to detach from the bus.
func New(cfg Config) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxStale == 0 {
		cfg.MaxStale = DefaultMaxStale
	}
	s := &Store{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: cfg.MaxEntries,
		maxStale:   cfg.MaxStale,
		maxPayload: cfg.MaxPayloadBytes,
		bus:        cfg.Bus,
		origin:     uuid.NewString(),
		done:       make(chan struct{}),
		now:        time.Now,
	}
	if s.bus != nil {
		ch := s.bus.Subscribe(s.origin)
		go s.listen(ch)
	}
	return s
}

// Close detaches the store from its bus, if any.
func (s *Store) Close() {
	close(s.done)
	if s.bus != nil {
		s.bus.Unsubscribe(s.origin)
	}
}

// Get returns a copy of the entry for key. Entries past their TTL are
// still returned while within the stale grace window; the caller decides
// staleness via Entry.Fresh. Entries past TTL plus grace are purged
// lazily and reported as a miss.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	ent := el.Value.(*Entry)
	if s.hardExpired(ent, s.now()) {
		s.removeLocked(el)
		return Entry{}, false
	}
	s.lru.MoveToFront(el)
	return copyEntry(*ent), true
}

// Set stores payload under key with the given TTL, overwriting any
// previous entry and broadcasting an invalidation for the key.
func (s *Store) Set(key string, payload []byte, ttl time.Duration) error {
	return s.SetWithETag(key, payload, ttl, "")
}

// SetWithETag is Set with an entity tag recorded for later revalidation.
func (s *Store) SetWithETag(key string, payload []byte, ttl time.Duration, etag string) error {
	if s.maxPayload > 0 && len(payload) > s.maxPayload {
		return ErrStorageFull
	}
	ent := &Entry{
		Key:      key,
		Payload:  append([]byte(nil), payload...),
		StoredAt: s.now(),
		TTL:      ttl,
		ETag:     etag,
	}
	s.mu.Lock()
	if el, ok := s.entries[key]; ok {
		el.Value = ent
		s.lru.MoveToFront(el)
	} else {
		s.entries[key] = s.lru.PushFront(ent)
	}
	s.evictLocked()
	s.mu.Unlock()
	s.broadcast(key)
	return nil
}

// Delete removes the entry for key if present and always broadcasts the
// invalidation, so that sibling instances drop their copies too.
// Deleting an absent key is not an error.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	if el, ok := s.entries[key]; ok {
		s.removeLocked(el)
	}
	s.mu.Unlock()
	s.broadcast(key)
}

// Touch refreshes StoredAt for key in place, used after a revalidation
// told us the retained payload is still current. It reports whether the
// entry existed.
func (s *Store) Touch(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[key]
	if !ok {
		return false
	}
	ent := el.Value.(*Entry)
	ent.StoredAt = s.now()
	s.lru.MoveToFront(el)
	return true
}

// Len returns the number of stored entries, including stale ones.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Purge drops every entry without broadcasting.
func (s *Store) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*list.Element)
	s.lru.Init()
}

// evictLocked removes hard-expired entries and then trims least recently
// used entries until within the configured bound.
func (s *Store) evictLocked() {
	now := s.now()
	for el := s.lru.Back(); el != nil; {
		prev := el.Prev()
		if s.hardExpired(el.Value.(*Entry), now) {
			s.removeLocked(el)
		}
		el = prev
	}
	for s.lru.Len() > s.maxEntries {
		s.removeLocked(s.lru.Back())
	}
}

func (s *Store) hardExpired(ent *Entry, now time.Time) bool {
	return now.Sub(ent.StoredAt) >= ent.TTL+s.maxStale
}

func (s *Store) removeLocked(el *list.Element) {
	ent := s.lru.Remove(el).(*Entry)
	delete(s.entries, ent.Key)
}

func (s *Store) broadcast(key string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(Invalidation{Type: MsgCacheInvalidate, Key: key, Origin: s.origin})
}

// listen applies invalidations published by sibling stores. Messages
// from our own origin are skipped, and applying never re-broadcasts.
func (s *Store) listen(ch <-chan Invalidation) {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Origin == s.origin {
				continue
			}
			log.Trace().Str("key", msg.Key).Msg("Applying sibling invalidation")
			s.mu.Lock()
			if el, ok := s.entries[msg.Key]; ok {
				s.removeLocked(el)
			}
			s.mu.Unlock()
		}
	}
}

func copyEntry(e Entry) Entry {
	e.Payload = append([]byte(nil), e.Payload...)
	return e
}
