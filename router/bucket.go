package router

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/growplot/offcache/policy"
)

// BucketStore is the durable request/response storage behind named cache
// buckets. Implementations must be safe for concurrent use.
type BucketStore interface {
	// Get returns the stored bytes for key in bucket, if present.
	Get(bucket, key string) ([]byte, bool, error)
	// Put stores bytes under key in bucket, overwriting any previous entry.
	Put(bucket, key string, storedAt time.Time, b []byte) error
	// Delete removes key from bucket. Deleting an absent key is not an error.
	Delete(bucket, key string) error
	// Keys lists key and storage time for every entry in bucket.
	Keys(bucket string) ([]KeyAge, error)
}

// KeyAge is bucket enumeration metadata.
type KeyAge struct {
	Key      string
	StoredAt time.Time
}

// Expiration bounds one bucket, independently of any other caching layer.
type Expiration struct {
	MaxEntries    int `yaml:"maxEntries"`
	MaxAgeSeconds int `yaml:"maxAgeSeconds"`
}

func (e Expiration) maxAge() time.Duration {
	return time.Duration(e.MaxAgeSeconds) * time.Second
}

// Bucket is one named response cache with its own expiration policy.
type Bucket struct {
	name  string
	store BucketStore
	exp   Expiration
	now   func() time.Time
}

func requestKey(r *http.Request) string {
	return policy.Key(r.Method, r.URL.String(), nil)
}

// Match returns the cached response for the request, if present and not
// past the bucket's max age. Over-age entries are purged on lookup.
func (b *Bucket) Match(r *http.Request) (*http.Response, bool) {
	key := requestKey(r)
	bts, ok, err := b.store.Get(b.name, key)
	if err != nil {
		log.Warn().Err(err).Str("bucket", b.name).Str("key", key).Msg("Bucket read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	res, storedAt, err := bytesToResponse(bts, r)
	if err != nil {
		log.Warn().Err(err).Str("bucket", b.name).Str("key", key).Msg("Dropping unreadable bucket entry")
		b.store.Delete(b.name, key)
		return nil, false
	}
	if maxAge := b.exp.maxAge(); maxAge > 0 && b.now().Sub(storedAt) > maxAge {
		res.Body.Close()
		b.store.Delete(b.name, key)
		return nil, false
	}
	return res, true
}

// Put stores the response when it is storable: successful and not marked
// no-store. It reports whether the response was stored and enforces the
// bucket's entry cap by evicting the oldest entries.
func (b *Bucket) Put(r *http.Request, res *http.Response) (bool, error) {
	if res.StatusCode != http.StatusOK || noStore(res.Header) {
		return false, nil
	}
	bts, err := responseToBytes(res, b.now())
	if err != nil {
		return false, err
	}
	key := requestKey(r)
	if err := b.store.Put(b.name, key, b.now(), bts); err != nil {
		return false, err
	}
	b.enforceMaxEntries()
	return true, nil
}

// Delete removes the cached response for the request, if any.
func (b *Bucket) Delete(r *http.Request) {
	b.store.Delete(b.name, requestKey(r))
}

func (b *Bucket) enforceMaxEntries() {
	if b.exp.MaxEntries <= 0 {
		return
	}
	keys, err := b.store.Keys(b.name)
	if err != nil || len(keys) <= b.exp.MaxEntries {
		return
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].StoredAt.Before(keys[j].StoredAt) })
	for _, ka := range keys[:len(keys)-b.exp.MaxEntries] {
		log.Trace().Str("bucket", b.name).Str("key", ka.Key).Msg("Evicting oldest bucket entry")
		b.store.Delete(b.name, ka.Key)
	}
}

// purgeExpired removes every over-age entry. Called by the background
// cleanup loop; lookup-time purging covers entries read in between.
func (b *Bucket) purgeExpired() {
	maxAge := b.exp.maxAge()
	if maxAge <= 0 {
		return
	}
	keys, err := b.store.Keys(b.name)
	if err != nil {
		return
	}
	cutoff := b.now().Add(-maxAge)
	for _, ka := range keys {
		if ka.StoredAt.Before(cutoff) {
			b.store.Delete(b.name, ka.Key)
		}
	}
}

// Buckets hands out named buckets over one shared store. Opening the
// same name twice returns the same bucket; the first expiration config
// wins.
type Buckets struct {
	mu    sync.Mutex
	store BucketStore
	open  map[string]*Bucket
}

// NewBuckets creates a bucket registry over store.
func NewBuckets(store BucketStore) *Buckets {
	return &Buckets{store: store, open: make(map[string]*Bucket)}
}

// Open returns the bucket for name, creating it on first use.
func (bs *Buckets) Open(name string, exp Expiration) *Bucket {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if b, ok := bs.open[name]; ok {
		return b
	}
	b := &Bucket{name: name, store: bs.store, exp: exp, now: time.Now}
	bs.open[name] = b
	return b
}

func (bs *Buckets) purgeExpired() {
	bs.mu.Lock()
	buckets := make([]*Bucket, 0, len(bs.open))
	for _, b := range bs.open {
		buckets = append(buckets, b)
	}
	bs.mu.Unlock()
	for _, b := range buckets {
		b.purgeExpired()
	}
}

// MemoryStore is the in-memory BucketStore.
type MemoryStore struct {
	mu sync.RWMutex
	db map[string]map[string]memEntry
}

type memEntry struct {
	storedAt time.Time
	bytes    []byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{db: make(map[string]map[string]memEntry)}
}

func (m *MemoryStore) Get(bucket, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.db[bucket][key]
	if !ok {
		return nil, false, nil
	}
	return entry.bytes, true, nil
}

func (m *MemoryStore) Put(bucket, key string, storedAt time.Time, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db[bucket] == nil {
		m.db[bucket] = make(map[string]memEntry)
	}
	m.db[bucket][key] = memEntry{storedAt: storedAt, bytes: b}
	return nil
}

func (m *MemoryStore) Delete(bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.db[bucket], key)
	return nil
}

func (m *MemoryStore) Keys(bucket string) ([]KeyAge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]KeyAge, 0, len(m.db[bucket]))
	for key, entry := range m.db[bucket] {
		keys = append(keys, KeyAge{Key: key, StoredAt: entry.storedAt})
	}
	return keys, nil
}
