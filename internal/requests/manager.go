// Package requests coalesces concurrent calls for the same key into one
// underlying operation and caches successful results for a per-call TTL.
package requests

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/pulsefit/internal/metrics"
)

// ErrCancelled is returned to every waiter of a cancelled key.
var ErrCancelled = errors.New("request cancelled")

// Producer performs the underlying operation for a key. The context is
// cancelled when the key (or its owner) is cancelled.
type Producer[T any] func(ctx context.Context) (T, error)

// Options control a single Execute call.
type Options struct {
	// TTL is how long a successful result stays cached. Zero disables caching;
	// concurrent calls are still coalesced.
	TTL time.Duration
	// ForceRefresh skips the cache lookup. An in-flight call is still joined.
	ForceRefresh bool
	// Owner groups keys for CancelAll.
	Owner string
}

type entry[T any] struct {
	value       T
	insertedAt  time.Time
	ttl         time.Duration
	accessCount int64
	lastAccess  time.Time
}

func (e *entry[T]) validAt(now time.Time) bool {
	return now.Sub(e.insertedAt) < e.ttl
}

// EntryInfo describes a cached entry without exposing its value.
type EntryInfo struct {
	Key         string        `json:"key"`
	InsertedAt  time.Time     `json:"inserted_at"`
	TTL         time.Duration `json:"ttl"`
	AccessCount int64         `json:"access_count"`
	LastAccess  time.Time     `json:"last_access"`
}

type call struct {
	owner     string
	cancel    context.CancelFunc
	cancelled chan struct{}
	once      sync.Once
	// stale is set under Manager.mu when the key is written or invalidated
	// after the call started. A stale call never populates the cache.
	stale bool
}

func (c *call) abort() {
	c.once.Do(func() {
		close(c.cancelled)
		c.cancel()
	})
}

// Stats is a point-in-time view of a manager.
type Stats struct {
	Name      string `json:"name"`
	Entries   int    `json:"entries"`
	InFlight  int    `json:"in_flight"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Deduped   uint64 `json:"deduped"`
	Cancelled uint64 `json:"cancelled"`
	Failures  uint64 `json:"failures"`
	Swept     uint64 `json:"swept"`
}

// Manager deduplicates and caches keyed operations returning T.
type Manager[T any] struct {
	name string

	mu       sync.Mutex
	store    *gocache.Cache
	group    singleflight.Group
	inflight map[string]*call
	detached map[*call]struct{}
	owners   map[string]map[string]struct{}
	stats    Stats
	sweeping atomic.Bool
	keep     func(T) bool

	now func() time.Time
}

// NewManager creates an empty manager. The name identifies it in logs, stats
// and the platform cache registry.
func NewManager[T any](name string) *Manager[T] {
	return &Manager[T]{
		name:     name,
		store:    gocache.New(gocache.NoExpiration, 0),
		inflight: make(map[string]*call),
		detached: make(map[*call]struct{}),
		owners:   make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

// Name returns the manager name.
func (m *Manager[T]) Name() string {
	return m.name
}

// SetCacheable installs a predicate deciding whether a produced value is
// cached. Values it rejects are still shared with every waiter.
func (m *Manager[T]) SetCacheable(keep func(T) bool) {
	m.mu.Lock()
	m.keep = keep
	m.mu.Unlock()
}

// Execute returns the cached value for key, joins the in-flight call for key,
// or runs producer exactly once and shares its outcome with every waiter.
func (m *Manager[T]) Execute(ctx context.Context, key string, producer Producer[T], opts Options) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if !opts.ForceRefresh {
		if value, ok := m.lookupLocked(key); ok {
			m.stats.Hits++
			m.mu.Unlock()
			metrics.RecordCacheResult("hit")
			return value, nil
		}
	}

	var ch <-chan singleflight.Result
	c, joined := m.inflight[key]
	if joined && c.stale {
		// Started before the last write to key; its waiters keep it but new
		// callers get a fresh producer.
		m.detachLocked(key, c)
		joined = false
	}
	if joined {
		m.stats.Deduped++
		metrics.RecordCacheResult("dedup")
		// c settles only while holding m.mu, so the group still holds its call.
		ch = m.group.DoChan(key, func() (any, error) { return zero, ErrCancelled })
	} else {
		pctx, cancel := context.WithCancel(context.Background())
		c = &call{owner: opts.Owner, cancel: cancel, cancelled: make(chan struct{})}
		m.inflight[key] = c
		m.trackLocked(opts.Owner, key)
		m.stats.Misses++
		metrics.RecordCacheResult("miss")
		// A settled or cancelled call may linger in the group until its fn returns.
		m.group.Forget(key)
		ttl := opts.TTL
		ch = m.group.DoChan(key, func() (any, error) {
			return m.run(pctx, key, c, producer, ttl)
		})
	}
	m.mu.Unlock()

	select {
	case res := <-ch:
		select {
		case <-c.cancelled:
			return zero, ErrCancelled
		default:
		}
		if res.Err != nil {
			return zero, res.Err
		}
		value, _ := res.Val.(T)
		return value, nil
	case <-c.cancelled:
		return zero, ErrCancelled
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (m *Manager[T]) run(ctx context.Context, key string, c *call, producer Producer[T], ttl time.Duration) (any, error) {
	defer c.cancel()

	value, err := producer(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.detached, c)
	current := m.inflight[key] == c
	if current {
		delete(m.inflight, key)
		m.untrackLocked(c.owner, key)
	}
	if err != nil {
		if current {
			m.stats.Failures++
			metrics.RecordCacheResult("error")
			log.Debug().
				Str("cache", m.name).
				Str("key", key).
				Err(err).
				Msg("Request producer failed; nothing cached")
		}
		return value, err
	}
	if current && !c.stale && ttl > 0 && (m.keep == nil || m.keep(value)) {
		m.setLocked(key, value, ttl)
	}
	return value, nil
}

func (m *Manager[T]) detachLocked(key string, c *call) {
	delete(m.inflight, key)
	m.untrackLocked(c.owner, key)
	m.group.Forget(key)
	m.detached[c] = struct{}{}
}

// markStaleLocked fences the in-flight call for key, if any, out of the cache.
func (m *Manager[T]) markStaleLocked(key string) {
	if c, ok := m.inflight[key]; ok {
		c.stale = true
	}
}

func (m *Manager[T]) lookupLocked(key string) (T, bool) {
	var zero T
	raw, ok := m.store.Get(key)
	if !ok {
		return zero, false
	}
	e, ok := raw.(*entry[T])
	if !ok {
		return zero, false
	}
	now := m.now()
	if !e.validAt(now) {
		return zero, false
	}
	e.accessCount++
	e.lastAccess = now
	return e.value, true
}

func (m *Manager[T]) setLocked(key string, value T, ttl time.Duration) {
	now := m.now()
	m.store.Set(key, &entry[T]{
		value:      value,
		insertedAt: now,
		ttl:        ttl,
		lastAccess: now,
	}, gocache.NoExpiration)
}

func (m *Manager[T]) trackLocked(owner, key string) {
	if owner == "" {
		return
	}
	keys, ok := m.owners[owner]
	if !ok {
		keys = make(map[string]struct{})
		m.owners[owner] = keys
	}
	keys[key] = struct{}{}
}

func (m *Manager[T]) untrackLocked(owner, key string) {
	if owner == "" {
		return
	}
	if keys, ok := m.owners[owner]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.owners, owner)
		}
	}
}

// Set stores value under key as if a producer had just returned it.
// A non-positive ttl is a no-op.
func (m *Manager[T]) Set(key string, value T, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markStaleLocked(key)
	m.setLocked(key, value, ttl)
}

// Cancel aborts the in-flight call for key and rejects its waiters with
// ErrCancelled. It reports whether a call was in flight.
func (m *Manager[T]) Cancel(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelLocked(key)
}

func (m *Manager[T]) cancelLocked(key string) bool {
	c, ok := m.inflight[key]
	if !ok {
		return false
	}
	delete(m.inflight, key)
	m.untrackLocked(c.owner, key)
	m.group.Forget(key)
	c.abort()
	m.stats.Cancelled++
	metrics.RecordCacheResult("cancelled")
	return true
}

// CancelAll cancels every in-flight key registered by owner and returns how
// many were cancelled. Keys of other owners are untouched.
func (m *Manager[T]) CancelAll(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.owners[owner]
	if len(keys) == 0 {
		return 0
	}
	pending := make([]string, 0, len(keys))
	for key := range keys {
		pending = append(pending, key)
	}
	cancelled := 0
	for _, key := range pending {
		if m.cancelLocked(key) {
			cancelled++
		}
	}
	return cancelled
}

// ClearEntry drops the cached value for key so the next Execute refetches.
// A call already in flight for key still answers its waiters but is not
// joined or cached. It reports whether a cached value was dropped.
func (m *Manager[T]) ClearEntry(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.markStaleLocked(key)
	if _, ok := m.store.Get(key); !ok {
		return false
	}
	m.store.Delete(key)
	return true
}

// InvalidateMatching drops every cached key matching a wildcard pattern
// such as "subscription:*".
func (m *Manager[T]) InvalidateMatching(pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, c := range m.inflight {
		if wildcard.Match(pattern, key) {
			c.stale = true
		}
	}
	removed := 0
	for key := range m.store.Items() {
		if wildcard.Match(pattern, key) {
			m.store.Delete(key)
			removed++
		}
	}
	return removed
}

// Purge drops every cached entry and returns the number removed.
// In-flight calls are left running but will not repopulate the cache.
func (m *Manager[T]) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.inflight {
		c.stale = true
	}
	n := m.store.ItemCount()
	m.store.Flush()
	return n
}

// Sweep removes expired entries and returns the count removed. A sweep that
// starts while another is running returns 0 immediately.
func (m *Manager[T]) Sweep() int {
	if !m.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer m.sweeping.Store(false)

	m.mu.Lock()
	now := m.now()
	removed := 0
	for key, item := range m.store.Items() {
		e, ok := item.Object.(*entry[T])
		if !ok || !e.validAt(now) {
			m.store.Delete(key)
			removed++
		}
	}
	m.stats.Swept += uint64(removed)
	m.mu.Unlock()

	metrics.RecordSweep(removed)
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done or stop is called.
func (m *Manager[T]) StartSweeper(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := m.Sweep(); removed > 0 {
					log.Debug().
						Str("cache", m.name).
						Int("removed", removed).
						Msg("Swept expired cache entries")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Inspect returns bookkeeping for a cached key, valid or not.
func (m *Manager[T]) Inspect(key string) (EntryInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok := m.store.Get(key)
	if !ok {
		return EntryInfo{}, false
	}
	e, ok := raw.(*entry[T])
	if !ok {
		return EntryInfo{}, false
	}
	return EntryInfo{
		Key:         key,
		InsertedAt:  e.insertedAt,
		TTL:         e.ttl,
		AccessCount: e.accessCount,
		LastAccess:  e.lastAccess,
	}, true
}

// Stats returns counters and sizes.
func (m *Manager[T]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.Name = m.name
	s.Entries = m.store.ItemCount()
	s.InFlight = len(m.inflight)
	return s
}

// Close cancels every in-flight call, including ones detached by an
// invalidation.
func (m *Manager[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.inflight {
		m.cancelLocked(key)
	}
	for c := range m.detached {
		c.abort()
		delete(m.detached, c)
	}
}
