// Package platform holds the process-local resources a version change must
// wipe: named caches, background workers, scoped storage and local
// databases.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// NamedCache is a cache the platform can enumerate and purge.
type NamedCache interface {
	Name() string
	Purge() int
}

// Database is a local database the platform can drop.
type Database interface {
	Name() string
	Drop(ctx context.Context) error
}

// Platform is safe for concurrent use.
type Platform struct {
	storage *Storage
	stamp   StampSource

	mu        sync.Mutex
	caches    map[string]NamedCache
	workers   map[string]func()
	databases map[string]Database
}

// New wraps storage. Stamp describes the build being served.
func New(storage *Storage, stamp StampSource) *Platform {
	return &Platform{
		storage:   storage,
		stamp:     stamp,
		caches:    make(map[string]NamedCache),
		workers:   make(map[string]func()),
		databases: make(map[string]Database),
	}
}

// Storage returns the scoped key/value storage.
func (p *Platform) Storage() *Storage {
	return p.storage
}

// ServedStamp returns the stamp of the build currently served.
func (p *Platform) ServedStamp() (VersionStamp, error) {
	return p.stamp.Current()
}

// RegisterCache adds c under its name, replacing any previous cache of that name.
func (p *Platform) RegisterCache(c NamedCache) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.caches[c.Name()] = c
}

// CacheNames lists registered caches in name order.
func (p *Platform) CacheNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.caches)
}

// PurgeCaches empties every registered cache and returns the entries removed.
func (p *Platform) PurgeCaches() int {
	p.mu.Lock()
	caches := make([]NamedCache, 0, len(p.caches))
	for _, c := range p.caches {
		caches = append(caches, c)
	}
	p.mu.Unlock()

	total := 0
	for _, c := range caches {
		n := c.Purge()
		total += n
		log.Debug().Str("cache", c.Name()).Int("entries", n).Msg("Purged cache")
	}
	return total
}

// RegisterWorker records stop as the way to halt the named worker.
func (p *Platform) RegisterWorker(name string, stop func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[name] = stop
}

// WorkerNames lists registered workers in name order.
func (p *Platform) WorkerNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.workers)
}

// UnregisterWorkers stops and forgets every worker. It returns their names.
func (p *Platform) UnregisterWorkers() []string {
	p.mu.Lock()
	workers := p.workers
	p.workers = make(map[string]func())
	p.mu.Unlock()

	names := sortedKeys(workers)
	for _, name := range names {
		if stop := workers[name]; stop != nil {
			stop()
		}
		log.Debug().Str("worker", name).Msg("Unregistered worker")
	}
	return names
}

// RegisterDatabase adds db under its name.
func (p *Platform) RegisterDatabase(db Database) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.databases[db.Name()] = db
}

// DropDatabases drops every registered database, continuing past failures.
func (p *Platform) DropDatabases(ctx context.Context) error {
	p.mu.Lock()
	names := sortedKeys(p.databases)
	dbs := make([]Database, 0, len(names))
	for _, name := range names {
		dbs = append(dbs, p.databases[name])
	}
	p.mu.Unlock()

	var errs []error
	for _, db := range dbs {
		if err := db.Drop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drop %s: %w", db.Name(), err))
			continue
		}
		log.Debug().Str("database", db.Name()).Msg("Dropped local database")
	}
	return errors.Join(errs...)
}

// ClearStorage empties local and session storage.
func (p *Platform) ClearStorage(ctx context.Context) error {
	if err := p.storage.Clear(ctx, ScopeLocal); err != nil {
		return err
	}
	return p.storage.Clear(ctx, ScopeSession)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
