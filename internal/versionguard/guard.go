// Package versionguard wipes process-local state when the served build
// changes, so nothing cached by an older build outlives it.
package versionguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulsefit/internal/metrics"
	"github.com/rcourtman/pulsefit/internal/platform"
)

// Storage keys, in platform.ScopeLocal.
const (
	StampKey     = "pulsefit.version_stamp"
	ClearedAtKey = "pulsefit.cache_cleared_at"
)

// Platform is what the guard inspects and purges.
type Platform interface {
	ServedStamp() (platform.VersionStamp, error)
	UnregisterWorkers() []string
	PurgeCaches() int
	ClearStorage(ctx context.Context) error
	DropDatabases(ctx context.Context) error
	Storage() *platform.Storage
}

// Guard compares the served stamp with the last one persisted.
type Guard struct {
	platform Platform
	now      func() time.Time
	running  atomic.Bool

	mu       sync.Mutex
	onPurged func(ctx context.Context, served platform.VersionStamp)
}

// New creates a guard over p.
func New(p Platform) *Guard {
	return &Guard{platform: p, now: time.Now}
}

// SetOnPurged installs a hook run after every purge, e.g. to restart the
// workers the purge stopped.
func (g *Guard) SetOnPurged(fn func(ctx context.Context, served platform.VersionStamp)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onPurged = fn
}

// CheckAndReconcile reports whether the served build differs from the
// persisted one, purging local state when it does. The first check on a
// clean install only persists the stamp. A check that starts while another
// is running returns false immediately.
func (g *Guard) CheckAndReconcile(ctx context.Context) (bool, error) {
	if !g.running.CompareAndSwap(false, true) {
		log.Debug().Msg("Version check already running")
		return false, nil
	}
	defer g.running.Store(false)

	served, err := g.platform.ServedStamp()
	if err != nil {
		return false, fmt.Errorf("read served version: %w", err)
	}

	stored, known, err := g.storedStamp(ctx)
	if err != nil {
		return false, err
	}
	if !known {
		if err := g.saveStamp(ctx, served); err != nil {
			return false, err
		}
		log.Info().Str("version", served.String()).Msg("Recorded initial version stamp")
		return false, nil
	}
	if stored.Matches(served) {
		return false, nil
	}

	log.Warn().
		Str("stored", stored.String()).
		Str("served", served.String()).
		Msg("Served version changed; purging local state")

	purgeErr := g.purge(ctx, served)
	metrics.RecordVersionPurge()

	g.mu.Lock()
	hook := g.onPurged
	g.mu.Unlock()
	if hook != nil {
		hook(ctx, served)
	}
	return true, purgeErr
}

// purge runs every step even when an earlier one fails, so the new stamp is
// always persisted and the next check does not purge again.
func (g *Guard) purge(ctx context.Context, served platform.VersionStamp) error {
	var errs []error

	workers := g.platform.UnregisterWorkers()
	caches := g.platform.PurgeCaches()
	if err := g.platform.ClearStorage(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear storage: %w", err))
	}
	if err := g.platform.DropDatabases(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drop databases: %w", err))
	}

	clearedAt := g.now().UTC().Format(time.RFC3339Nano)
	if err := g.platform.Storage().Set(ctx, platform.ScopeLocal, ClearedAtKey, clearedAt); err != nil {
		errs = append(errs, fmt.Errorf("stamp cleared-at marker: %w", err))
	}
	if err := g.saveStamp(ctx, served); err != nil {
		errs = append(errs, err)
	}

	log.Info().
		Strs("workers", workers).
		Int("cache_entries", caches).
		Str("cleared_at", clearedAt).
		Msg("Local state purged")
	return errors.Join(errs...)
}

// storedStamp returns the persisted stamp. An unreadable value counts as a
// known stamp that matches nothing.
func (g *Guard) storedStamp(ctx context.Context) (platform.VersionStamp, bool, error) {
	raw, ok, err := g.platform.Storage().Get(ctx, platform.ScopeLocal, StampKey)
	if err != nil {
		return platform.VersionStamp{}, false, fmt.Errorf("read version stamp: %w", err)
	}
	if !ok {
		return platform.VersionStamp{}, false, nil
	}
	var stamp platform.VersionStamp
	if err := json.Unmarshal([]byte(raw), &stamp); err != nil {
		log.Warn().Err(err).Msg("Stored version stamp is unreadable")
		return platform.VersionStamp{Version: "unreadable"}, true, nil
	}
	return stamp, true, nil
}

func (g *Guard) saveStamp(ctx context.Context, stamp platform.VersionStamp) error {
	raw, err := json.Marshal(stamp)
	if err != nil {
		return fmt.Errorf("encode version stamp: %w", err)
	}
	if err := g.platform.Storage().Set(ctx, platform.ScopeLocal, StampKey, string(raw)); err != nil {
		return fmt.Errorf("persist version stamp: %w", err)
	}
	return nil
}

// ClearedAt returns when local state was last purged.
func (g *Guard) ClearedAt(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := g.platform.Storage().Get(ctx, platform.ScopeLocal, ClearedAtKey)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse cleared-at marker: %w", err)
	}
	return t, true, nil
}
