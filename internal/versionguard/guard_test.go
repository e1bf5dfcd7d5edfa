package versionguard

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulsefit/internal/metrics"
	"github.com/rcourtman/pulsefit/internal/platform"
)

type recordingPlatform struct {
	storage *platform.Storage
	stamp   platform.StampSource
	steps   []string
}

func (p *recordingPlatform) ServedStamp() (platform.VersionStamp, error) {
	return p.stamp.Current()
}

func (p *recordingPlatform) UnregisterWorkers() []string {
	p.steps = append(p.steps, "workers")
	return []string{"sweeper"}
}

func (p *recordingPlatform) PurgeCaches() int {
	p.steps = append(p.steps, "caches")
	return 3
}

func (p *recordingPlatform) ClearStorage(ctx context.Context) error {
	p.steps = append(p.steps, "storage")
	if err := p.storage.Clear(ctx, platform.ScopeLocal); err != nil {
		return err
	}
	return p.storage.Clear(ctx, platform.ScopeSession)
}

func (p *recordingPlatform) DropDatabases(context.Context) error {
	p.steps = append(p.steps, "databases")
	return nil
}

func (p *recordingPlatform) Storage() *platform.Storage {
	return p.storage
}

func newTestPlatform(t *testing.T, version, manifest string) *recordingPlatform {
	t.Helper()
	dir := t.TempDir()
	storage, err := platform.OpenStorage(filepath.Join(dir, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	path := filepath.Join(dir, "manifest.json")
	if manifest != "" {
		require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))
	}
	return &recordingPlatform{
		storage: storage,
		stamp:   platform.StampSource{Version: version, ManifestPath: path},
	}
}

func storedStamp(t *testing.T, p *recordingPlatform) platform.VersionStamp {
	t.Helper()
	raw, ok, err := p.storage.Get(context.Background(), platform.ScopeLocal, StampKey)
	require.NoError(t, err)
	require.True(t, ok)
	var stamp platform.VersionStamp
	require.NoError(t, json.Unmarshal([]byte(raw), &stamp))
	return stamp
}

func TestFirstRunPersistsStampWithoutPurge(t *testing.T) {
	p := newTestPlatform(t, "1.0.0", `{"app.js":"a"}`)
	g := New(p)

	purged, err := g.CheckAndReconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, purged)
	assert.Empty(t, p.steps)
	assert.Equal(t, "1.0.0", storedStamp(t, p).Version)

	purged, err = g.CheckAndReconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, purged)
	assert.Empty(t, p.steps)
}

func TestVersionChangePurgesInOrder(t *testing.T) {
	p := newTestPlatform(t, "1.0.0", "")
	g := New(p)
	g.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	_, err := g.CheckAndReconcile(ctx)
	require.NoError(t, err)
	require.NoError(t, p.storage.Set(ctx, platform.ScopeLocal, "user.pref", "dark"))

	var hooked platform.VersionStamp
	g.SetOnPurged(func(_ context.Context, served platform.VersionStamp) { hooked = served })

	before := testutil.ToFloat64(metrics.VersionPurgesTotal)
	p.stamp.Version = "1.1.0"
	purged, err := g.CheckAndReconcile(ctx)
	require.NoError(t, err)
	assert.True(t, purged)
	assert.Equal(t, []string{"workers", "caches", "storage", "databases"}, p.steps)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.VersionPurgesTotal))
	assert.Equal(t, "1.1.0", hooked.Version)

	_, ok, err := p.storage.Get(ctx, platform.ScopeLocal, "user.pref")
	require.NoError(t, err)
	assert.False(t, ok, "local storage must be cleared")

	assert.Equal(t, "1.1.0", storedStamp(t, p).Version)
	clearedAt, ok, err := g.ClearedAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, g.now().Equal(clearedAt))
}

func TestFingerprintChangeWithSameVersionPurges(t *testing.T) {
	p := newTestPlatform(t, "1.0.0", `{"app.js":"a"}`)
	g := New(p)
	ctx := context.Background()

	_, err := g.CheckAndReconcile(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(p.stamp.ManifestPath, []byte(`{"app.js":"b"}`), 0o644))
	purged, err := g.CheckAndReconcile(ctx)
	require.NoError(t, err)
	assert.True(t, purged)

	purged, err = g.CheckAndReconcile(ctx)
	require.NoError(t, err)
	assert.False(t, purged, "new stamp must be persisted after purge")
}

func TestUnreadableStampPurges(t *testing.T) {
	p := newTestPlatform(t, "1.0.0", "")
	ctx := context.Background()
	require.NoError(t, p.storage.Set(ctx, platform.ScopeLocal, StampKey, "{garbage"))

	purged, err := New(p).CheckAndReconcile(ctx)
	require.NoError(t, err)
	assert.True(t, purged)
}

func TestConcurrentCheckIsNoop(t *testing.T) {
	p := newTestPlatform(t, "1.0.0", "")
	g := New(p)
	g.running.Store(true)

	purged, err := g.CheckAndReconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, purged)
	_, ok, err := p.storage.Get(context.Background(), platform.ScopeLocal, StampKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunReactsToManifestChange(t *testing.T) {
	p := newTestPlatform(t, "1.0.0", `{"app.js":"a"}`)
	g := New(p)

	purges := make(chan platform.VersionStamp, 4)
	g.SetOnPurged(func(_ context.Context, served platform.VersionStamp) { purges <- served })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, RunConfig{Interval: 50 * time.Millisecond, ManifestPath: p.stamp.ManifestPath}) }()

	// The interval tick also catches the change if the file event is missed.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p.stamp.ManifestPath, []byte(`{"app.js":"b"}`), 0o644))

	select {
	case served := <-purges:
		assert.NotEmpty(t, served.Fingerprint)
	case <-time.After(3 * time.Second):
		t.Fatal("manifest change did not trigger a purge")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPollManifestDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan struct{}, 1)
	go pollManifest(ctx, path, changes, 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not detect change")
	}
}
