package versionguard

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	defaultCheckInterval = 5 * time.Minute
	manifestPollInterval = 5 * time.Second
	manifestDebounce     = 100 * time.Millisecond
)

// RunConfig controls the check loop.
type RunConfig struct {
	Interval     time.Duration
	ManifestPath string
}

// Run checks on start, every Interval, and whenever the manifest changes,
// until ctx is done.
func (g *Guard) Run(ctx context.Context, cfg RunConfig) error {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultCheckInterval
	}

	g.check(ctx, "startup")

	changes := make(chan struct{}, 1)
	if cfg.ManifestPath != "" {
		go watchManifest(ctx, cfg.ManifestPath, changes)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.check(ctx, "interval")
		case <-changes:
			g.check(ctx, "manifest")
		}
	}
}

func (g *Guard) check(ctx context.Context, trigger string) {
	purged, err := g.CheckAndReconcile(ctx)
	if err != nil {
		log.Error().Err(err).Str("trigger", trigger).Msg("Version check failed")
		return
	}
	if purged {
		log.Info().Str("trigger", trigger).Msg("Version change reconciled")
	}
}

func notify(changes chan<- struct{}) {
	select {
	case changes <- struct{}{}:
	default:
	}
}

// watchManifest signals changes to path. It watches the parent directory so
// atomic replace-by-rename is seen, and falls back to polling the mod time
// when fsnotify is unavailable.
func watchManifest(ctx context.Context, path string, changes chan<- struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err = watcher.Add(filepath.Dir(path)); err != nil {
			_ = watcher.Close()
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Falling back to polling for manifest changes")
		pollManifest(ctx, path, changes, manifestPollInterval)
		return
	}
	defer watcher.Close()

	log.Info().Str("path", path).Msg("Watching served manifest for changes")
	name := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			// Let the writer finish.
			time.Sleep(manifestDebounce)
			log.Debug().Str("event", event.Op.String()).Msg("Detected manifest change")
			notify(changes)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Manifest watcher error")
		}
	}
}

func pollManifest(ctx context.Context, path string, changes chan<- struct{}, interval time.Duration) {
	var last time.Time
	if stat, err := os.Stat(path); err == nil {
		last = stat.ModTime()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat, err := os.Stat(path)
			if err != nil {
				continue
			}
			if !stat.ModTime().Equal(last) {
				last = stat.ModTime()
				log.Debug().Msg("Detected manifest change via polling")
				notify(changes)
			}
		}
	}
}
