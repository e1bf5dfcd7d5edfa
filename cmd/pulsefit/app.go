package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rcourtman/pulsefit/internal/circuit"
	"github.com/rcourtman/pulsefit/internal/config"
	"github.com/rcourtman/pulsefit/internal/debugcmd"
	"github.com/rcourtman/pulsefit/internal/platform"
	"github.com/rcourtman/pulsefit/internal/processor"
	"github.com/rcourtman/pulsefit/internal/recordstore"
	"github.com/rcourtman/pulsefit/internal/resilience"
	"github.com/rcourtman/pulsefit/internal/snapshot"
	"github.com/rcourtman/pulsefit/internal/subscription"
	"github.com/rcourtman/pulsefit/internal/tracing"
	"github.com/rcourtman/pulsefit/internal/versionguard"
)

// app owns every long-lived component for one invocation.
type app struct {
	cfg       *config.Config
	storage   *platform.Storage
	snapshots *snapshot.Store
	platform  *platform.Platform
	tracer    *sdktrace.TracerProvider
	records   *recordstore.Client
	processor *processor.Handle
	service   *subscription.Service
	guard     *versionguard.Guard
	debug     *debugcmd.Table
}

// newLocalApp opens local state only: storage, snapshots, the platform
// registry and the version guard.
func newLocalApp(cfg *config.Config) (*app, error) {
	storage, err := platform.OpenStorage(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	snapshots, err := snapshot.Open(cfg.DataDir)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	p := platform.New(storage, platform.StampSource{
		Version:      Version,
		BuildTime:    BuildTime,
		ManifestPath: cfg.ManifestPath,
	})
	p.RegisterDatabase(snapshots)

	a := &app{
		cfg:       cfg,
		storage:   storage,
		snapshots: snapshots,
		platform:  p,
		guard:     versionguard.New(p),
	}
	a.debug = debugcmd.Standard(debugcmd.Sources{Guard: a.guard, Platform: p})
	return a, nil
}

// newApp adds the record store, the processor handle and the subscription
// service acting for user.
func newApp(ctx context.Context, cfg *config.Config, user string) (*app, error) {
	if err := cfg.RequireBackends(); err != nil {
		return nil, err
	}
	a, err := newLocalApp(cfg)
	if err != nil {
		return nil, err
	}

	a.tracer, err = tracing.Setup(ctx, cfg.Tracing(Version))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.records, err = recordstore.NewClient(cfg.RecordStore())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("record store: %w", err)
	}
	a.processor = processor.StartStripe(ctx, processor.Config{
		APIKey:    cfg.StripeAPIKey,
		RateLimit: cfg.StripeRateLimit,
	})

	exec := resilience.NewExecutor(nil, circuit.DefaultConfig(),
		resilience.WithTracer(a.tracer.Tracer(resilience.TracerName)))
	a.service = subscription.NewService(cfg.Subscription(), subscription.Dependencies{
		Store:     a.records,
		Processor: a.processor,
		Snapshots: a.snapshots,
		Session:   subscription.StaticSession(user),
		Executor:  exec,
	})
	a.platform.RegisterCache(a.service.Cache())
	a.debug = debugcmd.Standard(debugcmd.Sources{
		Service:  a.service,
		Guard:    a.guard,
		Platform: a.platform,
	})
	return a, nil
}

// startSweeper runs the cache sweeper as a platform worker so a version
// purge stops it.
func (a *app) startSweeper(ctx context.Context) {
	if a.service == nil {
		return
	}
	stop := a.service.Cache().StartSweeper(ctx, a.cfg.SweepInterval)
	a.platform.RegisterWorker("cache-sweeper", stop)
}

// Close releases everything newApp opened.
func (a *app) Close() {
	if a.service != nil {
		a.service.Close()
	}
	if a.records != nil {
		a.records.Close()
	}
	a.platform.UnregisterWorkers()

	var errs []error
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush traces: %w", err))
		}
		cancel()
	}
	if err := a.snapshots.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.storage.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Failed to close local state cleanly")
	}
}
