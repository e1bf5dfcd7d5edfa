package debugcmd

import (
	"context"
	"fmt"

	"github.com/rcourtman/pulsefit/internal/platform"
	"github.com/rcourtman/pulsefit/internal/subscription"
	"github.com/rcourtman/pulsefit/internal/versionguard"
)

// Sources are the components the standard commands inspect. Nil sources
// leave their commands unregistered.
type Sources struct {
	Service  *subscription.Service
	Guard    *versionguard.Guard
	Platform *platform.Platform
}

// Standard builds the table the CLI exposes.
func Standard(src Sources) *Table {
	t := NewTable()
	if svc := src.Service; svc != nil {
		registerService(t, svc)
	}
	if g := src.Guard; g != nil {
		registerGuard(t, g)
	}
	if p := src.Platform; p != nil {
		registerPlatform(t, p)
	}
	return t
}

func registerService(t *Table, svc *subscription.Service) {
	t.Register("cache-stats", "", "request cache counters", func(context.Context, []string) (any, error) {
		return svc.Cache().Stats(), nil
	})

	t.Register("cache-inspect", "<user>", "bookkeeping for a user's cached state", func(_ context.Context, args []string) (any, error) {
		if len(args) != 1 {
			return nil, ErrUsage
		}
		info, ok := svc.Cache().Inspect(subscription.CacheKey(args[0]))
		if !ok {
			return nil, fmt.Errorf("no cached state for %s", args[0])
		}
		return info, nil
	})

	t.Register("cache-clear", "[user]", "drop one user's cached state, or all", func(_ context.Context, args []string) (any, error) {
		if len(args) > 1 {
			return nil, ErrUsage
		}
		user := ""
		if len(args) == 1 {
			user = args[0]
		}
		svc.ClearCache(user)
		return svc.Cache().Stats(), nil
	})

	t.Register("events", "", "recent fallback decisions, oldest first", func(context.Context, []string) (any, error) {
		return svc.Executor().Events().Entries(), nil
	})

	t.Register("recall", "<field>", "latest remembered value of an event field", func(_ context.Context, args []string) (any, error) {
		if len(args) != 1 {
			return nil, ErrUsage
		}
		v, ok := svc.Executor().Events().Recall(args[0])
		if !ok {
			return nil, fmt.Errorf("nothing remembered for %s", args[0])
		}
		return v, nil
	})

	t.Register("breakers", "", "circuit breaker status per operation", func(context.Context, []string) (any, error) {
		return svc.Executor().Breakers(), nil
	})

	t.Register("listeners", "<user>", "push listener count for a user", func(_ context.Context, args []string) (any, error) {
		if len(args) != 1 {
			return nil, ErrUsage
		}
		return svc.ListenerCount(args[0]), nil
	})
}

type versionReport struct {
	Purged bool `json:"purged"`
}

func registerGuard(t *Table, g *versionguard.Guard) {
	t.Register("check-version", "", "compare served and stored build, purging on change", func(ctx context.Context, _ []string) (any, error) {
		purged, err := g.CheckAndReconcile(ctx)
		if err != nil {
			return nil, err
		}
		return versionReport{Purged: purged}, nil
	})

	t.Register("cleared-at", "", "when local state was last purged", func(ctx context.Context, _ []string) (any, error) {
		at, ok, err := g.ClearedAt(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return "never", nil
		}
		return at, nil
	})
}

func registerPlatform(t *Table, p *platform.Platform) {
	t.Register("caches", "", "registered cache names", func(context.Context, []string) (any, error) {
		return p.CacheNames(), nil
	})
	t.Register("workers", "", "running background workers", func(context.Context, []string) (any, error) {
		return p.WorkerNames(), nil
	})
	t.Register("stamp", "", "served version stamp", func(context.Context, []string) (any, error) {
		return p.ServedStamp()
	})
}
