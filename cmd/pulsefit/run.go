package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/pulsefit/internal/platform"
	"github.com/rcourtman/pulsefit/internal/subscription"
	"github.com/rcourtman/pulsefit/internal/versionguard"
)

var watchUsers []string

func init() {
	runCmd.Flags().StringSliceVar(&watchUsers, "watch", nil, "Users whose records are pushed into the cache (repeatable)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the version guard, cache sweeper and push listeners until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("daemon")
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, "")
		if err != nil {
			return err
		}
		defer a.Close()

		log.Info().Str("version", Version).Strs("watch", watchUsers).Msg("Starting pulsefit daemon")
		if cfg.MetricsAddr != "" {
			startMetricsServer(ctx, cfg.MetricsAddr)
		}
		return runDaemon(ctx, a, watchUsers)
	},
}

// runDaemon blocks until ctx is done. Workers stopped by a version purge
// are started again once the purge completes.
func runDaemon(ctx context.Context, a *app, users []string) error {
	startWorkers := func() {
		a.startSweeper(ctx)
		for _, user := range users {
			watchUser(ctx, a, user)
		}
	}

	a.guard.SetOnPurged(func(_ context.Context, served platform.VersionStamp) {
		if ctx.Err() != nil {
			return
		}
		log.Info().Str("version", served.String()).Msg("Restarting workers after purge")
		startWorkers()
	})
	startWorkers()

	err := a.guard.Run(ctx, versionguard.RunConfig{
		Interval:     a.cfg.VersionCheckInterval,
		ManifestPath: a.cfg.ManifestPath,
	})
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("Pulsefit daemon stopped")
		return nil
	}
	return err
}

// watchUser subscribes to user's pushed record and registers the listener
// as a worker.
func watchUser(ctx context.Context, a *app, user string) {
	unsubscribe := a.service.Subscribe(user, func(state *subscription.State) {
		if state.Record == nil {
			return
		}
		log.Info().
			Str("user_id", state.UserID).
			Str("status", string(state.Record.Status)).
			Int("remaining_free_uses", state.Record.RemainingFreeUses()).
			Msg("Subscription record pushed")
	})
	a.platform.RegisterWorker("watch:"+user, unsubscribe)

	if _, err := a.service.Get(ctx, user); err != nil {
		log.Warn().Err(err).Str("user_id", user).Msg("Initial subscription read failed")
	}
}
