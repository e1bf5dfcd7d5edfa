package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rcourtman/pulsefit/internal/logging"
)

const commandTimeout = 60 * time.Second

var (
	statusRefresh   bool
	portalReturnURL string
)

func init() {
	statusCmd.Flags().BoolVar(&statusRefresh, "refresh", false, "Bypass the cache")
	portalCmd.Flags().StringVar(&portalReturnURL, "return-url", "", "Where the portal sends the user back to")
}

// withUserApp runs fn against an app acting for user.
func withUserApp(cmd *cobra.Command, user string, fn func(ctx context.Context, a *app) (any, error)) error {
	cfg, err := loadConfig("cli")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	ctx, requestID := logging.WithRequestID(ctx, uuid.NewString())
	ctx = logging.WithUserID(ctx, user)

	a, err := newApp(ctx, cfg, strings.TrimSpace(user))
	if err != nil {
		return err
	}
	defer a.Close()

	logger := logging.FromContext(ctx)
	logger.Debug().Str("command", cmd.Name()).Msg("Running command")
	out, err := fn(ctx, a)
	if err != nil {
		return fmt.Errorf("%s (request %s): %w", cmd.Name(), requestID, err)
	}
	return printJSON(cmd.OutOrStdout(), out)
}

var statusCmd = &cobra.Command{
	Use:   "status <user>",
	Short: "Show a user's subscription state and where it came from",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserApp(cmd, args[0], func(ctx context.Context, a *app) (any, error) {
			if statusRefresh {
				return a.service.Refresh(ctx, args[0])
			}
			return a.service.Get(ctx, args[0])
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <user>",
	Short: "Check the user's payment status with the processor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserApp(cmd, args[0], func(ctx context.Context, a *app) (any, error) {
			return a.service.Verify(ctx)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <user>",
	Short: "Cancel the user's subscription at period end",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserApp(cmd, args[0], func(ctx context.Context, a *app) (any, error) {
			return a.service.Cancel(ctx)
		})
	},
}

var reactivateCmd = &cobra.Command{
	Use:   "reactivate <user>",
	Short: "Undo a pending cancellation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserApp(cmd, args[0], func(ctx context.Context, a *app) (any, error) {
			return a.service.Reactivate(ctx)
		})
	},
}

var intentCmd = &cobra.Command{
	Use:   "intent <user> <price>",
	Short: "Create a payment intent for a price",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserApp(cmd, args[0], func(ctx context.Context, a *app) (any, error) {
			return a.service.CreatePaymentIntent(ctx, args[1])
		})
	},
}

var portalCmd = &cobra.Command{
	Use:   "portal <user>",
	Short: "Print a billing portal link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserApp(cmd, args[0], func(ctx context.Context, a *app) (any, error) {
			url, err := a.service.PortalURL(ctx, portalReturnURL)
			if err != nil {
				return nil, err
			}
			return map[string]string{"url": url}, nil
		})
	},
}

var checkVersionCmd = &cobra.Command{
	Use:   "check-version",
	Short: "Purge local state if the served build changed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("cli")
		if err != nil {
			return err
		}
		a, err := newLocalApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.debug.Dispatch(cmd.Context(), "check-version", nil)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var debugUser string

func init() {
	debugCmd.Flags().StringVar(&debugUser, "user", "", "Act for this user; enables the subscription commands")
}

var debugCmd = &cobra.Command{
	Use:   "debug [command] [args...]",
	Short: "Run a diagnostic command; without arguments, list them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("debug")
		if err != nil {
			return err
		}

		var a *app
		if debugUser != "" {
			a, err = newApp(cmd.Context(), cfg, debugUser)
		} else {
			a, err = newLocalApp(cfg)
		}
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 0 {
			fmt.Fprint(cmd.OutOrStdout(), a.debug.Help())
			return nil
		}
		out, err := a.debug.Dispatch(cmd.Context(), args[0], args[1:])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}
