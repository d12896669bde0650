package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/nais/rollout/pkg/config"
	"github.com/nais/rollout/pkg/conftools"
	"github.com/nais/rollout/pkg/logging"
	"github.com/nais/rollout/pkg/version"
)

// SetupFunc assembles the app from loaded configuration.
type SetupFunc func(ctx context.Context, cfg *config.Config) (*App, error)

var maskedConfig = []string{
	config.DatabaseUrl,
	config.RedisPassword,
	config.WebhookSigningKey,
}

var rootLongHelp = strings.TrimSpace(`
rollout deploys the services of a service registry, tier by tier.

Workflow:
  rollout deploy all                 # Deploy every tier in order.
  rollout deploy tier 2              # Deploy only tier 2.
  rollout deploy service api         # Deploy a single service.
  rollout status                     # Latest deployment of every service.
  rollout rollback api               # Restore the previous stable endpoint of api.
  rollout serve                      # Accept deployments over HTTP.
`)

type rootOpts struct {
	cfg   *config.Config
	setup SetupFunc
	app   *App
}

// NewCommand returns the root command. Flags registered on the global pflag command line
// by config.Initialize are available to every subcommand.
func NewCommand(cfg *config.Config, setup SetupFunc) *cobra.Command {
	opts := &rootOpts{cfg: cfg, setup: setup}

	cmd := &cobra.Command{
		Use:               "rollout",
		Long:              rootLongHelp,
		SilenceUsage:      true,
		SilenceErrors:     true,
		Args:              usage(cobra.NoArgs),
		PersistentPreRunE: opts.PersistentPreRunE,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ErrorWrap(ExitInvocationFailure, errNoCommand(cmd))
		},
	}
	cmd.PersistentFlags().AddFlagSet(flag.CommandLine)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return ErrorWrap(ExitInvocationFailure, err)
	})

	cmd.AddCommand(
		opts.deployCommand(),
		opts.statusCommand(),
		opts.rollbackCommand(),
		opts.serveCommand(),
	)

	return cmd
}

func errNoCommand(cmd *cobra.Command) error {
	return fmt.Errorf("no command given; see '%s --help'", cmd.CommandPath())
}

// usage marks argument validation errors as invocation failures.
func usage(args cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		err := args(cmd, a)
		if err != nil {
			return ErrorWrap(ExitInvocationFailure, err)
		}
		return nil
	}
}

// PersistentPreRunE loads configuration and assembles the app. The global flag set shares
// its flags with the command, so it carries the values cobra parsed.
func (opts *rootOpts) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	if cmd.HasSubCommands() {
		// only reached to report a missing subcommand
		return nil
	}

	err := conftools.LoadFlags(opts.cfg, flag.CommandLine)
	if err != nil {
		return ErrorWrap(ExitInvocationFailure, err)
	}

	err = logging.Setup(opts.cfg.LogLevel, opts.cfg.LogFormat)
	if err != nil {
		return ErrorWrap(ExitInvocationFailure, err)
	}

	log.Infof("rollout %s", version.Version())
	ts, err := version.BuildTime()
	if err == nil {
		log.Infof("This version was built %s", ts.Local())
	}

	for _, line := range conftools.Format(maskedConfig) {
		log.Debug(line)
	}

	opts.app, err = opts.setup(cmd.Context(), opts.cfg)
	if err != nil {
		return ErrorWrap(ExitUnavailable, err)
	}
	if opts.app.Out == nil {
		opts.app.Out = cmd.OutOrStdout()
	}
	return nil
}

// run wraps a command so that the app is closed after it, whether it succeeds or not.
func (opts *rootOpts) run(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer func() {
			if opts.app.Close != nil {
				opts.app.Close()
			}
		}()
		return fn(cmd, args)
	}
}

// deployContext bounds a batch deployment by the configured deploy timeout.
func (opts *rootOpts) deployContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	if opts.cfg.DeployTimeout <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), opts.cfg.DeployTimeout)
}

func (opts *rootOpts) deployCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy services from the service registry.",
		Args:  usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ErrorWrap(ExitInvocationFailure, errNoCommand(cmd))
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "all",
			Short: "Deploy every tier in ascending order.",
			Args:  usage(cobra.NoArgs),
			RunE: opts.run(func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := opts.deployContext(cmd)
				defer cancel()
				return opts.app.DeployAll(ctx)
			}),
		},
		&cobra.Command{
			Use:   "tier <number>",
			Short: "Deploy the services of a single tier.",
			Args:  usage(cobra.ExactArgs(1)),
			RunE: opts.run(func(cmd *cobra.Command, args []string) error {
				tier, err := strconv.Atoi(args[0])
				if err != nil || tier < 1 {
					return Errorf(ExitInvocationFailure, "tier must be a positive integer, got %q", args[0])
				}
				ctx, cancel := opts.deployContext(cmd)
				defer cancel()
				return opts.app.DeployTier(ctx, tier)
			}),
		},
		&cobra.Command{
			Use:   "service <name>",
			Short: "Deploy a single service.",
			Args:  usage(cobra.ExactArgs(1)),
			RunE: opts.run(func(cmd *cobra.Command, args []string) error {
				ctx, cancel := opts.deployContext(cmd)
				defer cancel()
				return opts.app.DeployService(ctx, args[0])
			}),
		},
	)

	return cmd
}

func (opts *rootOpts) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [service]",
		Short: "Show the latest deployments.",
		Args:  usage(cobra.MaximumNArgs(1)),
		RunE: opts.run(func(cmd *cobra.Command, args []string) error {
			service := ""
			if len(args) > 0 {
				service = args[0]
			}
			return opts.app.Status(cmd.Context(), service)
		}),
	}
}

func (opts *rootOpts) rollbackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <service>",
		Short: "Route traffic back to the previous stable endpoint of a service.",
		Args:  usage(cobra.ExactArgs(1)),
		RunE: opts.run(func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			return opts.app.Rollback(ctx, args[0])
		}),
	}
}

func (opts *rootOpts) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the deployment API and run on-demand deployments.",
		Args:  usage(cobra.NoArgs),
		RunE: opts.run(func(cmd *cobra.Command, _ []string) error {
			if opts.app.Serve == nil {
				return Errorf(ExitInternalError, "serving is not configured")
			}
			return opts.app.Serve(cmd.Context())
		}),
	}
}
