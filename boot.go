// Command nucleos boots the kernel on an emulated machine and runs the boot
// modules described by a machine profile.
package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"nucleos/kernel/kfmt"
	"nucleos/machine"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "nucleos",
		Short:        "Boot the nucleos kernel on an emulated machine",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newProfileCmd())
	return root
}

type runOptions struct {
	profile  string
	ticks    uint64
	realtime time.Duration
	duration time.Duration
	logLevel string
	verbose  bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the machine and run it",
		Long: `Boots the kernel and runs the machine. By default the machine runs for a
fixed number of timer ticks. With --realtime the timer fires at the given
period until the command is interrupted or --duration elapses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMachine(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.profile, "profile", "p", "", "machine profile (YAML); the default profile is used if empty")
	flags.Uint64Var(&opts.ticks, "ticks", 500, "number of timer ticks to run for")
	flags.DurationVar(&opts.realtime, "realtime", 0, "run in real time with this timer period")
	flags.DurationVar(&opts.duration, "duration", 0, "stop a real time run after this long")
	flags.StringVar(&opts.logLevel, "log-level", "", "kernel log level (debug, info, warn, error)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log machine diagnostics to stderr")
	return cmd
}

func loadProfile(path string) (*machine.Profile, error) {
	if path == "" {
		return machine.DefaultProfile(), nil
	}
	return machine.LoadProfile(path)
}

func runMachine(cmd *cobra.Command, opts *runOptions) error {
	profile, err := loadProfile(opts.profile)
	if err != nil {
		return err
	}

	hostLevel := kfmt.ParseLevel("warn")
	if opts.verbose {
		hostLevel = kfmt.ParseLevel("debug")
	}
	logger := kfmt.NewLogger(cmd.ErrOrStderr(), hostLevel).Named("machine")

	m, err := machine.New(machine.Config{
		Profile:  profile,
		Console:  cmd.OutOrStdout(),
		LogLevel: opts.logLevel,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err = m.Boot(); err != nil {
		return err
	}

	if opts.realtime > 0 {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		if opts.duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.duration)
			defer cancel()
		}
		err = m.RunRealtime(ctx, opts.realtime)
	} else {
		err = m.Run(opts.ticks)
	}

	m.Report().WriteSummary(cmd.ErrOrStderr())
	return err
}

func newProfileCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Print a machine profile",
		Long: `Prints the default machine profile, or validates and prints the profile
given with --profile. The output can be edited and passed to "run".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			profile, err := loadProfile(path)
			if err != nil {
				return err
			}

			data, err := profile.Marshal()
			if err != nil {
				return err
			}
			if _, err = cmd.OutOrStdout().Write(data); err != nil {
				return errors.Wrap(err, "write profile")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "profile", "p", "", "profile to validate and print")
	return cmd
}
