package main

import (
	"github.com/spf13/cobra"
)

func addLaunchFlags(cmd *cobra.Command, f *LaunchFlags) {
	cmd.Flags().StringVar(&f.Cwd, "cwd", "", "working directory (default: current directory)")
}

// createAllowCommand creates the allow subcommand
func createAllowCommand(c *command) *cobra.Command {
	f := &LaunchFlags{}
	cmd := &cobra.Command{
		Use:   "allow [--cwd=DIR] -- SCRIPT [ARGS...]",
		Short: "Allow a script invocation to be started",
		Long: `Add an exact (script, args, cwd) triple to the allowlist. Only allowed
invocations can be started.

Examples:
  procm allow --cwd=/app -- npm run dev`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Allow(cmd.Context(), *f, args)
		},
	}
	addLaunchFlags(cmd, f)
	return cmd
}

// createDisallowCommand creates the disallow subcommand
func createDisallowCommand(c *command) *cobra.Command {
	f := &LaunchFlags{}
	cmd := &cobra.Command{
		Use:   "disallow [--cwd=DIR] -- SCRIPT [ARGS...]",
		Short: "Remove a script invocation from the allowlist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Disallow(cmd.Context(), *f, args)
		},
	}
	addLaunchFlags(cmd, f)
	return cmd
}

// createAllowedCommand creates the allowed subcommand
func createAllowedCommand(c *command) *cobra.Command {
	f := &LaunchFlags{}
	cmd := &cobra.Command{
		Use:   "allowed",
		Short: "List allowed invocations for a working directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Allowed(cmd.Context(), *f)
		},
	}
	addLaunchFlags(cmd, f)
	return cmd
}

// createStartCommand creates the start subcommand
func createStartCommand(c *command) *cobra.Command {
	f := &LaunchFlags{}
	cmd := &cobra.Command{
		Use:   "start [--cwd=DIR] [--name=NAME] [--env K=V]... -- SCRIPT [ARGS...]",
		Short: "Start an allowed process",
		Long: `Start a process. The exact script, arguments and working directory
must have been allowed first.

Examples:
  procm start --cwd=/app --name=web -- npm run dev
  procm start --env PORT=8080 -- ./server --verbose`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), *f, args)
		},
	}
	addLaunchFlags(cmd, f)
	cmd.Flags().StringVar(&f.Name, "name", "", "display name (default: script)")
	cmd.Flags().StringArrayVar(&f.Envs, "env", nil, "extra environment variable KEY=VALUE (repeatable)")
	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop ID",
		Short: "Stop a process and its children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), args[0])
		},
	}
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart ID",
		Short: "Restart a process under the same id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.Context(), args[0])
		},
	}
}

// createRemoveCommand creates the rm subcommand
func createRemoveCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:     "rm ID",
		Aliases: []string{"delete"},
		Short:   "Stop a process and forget it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Remove(cmd.Context(), args[0])
		},
	}
}

// createPsCommand creates the ps subcommand
func createPsCommand(c *command) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "ps",
		Aliases: []string{"list"},
		Short:   "List registered processes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Ps(cmd.Context(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

// createInfoCommand creates the info subcommand
func createInfoCommand(c *command) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "info ID",
		Short: "Show one process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Info(cmd.Context(), args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the record as JSON")
	return cmd
}

// createLogsCommand creates the logs subcommand
func createLogsCommand(c *command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs ID",
		Short: "Show the newest captured output lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(cmd.Context(), *f, args[0])
		},
	}
	cmd.Flags().BoolVar(&f.Stderr, "stderr", false, "show stderr instead of stdout")
	cmd.Flags().IntVar(&f.Count, "count", 0, "number of entries (default: server default_chunk_count)")
	return cmd
}

// createToolsCommand creates the tools subcommand
func createToolsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the server exposes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Tools(cmd.Context())
		},
	}
}
