package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

// buildRoot creates the root command with all subcommands attached
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)

	c := &command{flags: globalFlags}
	root.AddCommand(
		createServeCommand(globalFlags),
		createAllowCommand(c),
		createDisallowCommand(c),
		createAllowedCommand(c),
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createRemoveCommand(c),
		createPsCommand(c),
		createInfoCommand(c),
		createLogsCommand(c),
		createToolsCommand(c),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "procm",
		Short: "Local process supervisor",
		Long: `procm starts, stops and inspects local child processes on behalf of a caller,
capturing their stdout and stderr into per-process log stores.

Processes can only be started once their exact script, arguments and working
directory have been allowed.

Examples:
  procm serve --transport=stdio           # serve tools over stdin/stdout
  procm serve --transport=http            # serve the HTTP API
  procm allow --cwd=/app -- npm run dev
  procm start --cwd=/app --name=web -- npm run dev
  procm logs <id> --stderr --count=20`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default from [server] in config, e.g. http://127.0.0.1:7070/api)")
	return root
}
