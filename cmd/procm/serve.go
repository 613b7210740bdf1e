package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/loykin/procm/internal/config"
	"github.com/loykin/procm/internal/logger"
)

const (
	transportStdio = "stdio"
	transportHTTP  = "http"
)

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Transport string
	Listen    string
	DataDir   string
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the procm server",
		Long: `Start the procm server. Every run gets a fresh server id and its own
directory <data_dir>/<server id>(<pid>) holding debug.log and the process log stores.

The server stops on SIGINT, SIGTERM, or when stdin closes (stdio transport),
terminating every process it started before exiting.

Examples:
  procm serve                                 # stdio JSON-RPC
  procm serve --transport=http --listen=:7070
  procm serve --config=procm.toml --transport=http`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(globalFlags, serveFlags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&serveFlags.Transport, "transport", transportStdio, "transport: stdio or http")
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "HTTP listen address (overrides [server].listen)")
	cmd.Flags().StringVar(&serveFlags.DataDir, "data-dir", "", "data directory (overrides data_dir)")
	return cmd
}

func loadServeConfig(gf *GlobalFlags, sf *ServeFlags) (*config.Config, error) {
	switch sf.Transport {
	case transportStdio, transportHTTP:
	default:
		return nil, fmt.Errorf("unknown transport %q (want %s or %s)", sf.Transport, transportStdio, transportHTTP)
	}
	cfg, err := config.Load(gf.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if sf.Listen != "" {
		cfg.Server.Listen = sf.Listen
	}
	if sf.DataDir != "" {
		cfg.DataDir = sf.DataDir
	}
	return cfg, nil
}

func runServe(gf *GlobalFlags, sf *ServeFlags, in io.Reader, out io.Writer) error {
	cfg, err := loadServeConfig(gf, sf)
	if err != nil {
		return err
	}
	if logger.ParseLevel(cfg.Log.Level) > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	d, err := newDaemon(cfg, os.Getpid())
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			d.fatal(r)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.startMetrics(); err != nil {
		return errors.Join(err, d.shutdown())
	}

	switch sf.Transport {
	case transportHTTP:
		err = d.serveHTTP(ctx)
	default:
		err = d.serveStdio(ctx, in, out)
	}
	if ctx.Err() != nil {
		d.log.Info("received shutdown signal")
	}
	return errors.Join(err, d.shutdown())
}
