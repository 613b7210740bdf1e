package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/procm/internal/config"
	"github.com/loykin/procm/pkg/client"
)

// command runs the client-side subcommands against a procm HTTP server
type command struct {
	flags *GlobalFlags
	out   io.Writer
}

// LaunchFlags identify a script invocation for allow, disallow and start
type LaunchFlags struct {
	Cwd  string
	Name string
	Envs []string
}

// LogsFlags holds flags for the logs command
type LogsFlags struct {
	Stderr bool
	Count  int
}

func (c *command) stdout() io.Writer {
	if c.out != nil {
		return c.out
	}
	return os.Stdout
}

// apiURL resolves the daemon URL from --api-url or the [server] section of the config.
func apiURL(gf *GlobalFlags) (string, error) {
	if gf.APIUrl != "" {
		return gf.APIUrl, nil
	}
	cfg, err := config.Load(gf.ConfigPath)
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return "", fmt.Errorf("invalid server.listen %q: %w", cfg.Server.Listen, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + cfg.Server.BasePath, nil
}

func (c *command) apiClient(ctx context.Context) (*client.Client, error) {
	base, err := apiURL(c.flags)
	if err != nil {
		return nil, err
	}
	cl := client.New(client.Config{BaseURL: base, Timeout: c.flags.APITimeout})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("procm server not reachable at %s (start it with: procm serve --transport=http)", base)
	}
	return cl, nil
}

// printResult writes a successful tool answer; failed answers become the command error.
func (c *command) printResult(res client.ToolResult, err error) error {
	if err != nil {
		return err
	}
	if res.IsError {
		return errors.New(res.Text)
	}
	_, err = fmt.Fprintln(c.stdout(), res.Text)
	return err
}

func (c *command) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.stdout(), string(b))
	return err
}

func resolveCwd(cwd string) (string, error) {
	if cwd == "" {
		return os.Getwd()
	}
	return filepath.Abs(cwd)
}

func parseEnvs(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
		}
		m[k] = v
	}
	return m, nil
}

func (c *command) launchRequest(f LaunchFlags, argv []string) (client.LaunchRequest, error) {
	cwd, err := resolveCwd(f.Cwd)
	if err != nil {
		return client.LaunchRequest{}, err
	}
	return client.LaunchRequest{Script: argv[0], Args: argv[1:], Cwd: cwd}, nil
}

func (c *command) Allow(ctx context.Context, f LaunchFlags, argv []string) error {
	req, err := c.launchRequest(f, argv)
	if err != nil {
		return err
	}
	cl, err := c.apiClient(ctx)
	if err != nil {
		return err
	}
	return c.printResult(cl.Allow(ctx, req))
}

func (c *command) Disallow(ctx context.Context, f LaunchFlags, argv []string) error {
	req, err := c.launchRequest(f, argv)
	if err != nil {
		return err
	}
	cl, err := c.apiClient(ctx)
	if err != nil {
		return err
	}
	return c.printResult(cl.Disallow(ctx, req))
}

func (c *command) Allowed(ctx context.Context, f LaunchFlags) error {
	cwd, err := resolveCwd(f.Cwd)
	if err != nil {
		return err
	}
	cl, err := c.apiClient(ctx)
	if err != nil {
		return err
	}
	return c.printResult(cl.Allowed(ctx, cwd))
}

func (c *command) Start(ctx context.Context, f LaunchFlags, argv []string) error {
	req, err := c.launchRequest(f, argv)
	if err != nil {
		return err
	}
	envs, err := parseEnvs(f.Envs)
	if err != nil {
		return err
	}
	cl, err := c.apiClient(ctx)
	if err != nil {
		return err
	}
	return c.printResult(cl.Start(ctx, client.StartRequest{
		Name: f.Name, Script: req.Script, Args: req.Args, Cwd: req.Cwd, Envs: envs,
	}))
}

func (c *command) Stop(ctx context.Context, id string) error {
	cl, err := c.apiClient(ctx)
	if err != nil {
		return err
	}
	return c.printResult(cl.Stop(ctx, id))
}

func (c *command) Restart(ctx context.Context, id string) error {
	cl, err := c.apiClient(ctx)
	if err != nil {
		return err
	}
	return c.printResult(cl.Restart(ctx, id))
}

func (c *command) Remove(ctx context.Context, id string) error {
	cl, err := c.apiClient(ctx)
	if err != nil {
		return err
	}
	return c.printResult(cl.Delete(ctx, id))
}

func (c *command) Ps(ctx context.Context, asJSON bool) error {
	cl, err := c.apiClient(ctx)
	if err != nil {
		return err
	}
	if !asJSON {
		return c.printResult(cl.Call(ctx, "list-processes", nil))
	}
	infos, err := cl.Processes(ctx)
	if err != nil {
		return err
	}
	return c.printJSON(infos)
}

func (c *command) Info(ctx context.Context, id string, asJSON bool) error {
	cl, err := c.apiClient(ctx)
	if err != nil {
		return err
	}
	if !asJSON {
		return c.printResult(cl.Info(ctx, id))
	}
	info, err := cl.Process(ctx, id)
	if err != nil {
		return err
	}
	return c.printJSON(info)
}

func (c *command) Logs(ctx context.Context, f LogsFlags, id string) error {
	cl, err := c.apiClient(ctx)
	if err != nil {
		return err
	}
	if f.Stderr {
		return c.printResult(cl.Stderr(ctx, id, f.Count))
	}
	return c.printResult(cl.Stdout(ctx, id, f.Count))
}

func (c *command) Tools(ctx context.Context) error {
	cl, err := c.apiClient(ctx)
	if err != nil {
		return err
	}
	defs, err := cl.Tools(ctx)
	if err != nil {
		return err
	}
	for _, d := range defs {
		if _, err := fmt.Fprintf(c.stdout(), "%-32s %s\n", d.Name, d.Description); err != nil {
			return err
		}
	}
	return nil
}
