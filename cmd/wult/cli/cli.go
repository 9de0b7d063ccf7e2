// Package cli implements the wult command-line interface.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/dedekind/wult/config"
	"github.com/dedekind/wult/host"
	"github.com/dedekind/wult/lock"
	"github.com/dedekind/wult/logging"
)

// CLI is the root command structure for wult.
type CLI struct {
	Config string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log    string `name:"log" help:"Log spec (e.g., 'info,devices=debug')." env:"WULT_LOG"`

	Host    string `name:"host" short:"H" help:"Measured host to connect to over SSH. Defaults to the local host."`
	User    string `name:"username" short:"U" help:"SSH login name."`
	Port    int    `name:"port" short:"P" help:"SSH port."`
	PrivKey string `name:"privkey" short:"K" help:"Path to the SSH private key." type:"path"`

	Scan   ScanCmd   `cmd:"" help:"List compatible delayed-event devices on the host."`
	Bind   BindCmd   `cmd:"" help:"Bind a device to its wult measurement driver."`
	Unbind UnbindCmd `cmd:"" help:"Unbind a device from its current driver."`
	Trace  TraceCmd  `cmd:"" help:"Follow the kernel function trace buffer."`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("wult"),
		kong.Description("Wake-up latency tracer: claims delayed-event devices and streams kernel trace data."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"default_config_path": config.DefaultConfigPath,
		},
	}
}

// LoadConfig loads the configuration from the config file path.
func (c *CLI) LoadConfig() (config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Logger creates a logger for CLI commands. Diagnostics go to stderr
// so command output stays clean on stdout.
func (c *CLI) Logger(cfg config.Config) (*slog.Logger, error) {
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	return logging.New(logging.Options{
		CLISpec:    c.Log,
		EnvSpec:    os.Getenv(logging.EnvVar),
		ConfigSpec: cfg.Logging.Level,
		Format:     format,
		Output:     os.Stderr,
	})
}

// Executor opens the executor for the measured host: the local host
// unless --host selects a remote one. CLI flags override the config
// file's SSH settings. The caller owns the returned executor and
// must close it.
func (c *CLI) Executor(cfg config.Config, logger *slog.Logger) (host.Executor, error) {
	if c.Host == "" {
		return host.NewLocal(logger), nil
	}

	sshCfg := host.SSHConfig{
		Host:    c.Host,
		User:    cfg.SSH.User,
		Port:    cfg.SSH.Port,
		KeyFile: cfg.SSH.KeyFile,
		Timeout: cfg.SSH.Timeout(),
	}
	if c.User != "" {
		sshCfg.User = c.User
	}
	if c.Port != 0 {
		sshCfg.Port = c.Port
	}
	if c.PrivKey != "" {
		sshCfg.KeyFile = c.PrivKey
	}

	return host.NewSSH(sshCfg, logger)
}

// withSessionLock runs fn under the local session lock, serializing
// concurrent wult invocations on this machine. Remote sessions skip
// it: a flock on the controller cannot serialize sessions driven
// from different controllers, and conflicts on the measured host
// surface through its own state (bound-to-other-driver, stale trace
// readers).
func withSessionLock(ctx context.Context, ex host.Executor, fn func(context.Context) error) error {
	if ex.IsRemote() {
		return fn(ctx)
	}
	return lock.Run(ctx, lock.DefaultPath, func(ctx context.Context, _ lock.Scope) error {
		return fn(ctx)
	})
}
