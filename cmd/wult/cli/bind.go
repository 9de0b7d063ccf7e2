package cli

import (
	"context"
	"fmt"

	"github.com/dedekind/wult/devices"
	"github.com/dedekind/wult/host"
	"github.com/dedekind/wult/procs"
)

// BindCmd binds a device to its wult measurement driver.
type BindCmd struct {
	DevID string `arg:"" name:"devid" help:"Device to bind: PCI address, network interface name, 'tdt' or 'hrtimer'."`
	CPU   int    `name:"cpu" help:"Logical CPU number to measure." default:"0"`
	Force bool   `name:"force" help:"Claim a network interface even if it is up."`
}

// Run executes the bind command.
func (c *BindCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := cli.Logger(cfg)
	if err != nil {
		return err
	}
	ex, err := cli.Executor(cfg, logger)
	if err != nil {
		return err
	}
	defer ex.Close()

	ctx := context.Background()
	if err := requireRoot(ctx, ex); err != nil {
		return err
	}

	return withSessionLock(ctx, ex, func(ctx context.Context) error {
		opts := devices.Options{Dmesg: cfg.Device.Dmesg, Force: c.Force}
		dev, err := devices.Probe(ctx, ex, c.DevID, c.CPU, opts, logger)
		if err != nil {
			return err
		}
		defer dev.Close()

		if err := dev.Bind(ctx, dev.DriverName()); err != nil {
			return err
		}

		fmt.Printf("Bound device '%s' to driver '%s'%s\n", dev.Info().DevID, dev.DriverName(), ex.HostMsg())
		return nil
	})
}

// requireRoot fails unless wult runs with root privileges on the
// measured host. Driver binding and trace buffer access both need
// them.
func requireRoot(ctx context.Context, ex host.Executor) error {
	root, err := procs.IsRoot(ctx, ex)
	if err != nil {
		return err
	}
	if !root {
		return fmt.Errorf("this command requires root privileges%s", ex.HostMsg())
	}
	return nil
}
