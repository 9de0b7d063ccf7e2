package cli

import (
	"context"
	"fmt"

	"github.com/dedekind/wult/devices"
)

// UnbindCmd unbinds a device from its current driver.
type UnbindCmd struct {
	DevID string `arg:"" name:"devid" help:"Device to unbind: PCI address, network interface name, 'tdt' or 'hrtimer'."`
	CPU   int    `name:"cpu" help:"Logical CPU number." default:"0"`
	Force bool   `name:"force" help:"Operate on a network interface even if it is up."`
}

// Run executes the unbind command.
func (c *UnbindCmd) Run(cli *CLI) error {
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

		prior, err := dev.Unbind(ctx)
		if err != nil {
			return err
		}

		if prior == "" {
			fmt.Printf("Device '%s' was not bound to any driver%s\n", dev.Info().DevID, ex.HostMsg())
		} else {
			fmt.Printf("Unbound device '%s' from driver '%s'%s\n", dev.Info().DevID, prior, ex.HostMsg())
		}
		return nil
	})
}
