package cli

import (
	"context"
	"fmt"

	"github.com/dedekind/wult"
	"github.com/dedekind/wult/devices"
)

// ScanCmd lists the compatible devices present on the host.
type ScanCmd struct {
	Devtypes []string `name:"devtypes" help:"Device types to scan for (i210, tdt, hrtimer). Default: all."`
}

// Run executes the scan command.
func (c *ScanCmd) Run(cli *CLI) error {
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

	devtypes, err := parseDevtypes(c.Devtypes)
	if err != nil {
		return err
	}

	ctx := context.Background()
	entries, err := devices.Scan(ctx, ex, devtypes, logger)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Printf("No compatible devices found%s\n", ex.HostMsg())
		return nil
	}

	fmt.Printf("Compatible devices%s:\n", ex.HostMsg())
	for _, entry := range entries {
		if entry.Alias != "" {
			fmt.Printf(" * %s (%s): %s\n", entry.DevID, entry.Alias, entry.Descr)
		} else {
			fmt.Printf(" * %s: %s\n", entry.DevID, entry.Descr)
		}
	}
	return nil
}

func parseDevtypes(names []string) ([]wult.DeviceType, error) {
	var devtypes []wult.DeviceType
	for _, name := range names {
		devtype := wult.DeviceType(name)
		if _, ok := wult.DriverNames[devtype]; !ok {
			return nil, fmt.Errorf("unknown device type '%s', supported types: i210, tdt, hrtimer", name)
		}
		devtypes = append(devtypes, devtype)
	}
	return devtypes, nil
}
