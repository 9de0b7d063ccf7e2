package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/dedekind/wult/ftrace"
)

// TraceCmd follows the kernel function trace buffer and prints trace
// lines as they arrive. Mostly a diagnostic aid: it shows exactly
// what a measurement run would consume.
type TraceCmd struct {
	Timeout time.Duration `name:"timeout" help:"Longest time to wait for new trace data." default:"30s"`
	Count   int           `name:"count" short:"c" help:"Stop after this many lines (0 = run until killed)." default:"0"`
}

// Run executes the trace command.
func (c *TraceCmd) Run(cli *CLI) error {
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

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = cfg.Trace.Timeout()
	}

	return withSessionLock(ctx, ex, func(ctx context.Context) error {
		ft, err := ftrace.New(ctx, ex, timeout, logger)
		if err != nil {
			return err
		}
		defer ft.Close(ctx)

		for n := 0; c.Count == 0 || n < c.Count; n++ {
			line, err := ft.Next(ctx)
			if err != nil {
				return err
			}
			fmt.Println(line.Raw)
		}
		return nil
	})
}
