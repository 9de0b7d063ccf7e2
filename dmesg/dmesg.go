// Package dmesg captures kernel log output on a measured host and
// reports what was appended after the capture was taken. Driver
// binding failures are frequently explained only in the kernel log
// (missing firmware, PCI quirks), so binding errors attach this delta
// for the operator.
package dmesg

import (
	"context"
	"fmt"
	"strings"

	"github.com/dedekind/wult/host"
)

// Capture is an anchored view over the kernel log. NewMessages
// returns everything the kernel appended after the anchor snapshot.
type Capture struct {
	ex       host.Executor
	anchored map[string]struct{}
	closed   bool
}

// New snapshots the current kernel log on the host and returns the
// anchored view.
func New(ctx context.Context, ex host.Executor) (*Capture, error) {
	lines, err := read(ctx, ex)
	if err != nil {
		return nil, err
	}

	anchored := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		anchored[line] = struct{}{}
	}
	return &Capture{ex: ex, anchored: anchored}, nil
}

func read(ctx context.Context, ex host.Executor) ([]string, error) {
	res, err := host.RunVerify(ctx, ex, "dmesg")
	if err != nil {
		return nil, fmt.Errorf("failed to read kernel log%s: %w", ex.HostMsg(), err)
	}
	return res.StdoutLines(), nil
}

// NewMessages returns the kernel log lines appended since the capture
// was anchored, joined with newlines, or "" when there are none. The
// delta is computed by membership against the anchor snapshot: the
// kernel log is a ring buffer, so a positional comparison would break
// once old entries rotate out.
func (c *Capture) NewMessages(ctx context.Context) (string, error) {
	if c.closed {
		return "", nil
	}

	lines, err := read(ctx, c.ex)
	if err != nil {
		return "", err
	}

	var fresh []string
	for _, line := range lines {
		if _, ok := c.anchored[line]; !ok {
			fresh = append(fresh, line)
		}
	}
	return strings.Join(fresh, "\n"), nil
}

// Close releases the capture. Safe to call more than once.
func (c *Capture) Close() {
	c.closed = true
	c.anchored = nil
	c.ex = nil
}
