// Package ftrace follows the Linux function trace buffer on a
// measured host. The trace buffer is the ground-truth timestamp
// source for when a scheduled wake event actually fired: the wult
// drivers log a trace line per datapoint, and this package streams
// those lines back in order.
//
// One long-lived background reader process is attached to the trace
// pipe; the buffer is cleared before the reader starts so entries
// from a previous session are never misattributed to the current
// one. Lines are pulled with a bounded wait: a silent-but-alive
// reader is a timeout (the experiment stalled, the caller decides
// what to do), while a dead or stderr-producing reader terminates
// the stream for good.
package ftrace

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dedekind/wult"
	"github.com/dedekind/wult/host"
	"github.com/dedekind/wult/procs"
)

// tracefsMounts are the candidate trace mount points, preferred
// location first. Older kernels only expose the debugfs path.
var tracefsMounts = []string{
	"/sys/kernel/tracing",
	"/sys/kernel/debug/tracing",
}

// maxLinesPerWait caps how many buffered lines one wait drains, so a
// chatty trace cannot starve the caller of control.
const maxLinesPerWait = 32

// DefaultTimeout is the longest time to wait for new trace data
// before a pull fails with wult.ErrTimeout.
const DefaultTimeout = 30 * time.Second

// Line is a parsed trace buffer entry. Parsing is best effort: a
// line that does not split into the standard six fields keeps only
// Raw, with every derived field left at its zero value.
type Line struct {
	// ProcName and PID identify the process the entry was logged
	// under.
	ProcName string
	PID      int
	// CPUNum is the logical CPU field as printed, e.g. "[002]".
	CPUNum string
	// Flags is the irqs-off/need-resched/preempt-depth flag field.
	Flags string
	// Timestamp is the trace timestamp as printed, e.g. "12345.6789:".
	Timestamp string
	// Func is the kernel function that logged the entry.
	Func string
	// Msg is the free-text message after the standard prefixes.
	Msg string
	// Raw is the full line, whitespace-trimmed, always set.
	Raw string
}

// ParseLine parses one trace buffer line, e.g.
//
//	cat-1234  [002] d..1  12345.6789: sched_wakeup: comm=foo
//
// The standard prefix is six whitespace-delimited fields with the
// message as the sixth; anything else yields a Line carrying only
// the raw text.
func ParseLine(raw string) Line {
	l := Line{Raw: strings.TrimSpace(raw)}

	fields := splitMax(l.Raw, 6)
	if len(fields) != 6 {
		return l
	}

	// The first field is "<procname>-<pid>". Process names may
	// themselves contain dashes ("kworker/0:1-events"), the PID
	// never does, so split at the last dash.
	procinfo := fields[0]
	idx := strings.LastIndex(procinfo, "-")
	if idx < 0 {
		return l
	}
	pid, err := strconv.Atoi(procinfo[idx+1:])
	if err != nil {
		return l
	}

	l.ProcName = procinfo[:idx]
	l.PID = pid
	l.CPUNum = fields[1]
	l.Flags = fields[2]
	l.Timestamp = fields[3]
	l.Func = fields[4]
	l.Msg = fields[5]
	return l
}

// splitMax splits s on whitespace into at most max fields, the last
// field carrying the unsplit remainder.
func splitMax(s string, max int) []string {
	var fields []string
	rest := s
	for len(fields) < max-1 {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			return fields
		}
		idx := strings.IndexAny(rest, " \t")
		if idx < 0 {
			return append(fields, rest)
		}
		fields = append(fields, rest[:idx])
		rest = rest[idx:]
	}
	rest = strings.TrimLeft(rest, " \t")
	if rest == "" {
		return fields
	}
	return append(fields, rest)
}

// FTrace streams the kernel function trace buffer. It exclusively
// owns its background reader process; nothing else may signal it.
// Not safe for concurrent use.
type FTrace struct {
	ex      host.Executor
	logger  *slog.Logger
	timeout time.Duration

	tracePath string
	pipePath  string

	reader  host.Process
	pending []string
}

// New attaches to the trace buffer on the host: locates the trace
// mount (wult.ErrNotSupported when absent), kills any stale reader
// left over from an uncleanly terminated run, clears the buffer and
// launches the background reader. timeout bounds each Next pull; a
// non-positive value selects DefaultTimeout.
func New(ctx context.Context, ex host.Executor, timeout time.Duration,
	logger *slog.Logger) (*FTrace, error) {

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ftrace")
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	f := &FTrace{ex: ex, logger: logger, timeout: timeout}

	mnt, err := findMount(ctx, ex)
	if err != nil {
		return nil, err
	}
	f.tracePath = mnt + "/trace"
	f.pipePath = mnt + "/trace_pipe"

	cmd := "cat " + f.pipePath
	if _, err := procs.KillByPattern(ctx, ex, cmd, "SIGTERM", logger,
		"stale function trace reader process"); err != nil {
		return nil, err
	}

	logger.Debug("clearing the trace buffer", "path", f.tracePath)
	if err := ex.WriteFile(ctx, f.tracePath, "0"); err != nil {
		return nil, fmt.Errorf("failed to clear the trace buffer%s: %w", ex.HostMsg(), err)
	}

	f.reader, err = ex.Start(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start the trace reader%s: %w", ex.HostMsg(), err)
	}

	logger.Debug("started trace reader", "pid", f.reader.PID(), "pipe", f.pipePath,
		"host", ex.Hostname())
	return f, nil
}

func findMount(ctx context.Context, ex host.Executor) (string, error) {
	for _, mnt := range tracefsMounts {
		ok, err := host.IsFile(ctx, ex, mnt+"/trace")
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		ok, err = host.IsFile(ctx, ex, mnt+"/trace_pipe")
		if err != nil {
			return "", err
		}
		if ok {
			return mnt, nil
		}
	}
	return "", fmt.Errorf("%w: linux kernel function trace files were not found under %s%s",
		wult.ErrNotSupported, strings.Join(tracefsMounts, " or "), ex.HostMsg())
}

// Next returns the next trace line, waiting up to the configured
// timeout for the reader to produce one. Comment lines are skipped.
// A silent but alive reader fails with wult.ErrTimeout; a reader
// that exited or wrote to stderr fails with wult.ErrProcess, as does
// every pull after Close. Lines come back in the order the kernel
// emitted them.
func (f *FTrace) Next(ctx context.Context) (Line, error) {
	for {
		if len(f.pending) > 0 {
			raw := f.pending[0]
			f.pending = f.pending[1:]
			if strings.HasPrefix(strings.TrimSpace(raw), "#") {
				continue
			}
			return ParseLine(raw), nil
		}

		if f.reader == nil {
			return Line{}, fmt.Errorf("%w: the function trace reader is closed", wult.ErrProcess)
		}

		stdout, stderr, exitcode, err := f.reader.Wait(f.timeout, maxLinesPerWait)
		if err != nil {
			return Line{}, fmt.Errorf("failed to read the trace buffer%s: %w", f.ex.HostMsg(), err)
		}

		if len(stdout) == 0 && len(stderr) == 0 && exitcode == nil {
			return Line{}, fmt.Errorf("%w: no data in trace buffer for %s%s",
				wult.ErrTimeout, f.timeout, f.ex.HostMsg())
		}

		// A dead or erroring reader invalidates the whole stream.
		if exitcode != nil || len(stderr) > 0 {
			return Line{}, fmt.Errorf("%w: the function trace reader process has exited unexpectedly%s:\n%s",
				wult.ErrProcess, f.ex.HostMsg(), readerFailure(stdout, stderr, exitcode))
		}

		f.pending = stdout
	}
}

func readerFailure(stdout, stderr []string, exitcode *int) string {
	var parts []string
	if len(stdout) > 0 {
		parts = append(parts, "stdout:\n"+strings.Join(stdout, "\n"))
	}
	if len(stderr) > 0 {
		parts = append(parts, "stderr:\n"+strings.Join(stderr, "\n"))
	}
	if exitcode != nil {
		parts = append(parts, fmt.Sprintf("exit code: %d", *exitcode))
	}
	return strings.Join(parts, "\n")
}

// Close stops following the trace buffer, forcefully terminating the
// reader and its children without waiting for death confirmation.
// Idempotent and safe on a partially constructed instance.
func (f *FTrace) Close(ctx context.Context) {
	if f.reader == nil {
		return
	}

	pid := f.reader.PID()
	f.logger.Debug("killing the trace reader process", "pid", pid, "host", f.ex.Hostname())

	err := procs.Kill(ctx, f.ex, []int{pid},
		procs.KillOptions{Signal: "SIGTERM", IncludeChildren: true})
	if err != nil {
		f.logger.Debug("failed to kill the trace reader process", "pid", pid, "error", err)
	}

	f.reader.Release()
	f.reader = nil
}
