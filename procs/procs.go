// Package procs finds and kills processes on a measured host. Process
// sets are resolved by matching the full command line; kills follow a
// strict escalation ladder: graceful signal, grace window, SIGKILL,
// optional second grace window. Signal sends run through the host
// executor so the same code drives local and remote hosts.
package procs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dedekind/wult"
	"github.com/dedekind/wult/host"
)

// Grace polling parameters. Variables rather than constants so tests
// can shrink the windows.
var (
	graceWindow  = 4 * time.Second
	pollInterval = 200 * time.Millisecond
)

// Process is one entry of a process-set: a PID and the command line it
// was matched by.
type Process struct {
	PID     int
	Cmdline string
}

// IsRoot reports whether commands on the host run with root
// privileges. Driver binding and trace buffer access require root.
func IsRoot(ctx context.Context, ex host.Executor) (bool, error) {
	if !ex.IsRemote() {
		return os.Geteuid() == 0, nil
	}

	res, err := host.RunVerify(ctx, ex, "id -u")
	if err != nil {
		return false, err
	}
	uid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return false, fmt.Errorf("unexpected output from 'id -u'%s, expected an integer, got: %s",
			ex.HostMsg(), res.Stdout)
	}
	return uid == 0, nil
}

// Find returns the processes whose command line matches the regular
// expression pattern. The caller's own PID is excluded when searching
// the local host.
func Find(ctx context.Context, ex host.Executor, pattern string) ([]Process, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad process search pattern %q: %w", pattern, err)
	}

	const cmd = "ps axo pid,args"
	res, err := host.RunVerify(ctx, ex, cmd)
	if err != nil {
		return nil, err
	}

	lines := res.StdoutLines()
	if len(lines) < 2 {
		return nil, fmt.Errorf("no processes found at all%s\nExecuted this command:\n%s\nstdout:\n%s\nstderr:\n%s",
			ex.HostMsg(), cmd, res.Stdout, res.Stderr)
	}

	var procs []Process
	for _, line := range lines[1:] {
		pidStr, cmdline, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		if !ex.IsRemote() && pid == os.Getpid() {
			continue
		}
		if re.MatchString(cmdline) {
			procs = append(procs, Process{PID: pid, Cmdline: cmdline})
		}
	}
	return procs, nil
}

// KillOptions controls Kill behaviour.
type KillOptions struct {
	// Signal is the signal name or number to send. Defaults to
	// "SIGTERM".
	Signal string
	// IncludeChildren expands the PID set with each PID's direct
	// children before signalling. Only valid with a terminating
	// signal.
	IncludeChildren bool
	// MustDie makes Kill confirm death after SIGKILL escalation and
	// fail if survivors remain. Only valid with a terminating signal.
	MustDie bool
}

func isSigterm(sig string) bool {
	return sig == "15" || strings.HasSuffix(sig, "TERM")
}

func isSigkill(sig string) bool {
	return sig == "9" || strings.HasSuffix(sig, "KILL")
}

// Kill signals the processes in pids. For terminating signals it
// waits for the processes to die, escalating SIGTERM to SIGKILL after
// the grace window; with MustDie it re-confirms death after the
// escalation and fails listing any survivors. An empty pids slice is
// a no-op.
func Kill(ctx context.Context, ex host.Executor, pids []int, opts KillOptions) error {
	if len(pids) == 0 {
		return nil
	}

	sig := opts.Signal
	if sig == "" {
		sig = "SIGTERM"
	}

	killing := isSigterm(sig) || isSigkill(sig)
	if (opts.IncludeChildren || opts.MustDie) && !killing {
		return fmt.Errorf("'IncludeChildren' and 'MustDie' cannot be used with the '%s' signal", sig)
	}

	for _, pid := range pids {
		if pid <= 0 {
			return fmt.Errorf("bad PID '%d': must be a positive integer", pid)
		}
	}

	if opts.IncludeChildren {
		pids = expandChildren(ctx, ex, pids)
	}

	spc := joinPIDs(pids, " ")
	comma := joinPIDs(pids, ",")

	if _, err := host.RunVerify(ctx, ex, fmt.Sprintf("kill -%s -- %s", sig, spc)); err != nil {
		if !killing {
			return fmt.Errorf("failed to send signal '%s' to PIDs '%s'%s: %w", sig, comma, ex.HostMsg(), err)
		}
		// A failed first send is tolerated for terminating signals.
		// Either the process exited already (race) or one protected
		// PID in a mixed batch blocked the whole send, while the
		// others still received the signal and are now exiting. The
		// confirmation loop below decides the real outcome.
	}

	if !killing {
		return nil
	}

	if confirmDead(ctx, ex, spc) {
		return nil
	}

	if isSigterm(sig) {
		res, err := ex.Run(ctx, "kill -9 -- "+spc)
		if err != nil {
			return err
		}
		// Exit races to SIGKILL are fine.
		if res.ExitCode != 0 && !strings.Contains(res.Stderr, "No such process") {
			return fmt.Errorf("failed to send SIGKILL to PIDs '%s'%s:\n%s", comma, ex.HostMsg(), res.Stderr)
		}
		collectZombies(ex)
		if !opts.MustDie {
			return nil
		}
		if confirmDead(ctx, ex, spc) {
			return nil
		}
	}

	// Something refused to die; include a listing of the survivors.
	listing := comma
	if res, err := ex.Run(ctx, "ps -f "+spc); err == nil && len(res.StdoutLines()) >= 2 {
		listing = res.Stdout
	}
	return fmt.Errorf("%w: one of the following processes%s did not die after 'SIGKILL': %s",
		wult.ErrTimeout, ex.HostMsg(), listing)
}

// expandChildren appends the direct children of each PID. A failing
// child lookup stops the expansion; the processes found so far still
// get signalled.
func expandChildren(ctx context.Context, ex host.Executor, pids []int) []int {
	for i := 0; i < len(pids); i++ {
		res, err := ex.Run(ctx, fmt.Sprintf("pgrep -P %d", pids[i]))
		if err != nil || res.ExitCode != 0 {
			break
		}
		for _, line := range res.StdoutLines() {
			if child, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
				pids = append(pids, child)
			}
		}
	}
	return pids
}

// confirmDead polls the PID set with a liveness probe for up to the
// grace window, reclaiming local zombies between probes. kill -0
// exits 1 exactly when none of the PIDs is alive.
func confirmDead(ctx context.Context, ex host.Executor, pidsSpc string) bool {
	deadline := time.Now().Add(graceWindow)
	for {
		collectZombies(ex)
		res, err := ex.Run(ctx, "kill -0 -- "+pidsSpc)
		if err == nil && res.ExitCode == 1 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// collectZombies reaps exited children of the current process. Killed
// local subprocesses that were started by us would otherwise linger
// as zombies and keep answering the kill -0 liveness probe.
func collectZombies(ex host.Executor) {
	if ex.IsRemote() {
		return
	}
	var status unix.WaitStatus
	_, _ = unix.Wait4(-1, &status, unix.WNOHANG, nil)
}

func joinPIDs(pids []int, sep string) string {
	parts := make([]string, len(pids))
	for i, pid := range pids {
		parts[i] = strconv.Itoa(pid)
	}
	return strings.Join(parts, sep)
}

// KillByPattern finds the processes matching pattern and kills them
// with sig, expanding to children whenever sig terminates. When
// logger is non-nil the target PID list is logged before anything is
// signalled, with label naming what is being killed. Returns the
// matched processes.
func KillByPattern(ctx context.Context, ex host.Executor, pattern, sig string,
	logger *slog.Logger, label string) ([]Process, error) {

	if sig == "" {
		sig = "SIGTERM"
	}

	procs, err := Find(ctx, ex, pattern)
	if err != nil {
		return nil, err
	}
	if len(procs) == 0 {
		return nil, nil
	}

	pids := make([]int, len(procs))
	for i, p := range procs {
		pids[i] = p.PID
	}

	if logger != nil {
		if label == "" {
			label = "the following process(es)"
		}
		logger.Info("sending signal", "signal", sig, "target", label,
			"host", ex.Hostname(), "pids", joinPIDs(pids, ", "))
	}

	killing := isSigterm(sig) || isSigkill(sig)
	err = Kill(ctx, ex, pids, KillOptions{Signal: sig, IncludeChildren: killing})
	if err != nil {
		return nil, err
	}
	return procs, nil
}
