package procs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedekind/wult"
	"github.com/dedekind/wult/host/hosttest"
)

func fastGrace(t *testing.T) {
	t.Helper()
	oldWindow, oldPoll := graceWindow, pollInterval
	graceWindow = 20 * time.Millisecond
	pollInterval = time.Millisecond
	t.Cleanup(func() {
		graceWindow, pollInterval = oldWindow, oldPoll
	})
}

func TestFind(t *testing.T) {
	fake := hosttest.New()
	fake.Remote = true
	fake.Host = "sut"
	fake.Responses["ps axo pid,args"] = hosttest.Response{
		Stdout: "  PID COMMAND\n" +
			"    1 /sbin/init\n" +
			"  814 cat /sys/kernel/tracing/trace_pipe\n" +
			" 1201 ndlrunner eth0\n",
	}

	procs, err := Find(context.Background(), fake, "trace_pipe")
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, 814, procs[0].PID)
	assert.Contains(t, procs[0].Cmdline, "trace_pipe")
}

func TestFindNoProcessListing(t *testing.T) {
	fake := hosttest.New()
	fake.Responses["ps axo pid,args"] = hosttest.Response{Stdout: "  PID COMMAND\n"}

	_, err := Find(context.Background(), fake, ".*")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no processes found")
}

func TestFindBadPattern(t *testing.T) {
	fake := hosttest.New()
	_, err := Find(context.Background(), fake, "(unclosed")
	require.Error(t, err)
}

func TestKillEmptyIsNoOp(t *testing.T) {
	fake := hosttest.New()
	err := Kill(context.Background(), fake, nil, KillOptions{})
	require.NoError(t, err)
	assert.Empty(t, fake.RunLog)
}

func TestKillRejectsFlagsForNonTerminatingSignal(t *testing.T) {
	fake := hosttest.New()

	err := Kill(context.Background(), fake, []int{42}, KillOptions{
		Signal:          "SIGHUP",
		IncludeChildren: true,
	})
	require.Error(t, err)
	assert.Empty(t, fake.RunLog, "validation must happen before any side effect")

	err = Kill(context.Background(), fake, []int{42}, KillOptions{
		Signal:  "SIGUSR1",
		MustDie: true,
	})
	require.Error(t, err)
	assert.Empty(t, fake.RunLog)
}

func TestKillRejectsBadPID(t *testing.T) {
	fake := hosttest.New()
	err := Kill(context.Background(), fake, []int{1234, -5}, KillOptions{})
	require.Error(t, err)
	assert.Empty(t, fake.RunLog)
}

func TestKillNonTerminatingReturnsAfterSend(t *testing.T) {
	fake := hosttest.New()
	fake.Remote = true

	err := Kill(context.Background(), fake, []int{100, 200}, KillOptions{Signal: "SIGHUP"})
	require.NoError(t, err)

	require.Len(t, fake.RunLog, 1)
	assert.Equal(t, "kill -SIGHUP -- 100 200", fake.RunLog[0])
}

func TestKillTermDiesWithinGrace(t *testing.T) {
	fastGrace(t)
	fake := hosttest.New()
	fake.Remote = true

	probes := 0
	fake.OnRun = func(cmd string) (hosttest.Response, bool) {
		if strings.HasPrefix(cmd, "kill -0 ") {
			probes++
			if probes < 3 {
				return hosttest.Response{ExitCode: 0}, true // still alive
			}
			return hosttest.Response{ExitCode: 1}, true // all gone
		}
		return hosttest.Response{}, true
	}

	err := Kill(context.Background(), fake, []int{4242}, KillOptions{Signal: "SIGTERM"})
	require.NoError(t, err)
	assert.False(t, fake.Ran("kill -9"), "no escalation needed")
}

func TestKillEscalatesToSigkill(t *testing.T) {
	fastGrace(t)
	fake := hosttest.New()
	fake.Remote = true

	killed := false
	fake.OnRun = func(cmd string) (hosttest.Response, bool) {
		switch {
		case strings.HasPrefix(cmd, "kill -SIGTERM"):
			return hosttest.Response{}, true
		case strings.HasPrefix(cmd, "kill -9"):
			killed = true
			return hosttest.Response{}, true
		case strings.HasPrefix(cmd, "kill -0"):
			// Alive until SIGKILL lands.
			if killed {
				return hosttest.Response{ExitCode: 1}, true
			}
			return hosttest.Response{ExitCode: 0}, true
		}
		return hosttest.Response{}, true
	}

	err := Kill(context.Background(), fake, []int{4242}, KillOptions{Signal: "SIGTERM", MustDie: true})
	require.NoError(t, err)
	assert.True(t, killed)
}

func TestKillToleratesFirstSendFailure(t *testing.T) {
	fastGrace(t)
	fake := hosttest.New()
	fake.Remote = true

	fake.OnRun = func(cmd string) (hosttest.Response, bool) {
		switch {
		case strings.HasPrefix(cmd, "kill -SIGTERM"):
			// Benign race: the process exited before the signal.
			return hosttest.Response{ExitCode: 1, Stderr: "kill: (4242) - No such process\n"}, true
		case strings.HasPrefix(cmd, "kill -0"):
			return hosttest.Response{ExitCode: 1}, true
		}
		return hosttest.Response{}, true
	}

	err := Kill(context.Background(), fake, []int{4242}, KillOptions{Signal: "SIGTERM"})
	require.NoError(t, err)
}

func TestKillMustDieListsSurvivors(t *testing.T) {
	fastGrace(t)
	fake := hosttest.New()
	fake.Remote = true

	fake.OnRun = func(cmd string) (hosttest.Response, bool) {
		switch {
		case strings.HasPrefix(cmd, "kill -0"):
			return hosttest.Response{ExitCode: 0}, true // refuses to die
		case strings.HasPrefix(cmd, "ps -f"):
			return hosttest.Response{
				Stdout: "UID  PID  PPID CMD\nroot 4242    1 unkillable-helper\n",
			}, true
		}
		return hosttest.Response{}, true
	}

	err := Kill(context.Background(), fake, []int{4242}, KillOptions{Signal: "SIGTERM", MustDie: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, wult.ErrTimeout)
	assert.Contains(t, err.Error(), "unkillable-helper")
	assert.True(t, fake.Ran("kill -9"))
}

func TestKillExpandsChildren(t *testing.T) {
	fastGrace(t)
	fake := hosttest.New()
	fake.Remote = true

	fake.OnRun = func(cmd string) (hosttest.Response, bool) {
		switch {
		case cmd == "pgrep -P 100":
			return hosttest.Response{Stdout: "101\n102\n"}, true
		case strings.HasPrefix(cmd, "pgrep -P "):
			return hosttest.Response{ExitCode: 1}, true // no children
		case strings.HasPrefix(cmd, "kill -0"):
			return hosttest.Response{ExitCode: 1}, true
		}
		return hosttest.Response{}, true
	}

	err := Kill(context.Background(), fake, []int{100}, KillOptions{Signal: "SIGTERM", IncludeChildren: true})
	require.NoError(t, err)
	assert.True(t, fake.Ran("kill -SIGTERM -- 100 101 102"))
}

func TestKillByPattern(t *testing.T) {
	fastGrace(t)
	fake := hosttest.New()
	fake.Remote = true
	fake.Host = "sut"

	fake.OnRun = func(cmd string) (hosttest.Response, bool) {
		switch {
		case cmd == "ps axo pid,args":
			return hosttest.Response{
				Stdout: "  PID COMMAND\n  814 cat /sys/kernel/tracing/trace_pipe\n",
			}, true
		case strings.HasPrefix(cmd, "pgrep -P"):
			return hosttest.Response{ExitCode: 1}, true
		case strings.HasPrefix(cmd, "kill -0"):
			return hosttest.Response{ExitCode: 1}, true
		}
		return hosttest.Response{}, true
	}

	procs, err := KillByPattern(context.Background(), fake, "trace_pipe", "",
		slog.New(slog.NewTextHandler(io.Discard, nil)), "stale trace reader")
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, 814, procs[0].PID)
	assert.True(t, fake.Ran("kill -SIGTERM -- 814"))
}

func TestKillByPatternNoMatches(t *testing.T) {
	fake := hosttest.New()
	fake.Responses["ps axo pid,args"] = hosttest.Response{
		Stdout: "  PID COMMAND\n    1 /sbin/init\n",
	}

	procs, err := KillByPattern(context.Background(), fake, "nothing-matches-this", "SIGTERM", nil, "")
	require.NoError(t, err)
	assert.Empty(t, procs)
	for _, cmd := range fake.RunLog {
		assert.False(t, strings.HasPrefix(cmd, "kill"), fmt.Sprintf("unexpected kill: %s", cmd))
	}
}
