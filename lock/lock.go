// Package lock serializes wult measurement sessions on the local
// machine. The kernel driver binding and the trace ring buffer are
// host-global resources: two concurrent sessions would silently
// corrupt each other's measurements, so every mutating command runs
// under an exclusive flock(2).
//
// Holding the lock is proven by a Scope capability: mutating code
// paths receive one from Run and cannot construct it themselves, so
// a session cannot forget to take the lock.
package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultPath is the default session lock file.
const DefaultPath = "/run/wult.lock"

// Scope represents the dynamic execution region in which the wult
// session lock is held. It is a capability, not a mutex: it cannot
// be constructed, locked, or unlocked by callers, only obtained by
// executing code under Run.
type Scope interface {
	// FD returns the raw lock file descriptor (for diagnostics).
	FD() int

	// scopeMarker is unexported to prevent external implementations.
	scopeMarker()
}

type scope struct {
	f *os.File
}

func (*scope) scopeMarker() {}

func (s *scope) FD() int { return int(s.f.Fd()) }

// Run acquires the session lock, executes fn, then releases. The
// Scope proves to callees that the lock is held. Acquisition polls
// with exponential backoff and respects ctx cancellation, so a
// session blocked on another one can be aborted.
func Run(ctx context.Context, path string, fn func(context.Context, Scope) error) error {
	f, err := acquire(ctx, path)
	if err != nil {
		return err
	}
	defer f.Close()

	return fn(ctx, &scope{f: f})
}

func acquire(ctx context.Context, path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	backoff := 25 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("failed to lock '%s': %w", path, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("waiting for another wult session to release '%s': %w",
				path, ctx.Err())
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
