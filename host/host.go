// Package host provides command execution and file access on a
// measured host. The Executor interface is the single system boundary
// of the measurement substrate: every sysfs read, driver-control
// write, process signal, and trace pull goes through it, so the same
// code measures the local machine and a remote system under test over
// SSH.
package host

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Result holds the outcome of a synchronous command run to completion.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// StdoutLines returns stdout split into lines, with the trailing empty
// line (from a final newline) removed.
func (r Result) StdoutLines() []string {
	return splitLines(r.Stdout)
}

// StderrLines returns stderr split into lines.
func (r Result) StderrLines() []string {
	return splitLines(r.Stderr)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Process is a handle to an asynchronously launched command. The
// launcher owns the handle exclusively; nothing else may signal the
// underlying process directly.
type Process interface {
	// PID returns the process ID on the target host.
	PID() int

	// Wait blocks until output is available, the process exits, or
	// timeout elapses, whichever comes first. It returns the stdout
	// and stderr lines collected so far (stdout capped at maxLines
	// when maxLines > 0) and the exit code, which is nil while the
	// process is still running. All three being empty/nil means the
	// wait timed out with the process alive and silent.
	Wait(timeout time.Duration, maxLines int) (stdout, stderr []string, exitCode *int, err error)

	// Release frees the handle's local resources (pipes, buffers).
	// It does not signal the process.
	Release() error
}

// Executor runs commands and accesses files on one host.
type Executor interface {
	// Run executes cmd through the shell and waits for completion.
	// A non-zero exit status is reported in Result, not as an error;
	// the error return is for transport failures only.
	Run(ctx context.Context, cmd string) (Result, error)

	// Start launches cmd without waiting and returns a handle to it.
	Start(ctx context.Context, cmd string) (Process, error)

	// ReadFile returns the text content of path.
	ReadFile(ctx context.Context, path string) (string, error)

	// WriteFile writes data to path.
	WriteFile(ctx context.Context, path, data string) error

	// IsRemote reports whether the target host is remote.
	IsRemote() bool

	// Hostname returns the name of the target host ("localhost" for
	// the local executor).
	Hostname() string

	// HostMsg returns a host-qualifying suffix for log and error
	// messages: "" locally, " on host 'name'" remotely.
	HostMsg() string

	// Close releases the executor (e.g. the SSH connection).
	Close() error
}

// RunVerify runs cmd and fails on a non-zero exit status, including
// the command and its output in the error.
func RunVerify(ctx context.Context, ex Executor, cmd string) (Result, error) {
	res, err := ex.Run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("command failed with exit code %d%s: %s%s",
			res.ExitCode, ex.HostMsg(), cmd, outputSuffix(res))
	}
	return res, nil
}

func outputSuffix(res Result) string {
	var b strings.Builder
	if out := strings.TrimSpace(res.Stdout); out != "" {
		fmt.Fprintf(&b, "\nstdout:\n%s", out)
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		fmt.Fprintf(&b, "\nstderr:\n%s", errOut)
	}
	return b.String()
}

// Exists reports whether path exists on the host.
func Exists(ctx context.Context, ex Executor, path string) (bool, error) {
	res, err := ex.Run(ctx, "test -e "+Quote(path))
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// IsFile reports whether path exists and is a regular file.
func IsFile(ctx context.Context, ex Executor, path string) (bool, error) {
	res, err := ex.Run(ctx, "test -f "+Quote(path))
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// Abspath resolves path to an absolute path with all symlinks
// resolved. Fails if the path does not exist.
func Abspath(ctx context.Context, ex Executor, path string) (string, error) {
	res, err := RunVerify(ctx, ex, "readlink -f "+Quote(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path '%s'%s: %w", path, ex.HostMsg(), err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// ListDir returns the names of the entries of the directory at path.
func ListDir(ctx context.Context, ex Executor, path string) ([]string, error) {
	res, err := RunVerify(ctx, ex, "ls -1 "+Quote(path))
	if err != nil {
		return nil, fmt.Errorf("failed to list directory '%s'%s: %w", path, ex.HostMsg(), err)
	}
	return res.StdoutLines(), nil
}

// Quote returns s single-quoted for safe interpolation into a shell
// command line.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
