package host

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Local executes commands on the local machine through /bin/sh.
type Local struct {
	logger *slog.Logger
}

// NewLocal returns an executor for the local machine.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{logger: logger.With("component", "host")}
}

// Run executes cmd through the shell and waits for completion.
func (l *Local) Run(ctx context.Context, cmd string) (Result, error) {
	l.logger.Debug("running command", "cmd", cmd)

	c := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("failed to run command '%s': %w", cmd, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// Start launches cmd through the shell without waiting for it.
func (l *Local) Start(ctx context.Context, cmd string) (Process, error) {
	l.logger.Debug("starting command", "cmd", cmd)

	c := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe for '%s': %w", cmd, err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe for '%s': %w", cmd, err)
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command '%s': %w", cmd, err)
	}

	p := &localProcess{
		cmd:    c,
		pid:    c.Process.Pid,
		stdout: make(chan string, 256),
		stderr: make(chan string, 256),
		done:   make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.pump(&readers, stdout, p.stdout)
	go p.pump(&readers, stderr, p.stderr)

	go func() {
		readers.Wait()
		err := c.Wait()
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		p.exitCode = code
		close(p.done)
	}()

	return p, nil
}

// localProcess is a handle to a command started with Local.Start. The
// pipe readers feed line channels so that Wait can return partial
// output without blocking past its timeout.
type localProcess struct {
	cmd      *exec.Cmd
	pid      int
	stdout   chan string
	stderr   chan string
	done     chan struct{}
	exitCode int
	exited   bool
}

func (p *localProcess) pump(wg *sync.WaitGroup, r io.Reader, lines chan<- string) {
	defer wg.Done()
	defer close(lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// PID returns the process ID of the launched command.
func (p *localProcess) PID() int { return p.pid }

// Wait blocks until output arrives, the process exits, or timeout
// elapses. Once the first line arrives it drains everything that is
// immediately available (up to maxLines of stdout) and returns.
func (p *localProcess) Wait(timeout time.Duration, maxLines int) ([]string, []string, *int, error) {
	var stdout, stderr []string
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	stdoutCh, stderrCh := p.stdout, p.stderr
	for {
		select {
		case line, ok := <-stdoutCh:
			if !ok {
				stdoutCh = nil
				continue
			}
			stdout = append(stdout, line)
			stdout = append(stdout, drain(stdoutCh, maxLines-len(stdout))...)
			stderr = append(stderr, drain(stderrCh, -1)...)
			return stdout, stderr, p.exitStatus(), nil
		case line, ok := <-stderrCh:
			if !ok {
				stderrCh = nil
				continue
			}
			stderr = append(stderr, line)
			stderr = append(stderr, drain(stderrCh, -1)...)
			stdout = append(stdout, drain(stdoutCh, maxLines)...)
			return stdout, stderr, p.exitStatus(), nil
		case <-p.done:
			stdout = append(stdout, drain(p.stdout, maxLines)...)
			stderr = append(stderr, drain(p.stderr, -1)...)
			code := p.exitCode
			return stdout, stderr, &code, nil
		case <-timer.C:
			return stdout, stderr, nil, nil
		}
	}
}

// drain collects lines that are immediately available, up to max when
// max is positive.
func drain(lines <-chan string, max int) []string {
	if lines == nil {
		return nil
	}
	var out []string
	for {
		if max > 0 && len(out) >= max {
			return out
		}
		select {
		case line, ok := <-lines:
			if !ok {
				return out
			}
			out = append(out, line)
		default:
			return out
		}
	}
}

func (p *localProcess) exitStatus() *int {
	select {
	case <-p.done:
		code := p.exitCode
		return &code
	default:
		return nil
	}
}

// Release frees the handle. The pipe reader goroutines finish on their
// own once the process exits.
func (p *localProcess) Release() error { return nil }

// ReadFile returns the content of a local file.
func (l *Local) ReadFile(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file '%s': %w", path, err)
	}
	return string(data), nil
}

// WriteFile writes data to a local file.
func (l *Local) WriteFile(_ context.Context, path, data string) error {
	l.logger.Debug("writing file", "path", path, "data", data)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("failed to write file '%s': %w", path, err)
	}
	return nil
}

// IsRemote reports false: this executor targets the local machine.
func (l *Local) IsRemote() bool { return false }

// Hostname returns "localhost".
func (l *Local) Hostname() string { return "localhost" }

// HostMsg returns "" for the local host; local messages need no
// qualification.
func (l *Local) HostMsg() string { return "" }

// Close is a no-op for the local executor.
func (l *Local) Close() error { return nil }
