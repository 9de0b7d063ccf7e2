package host

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig holds the connection parameters for a remote host.
type SSHConfig struct {
	// Host is the host name or address to connect to.
	Host string
	// User is the login name. Defaults to "root": driver binding and
	// trace buffer access need root on the measured host.
	User string
	// Port is the SSH port. Defaults to 22.
	Port int
	// KeyFile is the path to the private key. Defaults to
	// ~/.ssh/id_rsa.
	KeyFile string
	// Timeout bounds connection establishment. Defaults to 8 seconds.
	Timeout time.Duration
}

// SSH executes commands on a remote host over an SSH connection. One
// connection is shared by all operations; every Run and Start opens
// its own session on it.
type SSH struct {
	client   *ssh.Client
	hostname string
	logger   *slog.Logger
}

// NewSSH connects to the host described by cfg.
func NewSSH(cfg SSHConfig, logger *slog.Logger) (*SSH, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.KeyFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory for default SSH key: %w", err)
		}
		cfg.KeyFile = home + "/.ssh/id_rsa"
	}

	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key '%s': %w", cfg.KeyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key '%s': %w", cfg.KeyFile, err)
	}

	clientConfig := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// The measured host is typically a lab machine that gets
		// reinstalled often; host key pinning is not practical there.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.Timeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s@%s: %w", cfg.User, addr, err)
	}

	return &SSH{
		client:   client,
		hostname: cfg.Host,
		logger:   logger.With("component", "host", "host", cfg.Host),
	}, nil
}

// Run executes cmd on the remote host and waits for completion.
func (s *SSH) Run(ctx context.Context, cmd string) (Result, error) {
	s.logger.Debug("running command", "cmd", cmd)
	return s.run(ctx, cmd, nil)
}

func (s *SSH) run(ctx context.Context, cmd string, stdin io.Reader) (Result, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open SSH session%s: %w", s.HostMsg(), err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	session.Stdin = stdin

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Close()
		<-errCh
		return Result{}, ctx.Err()
	case err = <-errCh:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("failed to run command '%s'%s: %w", cmd, s.HostMsg(), err)
		}
		res.ExitCode = exitErr.ExitStatus()
	}
	return res, nil
}

// Start launches cmd on the remote host without waiting for it. The
// command is wrapped so its remote PID is known: the wrapper shell
// prints its own PID and then replaces itself with the command.
func (s *SSH) Start(_ context.Context, cmd string) (Process, error) {
	s.logger.Debug("starting command", "cmd", cmd)

	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open SSH session%s: %w", s.HostMsg(), err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create stdout pipe%s: %w", s.HostMsg(), err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create stderr pipe%s: %w", s.HostMsg(), err)
	}

	wrapped := fmt.Sprintf("sh -c 'echo $$; exec %s'", strings.ReplaceAll(cmd, "'", `'\''`))
	if err := session.Start(wrapped); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to start command '%s'%s: %w", cmd, s.HostMsg(), err)
	}

	p := &sshProcess{
		session: session,
		stdout:  make(chan string, 256),
		stderr:  make(chan string, 256),
		done:    make(chan struct{}),
		pidCh:   make(chan int, 1),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.pumpStdout(&readers, stdout)
	go p.pump(&readers, stderr, p.stderr)

	go func() {
		readers.Wait()
		err := session.Wait()
		code := 0
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitStatus()
		} else if err != nil {
			code = -1
		}
		p.exitCode = code
		close(p.done)
	}()

	// The PID line is printed before the command starts, so this does
	// not wait on the command producing output.
	select {
	case pid := <-p.pidCh:
		p.pid = pid
	case <-p.done:
	case <-time.After(10 * time.Second):
		session.Close()
		return nil, fmt.Errorf("timed out reading remote PID of command '%s'%s", cmd, s.HostMsg())
	}

	return p, nil
}

// sshProcess is a handle to a command started with SSH.Start.
type sshProcess struct {
	session  *ssh.Session
	pid      int
	stdout   chan string
	stderr   chan string
	done     chan struct{}
	pidCh    chan int
	exitCode int
}

// pumpStdout routes the first stdout line (the wrapper's PID) to
// pidCh and everything after it to the stdout line channel.
func (p *sshProcess) pumpStdout(wg *sync.WaitGroup, r io.Reader) {
	defer wg.Done()
	defer close(p.stdout)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
				p.pidCh <- pid
				continue
			}
			// Not a PID line; deliver it as ordinary output.
		}
		p.stdout <- line
	}
}

func (p *sshProcess) pump(wg *sync.WaitGroup, r io.Reader, lines chan<- string) {
	defer wg.Done()
	defer close(lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// PID returns the remote process ID.
func (p *sshProcess) PID() int { return p.pid }

// Wait blocks until output arrives, the process exits, or timeout
// elapses, mirroring the local handle's semantics.
func (p *sshProcess) Wait(timeout time.Duration, maxLines int) ([]string, []string, *int, error) {
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

func (p *sshProcess) exitStatus() *int {
	select {
	case <-p.done:
		code := p.exitCode
		return &code
	default:
		return nil
	}
}

// Release closes the SSH session backing the handle.
func (p *sshProcess) Release() error { return p.session.Close() }

// ReadFile returns the content of a remote file.
func (s *SSH) ReadFile(ctx context.Context, path string) (string, error) {
	res, err := RunVerify(ctx, s, "cat "+Quote(path))
	if err != nil {
		return "", fmt.Errorf("failed to read file '%s'%s: %w", path, s.HostMsg(), err)
	}
	return res.Stdout, nil
}

// WriteFile writes data to a remote file. The content travels on the
// remote cat's stdin, so no shell quoting applies to it.
func (s *SSH) WriteFile(ctx context.Context, path, data string) error {
	s.logger.Debug("writing file", "path", path, "data", data)
	res, err := s.run(ctx, "cat > "+Quote(path), strings.NewReader(data))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to write file '%s'%s%s", path, s.HostMsg(), outputSuffix(res))
	}
	return nil
}

// IsRemote reports true.
func (s *SSH) IsRemote() bool { return true }

// Hostname returns the remote host name.
func (s *SSH) Hostname() string { return s.hostname }

// HostMsg returns the host-qualifying message suffix.
func (s *SSH) HostMsg() string { return fmt.Sprintf(" on host '%s'", s.hostname) }

// Close closes the SSH connection.
func (s *SSH) Close() error { return s.client.Close() }
