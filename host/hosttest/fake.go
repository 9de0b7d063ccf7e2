// Package hosttest provides a scripted host.Executor for tests. The
// fake answers filesystem-probe commands (test, readlink, ls, cat)
// from in-memory maps and everything else from a caller-supplied
// response table, so device, process, and trace code can be exercised
// without touching real sysfs or a real process table.
package hosttest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dedekind/wult/host"
)

// Response is a canned outcome for one command.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// Fake implements host.Executor against in-memory state.
type Fake struct {
	mu sync.Mutex

	// Files maps path to content. ReadFile, "cat" and "test -f"
	// consult it.
	Files map[string]string
	// Dirs maps a directory path to its entry names, for "test -e"
	// and "ls -1".
	Dirs map[string][]string
	// Links maps a path to its resolved target, for "readlink -f".
	// Paths absent from Links resolve to themselves when they exist.
	Links map[string]string

	// Responses maps an exact command line to its outcome, consulted
	// before OnRun.
	Responses map[string]Response
	// OnRun, when set, answers any command the other tables do not.
	OnRun func(cmd string) (Response, bool)
	// OnStart supplies handles for asynchronously started commands.
	OnStart func(cmd string) *FakeProcess

	// WriteErrs maps a path to the error its next write fails with.
	WriteErrs map[string]error
	// OnWrite, when set, observes every successful WriteFile and may
	// mutate the fake's state, e.g. materialising a driver symlink
	// after a write to a sysfs bind control file.
	OnWrite func(path, data string)

	// RunLog records every command executed, in order.
	RunLog []string
	// Written records every WriteFile as "path=data", in order.
	Written []string

	// Remote and Host control the executor's identity.
	Remote bool
	Host   string
}

// New returns an empty local fake.
func New() *Fake {
	return &Fake{
		Files:     map[string]string{},
		Dirs:      map[string][]string{},
		Links:     map[string]string{},
		Responses: map[string]Response{},
		WriteErrs: map[string]error{},
	}
}

// Run answers cmd from the filesystem maps, the response table, or
// OnRun, in that order. Unknown commands succeed with empty output.
func (f *Fake) Run(_ context.Context, cmd string) (host.Result, error) {
	f.mu.Lock()
	f.RunLog = append(f.RunLog, cmd)
	f.mu.Unlock()

	if res, ok := f.answerFS(cmd); ok {
		return res, nil
	}
	if resp, ok := f.Responses[cmd]; ok {
		return host.Result{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}, resp.Err
	}
	if f.OnRun != nil {
		if resp, ok := f.OnRun(cmd); ok {
			return host.Result{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}, resp.Err
		}
	}
	return host.Result{}, nil
}

func (f *Fake) answerFS(cmd string) (host.Result, bool) {
	arg := func(prefix string) (string, bool) {
		if !strings.HasPrefix(cmd, prefix) {
			return "", false
		}
		return unquote(strings.TrimPrefix(cmd, prefix)), true
	}

	if p, ok := arg("test -e "); ok {
		return exitResult(f.exists(p)), true
	}
	if p, ok := arg("test -f "); ok {
		_, isFile := f.Files[p]
		return exitResult(isFile), true
	}
	if p, ok := arg("readlink -f "); ok {
		if target, ok := f.Links[p]; ok {
			return host.Result{Stdout: target + "\n"}, true
		}
		if f.exists(p) {
			return host.Result{Stdout: p + "\n"}, true
		}
		return host.Result{ExitCode: 1, Stderr: "readlink: " + p + ": No such file or directory\n"}, true
	}
	if p, ok := arg("ls -1 "); ok {
		entries, ok := f.Dirs[p]
		if !ok {
			return host.Result{ExitCode: 2, Stderr: "ls: " + p + ": No such file or directory\n"}, true
		}
		return host.Result{Stdout: strings.Join(entries, "\n") + "\n"}, true
	}
	if p, ok := arg("cat "); ok && !strings.HasPrefix(p, ">") {
		if content, ok := f.Files[p]; ok {
			return host.Result{Stdout: content}, true
		}
		return host.Result{ExitCode: 1, Stderr: "cat: " + p + ": No such file or directory\n"}, true
	}
	return host.Result{}, false
}

func (f *Fake) exists(p string) bool {
	if _, ok := f.Files[p]; ok {
		return true
	}
	if _, ok := f.Dirs[p]; ok {
		return true
	}
	if _, ok := f.Links[p]; ok {
		return true
	}
	// A file or link implies its parent directories exist.
	for candidate := range f.Files {
		if strings.HasPrefix(candidate, p+"/") {
			return true
		}
	}
	for candidate := range f.Links {
		if strings.HasPrefix(candidate, p+"/") {
			return true
		}
	}
	return false
}

func exitResult(ok bool) host.Result {
	if ok {
		return host.Result{}
	}
	return host.Result{ExitCode: 1}
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "'")
	s = strings.TrimSuffix(s, "'")
	return s
}

// Start hands out the next scripted process handle.
func (f *Fake) Start(_ context.Context, cmd string) (host.Process, error) {
	f.mu.Lock()
	f.RunLog = append(f.RunLog, "START "+cmd)
	f.mu.Unlock()

	if f.OnStart == nil {
		return nil, fmt.Errorf("unexpected Start(%q): no OnStart configured", cmd)
	}
	p := f.OnStart(cmd)
	if p == nil {
		return nil, fmt.Errorf("unexpected Start(%q)", cmd)
	}
	return p, nil
}

// ReadFile answers from the Files map.
func (f *Fake) ReadFile(_ context.Context, p string) (string, error) {
	if content, ok := f.Files[p]; ok {
		return content, nil
	}
	return "", fmt.Errorf("failed to read file '%s': no such file", p)
}

// WriteFile records the write and updates the Files map.
func (f *Fake) WriteFile(_ context.Context, p, data string) error {
	if err, ok := f.WriteErrs[p]; ok {
		return err
	}
	f.mu.Lock()
	f.Written = append(f.Written, p+"="+data)
	f.Files[p] = data
	f.mu.Unlock()
	if f.OnWrite != nil {
		f.OnWrite(p, data)
	}
	return nil
}

// WroteTo reports whether any write targeted the given path.
func (f *Fake) WroteTo(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.Written {
		if strings.HasPrefix(w, p+"=") {
			return true
		}
	}
	return false
}

// Ran reports whether any executed command contains substr.
func (f *Fake) Ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.RunLog {
		if strings.Contains(cmd, substr) {
			return true
		}
	}
	return false
}

// AddSysfsDevice populates the maps with a PCI device at addr, bound
// to driver when driver is non-empty.
func (f *Fake) AddSysfsDevice(addr, vendorID, devID, driver string) {
	devPath := "/sys/bus/pci/devices/" + addr
	f.Dirs[devPath] = []string{"vendor", "device"}
	f.Files[devPath+"/vendor"] = "0x" + vendorID + "\n"
	f.Files[devPath+"/device"] = "0x" + devID + "\n"
	if driver != "" {
		f.Links[devPath+"/driver"] = "/sys/bus/pci/drivers/" + driver
		f.Dirs["/sys/bus/pci/drivers/"+driver] = []string{"bind", "unbind", "new_id"}
	}
}

// IsRemote reports the configured identity.
func (f *Fake) IsRemote() bool { return f.Remote }

// Hostname returns the configured host name, "localhost" by default.
func (f *Fake) Hostname() string {
	if f.Host == "" {
		return "localhost"
	}
	return f.Host
}

// HostMsg mirrors the real executors' host suffix convention.
func (f *Fake) HostMsg() string {
	if !f.Remote {
		return ""
	}
	return fmt.Sprintf(" on host '%s'", f.Hostname())
}

// Close is a no-op.
func (f *Fake) Close() error { return nil }

// FakeProcess is a scripted host.Process. Each Wait call consumes one
// step; a Fake with an exhausted script reports a timeout (no output,
// nil exit code) without sleeping.
type FakeProcess struct {
	Pid   int
	Steps []WaitStep

	mu       sync.Mutex
	next     int
	Released bool
}

// WaitStep is the outcome of one Wait call on a FakeProcess.
type WaitStep struct {
	Stdout []string
	Stderr []string
	Exit   *int
}

// ExitCode builds a *int for a WaitStep.
func ExitCode(code int) *int { return &code }

// PID returns the scripted PID.
func (p *FakeProcess) PID() int { return p.Pid }

// Wait pops the next scripted step.
func (p *FakeProcess) Wait(time.Duration, int) ([]string, []string, *int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= len(p.Steps) {
		return nil, nil, nil, nil
	}
	step := p.Steps[p.next]
	p.next++
	return step.Stdout, step.Stderr, step.Exit, nil
}

// Release marks the handle released.
func (p *FakeProcess) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Released = true
	return nil
}

var _ host.Executor = (*Fake)(nil)
var _ host.Process = (*FakeProcess)(nil)
