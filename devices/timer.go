package devices

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dedekind/wult"
	"github.com/dedekind/wult/host"
)

// Timer identifiers. A timer is requested with its short token or its
// long alias; there is nothing to discover on the PCI bus.
const (
	tdtToken = "tdt"
	tdtAlias = "tsc-deadline-timer"
	tdtDescr = "TSC deadline timer"

	hrtimerToken = "hrtimer"
	hrtimerAlias = "hrt"
	hrtimerDescr = "Linux High Resolution Timer"
)

// TimerDevice is a delayed-event source backed by a CPU timer. Timers
// have no PCI identity and need no exclusive driver claim, so Bind
// and Unbind are no-ops: the construction-time validation is the
// whole claim.
type TimerDevice struct {
	base
	drvname string
}

// newTDT opens the TSC deadline timer for the measured CPU. The TSC
// deadline timer (TDT) is a LAPIC feature of modern Intel CPUs that
// fires an interrupt when the TSC reaches a programmed value. It is
// only measurable while Linux actually uses it as the clockevent
// device of the CPU.
func newTDT(ctx context.Context, ex host.Executor, devid string, cpu int,
	captureDmesg bool, logger *slog.Logger) (*TimerDevice, error) {

	if devid != tdtToken && devid != tdtAlias {
		return nil, fmt.Errorf("%w: device '%s' is not supported for CPU %d%s",
			wult.ErrNotSupported, devid, cpu, ex.HostMsg())
	}

	path := fmt.Sprintf("/sys/devices/system/clockevents/clockevent%d/current_device", cpu)
	content, err := ex.ReadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: device '%s' is not supported for CPU %d%s: %v",
			wult.ErrNotSupported, devid, cpu, ex.HostMsg(), err)
	}
	if clkname := strings.TrimSpace(content); clkname != "lapic-deadline" {
		return nil, fmt.Errorf("%w: device '%s' is not supported for CPU %d%s.\n"+
			"Current clockevent device is %s, should be 'lapic-deadline' (see %s)",
			wult.ErrNotSupported, devid, cpu, ex.HostMsg(), clkname, path)
	}

	b, err := newBase(ctx, ex, cpu, captureDmesg, logger)
	if err != nil {
		return nil, err
	}
	b.info = Info{Name: tdtToken, DevID: tdtToken, Alias: tdtAlias, Descr: tdtDescr}

	return &TimerDevice{base: b, drvname: wult.DriverNames[wult.DeviceTypeTDT]}, nil
}

// newHRTimer opens the Linux high-resolution timer. Hrtimers are a
// kernel API over the platform's timer hardware; on modern Intel CPUs
// they usually program the TSC deadline timer underneath, with the
// hrtimer subsystem's overhead on top, but they also work on systems
// where only the LAPIC timer is available.
func newHRTimer(ctx context.Context, ex host.Executor, devid string, cpu int,
	captureDmesg bool, logger *slog.Logger) (*TimerDevice, error) {

	if devid != hrtimerToken && devid != hrtimerAlias {
		return nil, fmt.Errorf("%w: device '%s' is not supported for CPU %d%s",
			wult.ErrNotSupported, devid, cpu, ex.HostMsg())
	}

	b, err := newBase(ctx, ex, cpu, captureDmesg, logger)
	if err != nil {
		return nil, err
	}
	b.info = Info{Name: hrtimerToken, DevID: hrtimerToken, Alias: hrtimerAlias, Descr: hrtimerDescr}

	return &TimerDevice{base: b, drvname: wult.DriverNames[wult.DeviceTypeHRTimer]}, nil
}

// Bind is a no-op for timers.
func (t *TimerDevice) Bind(context.Context, string) error { return nil }

// Unbind is a no-op for timers; there is never a prior driver.
func (t *TimerDevice) Unbind(context.Context) (string, error) { return "", nil }

// DriverName returns the wult driver for this timer.
func (t *TimerDevice) DriverName() string { return t.drvname }
