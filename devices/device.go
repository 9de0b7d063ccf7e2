// Package devices models the delayed-event hardware sources wult can
// measure: the Intel I210 NIC family, the TSC deadline timer and the
// Linux high-resolution timer. A factory resolves a user-supplied
// identifier to the right variant; a scanner enumerates every
// compatible device present on a host.
//
// Claiming a PCI device for measurement means detaching it from its
// production driver and attaching it to a wult driver, both done
// through the kernel driver-model control files in sysfs. The bind
// and unbind operations here verify their outcome against sysfs
// rather than assuming it, and refuse to steal a device that another
// driver owns.
package devices

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dedekind/wult/dmesg"
	"github.com/dedekind/wult/host"
)

// Info describes a device. It is fully populated before the
// constructor returns; DevID is non-empty and stable for the lifetime
// of the device.
type Info struct {
	// Name is a short human label, e.g. "Intel I210" or "tdt".
	Name string
	// DevID is the canonical identifier: the PCI bus address for PCI
	// devices, a fixed token for timers.
	DevID string
	// Descr is a free-text description.
	Descr string
	// Alias is another identifier for the same device (the timer's
	// long name, the NIC's interface name), or "".
	Alias string
	// ASPMEnabled reports the PCI ASPM link state; always false for
	// timers.
	ASPMEnabled bool
}

// Device is a delayed-event source. PCI-backed variants manipulate
// kernel driver bindings; timer variants treat Bind and Unbind as
// no-ops because existence checks at construction are their whole
// claim.
//
// Callers control binding explicitly; nothing rebinds implicitly.
// Close must run on every exit path and is safe to call repeatedly.
type Device interface {
	// Bind attaches the device to the named kernel driver.
	Bind(ctx context.Context, drvname string) error

	// Unbind detaches the device from its current driver and returns
	// that driver's name, or "" if the device was not bound.
	Unbind(ctx context.Context) (string, error)

	// Close releases the device object (not the kernel binding).
	Close()

	// Info returns the device description.
	Info() Info

	// DriverName returns the wult kernel driver that measures this
	// device.
	DriverName() string
}

// base carries what every variant shares: the host executor, the
// measured CPU, the populated Info and the optional kernel log
// capture used to enrich failure messages.
type base struct {
	ex      host.Executor
	cpu     int
	info    Info
	capture *dmesg.Capture
	logger  *slog.Logger
}

// newBase starts the kernel log capture when enabled. The caller must
// arrange for Close to run if a later construction step fails.
func newBase(ctx context.Context, ex host.Executor, cpu int, captureDmesg bool,
	logger *slog.Logger) (base, error) {

	b := base{ex: ex, cpu: cpu, logger: logger.With("component", "devices")}
	if captureDmesg {
		capture, err := dmesg.New(ctx, ex)
		if err != nil {
			return base{}, err
		}
		b.capture = capture
	}
	return b, nil
}

// Info returns the device description.
func (b *base) Info() Info { return b.info }

// Close releases the kernel log capture. Idempotent.
func (b *base) Close() {
	if b.capture != nil {
		b.capture.Close()
		b.capture = nil
	}
}

// newDmesg returns kernel log text appended since the device was
// opened, formatted for inclusion in an error message, or "". Errors
// reading the log are swallowed: this is failure-path enrichment, not
// a primary operation.
func (b *base) newDmesg(ctx context.Context) string {
	if b.capture == nil {
		return ""
	}
	msgs, err := b.capture.NewMessages(ctx)
	if err != nil || msgs == "" {
		return ""
	}
	return fmt.Sprintf("New kernel messages%s:\n%s", b.ex.HostMsg(), msgs)
}
