package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dedekind/wult"
	"github.com/dedekind/wult/host"
	"github.com/dedekind/wult/netif"
	"github.com/dedekind/wult/pci"
)

// Options configures device construction.
type Options struct {
	// Dmesg enables kernel log capture, used to enrich binding
	// failure messages.
	Dmesg bool
	// Force bypasses the NIC network-in-use safety check.
	Force bool
}

// Probe resolves devid to a device for measuring the given CPU. The
// identifier is tried as a TSC deadline timer token, a high-res timer
// token, and finally as a PCI bus address or network interface name.
// An identifier that matches nothing fails with wult.ErrNotSupported
// wrapping the underlying cause.
func Probe(ctx context.Context, ex host.Executor, devid string, cpu int,
	opts Options, logger *slog.Logger) (Device, error) {

	if logger == nil {
		logger = slog.Default()
	}

	if devid == tdtToken || devid == tdtAlias {
		return newTDT(ctx, ex, devid, cpu, opts.Dmesg, logger)
	}
	if devid == hrtimerToken || devid == hrtimerAlias {
		return newHRTimer(ctx, ex, devid, cpu, opts.Dmesg, logger)
	}

	dev, err := newNIC(ctx, ex, devid, cpu, opts.Dmesg, opts.Force, logger)
	if err != nil {
		if errors.Is(err, wult.ErrNotSupported) || errors.Is(err, wult.ErrNotFound) {
			return nil, fmt.Errorf("%w: unsupported device '%s'%s: %w",
				wult.ErrNotSupported, devid, ex.HostMsg(), err)
		}
		return nil, err
	}
	return dev, nil
}

// ScanEntry describes one compatible device found by Scan.
type ScanEntry struct {
	// DevID is the canonical device identifier.
	DevID string
	// Alias is another identifier for the same device, or "".
	Alias string
	// Descr is a short description.
	Descr string
}

// Scan enumerates the compatible devices present on the host,
// restricted to devtypes when non-empty. Candidates that fail
// validation are skipped silently: not every candidate exists on
// every host. The scan is read-only; probed devices are closed and
// their bind state is never touched.
func Scan(ctx context.Context, ex host.Executor, devtypes []wult.DeviceType,
	logger *slog.Logger) ([]ScanEntry, error) {

	if logger == nil {
		logger = slog.Default()
	}
	if len(devtypes) == 0 {
		devtypes = wult.DeviceTypes
	}

	enabled := make(map[wult.DeviceType]bool, len(devtypes))
	for _, devtype := range devtypes {
		enabled[devtype] = true
	}

	var entries []ScanEntry

	if enabled[wult.DeviceTypeTDT] {
		if dev, err := newTDT(ctx, ex, tdtToken, 0, false, logger); err == nil {
			entries = append(entries, scanEntry(dev))
			dev.Close()
		}
	}

	if enabled[wult.DeviceTypeHRTimer] {
		if dev, err := newHRTimer(ctx, ex, hrtimerToken, 0, false, logger); err == nil {
			entries = append(entries, scanEntry(dev))
			dev.Close()
		}
	}

	if enabled[wult.DeviceTypeNIC] {
		nics, err := scanNICs(ctx, ex)
		if err != nil {
			return nil, err
		}
		entries = append(entries, nics...)
	}

	return entries, nil
}

func scanEntry(dev Device) ScanEntry {
	info := dev.Info()
	return ScanEntry{DevID: info.DevID, Alias: info.Alias, Descr: info.Descr}
}

// scanNICs cross-references the live PCI device list with the
// supported-NIC table and resolves the network interface alias of
// each match, when one exists.
func scanNICs(ctx context.Context, ex host.Executor) ([]ScanEntry, error) {
	pciDevs, err := pci.List(ctx, ex)
	if err != nil {
		return nil, err
	}

	var entries []ScanEntry
	for _, dev := range pciDevs {
		descr, ok := supportedNICs[dev.DevID]
		if !ok {
			continue
		}

		ifname := ""
		if iface, err := netif.New(ctx, ex, dev.Addr); err == nil {
			ifname = iface.Name()
		}

		entries = append(entries, ScanEntry{
			DevID: dev.Addr,
			Alias: ifname,
			Descr: fmt.Sprintf("%s. PCI address %s, Vendor ID %s, Device ID %s.",
				descr, dev.Addr, dev.VendorID, dev.DevID),
		})
	}
	return entries, nil
}
