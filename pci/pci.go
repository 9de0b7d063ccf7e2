// Package pci queries PCI devices on a measured host: identity
// (vendor/device IDs) from sysfs, the human-readable name and the
// ASPM link state from lspci. ASPM matters to wult because an ASPM-
// enabled link adds wake latency that gets attributed to the device
// under measurement.
package pci

import (
	"context"
	"fmt"
	"strings"

	"github.com/dedekind/wult"
	"github.com/dedekind/wult/host"
)

// Info describes one PCI device.
type Info struct {
	// Addr is the full bus address, e.g. "0000:01:00.0".
	Addr string
	// VendorID and DevID are the PCI IDs without the "0x" prefix,
	// e.g. "8086" and "1533".
	VendorID string
	DevID    string
	// Name is the device name as reported by lspci, empty when lspci
	// did not provide one.
	Name string
	// ASPMEnabled reports whether Active State Power Management is
	// enabled on the device's link.
	ASPMEnabled bool
}

// Get returns the information for the device at the given bus
// address.
func Get(ctx context.Context, ex host.Executor, addr string) (Info, error) {
	devPath := "/sys/bus/pci/devices/" + addr

	vendor, err := readID(ctx, ex, devPath+"/vendor")
	if err != nil {
		return Info{}, fmt.Errorf("failed to read vendor ID of PCI device '%s'%s: %w",
			addr, ex.HostMsg(), err)
	}
	devID, err := readID(ctx, ex, devPath+"/device")
	if err != nil {
		return Info{}, fmt.Errorf("failed to read device ID of PCI device '%s'%s: %w",
			addr, ex.HostMsg(), err)
	}

	info := Info{Addr: addr, VendorID: vendor, DevID: devID}

	// lspci supplies the pretty name and link control state. Its
	// absence is tolerated: sysfs already gave us the identity.
	res, err := ex.Run(ctx, "lspci -s "+host.Quote(addr)+" -vv")
	if err == nil && res.ExitCode == 0 {
		info.Name = parseName(res.Stdout)
		info.ASPMEnabled = parseASPM(res.Stdout)
	}

	return info, nil
}

func readID(ctx context.Context, ex host.Executor, path string) (string, error) {
	content, err := ex.ReadFile(ctx, path)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(strings.TrimSpace(content), "0x"), nil
}

// parseName extracts the device name from the first line of
// "lspci -s <addr> -vv" output, which looks like:
//
//	01:00.0 Ethernet controller: Intel Corporation I210 Gigabit ...
func parseName(out string) string {
	line, _, _ := strings.Cut(out, "\n")
	if _, name, ok := strings.Cut(line, ": "); ok {
		return strings.TrimSpace(name)
	}
	return ""
}

// parseASPM reports whether the LnkCtl line says ASPM is enabled. The
// line reads "LnkCtl: ASPM Disabled; ..." or "LnkCtl: ASPM L1
// Enabled; ...".
func parseASPM(out string) bool {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "LnkCtl:") {
			continue
		}
		aspm, _, _ := strings.Cut(strings.TrimPrefix(line, "LnkCtl:"), ";")
		return !strings.Contains(aspm, "Disabled") && strings.Contains(aspm, "ASPM")
	}
	return false
}

// List enumerates all PCI devices on the host with their numeric IDs,
// using "lspci -D -n" (one line per device: address, class, IDs).
func List(ctx context.Context, ex host.Executor) ([]Info, error) {
	res, err := ex.Run(ctx, "lspci -D -n")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: 'lspci' failed%s:\n%s", wult.ErrNotFound, ex.HostMsg(), res.Stderr)
	}

	var devices []Info
	for _, line := range res.StdoutLines() {
		// "0000:01:00.0 0200: 8086:1533 (rev 03)"
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		vendor, devID, ok := strings.Cut(fields[2], ":")
		if !ok {
			continue
		}
		devices = append(devices, Info{Addr: fields[0], VendorID: vendor, DevID: devID})
	}
	return devices, nil
}
