// Package netif resolves Linux network interfaces on a measured host.
// A NIC used as a delayed-event source is identified either by its
// interface name or by its PCI bus address; this package maps between
// the two and reports the administrative state, which gates the
// network-in-use safety check.
package netif

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/dedekind/wult"
	"github.com/dedekind/wult/host"
)

const classNet = "/sys/class/net"

// Iface is a resolved network interface.
type Iface struct {
	ex     host.Executor
	ifname string
}

// New resolves id, which may be an interface name or a PCI bus
// address, to a network interface. Wraps wult.ErrNotFound when no
// interface matches.
func New(ctx context.Context, ex host.Executor, id string) (*Iface, error) {
	// Interface name first: the common case for operators.
	ok, err := host.Exists(ctx, ex, classNet+"/"+id)
	if err != nil {
		return nil, err
	}
	if ok {
		return &Iface{ex: ex, ifname: id}, nil
	}

	// A PCI address: the device's net/ subdirectory names the
	// interface backed by it.
	netDir := "/sys/bus/pci/devices/" + id + "/net"
	ok, err = host.Exists(ctx, ex, netDir)
	if err != nil {
		return nil, err
	}
	if ok {
		entries, err := host.ListDir(ctx, ex, netDir)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			return &Iface{ex: ex, ifname: entries[0]}, nil
		}
	}

	return nil, fmt.Errorf("%w: no network interface for '%s'%s", wult.ErrNotFound, id, ex.HostMsg())
}

// Name returns the interface name, e.g. "eth0".
func (i *Iface) Name() string { return i.ifname }

// PCIAddr returns the bus address of the PCI device backing the
// interface.
func (i *Iface) PCIAddr(ctx context.Context) (string, error) {
	target, err := host.Abspath(ctx, i.ex, classNet+"/"+i.ifname+"/device")
	if err != nil {
		return "", fmt.Errorf("failed to find the PCI device of interface '%s'%s: %w",
			i.ifname, i.ex.HostMsg(), err)
	}
	return path.Base(target), nil
}

// State returns the interface operational state from sysfs, e.g.
// "up", "down" or "unknown".
func (i *Iface) State(ctx context.Context) (string, error) {
	content, err := i.ex.ReadFile(ctx, classNet+"/"+i.ifname+"/operstate")
	if err != nil {
		return "", fmt.Errorf("failed to read state of interface '%s'%s: %w",
			i.ifname, i.ex.HostMsg(), err)
	}
	return strings.TrimSpace(content), nil
}
