package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dedekind/wult"
	"github.com/dedekind/wult/host"
	"github.com/dedekind/wult/netif"
)

// supportedNICs maps the PCI device IDs of the supported NICs to
// their descriptions. Only the Intel I210 family is supported: wult's
// igb driver arms the I210's hardware packet scheduler to emit the
// delayed event.
var supportedNICs = map[string]string{
	"1533": "Intel I210 (copper)",
	"1536": "Intel I210 (fiber)",
	"1537": "Intel I210 (serdes)",
	"1538": "Intel I210 (sgmii)",
	"157b": "Intel I210 (copper flashless)",
	"157c": "Intel I210 (serdes flashless)",
	"1539": "Intel I211 (copper)",
}

// NICDevice is an Intel I210 family network card used as a
// delayed-event source. It is a PCI device with one extra safety
// rule: an interface that is administratively up is refused, because
// claiming it would take the host off the network.
type NICDevice struct {
	*PCIDevice
}

// newNIC opens the NIC identified by devid, which may be a PCI bus
// address or a network interface name. force bypasses the
// network-in-use check.
func newNIC(ctx context.Context, ex host.Executor, devid string, cpu int,
	captureDmesg, force bool, logger *slog.Logger) (*NICDevice, error) {

	addr := devid
	ifname := ""

	iface, err := netif.New(ctx, ex, devid)
	if err != nil && !errors.Is(err, wult.ErrNotFound) {
		return nil, err
	}
	if iface != nil {
		// The interface exists, so unbinding the driver would kill
		// its connectivity. Refuse while the interface is up; the
		// check is a policy heuristic and --force overrides it.
		if !force {
			state, err := iface.State(ctx)
			if err != nil {
				return nil, err
			}
			if state == "up" {
				msg := ""
				if devid != iface.Name() {
					msg = fmt.Sprintf(" (network interface '%s')", iface.Name())
				}
				return nil, fmt.Errorf("refusing to use device '%s'%s%s: it is up and might be "+
					"used for networking. Please, bring it down if you want to use it for wult "+
					"measurements", devid, msg, ex.HostMsg())
			}
		}
		ifname = iface.Name()
		addr, err = iface.PCIAddr(ctx)
		if err != nil {
			return nil, err
		}
	}

	pciDev, err := newPCIDevice(ctx, ex, addr, cpu, captureDmesg,
		wult.DriverNames[wult.DeviceTypeNIC], supportedNICs, logger)
	if err != nil {
		return nil, err
	}
	pciDev.info.Alias = ifname

	return &NICDevice{PCIDevice: pciDev}, nil
}
