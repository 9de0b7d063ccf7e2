package devices

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/dedekind/wult"
	"github.com/dedekind/wult/host"
	"github.com/dedekind/wult/pci"
)

// PCIDevice is a delayed-event source backed by a PCI device. It
// implements driver binding through the sysfs driver-model control
// files.
type PCIDevice struct {
	base
	pciInfo pci.Info
	devPath string
	drvname string
}

// newPCIDevice opens the PCI device at the bus address devid and
// validates it against the supported-ID table (a nil table accepts
// any device). The wult driver for the device type is drvname.
func newPCIDevice(ctx context.Context, ex host.Executor, devid string, cpu int,
	captureDmesg bool, drvname string, supported map[string]string,
	logger *slog.Logger) (*PCIDevice, error) {

	if devid == "" {
		return nil, fmt.Errorf("device ID was not provided")
	}

	b, err := newBase(ctx, ex, cpu, captureDmesg, logger)
	if err != nil {
		return nil, err
	}
	dev := &PCIDevice{base: b, drvname: drvname}

	// Construction can still fail below; release the capture on any
	// of those paths.
	ok := false
	defer func() {
		if !ok {
			dev.Close()
		}
	}()

	sysPath := "/sys/bus/pci/devices/" + devid
	exists, err := host.Exists(ctx, ex, sysPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: cannot find device '%s'%s:\npath %s does not exist",
			wult.ErrNotFound, devid, ex.HostMsg(), sysPath)
	}

	dev.devPath, err = host.Abspath(ctx, ex, sysPath)
	if err != nil {
		return nil, err
	}

	dev.pciInfo, err = pci.Get(ctx, ex, path.Base(dev.devPath))
	if err != nil {
		return nil, err
	}

	if supported != nil {
		descr, found := supported[dev.pciInfo.DevID]
		if !found {
			return nil, fmt.Errorf("%w: PCI device '%s' (PCI ID %s) is not supported by wult driver %s.\n"+
				"Here is the list of supported PCI IDs:\n* %s",
				wult.ErrNotSupported, dev.pciInfo.Addr, dev.pciInfo.DevID, drvname,
				formatSupported(supported))
		}
		dev.info.Name = "Intel I210"
		dev.info.Descr = descr
	} else {
		dev.info.Name = dev.pciInfo.Name
		dev.info.Descr = dev.pciInfo.Name
	}

	dev.info.DevID = dev.pciInfo.Addr
	dev.info.Descr += fmt.Sprintf(". PCI address %s, Vendor ID %s, Device ID %s.",
		dev.pciInfo.Addr, dev.pciInfo.VendorID, dev.pciInfo.DevID)
	dev.info.ASPMEnabled = dev.pciInfo.ASPMEnabled

	ok = true
	return dev, nil
}

func formatSupported(supported map[string]string) string {
	entries := make([]string, 0, len(supported))
	for id, descr := range supported {
		entries = append(entries, id+" - "+descr)
	}
	sort.Strings(entries)
	return strings.Join(entries, "\n* ")
}

// DriverName returns the wult driver for this device.
func (d *PCIDevice) DriverName() string { return d.drvname }

// getDriver returns the name and sysfs path of the driver currently
// owning the device, or empty strings if it is unbound. The binding
// state lives in sysfs only; nothing is cached.
func (d *PCIDevice) getDriver(ctx context.Context) (string, string, error) {
	link := d.devPath + "/driver"
	exists, err := host.Exists(ctx, d.ex, link)
	if err != nil || !exists {
		return "", "", err
	}
	drvPath, err := host.Abspath(ctx, d.ex, link)
	if err != nil {
		return "", "", err
	}
	return path.Base(drvPath), drvPath, nil
}

// Bind attaches the device to the kernel driver drvname. Binding an
// already correctly bound device is a no-op; binding over a different
// driver's claim fails without touching that claim.
func (d *PCIDevice) Bind(ctx context.Context, drvname string) error {
	addr := d.pciInfo.Addr
	d.logger.Debug("binding device", "addr", addr, "driver", drvname, "host", d.ex.Hostname())

	failmsg := fmt.Sprintf("failed to bind device '%s' to driver '%s'%s", addr, drvname, d.ex.HostMsg())

	drvPath := "/sys/bus/pci/drivers/" + drvname
	exists, err := host.Exists(ctx, d.ex, drvPath)
	if err != nil {
		return fmt.Errorf("%s: %w", failmsg, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s:\npath '%s' does not exist%s (is the driver loaded?)",
			wult.ErrNotFound, failmsg, drvPath, d.ex.HostMsg())
	}

	curDriver, _, err := d.getDriver(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", failmsg, err)
	}
	if curDriver == drvname {
		d.logger.Debug("device already bound", "addr", addr, "driver", drvname)
		return nil
	}
	if curDriver != "" {
		return fmt.Errorf("%w: %s:\nit is already bound to driver '%s'",
			wult.ErrConflict, failmsg, curDriver)
	}

	// The driver may not know this PCI ID yet. Registering the ID via
	// 'new_id' teaches the driver about it and triggers the bind in
	// one step. If that write fails, the driver likely knows the ID
	// already, so fall back to an explicit bind by bus address.
	newIDPath := drvPath + "/new_id"
	val := d.pciInfo.VendorID + " " + d.pciInfo.DevID
	d.logger.Debug("writing sysfs", "path", newIDPath, "value", val)
	if err := d.ex.WriteFile(ctx, newIDPath, val); err != nil {
		bindPath := drvPath + "/bind"
		d.logger.Debug("writing sysfs", "path", bindPath, "value", addr)
		if err := d.ex.WriteFile(ctx, bindPath, addr); err != nil {
			return fmt.Errorf("%s:\n%w\n%s", failmsg, err, d.newDmesg(ctx))
		}
	}

	// Never assume the bind took; the kernel can refuse silently.
	if _, drvLink, err := d.getDriver(ctx); err != nil || drvLink == "" {
		if err != nil {
			return fmt.Errorf("%s: %w", failmsg, err)
		}
		return fmt.Errorf("%s\n%s", failmsg, d.newDmesg(ctx))
	}

	d.logger.Debug("bound device", "addr", addr, "driver", drvname, "host", d.ex.Hostname())
	return nil
}

// Unbind detaches the device from its current driver, verifies the
// detachment, and returns the name of the driver it was bound to, or
// "" if it was not bound.
func (d *PCIDevice) Unbind(ctx context.Context) (string, error) {
	addr := d.pciInfo.Addr

	drvname, drvPath, err := d.getDriver(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to unbind PCI device '%s'%s: %w", addr, d.ex.HostMsg(), err)
	}
	if drvname == "" {
		d.logger.Debug("device not bound to any driver", "addr", addr)
		return "", nil
	}

	d.logger.Debug("unbinding device", "addr", addr, "driver", drvname, "host", d.ex.Hostname())

	failmsg := fmt.Sprintf("failed to unbind PCI device '%s' from driver '%s'%s",
		addr, drvname, d.ex.HostMsg())

	if err := d.ex.WriteFile(ctx, drvPath+"/unbind", addr); err != nil {
		return "", fmt.Errorf("%s:\n%w\n%s", failmsg, err, d.newDmesg(ctx))
	}

	if curDriver, _, err := d.getDriver(ctx); err != nil {
		return "", fmt.Errorf("%s: %w", failmsg, err)
	} else if curDriver != "" {
		return "", fmt.Errorf("%s:\ndevice is still bound to driver '%s'\n%s",
			failmsg, curDriver, d.newDmesg(ctx))
	}

	d.logger.Debug("unbound device", "addr", addr, "driver", drvname, "host", d.ex.Hostname())
	return drvname, nil
}
