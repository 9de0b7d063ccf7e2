package devices_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedekind/wult"
	"github.com/dedekind/wult/devices"
	"github.com/dedekind/wult/host/hosttest"
)

const (
	testAddr    = "0000:01:00.0"
	testDevPath = "/sys/bus/pci/devices/" + testAddr
	igbDrvPath  = "/sys/bus/pci/drivers/wult_igb"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// nicFake builds a host with one I210 NIC at testAddr, bound to
// boundDriver when non-empty, and the wult_igb driver loaded.
func nicFake(boundDriver string) *hosttest.Fake {
	fake := hosttest.New()
	fake.AddSysfsDevice(testAddr, "8086", "1533", boundDriver)
	fake.Dirs[igbDrvPath] = []string{"bind", "unbind", "new_id"}
	fake.Responses["dmesg"] = hosttest.Response{Stdout: "[1.0] boot\n"}
	return fake
}

func TestProbeTDT(t *testing.T) {
	fake := hosttest.New()
	fake.Files["/sys/devices/system/clockevents/clockevent3/current_device"] = "lapic-deadline\n"

	dev, err := devices.Probe(context.Background(), fake, "tdt", 3, devices.Options{}, discard())
	require.NoError(t, err)
	defer dev.Close()

	info := dev.Info()
	assert.Equal(t, "tdt", info.DevID)
	assert.Equal(t, "tsc-deadline-timer", info.Alias)
	assert.Equal(t, "TSC deadline timer", info.Descr)
	assert.Equal(t, "wult_tdt", dev.DriverName())
}

func TestProbeTDTAlias(t *testing.T) {
	fake := hosttest.New()
	fake.Files["/sys/devices/system/clockevents/clockevent0/current_device"] = "lapic-deadline\n"

	dev, err := devices.Probe(context.Background(), fake, "tsc-deadline-timer", 0,
		devices.Options{}, discard())
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, "tdt", dev.Info().DevID)
}

func TestProbeTDTWrongClockeventDevice(t *testing.T) {
	fake := hosttest.New()
	fake.Files["/sys/devices/system/clockevents/clockevent0/current_device"] = "lapic\n"

	_, err := devices.Probe(context.Background(), fake, "tdt", 0, devices.Options{}, discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, wult.ErrNotSupported)
	assert.Contains(t, err.Error(), "lapic-deadline")
}

func TestProbeHRTimer(t *testing.T) {
	fake := hosttest.New()

	for _, id := range []string{"hrtimer", "hrt"} {
		dev, err := devices.Probe(context.Background(), fake, id, 0, devices.Options{}, discard())
		require.NoError(t, err, id)
		info := dev.Info()
		assert.Equal(t, "hrtimer", info.DevID)
		assert.Equal(t, "hrt", info.Alias)
		assert.Equal(t, "wult_hrtimer", dev.DriverName())
		dev.Close()
	}
}

func TestTimerBindUnbindAreNoOps(t *testing.T) {
	fake := hosttest.New()

	dev, err := devices.Probe(context.Background(), fake, "hrtimer", 0, devices.Options{}, discard())
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.Bind(context.Background(), dev.DriverName()))
	prior, err := dev.Unbind(context.Background())
	require.NoError(t, err)
	assert.Empty(t, prior)
	assert.Empty(t, fake.Written)
}

func TestProbeUnknownIdentifier(t *testing.T) {
	fake := hosttest.New()

	_, err := devices.Probe(context.Background(), fake, "no-such-device", 0,
		devices.Options{}, discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, wult.ErrNotSupported)
	assert.Contains(t, err.Error(), "no-such-device")
}

func TestProbeUnsupportedPCIID(t *testing.T) {
	fake := hosttest.New()
	// An e1000e NIC: present, but not an I210.
	fake.AddSysfsDevice(testAddr, "8086", "15b8", "")

	_, err := devices.Probe(context.Background(), fake, testAddr, 0, devices.Options{}, discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, wult.ErrNotSupported)
	assert.Contains(t, err.Error(), "supported PCI IDs")
}

func TestProbeNICByAddress(t *testing.T) {
	fake := nicFake("")

	dev, err := devices.Probe(context.Background(), fake, testAddr, 0, devices.Options{}, discard())
	require.NoError(t, err)
	defer dev.Close()

	info := dev.Info()
	assert.Equal(t, testAddr, info.DevID)
	assert.Equal(t, "Intel I210", info.Name)
	assert.Contains(t, info.Descr, "Intel I210 (copper)")
	assert.Contains(t, info.Descr, testAddr)
}

func addInterface(fake *hosttest.Fake, ifname, state string) {
	fake.Dirs["/sys/class/net/"+ifname] = []string{"operstate", "device"}
	fake.Files["/sys/class/net/"+ifname+"/operstate"] = state + "\n"
	fake.Links["/sys/class/net/"+ifname+"/device"] = testDevPath
}

func TestProbeNICRefusesUpInterface(t *testing.T) {
	fake := nicFake("")
	addInterface(fake, "eth0", "up")

	_, err := devices.Probe(context.Background(), fake, "eth0", 0, devices.Options{}, discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to use device 'eth0'")
	assert.Contains(t, err.Error(), "bring it down")
}

func TestProbeNICForceBypassesUpCheck(t *testing.T) {
	fake := nicFake("")
	addInterface(fake, "eth0", "up")

	dev, err := devices.Probe(context.Background(), fake, "eth0", 0,
		devices.Options{Force: true}, discard())
	require.NoError(t, err)
	defer dev.Close()

	info := dev.Info()
	assert.Equal(t, testAddr, info.DevID)
	assert.Equal(t, "eth0", info.Alias)
}

func TestProbeNICDownInterface(t *testing.T) {
	fake := nicFake("")
	addInterface(fake, "eth0", "down")

	dev, err := devices.Probe(context.Background(), fake, "eth0", 0, devices.Options{}, discard())
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, testAddr, dev.Info().DevID)
}

func probeNIC(t *testing.T, fake *hosttest.Fake, opts devices.Options) devices.Device {
	t.Helper()
	dev, err := devices.Probe(context.Background(), fake, testAddr, 0, opts, discard())
	require.NoError(t, err)
	t.Cleanup(dev.Close)
	return dev
}

func TestBindViaNewID(t *testing.T) {
	fake := nicFake("")
	fake.OnWrite = func(path, data string) {
		if path == igbDrvPath+"/new_id" {
			fake.Links[testDevPath+"/driver"] = igbDrvPath
		}
	}
	dev := probeNIC(t, fake, devices.Options{})

	require.NoError(t, dev.Bind(context.Background(), "wult_igb"))
	assert.Contains(t, fake.Written, igbDrvPath+"/new_id=8086 1533")
}

func TestBindFallsBackToBindFile(t *testing.T) {
	fake := nicFake("")
	fake.WriteErrs[igbDrvPath+"/new_id"] = assert.AnError
	fake.OnWrite = func(path, data string) {
		if path == igbDrvPath+"/bind" {
			fake.Links[testDevPath+"/driver"] = igbDrvPath
		}
	}
	dev := probeNIC(t, fake, devices.Options{})

	require.NoError(t, dev.Bind(context.Background(), "wult_igb"))
	assert.Contains(t, fake.Written, igbDrvPath+"/bind="+testAddr)
}

func TestBindIdempotent(t *testing.T) {
	fake := nicFake("")
	fake.OnWrite = func(path, data string) {
		if path == igbDrvPath+"/new_id" {
			fake.Links[testDevPath+"/driver"] = igbDrvPath
		}
	}
	dev := probeNIC(t, fake, devices.Options{})

	require.NoError(t, dev.Bind(context.Background(), "wult_igb"))
	writes := len(fake.Written)

	// Second bind must observe the existing binding and do nothing.
	require.NoError(t, dev.Bind(context.Background(), "wult_igb"))
	assert.Equal(t, writes, len(fake.Written))
}

func TestBindConflict(t *testing.T) {
	fake := nicFake("igb")
	dev := probeNIC(t, fake, devices.Options{})

	err := dev.Bind(context.Background(), "wult_igb")
	require.Error(t, err)
	assert.ErrorIs(t, err, wult.ErrConflict)
	assert.Contains(t, err.Error(), "already bound to driver 'igb'")
	assert.Empty(t, fake.Written, "a conflicting bind must not touch sysfs")
}

func TestBindDriverNotLoaded(t *testing.T) {
	fake := hosttest.New()
	fake.AddSysfsDevice(testAddr, "8086", "1533", "")
	dev := probeNIC(t, fake, devices.Options{})

	err := dev.Bind(context.Background(), "wult_igb")
	require.Error(t, err)
	assert.ErrorIs(t, err, wult.ErrNotFound)
	assert.Contains(t, err.Error(), igbDrvPath)
}

func TestBindVerificationFailureIncludesDmesg(t *testing.T) {
	fake := nicFake("")
	dev := probeNIC(t, fake, devices.Options{Dmesg: true})

	// The new_id write "succeeds" but no driver link ever appears,
	// and the kernel log explains why.
	fake.Responses["dmesg"] = hosttest.Response{
		Stdout: "[1.0] boot\n[9.0] wult_igb 0000:01:00.0: firmware missing\n",
	}

	err := dev.Bind(context.Background(), "wult_igb")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to bind device")
	assert.Contains(t, err.Error(), "firmware missing")
}

func TestUnbind(t *testing.T) {
	fake := nicFake("igb")
	fake.OnWrite = func(path, data string) {
		if path == "/sys/bus/pci/drivers/igb/unbind" {
			delete(fake.Links, testDevPath+"/driver")
		}
	}
	dev := probeNIC(t, fake, devices.Options{})

	prior, err := dev.Unbind(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "igb", prior)
	assert.Contains(t, fake.Written, "/sys/bus/pci/drivers/igb/unbind="+testAddr)
}

func TestUnbindWithoutDriver(t *testing.T) {
	fake := nicFake("")
	dev := probeNIC(t, fake, devices.Options{})

	prior, err := dev.Unbind(context.Background())
	require.NoError(t, err)
	assert.Empty(t, prior)
	assert.Empty(t, fake.Written)
}

func TestUnbindVerificationFailure(t *testing.T) {
	// The unbind write lands but the driver link stays: the kernel
	// refused. That must be an error, not assumed success.
	fake := nicFake("igb")
	dev := probeNIC(t, fake, devices.Options{})

	_, err := dev.Unbind(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still bound")
}

func TestBindThenUnbindRestoresUnboundState(t *testing.T) {
	fake := nicFake("")
	fake.OnWrite = func(path, data string) {
		switch path {
		case igbDrvPath + "/new_id":
			fake.Links[testDevPath+"/driver"] = igbDrvPath
		case igbDrvPath + "/unbind":
			delete(fake.Links, testDevPath+"/driver")
		}
	}
	dev := probeNIC(t, fake, devices.Options{})

	require.NoError(t, dev.Bind(context.Background(), "wult_igb"))
	prior, err := dev.Unbind(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wult_igb", prior)

	// A second unbind sees no driver: the state really is back to
	// unbound.
	prior, err = dev.Unbind(context.Background())
	require.NoError(t, err)
	assert.Empty(t, prior)
}

func TestScan(t *testing.T) {
	fake := nicFake("igb")
	fake.Files["/sys/devices/system/clockevents/clockevent0/current_device"] = "lapic-deadline\n"
	fake.Responses["lspci -D -n"] = hosttest.Response{
		Stdout: testAddr + " 0200: 8086:1533 (rev 03)\n" +
			"0000:00:1f.6 0200: 8086:15b8 (rev 10)\n",
	}
	fake.Dirs[testDevPath+"/net"] = []string{"eth0"}

	entries, err := devices.Scan(context.Background(), fake, nil, discard())
	require.NoError(t, err)

	require.Len(t, entries, 3)
	assert.Equal(t, "tdt", entries[0].DevID)
	assert.Equal(t, "hrtimer", entries[1].DevID)
	assert.Equal(t, testAddr, entries[2].DevID)
	assert.Equal(t, "eth0", entries[2].Alias)
	assert.Contains(t, entries[2].Descr, "Intel I210 (copper)")

	assert.Empty(t, fake.Written, "scan must never touch bind state")
}

func TestScanSkipsUnavailableCandidates(t *testing.T) {
	fake := hosttest.New()
	// No TDT (wrong clockevent device), no NICs on the bus.
	fake.Files["/sys/devices/system/clockevents/clockevent0/current_device"] = "hpet\n"
	fake.Responses["lspci -D -n"] = hosttest.Response{Stdout: "0000:00:1f.6 0200: 8086:15b8\n"}

	entries, err := devices.Scan(context.Background(), fake, nil, discard())
	require.NoError(t, err)

	require.Len(t, entries, 1)
	assert.Equal(t, "hrtimer", entries[0].DevID)
}

func TestScanDeviceTypeFilter(t *testing.T) {
	fake := hosttest.New()
	fake.Files["/sys/devices/system/clockevents/clockevent0/current_device"] = "lapic-deadline\n"

	entries, err := devices.Scan(context.Background(), fake,
		[]wult.DeviceType{wult.DeviceTypeTDT}, discard())
	require.NoError(t, err)

	require.Len(t, entries, 1)
	assert.Equal(t, "tdt", entries[0].DevID)
	for _, cmd := range fake.RunLog {
		assert.False(t, strings.HasPrefix(cmd, "lspci"), "NIC scan must be skipped")
	}
}
