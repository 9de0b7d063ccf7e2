// Package wult holds the shared vocabulary of the wult measurement
// substrate: the supported delayed-event device types, the kernel
// driver each type is measured with, and the error taxonomy.
//
// A delayed-event device is hardware that can fire an event at a
// precisely scheduled future time (a NIC sending a delayed packet, the
// TSC deadline timer, a Linux high-resolution timer). The measurement
// layers claim such a device, arm it, and observe via the kernel trace
// buffer when the event actually fired.
package wult

// DeviceType identifies a class of delayed-event device.
type DeviceType string

const (
	// DeviceTypeNIC is the Intel I210 family network card.
	DeviceTypeNIC DeviceType = "i210"
	// DeviceTypeTDT is the TSC deadline timer, a LAPIC feature of
	// modern Intel CPUs.
	DeviceTypeTDT DeviceType = "tdt"
	// DeviceTypeHRTimer is the Linux high-resolution timer subsystem.
	DeviceTypeHRTimer DeviceType = "hrtimer"
)

// DeviceTypes lists all supported device types, in scan order.
var DeviceTypes = []DeviceType{DeviceTypeTDT, DeviceTypeHRTimer, DeviceTypeNIC}

// DriverNames maps each device type to the wult kernel driver that
// measures it. The table is fixed at compile time; nothing registers
// drivers at run time.
var DriverNames = map[DeviceType]string{
	DeviceTypeNIC:     "wult_igb",
	DeviceTypeTDT:     "wult_tdt",
	DeviceTypeHRTimer: "wult_hrtimer",
}
