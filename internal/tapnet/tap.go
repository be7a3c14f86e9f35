// Package tapnet allocates one host TAP device per VM, assigns a
// deterministic subnet and MAC address, and tears the device down when
// the VM is destroyed (§4.H). Non-zero results from the underlying
// network operations are logged but never fatal: the TAP device may
// already exist from a previous run on the same index.
package tapnet

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// MaxDevices bounds how many TAP indices this process will allocate,
// matching the node's total_vm_slots ceiling in practice.
const MaxDevices = 256

var indices = newIndexPool(MaxDevices)

// Device describes one allocated TAP device.
type Device struct {
	Index     int
	Name      string
	HostAddr  string // e.g. "172.16.5.1/30"
	GuestAddr string // e.g. "172.16.5.2"
	MAC       net.HardwareAddr
}

// Allocate reserves the next free index and returns its deterministic
// addressing without touching the network stack; Create does that.
func Allocate() (Device, bool) {
	idx, ok := indices.acquire()
	if !ok {
		return Device{}, false
	}
	return deviceForIndex(idx), true
}

// Release returns idx to the free pool.
func Release(idx int) {
	indices.release(idx)
}

func deviceForIndex(k int) Device {
	return Device{
		Index:     k,
		Name:      fmt.Sprintf("tap%d", k),
		HostAddr:  fmt.Sprintf("172.16.%d.1/30", k),
		GuestAddr: fmt.Sprintf("172.16.%d.2", k),
		MAC:       macForIndex(k),
	}
}

// macForIndex builds AA:FC:00:00:XX:YY where XXYY is the little-endian
// 16-bit low half of k.
func macForIndex(k int) net.HardwareAddr {
	low := uint16(k)
	return net.HardwareAddr{0xAA, 0xFC, 0x00, 0x00, byte(low), byte(low >> 8)}
}

// Create brings up the host TAP device described by dev: creates the
// link, assigns its address and MAC, and brings it up.
func Create(dev Device) error {
	la := netlink.NewLinkAttrs()
	la.Name = dev.Name
	la.HardwareAddr = dev.MAC
	tap := &netlink.Tuntap{
		LinkAttrs: la,
		Mode:      netlink.TUNTAP_MODE_TAP,
	}

	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("tapnet: add link %s: %w", dev.Name, err)
	}

	addr, err := netlink.ParseAddr(dev.HostAddr)
	if err != nil {
		return fmt.Errorf("tapnet: parse addr %s: %w", dev.HostAddr, err)
	}
	if err := netlink.AddrAdd(tap, addr); err != nil {
		return fmt.Errorf("tapnet: assign addr to %s: %w", dev.Name, err)
	}

	if err := netlink.LinkSetUp(tap); err != nil {
		return fmt.Errorf("tapnet: bring up %s: %w", dev.Name, err)
	}

	return nil
}

// Destroy removes the TAP device link. Errors are non-fatal: the
// device may already be gone.
func Destroy(dev Device) error {
	link, err := netlink.LinkByName(dev.Name)
	if err != nil {
		return nil
	}
	if _, ok := link.(*netlink.Tuntap); !ok {
		return fmt.Errorf("tapnet: %s exists but is not a TAP device", dev.Name)
	}
	return netlink.LinkDel(link)
}
