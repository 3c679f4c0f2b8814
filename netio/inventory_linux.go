/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package netio defines, and on Linux implements, the external I/O
// collaborators unisyncd's core synchronization pipeline is built against:
// packet send/receive, interface and PHC discovery, and clock adjustment.
package netio

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	ptp "github.com/timeplex/unisyncd/protocol"

	"github.com/timeplex/unisyncd/phc"
)

// LinuxInventory implements Inventory against the host's network interfaces,
// PHC devices, and raw/UDP sockets.
type LinuxInventory struct {
	// DSCP is the Differentiated Services Code Point applied to every UDP
	// event/general socket this Inventory binds.
	DSCP int

	mu      sync.Mutex
	sockets map[socketKey]boundSocket
}

// NewInventory returns an Inventory backed by the host kernel. The returned
// value owns whatever sockets it binds in Recv/Send and must be Closed when
// the caller is done with it. dscp is applied to every UDP socket bound.
func NewInventory(dscp int) *LinuxInventory {
	return &LinuxInventory{DSCP: dscp, sockets: make(map[socketKey]boundSocket)}
}

// Close releases every socket this Inventory has bound.
func (inv *LinuxInventory) Close() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var firstErr error
	for k, s := range inv.sockets {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(inv.sockets, k)
	}
	return firstErr
}

// HasInterface reports whether name is a known network interface.
func (inv *LinuxInventory) HasInterface(name string) bool {
	_, err := net.InterfaceByName(name)
	return err == nil
}

// HasAddress reports whether addr is currently assigned to name, the same
// check responder/server's checkIP performs before mutating an interface's
// address set.
func (inv *LinuxInventory) HasAddress(name string, addr net.IP) bool {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return false
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ip := addrIPFromNet(a); ip != nil && ip.Equal(addr) {
			return true
		}
	}
	return false
}

// FamilyAddress returns the first address of the given family (unix.AF_INET
// or unix.AF_INET6) assigned to name.
func (inv *LinuxInventory) FamilyAddress(name string, family int) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %q: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("listing addresses on %q: %w", name, err)
	}
	wantV4 := family == familyINET
	for _, a := range addrs {
		ip := addrIPFromNet(a)
		if ip == nil {
			continue
		}
		if (ip.To4() != nil) == wantV4 {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("no address of requested family on %q", name)
}

// InterfacePHCInfo reports the PHC device backing name, if any.
func (inv *LinuxInventory) InterfacePHCInfo(name string) (PHCInfo, error) {
	tsinfo, err := phc.IfaceInfo(name)
	if err != nil {
		return PHCInfo{}, fmt.Errorf("reading ethtool timestamping info for %q: %w", name, err)
	}
	if tsinfo.PHCIndex < 0 {
		return PHCInfo{HasPHC: false}, nil
	}
	clockID, err := inv.InterfacePTPClockID(name)
	if err != nil {
		return PHCInfo{}, err
	}
	return PHCInfo{ClockID: clockID, DeviceIdx: int(tsinfo.PHCIndex), HasPHC: true}, nil
}

// InterfacePTPClockID derives a ClockIdentity from name's MAC address.
func (inv *LinuxInventory) InterfacePTPClockID(name string) (ptp.ClockIdentity, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("looking up interface %q: %w", name, err)
	}
	id, err := ptp.NewClockIdentity(iface.HardwareAddr)
	if err != nil {
		return 0, fmt.Errorf("deriving clock identity for %q: %w", name, err)
	}
	return id, nil
}

// PHCClockIDByName derives the ClockIdentity of the interface a PHC device
// path (e.g. "/dev/ptp0") belongs to.
func (inv *LinuxInventory) PHCClockIDByName(device string) (ptp.ClockIdentity, error) {
	idx, err := phcDeviceIndex(device)
	if err != nil {
		return 0, err
	}
	ifaces, err := phc.IfacesInfo()
	if err != nil {
		return 0, fmt.Errorf("listing interfaces: %w", err)
	}
	for _, d := range ifaces {
		if int(d.TSInfo.PHCIndex) == idx {
			id, err := ptp.NewClockIdentity(d.Iface.HardwareAddr)
			if err != nil {
				return 0, fmt.Errorf("deriving clock identity for %q: %w", d.Iface.Name, err)
			}
			return id, nil
		}
	}
	return 0, fmt.Errorf("no interface backed by %q", device)
}

// phcDeviceIndex extracts N out of "/dev/ptpN".
func phcDeviceIndex(device string) (int, error) {
	base := device[strings.LastIndex(device, "ptp")+len("ptp"):]
	idx, err := strconv.Atoi(base)
	if err != nil {
		return 0, fmt.Errorf("parsing PHC device index out of %q: %w", device, err)
	}
	return idx, nil
}

func addrIPFromNet(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		return nil
	}
}
