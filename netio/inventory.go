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

package netio

import (
	"net"
	"time"

	ptp "github.com/timeplex/unisyncd/protocol"
)

// PHCInfo describes the physical hardware clock, if any, backing an interface.
type PHCInfo struct {
	ClockID   ptp.ClockIdentity
	DeviceIdx int // index into /dev/ptpN
	HasPHC    bool
}

// SocketSpec names one of the five socket profiles a Listener binds:
// layer-2, IPv4-event, IPv4-general, IPv6-event, IPv6-general.
type SocketSpec struct {
	Interface string
	Layer2    bool
	Family    int // unix.AF_INET, unix.AF_INET6; ignored when Layer2
	Port      uint16
	Level     TimestampLevel
}

// OnMessage is invoked by Inventory.Recv for every accepted message.
type OnMessage func(msg []byte, src, dst net.Addr, level TimestampLevel, ts time.Time)

// Inventory abstracts the OS-level plumbing unisyncd's core never performs
// directly: interface/address discovery, PHC lookups, and raw packet I/O.
type Inventory interface {
	HasInterface(name string) bool
	HasAddress(name string, addr net.IP) bool
	FamilyAddress(name string, family int) (net.IP, error)
	InterfacePHCInfo(name string) (PHCInfo, error)
	InterfacePTPClockID(name string) (ptp.ClockIdentity, error)
	PHCClockIDByName(device string) (ptp.ClockIdentity, error)

	// Recv blocks up to timeout waiting on the given socket profiles,
	// invoking on for every dispatched message, and returns how many were
	// dispatched.
	Recv(specs []SocketSpec, timeout time.Duration, on OnMessage) (int, error)

	// Send transmits buf from srcInterface to dst, requesting level as the
	// desired transmit-timestamp fidelity, and returns the timestamp the
	// send path actually achieved (which may be degraded below level).
	Send(buf []byte, srcInterface string, dst net.Addr, level TimestampLevel) (time.Time, TimestampLevel, error)
}

// ClockAPI abstracts clock-adjustment syscalls (clock_gettime/settime/adjtime
// and their PHC equivalents) behind a per-clock handle.
type ClockAPI interface {
	// Name identifies the clock this handle controls, e.g. CLOCK_REALTIME
	// or a PHC device path.
	Name() string
	GetTime() (time.Time, error)
	SetTime(t time.Time) error
	// AdjustOffset steps or slews the clock by offset, depending on
	// implementation-specific thresholds.
	AdjustOffset(offset time.Duration) error
	// Frequency returns the clock's current frequency offset in
	// parts-per-billion.
	Frequency() (float64, error)
	// AdjustFrequency sets the clock's frequency offset in parts-per-billion.
	AdjustFrequency(ppb float64) error
}
