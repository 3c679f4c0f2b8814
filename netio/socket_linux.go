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
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/google/gopacket/afpacket"

	"github.com/timeplex/unisyncd/dscp"
	"github.com/timeplex/unisyncd/timestamp"
)

// Address families a SocketSpec can request.
const (
	familyINET  = unix.AF_INET
	familyINET6 = unix.AF_INET6
)

// ptpEtherType is the IEEE 1588 ethertype used by the layer-2 transport.
const ptpEtherType = 0x88F7

// ptpPrimaryMulticastMAC is the all-PTP-ports multicast MAC from IEEE 1588
// Annex F, used as the destination when the caller doesn't resolve one of
// its own.
var ptpPrimaryMulticastMAC = net.HardwareAddr{0x01, 0x1b, 0x19, 0x00, 0x00, 0x00}

const ethHeaderLen = 14

// socketKey identifies one of an Inventory's lazily-bound sockets.
type socketKey struct {
	iface  string
	layer2 bool
	family int
	port   uint16
	level  TimestampLevel
}

func keyOf(spec SocketSpec) socketKey {
	return socketKey{iface: spec.Interface, layer2: spec.Layer2, family: spec.Family, port: spec.Port, level: spec.Level}
}

// boundSocket is the common surface Recv/Send drive, whether the underlying
// transport is a UDP socket or a raw layer-2 socket.
type boundSocket interface {
	Fd() int
	RecvReady() (msg []byte, src net.Addr, ts time.Time, level TimestampLevel, err error)
	Send(buf []byte, dst net.Addr, wanted TimestampLevel) (time.Time, TimestampLevel, error)
	Close() error
}

func (inv *LinuxInventory) socketFor(spec SocketSpec) (boundSocket, error) {
	key := keyOf(spec)

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if s, ok := inv.sockets[key]; ok {
		return s, nil
	}

	var s boundSocket
	var err error
	if spec.Layer2 {
		s, err = bindLayer2Socket(spec)
	} else {
		s, err = bindUDPSocket(spec, inv.DSCP)
	}
	if err != nil {
		return nil, err
	}
	inv.sockets[key] = s
	return s, nil
}

// Recv polls every socket spec names, binding any not already bound, and
// dispatches each ready message to on. It returns once timeout elapses or
// every currently-ready socket has been drained once.
func (inv *LinuxInventory) Recv(specs []SocketSpec, timeout time.Duration, on OnMessage) (int, error) {
	if len(specs) == 0 {
		time.Sleep(timeout)
		return 0, nil
	}

	sockets := make([]boundSocket, 0, len(specs))
	pollFds := make([]unix.PollFd, 0, len(specs))
	for _, spec := range specs {
		s, err := inv.socketFor(spec)
		if err != nil {
			return 0, fmt.Errorf("binding %+v: %w", spec, err)
		}
		sockets = append(sockets, s)
		pollFds = append(pollFds, unix.PollFd{Fd: int32(s.Fd()), Events: unix.POLLIN})
	}

	n, err := unix.Poll(pollFds, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	dispatched := 0
	for i, pfd := range pollFds {
		if pfd.Revents&unix.POLLIN == 0 {
			continue
		}
		msg, src, ts, level, err := sockets[i].RecvReady()
		if err != nil {
			continue
		}
		on(msg, src, nil, level, ts)
		dispatched++
	}
	return dispatched, nil
}

// Send transmits buf from srcInterface to dst, binding the matching socket
// profile if necessary.
func (inv *LinuxInventory) Send(buf []byte, srcInterface string, dst net.Addr, level TimestampLevel) (time.Time, TimestampLevel, error) {
	spec := SocketSpec{Interface: srcInterface, Level: level}
	switch a := dst.(type) {
	case *net.UDPAddr:
		spec.Port = uint16(a.Port)
		if a.IP.To4() != nil {
			spec.Family = familyINET
		} else {
			spec.Family = familyINET6
		}
	default:
		spec.Layer2 = true
	}

	s, err := inv.socketFor(spec)
	if err != nil {
		return time.Time{}, LevelInvalid, fmt.Errorf("binding send socket on %q: %w", srcInterface, err)
	}
	return s.Send(buf, dst, level)
}

// udpSocket is a boundSocket backed by a UDP socket, optionally timestamped
// via SO_TIMESTAMPING.
type udpSocket struct {
	conn  *net.UDPConn
	fd    int
	level TimestampLevel
}

func bindUDPSocket(spec SocketSpec, dscpVal int) (*udpSocket, error) {
	network := "udp4"
	if spec.Family == familyINET6 {
		network = "udp6"
	}

	localIP, err := localBindAddress(spec)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP(network, &net.UDPAddr{IP: localIP, Port: int(spec.Port)})
	if err != nil {
		return nil, fmt.Errorf("binding %s:%d on %s: %w", network, spec.Port, spec.Interface, err)
	}

	fd, err := timestamp.ConnFd(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("getting fd for %s:%d: %w", network, spec.Port, err)
	}

	if err := dscp.Enable(fd, localIP, dscpVal); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting DSCP on %s:%d: %w", network, spec.Port, err)
	}

	switch spec.Level {
	case LevelHardware:
		if err := timestamp.EnableTimestamps(timestamp.HW, fd, spec.Interface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enabling hardware timestamps on %s:%d: %w", network, spec.Port, err)
		}
	case LevelSocket:
		if err := timestamp.EnableTimestamps(timestamp.SW, fd, spec.Interface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enabling software timestamps on %s:%d: %w", network, spec.Port, err)
		}
	}

	if err := unix.SetNonblock(fd, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting %s:%d blocking: %w", network, spec.Port, err)
	}

	return &udpSocket{conn: conn, fd: fd, level: spec.Level}, nil
}

// localBindAddress picks the address of spec.Interface matching spec.Family,
// falling back to the wildcard address so general-purpose listeners (no
// specific interface named) still bind.
func localBindAddress(spec SocketSpec) (net.IP, error) {
	if spec.Interface == "" {
		if spec.Family == familyINET6 {
			return net.IPv6zero, nil
		}
		return net.IPv4zero, nil
	}
	iface, err := net.InterfaceByName(spec.Interface)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %q: %w", spec.Interface, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("listing addresses on %q: %w", spec.Interface, err)
	}
	wantV4 := spec.Family != familyINET6
	for _, a := range addrs {
		ip := addrIPFromNet(a)
		if ip == nil {
			continue
		}
		if (ip.To4() != nil) == wantV4 {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("no address of requested family on %q", spec.Interface)
}

func (s *udpSocket) Fd() int { return s.fd }

func (s *udpSocket) RecvReady() ([]byte, net.Addr, time.Time, TimestampLevel, error) {
	if s.level == LevelUser {
		buf := make([]byte, timestamp.PayloadSizeBytes)
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, nil, time.Time{}, LevelInvalid, err
		}
		return buf[:n], addr, time.Now(), LevelUser, nil
	}

	buf, sa, ts, err := timestamp.ReadPacketWithRXTimestamp(s.fd)
	if err != nil {
		return nil, nil, time.Time{}, LevelInvalid, err
	}
	addr := &net.UDPAddr{IP: timestamp.SockaddrToIP(sa), Port: timestamp.SockaddrToPort(sa)}
	return buf, addr, ts, s.level, nil
}

func (s *udpSocket) Send(buf []byte, dst net.Addr, wanted TimestampLevel) (time.Time, TimestampLevel, error) {
	if _, err := s.conn.WriteTo(buf, dst); err != nil {
		return time.Time{}, LevelInvalid, fmt.Errorf("sending to %v: %w", dst, err)
	}
	if wanted == LevelUser || s.level == LevelUser {
		return time.Now(), LevelUser, nil
	}
	ts, _, err := timestamp.ReadTXtimestamp(s.fd)
	if err != nil {
		// Degrade rather than fail the send: the packet is already on the
		// wire, only the fidelity of its TX timestamp is in question.
		return time.Now(), LevelUser, nil
	}
	return ts, s.level, nil
}

func (s *udpSocket) Close() error { return s.conn.Close() }

// l2Socket is a boundSocket backed by a raw AF_PACKET socket, framing PTP
// payloads directly over Ethernet (ptpEtherType) rather than over UDP.
type l2Socket struct {
	tp    *afpacket.TPacket
	iface string
	srcMAC net.HardwareAddr
	level TimestampLevel
}

func bindLayer2Socket(spec SocketSpec) (*l2Socket, error) {
	iface, err := net.InterfaceByName(spec.Interface)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %q: %w", spec.Interface, err)
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(spec.Interface),
		afpacket.OptSocketType(afpacket.SocketRaw),
	)
	if err != nil {
		return nil, fmt.Errorf("opening raw socket on %q: %w", spec.Interface, err)
	}

	fd := tp.SocketFD()
	switch spec.Level {
	case LevelHardware:
		if err := timestamp.EnableTimestamps(timestamp.HW, fd, spec.Interface); err != nil {
			tp.Close()
			return nil, fmt.Errorf("enabling hardware timestamps on %q: %w", spec.Interface, err)
		}
	case LevelSocket:
		if err := timestamp.EnableTimestamps(timestamp.SW, fd, spec.Interface); err != nil {
			tp.Close()
			return nil, fmt.Errorf("enabling software timestamps on %q: %w", spec.Interface, err)
		}
	}

	return &l2Socket{tp: tp, iface: spec.Interface, srcMAC: iface.HardwareAddr, level: spec.Level}, nil
}

func (s *l2Socket) Fd() int { return s.tp.SocketFD() }

func (s *l2Socket) RecvReady() ([]byte, net.Addr, time.Time, TimestampLevel, error) {
	data, ci, err := s.tp.ReadPacketData()
	if err != nil {
		return nil, nil, time.Time{}, LevelInvalid, err
	}
	if len(data) < ethHeaderLen {
		return nil, nil, time.Time{}, LevelInvalid, fmt.Errorf("short layer-2 frame on %q", s.iface)
	}
	src := net.HardwareAddr(append([]byte(nil), data[6:12]...))
	return data[ethHeaderLen:], macAddr{src}, ci.Timestamp, s.level, nil
}

func (s *l2Socket) Send(buf []byte, dst net.Addr, _ TimestampLevel) (time.Time, TimestampLevel, error) {
	dstMAC := ptpPrimaryMulticastMAC
	if m, ok := dst.(macAddr); ok {
		dstMAC = m.mac
	}

	frame := make([]byte, ethHeaderLen+len(buf))
	copy(frame[0:6], dstMAC)
	copy(frame[6:12], s.srcMAC)
	frame[12] = byte(ptpEtherType >> 8)
	frame[13] = byte(ptpEtherType & 0xFF)
	copy(frame[ethHeaderLen:], buf)

	if err := s.tp.WritePacketData(frame); err != nil {
		return time.Time{}, LevelInvalid, fmt.Errorf("sending layer-2 frame on %q: %w", s.iface, err)
	}

	if s.level == LevelHardware || s.level == LevelSocket {
		if ts, _, err := timestamp.ReadTXtimestamp(s.tp.SocketFD()); err == nil {
			return ts, s.level, nil
		}
	}
	return time.Now(), LevelUser, nil
}

func (s *l2Socket) Close() error {
	s.tp.Close()
	return nil
}

// macAddr is a net.Addr over a raw hardware address, used as the Recv/Send
// peer identity on the layer-2 transport where there is no IP to key by.
type macAddr struct {
	mac net.HardwareAddr
}

func (m macAddr) Network() string { return "ptp-l2" }
func (m macAddr) String() string  { return m.mac.String() }
