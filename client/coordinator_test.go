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

package client

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timeplex/unisyncd/adjust"
	"github.com/timeplex/unisyncd/client/calc"
	"github.com/timeplex/unisyncd/client/filter"
	"github.com/timeplex/unisyncd/client/worker"
	"github.com/timeplex/unisyncd/netio"
	ptp "github.com/timeplex/unisyncd/protocol"
	"github.com/timeplex/unisyncd/selector"
)

type sentFrame struct {
	buf   []byte
	iface string
	dst   net.Addr
}

type fakeInventory struct {
	sent []sentFrame
}

func (f *fakeInventory) HasInterface(string) bool { return true }
func (f *fakeInventory) HasAddress(string, net.IP) bool { return true }
func (f *fakeInventory) FamilyAddress(string, int) (net.IP, error) { return nil, fmt.Errorf("unused") }
func (f *fakeInventory) InterfacePHCInfo(string) (netio.PHCInfo, error) { return netio.PHCInfo{}, nil }
func (f *fakeInventory) InterfacePTPClockID(string) (ptp.ClockIdentity, error) { return 0, nil }
func (f *fakeInventory) PHCClockIDByName(string) (ptp.ClockIdentity, error) { return 0, nil }
func (f *fakeInventory) Recv([]netio.SocketSpec, time.Duration, netio.OnMessage) (int, error) {
	return 0, nil
}

func (f *fakeInventory) Send(buf []byte, srcInterface string, dst net.Addr, level netio.TimestampLevel) (time.Time, netio.TimestampLevel, error) {
	cp := append([]byte(nil), buf...)
	f.sent = append(f.sent, sentFrame{buf: cp, iface: srcInterface, dst: dst})
	return time.Unix(100, int64(len(f.sent))), level, nil
}

type fakeAdjuster struct {
	calls [][]adjust.Source
}

func (a *fakeAdjuster) Apply(selected []adjust.Source) error {
	a.calls = append(a.calls, selected)
	return nil
}

const targetClock = ptp.ClockIdentity(0xAABBCCDDEEFF0011)

func newTestWorker(dst net.Addr) *worker.Worker {
	return worker.New(worker.Config{
		ClockIdentity: targetClock,
		SrcInterface:  "eth0",
		DstAddress:    dst,
		Interval:      0, // 1s
		Timeout:       time.Second,
		Level:         netio.LevelHardware,
		StateInterval: 0x7f,
		FilterChain:   filter.NewChain(),
		Calculator:    calc.NewPassThrough(0),
	})
}

// deliverSync drives one full Sync+Follow-Up/Response exchange for w through
// the Coordinator's HandleResponse path, as if a server.Coordinator had
// re-dispatched both frames.
func deliverSync(t *testing.T, c *Coordinator, w *worker.Worker, src net.Addr, offset time.Duration) {
	t.Helper()

	h, reqTLV, seqID := w.BuildRequest()
	issuedAt := time.Now()
	_, err := ptp.EncodeMessage(h, reqTLV)
	require.NoError(t, err)
	w.OnSent(seqID, issuedAt, netio.LevelHardware, issuedAt, reqTLV.Header.HasServerState())

	t2 := issuedAt.Add(offset + 10*time.Millisecond)
	resp := ptp.NewResponseTLV(ptp.NewTimestamp(t2), 0, 0, nil)
	respHeader := ptp.Header{
		SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageSync, 0),
		Version:            ptp.FixedVersion,
		DomainNumber:       ptp.FixedDomainNumber,
		FlagField:          ptp.FlagUnicast | ptp.FlagTwoStep,
		SourcePortIdentity: ptp.PortIdentity{ClockIdentity: targetClock, PortNumber: 1},
		SequenceID:         seqID,
		LogMessageInterval: ptp.ResponseLogInterval,
	}
	syncMsg, err := ptp.EncodeMessage(respHeader, resp)
	require.NoError(t, err)
	c.HandleResponse(syncMsg, src, nil, netio.LevelHardware, issuedAt.Add(offset+20*time.Millisecond))

	fuHeader := respHeader
	fuHeader.SdoIDAndMsgType = ptp.NewSdoIDAndMsgType(ptp.MessageFollowUp, 0)
	fuHeader.OriginTimestamp = ptp.NewTimestamp(issuedAt.Add(offset))
	fuMsg, err := ptp.EncodeMessage(fuHeader, resp)
	require.NoError(t, err)
	c.HandleResponse(fuMsg, src, nil, netio.LevelHardware, issuedAt.Add(offset+20*time.Millisecond))
}

func TestHandleResponseRoutesToMatchingWorker(t *testing.T) {
	dst := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 319}
	inv := &fakeInventory{}
	adj := &fakeAdjuster{}
	c := NewCoordinator(inv, selector.Config{TargetClockID: targetClock}, adj)

	w := newTestWorker(dst)
	c.AddWorker(w)

	require.Equal(t, worker.StateInitializing, w.State())
	deliverSync(t, c, w, dst, 0)
	require.Equal(t, worker.StateCollecting, w.State())
	require.False(t, w.AdjustmentPending())

	deliverSync(t, c, w, dst, 0)
	require.Equal(t, worker.StateReady, w.State())
	require.True(t, w.AdjustmentPending())
}

func TestHandleResponseIgnoresUnknownPeer(t *testing.T) {
	dst := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 319}
	other := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 319}
	inv := &fakeInventory{}
	c := NewCoordinator(inv, selector.Config{TargetClockID: targetClock}, &fakeAdjuster{})
	w := newTestWorker(dst)
	c.AddWorker(w)

	deliverSync(t, c, w, other, 0)
	require.Equal(t, worker.StateInitializing, w.State())
}

func TestSelectAndAdjustAppliesOnceReady(t *testing.T) {
	dst := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 319}
	inv := &fakeInventory{}
	adj := &fakeAdjuster{}
	c := NewCoordinator(inv, selector.Config{TargetClockID: targetClock}, adj)
	w := newTestWorker(dst)
	c.AddWorker(w)

	deliverSync(t, c, w, dst, 0)
	deliverSync(t, c, w, dst, 5*time.Millisecond)
	require.True(t, w.AdjustmentPending())

	c.selectAndAdjust()
	require.Len(t, adj.calls, 1)
	require.Equal(t, worker.StateSelected, w.State())
}

func TestSendEncodesAndRecordsDeparture(t *testing.T) {
	dst := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 319}
	inv := &fakeInventory{}
	c := NewCoordinator(inv, selector.Config{TargetClockID: targetClock}, &fakeAdjuster{})
	w := newTestWorker(dst)

	require.NoError(t, c.send(w))
	require.Len(t, inv.sent, 1)
	require.Equal(t, "eth0", inv.sent[0].iface)
	require.Equal(t, dst, inv.sent[0].dst)

	h, err := ptp.DecodeHeader(inv.sent[0].buf)
	require.NoError(t, err)
	require.Equal(t, ptp.MessageSync, h.MessageType())
	require.Equal(t, uint16(1), h.SequenceID)
}
