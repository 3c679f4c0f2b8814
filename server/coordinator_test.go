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

package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timeplex/unisyncd/netio"
	ptp "github.com/timeplex/unisyncd/protocol"
)

type sentFrame struct {
	buf   []byte
	iface string
	dst   net.Addr
	level netio.TimestampLevel
}

// sendRecorder wraps fakeInventory, recording every Send call and letting a
// test dictate the achieved level of each send in order, simulating the
// server's actual transmit path degrading below what was requested.
type sendRecorder struct {
	*fakeInventory
	sent   []sentFrame
	levels []netio.TimestampLevel // achieved level per call, in order; reused past the end
}

func (r *sendRecorder) Send(buf []byte, srcInterface string, dst net.Addr, level netio.TimestampLevel) (time.Time, netio.TimestampLevel, error) {
	got := level
	if len(r.levels) > len(r.sent) {
		got = r.levels[len(r.sent)]
	}
	r.sent = append(r.sent, sentFrame{buf: buf, iface: srcInterface, dst: dst, level: got})
	return time.Unix(500, int64(len(r.sent))), got, nil
}

func buildSync(seqID uint16, twoStep bool, tlv *ptp.RequestTLV) []byte {
	h := ptp.Header{
		SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageSync, 0),
		Version:            ptp.FixedVersion,
		DomainNumber:       ptp.FixedDomainNumber,
		FlagField:          ptp.FlagUnicast,
		SourcePortIdentity: ptp.PortIdentity{ClockIdentity: ptp.ClockIdentity(42), PortNumber: 1},
		SequenceID:         seqID,
	}
	if twoStep {
		h.FlagField |= ptp.FlagTwoStep
	}
	var body ptp.TLV
	if tlv != nil {
		body = tlv
	}
	b, err := ptp.EncodeMessage(h, body)
	if err != nil {
		panic(err)
	}
	return b
}

func buildFollowUp(seqID uint16, tlv *ptp.RequestTLV) []byte {
	h := ptp.Header{
		SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageFollowUp, 0),
		Version:            ptp.FixedVersion,
		DomainNumber:       ptp.FixedDomainNumber,
		FlagField:          ptp.FlagUnicast,
		SourcePortIdentity: ptp.PortIdentity{ClockIdentity: ptp.ClockIdentity(42), PortNumber: 1},
		SequenceID:         seqID,
	}
	var body ptp.TLV
	if tlv != nil {
		body = tlv
	}
	b, err := ptp.EncodeMessage(h, body)
	if err != nil {
		panic(err)
	}
	return b
}

func newTestCoordinator(rec *sendRecorder) *Coordinator {
	return &Coordinator{
		Table:         NewTable(),
		Synth:         &Synthesizer{Inventory: rec, State: staticState{ptp.ServerStateDS{StepsRemoved: 1}}},
		Inventory:     rec,
		Interfaces:    []string{"eth0"},
		ClockIdentity: ptp.ClockIdentity(1),
	}
}

func TestCoordinatorTwoStepRoundTripSendsSyncThenFollowUp(t *testing.T) {
	inv := &fakeInventory{addrs: map[string][]net.IP{"eth0": {net.ParseIP("10.0.0.2")}}}
	rec := &sendRecorder{fakeInventory: inv}
	c := newTestCoordinator(rec)

	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 319}
	dst := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 319}

	c.HandleMessage(buildSync(55, true, ptp.NewRequestTLV(false)), src, dst, netio.LevelHardware, time.Unix(100, 0))
	require.Equal(t, 1, c.Table.Outstanding())

	c.HandleMessage(buildFollowUp(55, nil), src, dst, netio.LevelInvalid, time.Time{})
	require.Equal(t, 0, c.Table.Outstanding())
	require.Len(t, rec.sent, 2)
}

func TestCoordinatorMarksTxTimestampInvalidOnDegradation(t *testing.T) {
	inv := &fakeInventory{addrs: map[string][]net.IP{"eth0": {net.ParseIP("10.0.0.2")}}}
	// Sync transmits at socket level though hardware was requested.
	rec := &sendRecorder{fakeInventory: inv, levels: []netio.TimestampLevel{netio.LevelSocket}}
	c := newTestCoordinator(rec)

	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 319}
	dst := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 319}

	// Request TLV rides the Follow-Up this time, so the Response TLV does too,
	// and can carry the degradation flag once the Sync's tx level is known.
	c.HandleMessage(buildSync(77, true, nil), src, dst, netio.LevelHardware, time.Unix(100, 0))
	c.HandleMessage(buildFollowUp(77, ptp.NewRequestTLV(false)), src, dst, netio.LevelInvalid, time.Time{})

	require.Len(t, rec.sent, 2)
	_, tlv, err := ptp.DecodeResponse(rec.sent[1].buf)
	require.NoError(t, err)
	require.NotZero(t, tlv.Error&ptp.ErrorTxTimestampInvalid)
}

func TestCoordinatorOneStepSendsOnlySync(t *testing.T) {
	inv := &fakeInventory{addrs: map[string][]net.IP{"eth0": {net.ParseIP("10.0.0.2")}}}
	rec := &sendRecorder{fakeInventory: inv}
	c := newTestCoordinator(rec)

	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 319}
	dst := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 319}

	c.HandleMessage(buildSync(1, false, ptp.NewRequestTLV(false)), src, dst, netio.LevelHardware, time.Unix(100, 0))
	require.Len(t, rec.sent, 1)
}

func TestCoordinatorRedispatchesResponseFrames(t *testing.T) {
	inv := &fakeInventory{addrs: map[string][]net.IP{"eth0": {net.ParseIP("10.0.0.2")}}}
	rec := &sendRecorder{fakeInventory: inv}
	c := newTestCoordinator(rec)

	var gotResponse bool
	c.OnClientResponse = func(msg []byte, src, dst net.Addr, level netio.TimestampLevel, ts time.Time) {
		gotResponse = true
	}

	h := ptp.Header{
		SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageSync, 0),
		Version:            ptp.FixedVersion,
		DomainNumber:       ptp.FixedDomainNumber,
		FlagField:          ptp.FlagUnicast,
		SourcePortIdentity: ptp.PortIdentity{ClockIdentity: ptp.ClockIdentity(9), PortNumber: 1},
		SequenceID:         3,
		LogMessageInterval: ptp.ResponseLogInterval,
	}
	respTLV := ptp.NewResponseTLV(ptp.NewTimestamp(time.Unix(1, 0)), 0, 0, nil)
	b, err := ptp.EncodeMessage(h, respTLV)
	require.NoError(t, err)

	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 319}
	dst := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 319}
	c.HandleMessage(b, src, dst, netio.LevelHardware, time.Unix(100, 0))
	require.True(t, gotResponse)
	require.Equal(t, 0, c.Table.Outstanding())
}
