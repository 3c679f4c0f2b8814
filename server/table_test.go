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

func TestTableOneStepCompletesOnSyncWithTLV(t *testing.T) {
	tbl := NewTable()
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 319}
	dst := net.ParseIP("10.0.0.2")
	now := time.Unix(100, 0)

	reqTLV := ptp.NewRequestTLV(false)
	outcome, req := tbl.OnMessage(7, src, dst, true, false, 0, reqTLV, netio.LevelHardware, now, now)
	require.Equal(t, Complete, outcome)
	require.Equal(t, uint16(7), req.SequenceID)
	require.True(t, req.SyncSeen)
	require.False(t, req.FollowUpSeen)
	require.Equal(t, 0, tbl.Outstanding())
}

func TestTableTwoStepNeedsBothSyncAndFollowUp(t *testing.T) {
	tbl := NewTable()
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 319}
	dst := net.ParseIP("10.0.0.2")
	now := time.Unix(100, 0)

	reqTLV := ptp.NewRequestTLV(true)
	outcome, _ := tbl.OnMessage(9, src, dst, false, false, 0, reqTLV, netio.LevelHardware, now, now)
	require.Equal(t, Pending, outcome)
	require.Equal(t, 1, tbl.Outstanding())

	outcome, req := tbl.OnMessage(9, src, dst, false, true, 0, nil, netio.LevelInvalid, time.Time{}, now)
	require.Equal(t, Complete, outcome)
	require.True(t, req.RequestTLVSeen)
	require.False(t, req.RequestTLVOnFollowUp)
	require.True(t, req.WantServerState)
	require.Equal(t, 0, tbl.Outstanding())
}

func TestTableRequestTLVOnFollowUpIsTracked(t *testing.T) {
	tbl := NewTable()
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 319}
	dst := net.ParseIP("10.0.0.2")
	now := time.Unix(100, 0)

	outcome, _ := tbl.OnMessage(1, src, dst, false, false, 0, nil, netio.LevelHardware, now, now)
	require.Equal(t, Pending, outcome)

	outcome, req := tbl.OnMessage(1, src, dst, false, true, 0, ptp.NewRequestTLV(false), netio.LevelInvalid, time.Time{}, now)
	require.Equal(t, Complete, outcome)
	require.True(t, req.RequestTLVOnFollowUp)
}

func TestTableSweepTimeoutsEvictsOnlyIncomplete(t *testing.T) {
	tbl := NewTable()
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 319}
	dst := net.ParseIP("10.0.0.2")
	issuedAt := time.Unix(100, 0)

	// two-step request missing its Follow-Up: should time out.
	tbl.OnMessage(1, src, dst, false, false, 0, ptp.NewRequestTLV(false), netio.LevelHardware, issuedAt, issuedAt)
	require.Equal(t, 1, tbl.Outstanding())

	late := issuedAt.Add(3 * time.Second)
	timedOut := tbl.SweepTimeouts(late)
	require.Len(t, timedOut, 1)
	require.Equal(t, uint16(1), timedOut[0].SequenceID)
	require.Equal(t, 0, tbl.Outstanding())
}

func TestTableSweepTimeoutsLeavesFreshRequests(t *testing.T) {
	tbl := NewTable()
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 319}
	dst := net.ParseIP("10.0.0.2")
	issuedAt := time.Unix(100, 0)

	tbl.OnMessage(1, src, dst, false, false, 0, ptp.NewRequestTLV(false), netio.LevelHardware, issuedAt, issuedAt)

	soon := issuedAt.Add(500 * time.Millisecond)
	timedOut := tbl.SweepTimeouts(soon)
	require.Empty(t, timedOut)
	require.Equal(t, 1, tbl.Outstanding())
}
