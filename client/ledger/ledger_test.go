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

package ledger

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ptp "github.com/timeplex/unisyncd/protocol"
	"github.com/timeplex/unisyncd/netio"
)

func TestSimpleTwoStepExchange(t *testing.T) {
	l := New()
	dst := &net.UDPAddr{IP: net.ParseIP("10.0.0.1")}
	issued := time.Now()

	t1 := time.Unix(1000, 0)
	l.OnSend(7, "eth0", dst, t1, netio.LevelHardware, issued, time.Second, false)

	// Follow-Up carrying t3 arrives first.
	outcome, res := l.OnReceive(7, dst, true, false, time.Unix(1000, 5_500_000), ptp.TimeInterval(0), nil, netio.LevelHardware, time.Time{}, false)
	require.Equal(t, Matched, outcome)
	require.Nil(t, res)

	resp := &ptp.ResponseTLV{
		ReqIngressTimestamp: ptp.NewTimestamp(time.Unix(1000, 5_000_000)),
		ReqCorrectionField:  ptp.TimeInterval(0),
	}
	outcome, res = l.OnReceive(7, dst, false, false, time.Time{}, ptp.TimeInterval(0), resp, netio.LevelHardware, time.Unix(1000, 10_000_000), false)
	require.Equal(t, MatchedComplete, outcome)
	require.NotNil(t, res)

	require.Equal(t, 5_000_000*time.Nanosecond, res.C2SDelay)
	require.Equal(t, 4_500_000*time.Nanosecond, res.S2CDelay)
	require.Equal(t, 4_750_000*time.Nanosecond, res.MeanPathDelay)
	require.Equal(t, 250_000*time.Nanosecond, res.Offset)
	require.Equal(t, 0, l.Outstanding())
}

func TestOnReceiveRequiresAddressMatch(t *testing.T) {
	l := New()
	dst := &net.UDPAddr{IP: net.ParseIP("10.0.0.1")}
	other := &net.UDPAddr{IP: net.ParseIP("10.0.0.2")}
	l.OnSend(1, "eth0", dst, time.Unix(1, 0), netio.LevelUser, time.Now(), time.Second, false)

	outcome, res := l.OnReceive(1, other, false, false, time.Time{}, ptp.TimeInterval(0), nil, netio.LevelUser, time.Unix(1, 1), false)
	require.Equal(t, NoMatch, outcome)
	require.Nil(t, res)
	require.Equal(t, 1, l.Outstanding())
}

func TestSweepTimeouts(t *testing.T) {
	l := New()
	dst := &net.UDPAddr{IP: net.ParseIP("10.0.0.1")}
	issued := time.Now().Add(-2 * time.Second)
	l.OnSend(3, "eth0", dst, time.Unix(1, 0), netio.LevelUser, issued, time.Second, false)

	timedOut := l.SweepTimeouts(time.Now())
	require.Len(t, timedOut, 1)
	require.Equal(t, uint16(3), timedOut[0].SequenceID)
	require.Equal(t, 0, l.Outstanding())
}

func TestSweepTimeoutsIgnoresFreshSequences(t *testing.T) {
	l := New()
	dst := &net.UDPAddr{IP: net.ParseIP("10.0.0.1")}
	l.OnSend(4, "eth0", dst, time.Unix(1, 0), netio.LevelUser, time.Now(), time.Second, false)

	timedOut := l.SweepTimeouts(time.Now())
	require.Empty(t, timedOut)
	require.Equal(t, 1, l.Outstanding())
}
