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

package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timeplex/unisyncd/client/ledger"
	"github.com/timeplex/unisyncd/netio"
)

func result(meanDelay, offset time.Duration) *ledger.Result {
	return &ledger.Result{MeanPathDelay: meanDelay, Offset: offset, Level: netio.LevelHardware}
}

func TestLuckyPacketPicksSmallestDelay(t *testing.T) {
	f := NewLuckyPacket(4, 2)
	for _, r := range []*ledger.Result{
		result(100, 0), result(-10, 0), result(50, 0), result(5, 0),
	} {
		f.Insert(r)
	}
	require.True(t, f.Full())
	picked := f.Flush()
	require.Len(t, picked, 2)
	require.Equal(t, 5*time.Nanosecond, picked[0].MeanPathDelay)
	require.Equal(t, 10*time.Nanosecond, absDuration(picked[1].MeanPathDelay))
}

func TestMedianOffsetRepeatedlyExtractsMedian(t *testing.T) {
	f := NewMedianOffset(5, 3)
	offsets := []time.Duration{5, 1, 4, 2, 3}
	for _, o := range offsets {
		f.Insert(result(0, o))
	}
	require.True(t, f.Full())
	picked := f.Flush()
	// sorted: 1 2 3 4 5 -> median idx2 = 3, remove -> 1 2 4 5 -> median idx2=4, remove -> 1 2 5 -> median idx1=2
	require.Len(t, picked, 3)
	require.Equal(t, time.Duration(3), picked[0].Offset)
	require.Equal(t, time.Duration(4), picked[1].Offset)
	require.Equal(t, time.Duration(2), picked[2].Offset)
}

func TestMedianOffsetStopsBelowThreeRemaining(t *testing.T) {
	f := NewMedianOffset(2, 5)
	f.Insert(result(0, 1))
	f.Insert(result(0, 2))
	require.True(t, f.Full())
	picked := f.Flush()
	require.Empty(t, picked)
}

func TestQueueClearsOnLevelMismatch(t *testing.T) {
	f := NewLuckyPacket(3, 1)
	f.Insert(&ledger.Result{MeanPathDelay: 1, Level: netio.LevelHardware})
	f.Insert(&ledger.Result{MeanPathDelay: 2, Level: netio.LevelHardware})
	require.False(t, f.Full())
	f.Insert(&ledger.Result{MeanPathDelay: 3, Level: netio.LevelUser})
	require.Len(t, f.q.items, 1)
}

func TestQueueDropsOldestBeyondSize(t *testing.T) {
	f := NewLuckyPacket(2, 2)
	f.Insert(result(1, 0))
	f.Insert(result(2, 0))
	f.Insert(result(3, 0))
	require.Len(t, f.q.items, 2)
	require.Equal(t, 2*time.Nanosecond, f.q.items[0].MeanPathDelay)
	require.Equal(t, 3*time.Nanosecond, f.q.items[1].MeanPathDelay)
}

func TestChainCascadesOnFull(t *testing.T) {
	c := NewChain(NewLuckyPacket(2, 2), NewLuckyPacket(2, 1))
	require.Nil(t, c.Insert(result(10, 1)))
	emitted := c.Insert(result(5, 2))
	require.NotNil(t, emitted)
	require.Len(t, emitted, 1)
}
