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

package calc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timeplex/unisyncd/client/ledger"
	"github.com/timeplex/unisyncd/netio"
)

func seqResult(t1 time.Time, delay, offset time.Duration) *ledger.Result {
	return &ledger.Result{
		Sequence:      &ledger.Sequence{T1: t1},
		MeanPathDelay: delay,
		Offset:        offset,
		Level:         netio.LevelHardware,
	}
}

func TestPassThroughFirstSampleNoDrift(t *testing.T) {
	p := NewPassThrough(0)
	p.Insert(seqResult(time.Unix(1, 0), 100, 10))
	require.True(t, p.Valid())
	require.False(t, p.AdjustmentPending())
	require.Equal(t, time.Duration(100), p.Delay())
	require.Equal(t, time.Duration(10), p.Offset())
	require.Zero(t, p.Drift())
}

func TestPassThroughDriftFromAnchor(t *testing.T) {
	p := NewPassThrough(0)
	p.Insert(seqResult(time.Unix(1, 0), 100, 10))
	p.Insert(seqResult(time.Unix(2, 0), 100, 30))
	require.True(t, p.AdjustmentPending())
	// Δoffset=20ns over Δt1=1s=1e9ns -> drift=20/1e9
	require.InDelta(t, 20.0/1e9, p.Drift(), 1e-12)
}

func TestPassThroughOffsetReadoutAppliesCompensation(t *testing.T) {
	p := NewPassThrough(5)
	p.Insert(seqResult(time.Unix(1, 0), 0, 10))
	require.Equal(t, time.Duration(5), p.OffsetReadout())
}

func TestArithmeticMeanRequiresSizeAtLeastTwo(t *testing.T) {
	_, err := NewArithmeticMean(1, 0)
	require.Error(t, err)
}

func TestArithmeticMeanAveragesWindow(t *testing.T) {
	m, err := NewArithmeticMean(3, 0)
	require.NoError(t, err)

	m.Insert(seqResult(time.Unix(1, 0), 90, 10))
	require.False(t, m.AdjustmentPending())
	m.Insert(seqResult(time.Unix(2, 0), 100, 20))
	require.False(t, m.AdjustmentPending())
	m.Insert(seqResult(time.Unix(3, 0), 110, 30))
	require.True(t, m.AdjustmentPending())

	require.Equal(t, time.Duration(100), m.Delay())
	require.Equal(t, time.Duration(20), m.Offset())
	// both pairs contribute 10ns/1e9ns drift
	require.InDelta(t, 10.0/1e9, m.Drift(), 1e-12)
}

func TestCalculatorResetsWhenLevelChanges(t *testing.T) {
	m, err := NewArithmeticMean(2, 0)
	require.NoError(t, err)
	m.Insert(seqResult(time.Unix(1, 0), 10, 10))
	m.Insert(&ledger.Result{Sequence: &ledger.Sequence{T1: time.Unix(2, 0)}, MeanPathDelay: 20, Offset: 20, Level: netio.LevelUser})
	require.False(t, m.AdjustmentPending())
	require.Equal(t, time.Duration(20), m.Delay())
}

func TestRemoveResetsOnEmptyWindow(t *testing.T) {
	p := NewPassThrough(0)
	p.Insert(seqResult(time.Unix(1, 0), 10, 10))
	require.True(t, p.Valid())
	p.Remove()
	require.False(t, p.Valid())
	require.False(t, p.AdjustmentPending())
	require.Zero(t, p.Delay())
	require.Zero(t, p.Offset())
	require.Zero(t, p.Drift())
}
