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

package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timeplex/unisyncd/client/worker"
	ptp "github.com/timeplex/unisyncd/protocol"
)

type fakeCandidate struct {
	id         ptp.ClockIdentity
	state      worker.State
	noSelect   bool
	adjPending bool
	delay      time.Duration
	offset     time.Duration
	minB, maxB time.Duration
	stdDev     float64
	ss         *ptp.ServerStateDS
}

func (f *fakeCandidate) ClockIdentity() ptp.ClockIdentity         { return f.id }
func (f *fakeCandidate) State() worker.State                      { return f.state }
func (f *fakeCandidate) SetState(s worker.State)                  { f.state = s }
func (f *fakeCandidate) NoSelect() bool                           { return f.noSelect }
func (f *fakeCandidate) AdjustmentPending() bool                  { return f.adjPending }
func (f *fakeCandidate) Delay() time.Duration                     { return f.delay }
func (f *fakeCandidate) Offset() time.Duration                    { return f.offset }
func (f *fakeCandidate) OffsetBounds() (time.Duration, time.Duration) { return f.minB, f.maxB }
func (f *fakeCandidate) StdDev() float64                          { return f.stdDev }
func (f *fakeCandidate) ServerState() (*ptp.ServerStateDS, bool)  { return f.ss, f.ss != nil }

func readyCandidate(offset time.Duration, stdDev float64) *fakeCandidate {
	return &fakeCandidate{
		state:      worker.StateReady,
		adjPending: true,
		delay:      100 * time.Millisecond,
		offset:     offset,
		minB:       offset - 10*time.Microsecond,
		maxB:       offset + 10*time.Microsecond,
		stdDev:     stdDev,
	}
}

func toCandidates(fs []*fakeCandidate) []Candidate {
	out := make([]Candidate, len(fs))
	for i, f := range fs {
		out[i] = f
	}
	return out
}

func TestSelectDropsNoSelectAndOverDelayThreshold(t *testing.T) {
	a := readyCandidate(0, 1)
	a.noSelect = true
	b := readyCandidate(0, 1)
	b.delay = 2 * time.Second

	picked := Select(Config{DelayThreshold: 1500 * time.Millisecond, Pick: 2}, toCandidates([]*fakeCandidate{a, b}))
	require.Empty(t, picked)
	require.Equal(t, worker.StateFalseticker, a.state)
	require.Equal(t, worker.StateFalseticker, b.state)
}

func TestSelectYieldsEmptyWhenAdjustmentNotPendingOnAllSurvivors(t *testing.T) {
	a := readyCandidate(0, 1)
	b := readyCandidate(0, 1)
	b.adjPending = false

	picked := Select(Config{Pick: 2}, toCandidates([]*fakeCandidate{a, b}))
	require.Nil(t, picked)
}

func TestSelectPicksLowestStdDevAmongTruechimers(t *testing.T) {
	a := readyCandidate(100, 5)
	b := readyCandidate(110, 1)
	c := readyCandidate(105, 3)

	picked := Select(Config{Pick: 2, IntersectionPadding: time.Microsecond}, toCandidates([]*fakeCandidate{a, b, c}))
	require.Len(t, picked, 2)
	require.Equal(t, worker.StateSelected, b.state)
	require.Equal(t, worker.StateSelected, c.state)
	require.Equal(t, worker.StateCandidate, a.state)
}

func TestSelectExcludesOutlierGroup(t *testing.T) {
	a := readyCandidate(0, 1)
	b := readyCandidate(1*time.Microsecond, 1)
	outlier := readyCandidate(50*time.Millisecond, 1)

	picked := Select(Config{Pick: 3, IntersectionPadding: 5 * time.Microsecond}, toCandidates([]*fakeCandidate{a, b, outlier}))
	require.Len(t, picked, 2)
	require.Equal(t, worker.StateFalseticker, outlier.state)
}

func TestSelectBTCAVariantSkipsMissingServerState(t *testing.T) {
	a := readyCandidate(0, 1)
	a.ss = &ptp.ServerStateDS{Priority1: 10}
	b := readyCandidate(0, 1)
	b.ss = &ptp.ServerStateDS{Priority1: 5}
	c := readyCandidate(0, 1) // no ServerState

	picked := Select(Config{Pick: 2, Variant: VariantBTCA, IntersectionPadding: time.Microsecond}, toCandidates([]*fakeCandidate{a, b, c}))
	require.Len(t, picked, 2)
	require.Equal(t, worker.StateSelected, b.state)
	require.Equal(t, worker.StateSelected, a.state)
	require.NotEqual(t, worker.StateSelected, c.state)
}
