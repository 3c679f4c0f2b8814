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

package adjust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ptp "github.com/timeplex/unisyncd/protocol"
)

type fakeClock struct {
	name      string
	now       time.Time
	freqPPB   float64
	offsetArg time.Duration
	stepTo    time.Time
	adjFreqs  []float64
}

func (c *fakeClock) Name() string                 { return c.name }
func (c *fakeClock) GetTime() (time.Time, error)   { return c.now, nil }
func (c *fakeClock) SetTime(t time.Time) error     { c.stepTo = t; return nil }
func (c *fakeClock) AdjustOffset(d time.Duration) error {
	c.offsetArg = d
	return nil
}
func (c *fakeClock) Frequency() (float64, error) { return c.freqPPB, nil }
func (c *fakeClock) AdjustFrequency(ppb float64) error {
	c.adjFreqs = append(c.adjFreqs, ppb)
	c.freqPPB = ppb
	return nil
}

type fakeSource struct {
	id       ptp.ClockIdentity
	pending  bool
	offset   time.Duration
	drift    float64
	cleared  bool
	consumed bool
}

func (f *fakeSource) ClockIdentity() ptp.ClockIdentity { return f.id }
func (f *fakeSource) AdjustmentPending() bool          { return f.pending }
func (f *fakeSource) Offset() time.Duration            { return f.offset }
func (f *fakeSource) Drift() float64                   { return f.drift }
func (f *fakeSource) ClearCalculator()                 { f.cleared = true }
func (f *fakeSource) ConsumePending()                  { f.consumed = true }

func TestDirectOffsetStepsWhenOverLimit(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	a := &DirectOffset{Clock: clock, StepLimit: 500 * time.Millisecond}
	src := &fakeSource{pending: true, offset: 600 * time.Millisecond}

	require.NoError(t, a.Apply([]Source{src}))
	require.Equal(t, time.Unix(100, 0).Add(600*time.Millisecond), clock.stepTo)
	require.True(t, src.cleared)
	require.True(t, src.consumed)
}

func TestDirectOffsetSlewsWhenUnderLimit(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	a := &DirectOffset{Clock: clock, StepLimit: 500 * time.Millisecond}
	src := &fakeSource{pending: true, offset: 100 * time.Millisecond}

	require.NoError(t, a.Apply([]Source{src}))
	require.Equal(t, 100*time.Millisecond, clock.offsetArg)
	require.True(t, clock.stepTo.IsZero())
}

func TestDirectOffsetNoOpWhenNotPending(t *testing.T) {
	clock := &fakeClock{}
	a := &DirectOffset{Clock: clock}
	src := &fakeSource{pending: false, offset: time.Second}

	require.NoError(t, a.Apply([]Source{src}))
	require.Zero(t, clock.offsetArg)
	require.False(t, src.cleared)
}

// TestPIDStepsOnLargeOffset walks through scenario S5: a 2ms offset against a
// 1ms step threshold steps the clock and folds the server's drift into
// freqAggregate, with freqAddend reset to zero.
func TestPIDStepsOnLargeOffset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0), freqPPB: 1000}
	a := &PID{Clock: clock, Cfg: PIDConfig{Ki: 0.05, StepThreshold: time.Millisecond, FreqLimit: 32768000}}
	src := &fakeSource{pending: true, offset: 2 * time.Millisecond, drift: 50}

	require.NoError(t, a.Apply([]Source{src}))
	require.Equal(t, time.Unix(100, 0).Add(2*time.Millisecond), clock.stepTo)
	require.Equal(t, 0.0, a.freqAddend)
	require.Equal(t, 1000.0+50.0, clock.adjFreqs[len(clock.adjFreqs)-1])
	require.True(t, src.cleared)
	require.True(t, src.consumed)
}

func TestPIDProportionalBelowThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0), freqPPB: 0}
	a := &PID{Clock: clock, Cfg: PIDConfig{Kp: 0.2, Ki: 0.05, StepThreshold: time.Millisecond, FreqLimit: 32768000}}
	src := &fakeSource{pending: true, offset: 500 * time.Microsecond, drift: 0}

	require.NoError(t, a.Apply([]Source{src}))
	require.True(t, clock.stepTo.IsZero())
	wantAddend := 0.2 * (500 * time.Microsecond).Seconds()
	require.InDelta(t, wantAddend, a.freqAddend, 1e-9)
	require.False(t, src.cleared) // ki != 0 and no step: Calculator not cleared
	require.True(t, src.consumed)
}

func TestPIDClampsFreqAggregateToLimit(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0), freqPPB: 32768000}
	a := &PID{Clock: clock, Cfg: PIDConfig{Kp: 1, Ki: 0, StepThreshold: time.Second, FreqLimit: 32768000}}
	src := &fakeSource{pending: true, offset: 10 * time.Millisecond}

	require.NoError(t, a.Apply([]Source{src}))
	require.Equal(t, 32768000.0, clock.adjFreqs[len(clock.adjFreqs)-1])
}
