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

// Package adjust implements the two clock adjusters that consume a
// Selector's output: a direct-offset adjuster and a PID-with-fake-integral
// adjuster, both steering a netio.ClockAPI.
package adjust

import (
	"fmt"
	"time"

	"github.com/timeplex/unisyncd/netio"
	ptp "github.com/timeplex/unisyncd/protocol"
)

// Source is the subset of a selected Server Worker an Adjuster needs.
// *worker.Worker satisfies it directly.
type Source interface {
	ClockIdentity() ptp.ClockIdentity
	AdjustmentPending() bool
	Offset() time.Duration
	Drift() float64
	ClearCalculator()
	ConsumePending()
}

// gate reports whether selected is non-empty and every member has a pending
// adjustment for the target clock. Per spec, any disqualified member yields
// a no-op tick rather than a partial apply.
func gate(targetClockID ptp.ClockIdentity, selected []Source) bool {
	if len(selected) == 0 {
		return false
	}
	for _, s := range selected {
		if !s.AdjustmentPending() || s.ClockIdentity() != targetClockID {
			return false
		}
	}
	return true
}

func meanOffset(selected []Source) time.Duration {
	var sum time.Duration
	for _, s := range selected {
		sum += s.Offset()
	}
	return sum / time.Duration(len(selected))
}

func meanDrift(selected []Source) float64 {
	var sum float64
	for _, s := range selected {
		sum += s.Drift()
	}
	return sum / float64(len(selected))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// DirectOffset steps or slews the clock directly by the mean offset of the
// selected servers.
type DirectOffset struct {
	Clock         netio.ClockAPI
	TargetClockID ptp.ClockIdentity
	StepLimit     time.Duration // default 500ms
}

// Apply runs one direct-offset adjustment tick.
func (a *DirectOffset) Apply(selected []Source) error {
	if !gate(a.TargetClockID, selected) {
		return nil
	}
	timeAddend := meanOffset(selected)

	limit := a.StepLimit
	if limit == 0 {
		limit = 500 * time.Millisecond
	}

	var err error
	if absDuration(timeAddend) >= limit {
		now, gerr := a.Clock.GetTime()
		if gerr != nil {
			return fmt.Errorf("reading clock %s: %w", a.Clock.Name(), gerr)
		}
		err = a.Clock.SetTime(now.Add(timeAddend))
	} else {
		err = a.Clock.AdjustOffset(timeAddend)
	}
	if err != nil {
		return fmt.Errorf("adjusting clock %s: %w", a.Clock.Name(), err)
	}

	for _, s := range selected {
		s.ClearCalculator()
		s.ConsumePending()
	}
	return nil
}

// PIDConfig governs a PID adjuster's gains and thresholds.
type PIDConfig struct {
	Kp            float64 // [0.01, 1], default 0.2
	Ki            float64 // [0.005, 0.5], default 0.05
	Kd            float64 // [0, 1], default 0
	StepThreshold time.Duration // default 1ms
	FreqLimit     float64       // default 32.768e6 raw units
}

// DefaultPIDConfig returns the spec's default gains.
func DefaultPIDConfig() PIDConfig {
	return PIDConfig{Kp: 0.2, Ki: 0.05, Kd: 0, StepThreshold: time.Millisecond, FreqLimit: 32768000}
}

// PID is the fake-integral PID adjuster: it reverts all but the ki share of
// its last frequency adjustment every tick, so the retained remainder acts as
// the integrator term without keeping a running integral.
type PID struct {
	Clock         netio.ClockAPI
	TargetClockID ptp.ClockIdentity
	Cfg           PIDConfig

	freqAddend float64
}

// Apply runs one PID adjustment tick.
func (a *PID) Apply(selected []Source) error {
	if !gate(a.TargetClockID, selected) {
		return nil
	}

	freqAggregate, err := a.Clock.Frequency()
	if err != nil {
		return fmt.Errorf("reading frequency of clock %s: %w", a.Clock.Name(), err)
	}
	freqAggregate -= a.freqAddend - a.Cfg.Ki*a.freqAddend

	offset := meanOffset(selected)
	stepThreshold := a.Cfg.StepThreshold
	if stepThreshold == 0 {
		stepThreshold = time.Millisecond
	}

	stepped := false
	if absDuration(offset) >= stepThreshold {
		now, gerr := a.Clock.GetTime()
		if gerr != nil {
			return fmt.Errorf("reading clock %s: %w", a.Clock.Name(), gerr)
		}
		if serr := a.Clock.SetTime(now.Add(offset)); serr != nil {
			return fmt.Errorf("stepping clock %s: %w", a.Clock.Name(), serr)
		}
		freqAggregate += meanDrift(selected)
		a.freqAddend = 0
		stepped = true
	} else {
		offsetSeconds := offset.Seconds()
		proportional := a.Cfg.Kp * offsetSeconds
		var differential float64
		if a.Cfg.Kd != 0 {
			differential = a.Cfg.Kd * meanDrift(selected)
		}
		a.freqAddend = proportional + differential
		freqAggregate += a.freqAddend
	}

	limit := a.Cfg.FreqLimit
	if limit == 0 {
		limit = 32768000
	}
	if freqAggregate > limit {
		freqAggregate = limit
	} else if freqAggregate < -limit {
		freqAggregate = -limit
	}

	if err := a.Clock.AdjustFrequency(freqAggregate); err != nil {
		return fmt.Errorf("adjusting frequency of clock %s: %w", a.Clock.Name(), err)
	}

	if a.Cfg.Ki == 0 || stepped {
		for _, s := range selected {
			s.ClearCalculator()
		}
	}
	for _, s := range selected {
		s.ConsumePending()
	}
	return nil
}
