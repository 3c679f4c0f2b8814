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
	"math"
	"sort"
	"time"

	"github.com/timeplex/unisyncd/client/worker"
	ptp "github.com/timeplex/unisyncd/protocol"
)

// Candidate is the subset of a Server Worker the Selector needs. *worker.Worker
// satisfies it directly.
type Candidate interface {
	ClockIdentity() ptp.ClockIdentity
	State() worker.State
	SetState(worker.State)
	NoSelect() bool
	AdjustmentPending() bool
	Delay() time.Duration
	Offset() time.Duration
	OffsetBounds() (time.Duration, time.Duration)
	StdDev() float64
	ServerState() (*ptp.ServerStateDS, bool)
}

// Variant picks how the final set is chosen from the truechimer pool.
type Variant int

// Pick variants.
const (
	VariantStdDev Variant = iota
	VariantBTCA
)

// Config governs one selection pass.
type Config struct {
	TargetClockID       ptp.ClockIdentity
	DelayThreshold      time.Duration // default 1.5s
	IntersectionPadding time.Duration
	MaxOffsetDifference time.Duration
	Pick                int
	Variant             Variant
}

// Select runs one selection pass over candidates, mutating their State as it
// goes, and returns the ones newly marked Selected.
func Select(cfg Config, candidates []Candidate) []Candidate {
	pool := preFilter(cfg, candidates)
	if len(pool) == 0 {
		return nil
	}
	for _, c := range pool {
		if !c.AdjustmentPending() {
			return nil
		}
	}
	for _, c := range pool {
		c.SetState(worker.StateReady)
	}

	truechimers := pool
	if len(pool) > 2 {
		truechimers = truechimerGroup(cfg, pool)
	}

	for _, c := range pool {
		if !contains(truechimers, c) {
			c.SetState(worker.StateFalseticker)
		}
	}
	for _, c := range truechimers {
		c.SetState(worker.StateCandidate)
	}

	picked := pick(cfg, truechimers)
	for _, c := range picked {
		c.SetState(worker.StateSelected)
	}
	return picked
}

func preFilter(cfg Config, candidates []Candidate) []Candidate {
	var pool []Candidate
	for _, c := range candidates {
		if c.ClockIdentity() != cfg.TargetClockID || !c.State().AtLeastReady() {
			continue
		}
		if c.NoSelect() {
			c.SetState(worker.StateFalseticker)
			continue
		}
		threshold := cfg.DelayThreshold
		if threshold == 0 {
			threshold = 1500 * time.Millisecond
		}
		if absDuration(c.Delay()) > threshold {
			c.SetState(worker.StateFalseticker)
			continue
		}
		pool = append(pool, c)
	}
	return pool
}

// group is one truechimer intersection group in progress.
type group struct {
	members []Candidate
}

func (g *group) meanOffset() time.Duration {
	var sum time.Duration
	for _, m := range g.members {
		sum += m.Offset()
	}
	return sum / time.Duration(len(g.members))
}

func (g *group) meanStdDev() float64 {
	var sum float64
	n := 0
	for _, m := range g.members {
		if sd := m.StdDev(); !math.IsNaN(sd) {
			sum += sd
			n++
		}
	}
	if n == 0 {
		return math.Inf(1)
	}
	return sum / float64(n)
}

func (g *group) meanDelay() time.Duration {
	var sum time.Duration
	for _, m := range g.members {
		sum += m.Delay()
	}
	return sum / time.Duration(len(g.members))
}

// bounds is the group's comparison interval: the mean of member [min, max]
// correctness intervals, padded to at least pad wide.
func (g *group) bounds(pad time.Duration) (time.Duration, time.Duration) {
	var sumMin, sumMax time.Duration
	for _, m := range g.members {
		mn, mx := m.OffsetBounds()
		sumMin += mn
		sumMax += mx
	}
	n := time.Duration(len(g.members))
	meanMin, meanMax := sumMin/n, sumMax/n
	if width := meanMax - meanMin; width < pad {
		extra := (pad - width) / 2
		meanMin -= extra
		meanMax += extra
	}
	return meanMin, meanMax
}

func (g *group) width(pad time.Duration) time.Duration {
	mn, mx := g.bounds(pad)
	return mx - mn
}

func (g *group) fits(cfg Config, c Candidate) bool {
	gMin, gMax := g.bounds(cfg.IntersectionPadding)
	cMin, cMax := c.OffsetBounds()
	if cMax < gMin || cMin > gMax {
		return false
	}
	if cfg.MaxOffsetDifference > 0 && absDuration(c.Offset()-g.meanOffset()) > cfg.MaxOffsetDifference {
		return false
	}
	return true
}

// truechimerGroup forms intersection groups greedily and returns the
// membership of the winning one.
func truechimerGroup(cfg Config, pool []Candidate) []Candidate {
	var groups []*group
	for _, c := range pool {
		placed := false
		for _, g := range groups {
			if g.fits(cfg, c) {
				g.members = append(g.members, c)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, &group{members: []Candidate{c}})
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		gi, gj := groups[i], groups[j]
		if len(gi.members) != len(gj.members) {
			return len(gi.members) > len(gj.members)
		}
		pad := cfg.IntersectionPadding
		wi, wj := gi.width(pad), gj.width(pad)
		if absDuration(wi-wj) > pad {
			return wi < wj
		}
		if si, sj := gi.meanStdDev(), gj.meanStdDev(); si != sj {
			return si < sj
		}
		return gi.meanDelay() < gj.meanDelay()
	})

	return groups[0].members
}

func pick(cfg Config, truechimers []Candidate) []Candidate {
	n := cfg.Pick
	if n <= 0 || n > len(truechimers) {
		n = len(truechimers)
	}

	switch cfg.Variant {
	case VariantBTCA:
		withState := make([]Candidate, 0, len(truechimers))
		for _, c := range truechimers {
			if _, ok := c.ServerState(); ok {
				withState = append(withState, c)
			}
		}
		sort.SliceStable(withState, func(i, j int) bool {
			si, _ := withState[i].ServerState()
			sj, _ := withState[j].ServerState()
			return CompareServerState(si, sj) == ABetter
		})
		if n > len(withState) {
			n = len(withState)
		}
		return withState[:n]
	default:
		sorted := append([]Candidate(nil), truechimers...)
		sort.SliceStable(sorted, func(i, j int) bool {
			si, sj := sorted[i].StdDev(), sorted[j].StdDev()
			if math.IsNaN(si) {
				return false
			}
			if math.IsNaN(sj) {
				return true
			}
			return si < sj
		})
		return sorted[:n]
	}
}

func contains(list []Candidate, c Candidate) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
