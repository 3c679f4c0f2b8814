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

// Package calc implements the two Calculator variants sitting after the
// filter chain: a single-sample pass-through and a running arithmetic mean,
// both tracking drift off a previous-sequence anchor.
package calc

import (
	"fmt"
	"time"

	"github.com/timeplex/unisyncd/client/ledger"
	"github.com/timeplex/unisyncd/netio"
)

// Anchor remembers a window entry that was just evicted, for drift continuity.
type Anchor struct {
	T1     time.Time
	Offset time.Duration
}

// Calculator is the shared capability both variants implement.
type Calculator interface {
	Insert(r *ledger.Result)
	Remove()
	Reset()
	// Consume clears adjustmentPending without disturbing the window, so an
	// Adjuster that just used this Calculator's output doesn't reuse it next
	// tick before a fresh sample arrives.
	Consume()
	Valid() bool
	AdjustmentPending() bool
	Delay() time.Duration
	Offset() time.Duration
	OffsetReadout() time.Duration
	Drift() float64
	// Bounds returns the [min, max] offset over the current window, the
	// correctness interval the Selector's truechimer grouping intersects.
	Bounds() (time.Duration, time.Duration)
}

type base struct {
	size         int
	compensation time.Duration

	window   []*ledger.Result
	level    netio.TimestampLevel
	hasLevel bool
	prevAnchor *Anchor

	valid             bool
	adjustmentPending bool
	delay             time.Duration
	offset            time.Duration
	drift             float64
}

func (b *base) insert(r *ledger.Result) {
	if b.hasLevel && b.level != r.Level {
		b.clearWindow()
	}
	b.hasLevel = true
	b.level = r.Level
	b.window = append(b.window, r)
	if len(b.window) > b.size {
		evicted := b.window[0]
		b.window = b.window[1:]
		b.prevAnchor = &Anchor{T1: evicted.Sequence.T1, Offset: evicted.Offset}
	}
}

// Remove evicts the oldest window entry, as done on a sequence timeout. If
// the window becomes empty the Calculator resets.
func (b *base) Remove() {
	if len(b.window) == 0 {
		return
	}
	evicted := b.window[0]
	b.window = b.window[1:]
	b.prevAnchor = &Anchor{T1: evicted.Sequence.T1, Offset: evicted.Offset}
	if len(b.window) == 0 {
		b.reset()
	}
}

func (b *base) reset() {
	b.valid = false
	b.adjustmentPending = false
	b.delay = 0
	b.offset = 0
	b.drift = 0
}

func (b *base) clearWindow() {
	b.window = nil
	b.prevAnchor = nil
	b.reset()
}

// Reset empties the window and clears all derived state.
func (b *base) Reset() { b.clearWindow() }

// Consume implements Calculator.
func (b *base) Consume() { b.adjustmentPending = false }

func (b *base) Valid() bool             { return b.valid }
func (b *base) AdjustmentPending() bool { return b.adjustmentPending }
func (b *base) Delay() time.Duration    { return b.delay }
func (b *base) Offset() time.Duration   { return b.offset }
func (b *base) Drift() float64          { return b.drift }

// OffsetReadout is Offset minus the configured compensationValue.
func (b *base) OffsetReadout() time.Duration { return b.offset - b.compensation }

// Bounds returns the [min, max] offset across the current window.
func (b *base) Bounds() (time.Duration, time.Duration) {
	if len(b.window) == 0 {
		return 0, 0
	}
	min, max := b.window[0].Offset, b.window[0].Offset
	for _, w := range b.window[1:] {
		if w.Offset < min {
			min = w.Offset
		}
		if w.Offset > max {
			max = w.Offset
		}
	}
	return min, max
}

// PassThrough reports the latest sequence's delay/offset directly, computing
// drift off the previous-sequence anchor.
type PassThrough struct{ base }

// NewPassThrough returns a pass-through Calculator (window size fixed at 1).
func NewPassThrough(compensation time.Duration) *PassThrough {
	return &PassThrough{base{size: 1, compensation: compensation}}
}

// Insert implements Calculator.
func (p *PassThrough) Insert(r *ledger.Result) {
	p.base.insert(r)
	latest := p.window[len(p.window)-1]
	p.delay = latest.MeanPathDelay
	p.offset = latest.Offset
	if p.prevAnchor != nil {
		dt1 := latest.Sequence.T1.Sub(p.prevAnchor.T1)
		if dt1 != 0 {
			p.drift = float64(latest.Offset-p.prevAnchor.Offset) / float64(dt1)
		} else {
			p.drift = 0
		}
		p.adjustmentPending = true
	} else {
		p.drift = 0
		p.adjustmentPending = false
	}
	p.valid = true
}

// ArithmeticMean averages delay/offset over its window and reports drift as
// the mean of adjacent-pair (Δoffset/Δt1) ratios.
type ArithmeticMean struct{ base }

// NewArithmeticMean returns an arithmetic-mean Calculator; size must be >= 2.
func NewArithmeticMean(size int, compensation time.Duration) (*ArithmeticMean, error) {
	if size < 2 {
		return nil, fmt.Errorf("arithmetic mean calculator requires size >= 2, got %d", size)
	}
	return &ArithmeticMean{base{size: size, compensation: compensation}}, nil
}

// Insert implements Calculator.
func (a *ArithmeticMean) Insert(r *ledger.Result) {
	a.base.insert(r)
	n := len(a.window)

	var sumDelay, sumOffset time.Duration
	for _, w := range a.window {
		sumDelay += w.MeanPathDelay
		sumOffset += w.Offset
	}
	a.delay = sumDelay / time.Duration(n)
	a.offset = sumOffset / time.Duration(n)

	var sumDrift float64
	for i := 1; i < n; i++ {
		dt1 := a.window[i].Sequence.T1.Sub(a.window[i-1].Sequence.T1)
		if dt1 != 0 {
			sumDrift += float64(a.window[i].Offset-a.window[i-1].Offset) / float64(dt1)
		}
	}
	if n >= 2 {
		a.drift = sumDrift / float64(n-1)
	} else {
		a.drift = 0
	}

	a.adjustmentPending = n == a.size
	a.valid = true
}
