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

// Package filter implements the path-delay filter chain stages that sit
// between the sequence ledger and the calculator: Lucky Packet and Median
// Offset.
package filter

import (
	"sort"
	"time"

	"github.com/timeplex/unisyncd/client/ledger"
)

// Stage is the common shape every filter chain stage implements.
type Stage interface {
	Insert(r *ledger.Result)
	Full() bool
	Flush() []*ledger.Result
	Empty() bool
	Clear()
}

// queue is the FIFO buffer shared by every stage: bounded to size, cleared
// whenever an inserted sequence's timestamp level differs from the level
// already buffered.
type queue struct {
	size  int
	items []*ledger.Result
}

func (q *queue) insert(r *ledger.Result) {
	if len(q.items) > 0 && q.items[len(q.items)-1].Level != r.Level {
		q.items = q.items[:0]
	}
	q.items = append(q.items, r)
	if len(q.items) > q.size {
		q.items = q.items[len(q.items)-q.size:]
	}
}

func (q *queue) full() bool {
	return len(q.items) >= q.size
}

func (q *queue) flush() []*ledger.Result {
	items := q.items
	q.items = nil
	return items
}

func (q *queue) empty() bool { return len(q.items) == 0 }

func (q *queue) clear() { q.items = nil }

// LuckyPacket keeps the pick sequences with the smallest |meanPathDelay|
// from a full buffer, discarding the rest.
type LuckyPacket struct {
	q    queue
	pick int
}

// NewLuckyPacket returns a Lucky Packet stage with the given buffer size and pick count.
func NewLuckyPacket(size, pick int) *LuckyPacket {
	return &LuckyPacket{q: queue{size: size}, pick: pick}
}

// Insert implements Stage.
func (f *LuckyPacket) Insert(r *ledger.Result) { f.q.insert(r) }

// Full implements Stage.
func (f *LuckyPacket) Full() bool { return f.q.full() }

// Empty implements Stage.
func (f *LuckyPacket) Empty() bool { return f.q.empty() }

// Clear implements Stage.
func (f *LuckyPacket) Clear() { f.q.clear() }

// Flush implements Stage.
func (f *LuckyPacket) Flush() []*ledger.Result {
	items := f.q.flush()
	sort.Slice(items, func(i, j int) bool {
		return absDuration(items[i].MeanPathDelay) < absDuration(items[j].MeanPathDelay)
	})
	if len(items) > f.pick {
		items = items[:f.pick]
	}
	return items
}

// MedianOffset repeatedly extracts the median-by-offset element from a
// sorted buffer until pick are collected or fewer than 3 remain.
type MedianOffset struct {
	q    queue
	pick int
}

// NewMedianOffset returns a Median Offset stage with the given buffer size and pick count.
func NewMedianOffset(size, pick int) *MedianOffset {
	return &MedianOffset{q: queue{size: size}, pick: pick}
}

// Insert implements Stage.
func (f *MedianOffset) Insert(r *ledger.Result) { f.q.insert(r) }

// Full implements Stage.
func (f *MedianOffset) Full() bool { return f.q.full() }

// Empty implements Stage.
func (f *MedianOffset) Empty() bool { return f.q.empty() }

// Clear implements Stage.
func (f *MedianOffset) Clear() { f.q.clear() }

// Flush implements Stage.
func (f *MedianOffset) Flush() []*ledger.Result {
	items := f.q.flush()
	sort.Slice(items, func(i, j int) bool { return items[i].Offset < items[j].Offset })

	var out []*ledger.Result
	for len(out) < f.pick && len(items) >= 3 {
		mid := len(items) / 2
		out = append(out, items[mid])
		items = append(items[:mid], items[mid+1:]...)
	}
	return out
}

// Chain runs a sequence of stages, feeding each stage's flush into the next.
type Chain struct {
	stages []Stage
}

// NewChain returns a Chain running stages in order.
func NewChain(stages ...Stage) *Chain {
	return &Chain{stages: stages}
}

// Insert feeds r into the first stage, flushing and cascading into
// subsequent stages whenever a stage becomes full. It returns whatever the
// last stage emits, or nil if nothing made it through this tick.
func (c *Chain) Insert(r *ledger.Result) []*ledger.Result {
	batch := []*ledger.Result{r}
	for _, stage := range c.stages {
		var emitted []*ledger.Result
		for _, item := range batch {
			stage.Insert(item)
			if stage.Full() {
				emitted = append(emitted, stage.Flush()...)
			}
		}
		if emitted == nil {
			return nil
		}
		batch = emitted
	}
	return batch
}

// Empty reports whether every stage in the chain is holding nothing.
func (c *Chain) Empty() bool {
	for _, stage := range c.stages {
		if !stage.Empty() {
			return false
		}
	}
	return true
}

// Clear discards everything held by every stage in the chain. The sequences
// held are simply dropped; the chain does not attempt to flush them first.
func (c *Chain) Clear() {
	for _, stage := range c.stages {
		stage.Clear()
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
