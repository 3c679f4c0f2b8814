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

package stats

import (
	"sync"

	"github.com/eclesh/welford"
)

// LongRunStats keeps a running mean/variance of offset per server for the
// lifetime of the process, independent of the Worker's bounded stdDevRing:
// the ring answers "how noisy are the last few samples", this answers "how
// noisy has this server been since it was first seen".
type LongRunStats struct {
	mu   sync.Mutex
	byID map[string]*welford.Stats
}

// NewLongRunStats returns an empty LongRunStats.
func NewLongRunStats() *LongRunStats {
	return &LongRunStats{byID: make(map[string]*welford.Stats)}
}

// Add feeds a new offset sample, in nanoseconds, for the server at address.
func (l *LongRunStats) Add(address string, offsetNs float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.byID[address]
	if !ok {
		s = welford.New()
		l.byID[address] = s
	}
	s.Add(offsetNs)
}

// StdDev returns the running standard deviation of offset for address, or 0
// if nothing has been recorded yet. l may be nil, in which case it returns 0.
func (l *LongRunStats) StdDev(address string) float64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.byID[address]
	if !ok {
		return 0
	}
	return s.Stddev()
}

// Mean returns the running mean offset for address, or 0 if unseen.
func (l *LongRunStats) Mean(address string) float64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.byID[address]
	if !ok {
		return 0
	}
	return s.Mean()
}
