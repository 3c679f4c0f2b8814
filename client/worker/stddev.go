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

package worker

import "math"

const stdDevRingSize = 16

// stdDevRing is the 16-slot ring buffer of per-completion offsets a Server
// Worker keeps to drive its running standard deviation. A missing slot
// (timeout) is recorded as a NaN sentinel and excluded from the computation.
type stdDevRing struct {
	samples [stdDevRingSize]float64
	pos     int
	filled  int
}

func newStdDevRing() *stdDevRing {
	r := &stdDevRing{}
	for i := range r.samples {
		r.samples[i] = math.NaN()
	}
	return r
}

func (r *stdDevRing) add(v float64) {
	r.samples[r.pos] = v
	r.pos = (r.pos + 1) % stdDevRingSize
	if r.filled < stdDevRingSize {
		r.filled++
	}
}

func (r *stdDevRing) addMissing() { r.add(math.NaN()) }

// stdDev returns the unbiased sample standard deviation over the
// non-sentinel entries, or NaN (the sentinel result) when fewer than 2
// samples are present.
func (r *stdDevRing) stdDev() float64 {
	var sum float64
	n := 0
	for _, v := range r.samples {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n < 2 {
		return math.NaN()
	}
	mean := sum / float64(n)

	var sumSq float64
	for _, v := range r.samples {
		if math.IsNaN(v) {
			continue
		}
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(n-1))
}
