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

// Package selector picks, from a set of Server Workers, the ones this client
// should steer its clock by: a pre-filter on reachability and delay, a
// truechimer/falseticker split by correctness-interval intersection, and a
// final pick by standard deviation or BTCA order.
package selector

import (
	ptp "github.com/timeplex/unisyncd/protocol"
)

// ComparisonResult is the outcome of comparing two candidates.
type ComparisonResult int8

// Comparison outcomes, ordered so a smaller value never means "better" by
// accident: callers branch on sign, not magnitude.
const (
	ABetter ComparisonResult = 1
	Unknown ComparisonResult = 0
	BBetter ComparisonResult = -1
)

// CompareServerState orders two ServerStateDS records by the BTCA field
// order confirmed against the original implementation's selection/btca.cpp:
// (priority1, clockClass, clockAccuracy, clockVariance, priority2,
// grandmasterIdentity, stepsRemoved).
func CompareServerState(a, b *ptp.ServerStateDS) ComparisonResult {
	if a == nil && b == nil {
		return Unknown
	}
	if a == nil {
		return BBetter
	}
	if b == nil {
		return ABetter
	}

	if a.Priority1 != b.Priority1 {
		return boolCmp(a.Priority1 < b.Priority1)
	}
	if a.ClockClass != b.ClockClass {
		return boolCmp(a.ClockClass < b.ClockClass)
	}
	if a.ClockAccuracy != b.ClockAccuracy {
		return boolCmp(a.ClockAccuracy < b.ClockAccuracy)
	}
	if a.ClockVariance != b.ClockVariance {
		return boolCmp(a.ClockVariance < b.ClockVariance)
	}
	if a.Priority2 != b.Priority2 {
		return boolCmp(a.Priority2 < b.Priority2)
	}
	if a.GrandmasterIdentity != b.GrandmasterIdentity {
		return boolCmp(a.GrandmasterIdentity < b.GrandmasterIdentity)
	}
	if a.StepsRemoved != b.StepsRemoved {
		return boolCmp(a.StepsRemoved < b.StepsRemoved)
	}
	return Unknown
}

func boolCmp(aLess bool) ComparisonResult {
	if aLess {
		return ABetter
	}
	return BBetter
}
