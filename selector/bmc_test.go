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

	"github.com/stretchr/testify/require"

	ptp "github.com/timeplex/unisyncd/protocol"
)

func TestCompareServerStatePriority1Decides(t *testing.T) {
	a := &ptp.ServerStateDS{Priority1: 1}
	b := &ptp.ServerStateDS{Priority1: 2}
	require.Equal(t, ABetter, CompareServerState(a, b))
	require.Equal(t, BBetter, CompareServerState(b, a))
}

func TestCompareServerStateFallsThroughFieldOrder(t *testing.T) {
	base := ptp.ServerStateDS{Priority1: 1, ClockClass: 6, ClockAccuracy: 0x20, ClockVariance: 100, Priority2: 1}
	worse := base
	worse.StepsRemoved = 1
	require.Equal(t, ABetter, CompareServerState(&base, &worse))

	worse2 := base
	worse2.GrandmasterIdentity = 1
	require.Equal(t, ABetter, CompareServerState(&base, &worse2))
}

func TestCompareServerStateNilHandling(t *testing.T) {
	a := &ptp.ServerStateDS{}
	require.Equal(t, ABetter, CompareServerState(a, nil))
	require.Equal(t, BBetter, CompareServerState(nil, a))
	require.Equal(t, Unknown, CompareServerState(nil, nil))
}
