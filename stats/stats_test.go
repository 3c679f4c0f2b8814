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
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	ptp "github.com/timeplex/unisyncd/protocol"
)

func TestStatsSortsByPriorityThenAddress(t *testing.T) {
	s0 := &Stat{Address: "::1", ServerState: &ptp.ServerStateDS{Priority1: 2}}
	s1 := &Stat{Address: "::1", ServerState: &ptp.ServerStateDS{Priority1: 3}}
	s2 := &Stat{Address: "127.0.0.1", ServerState: &ptp.ServerStateDS{Priority1: 1}}
	s3 := &Stat{Address: "127.0.0.2", ServerState: &ptp.ServerStateDS{Priority1: 1}}

	s := Stats{s0, s1, s2, s3}
	require.Equal(t, 4, s.Len())
	require.True(t, s.Less(0, 1))
	require.False(t, s.Less(1, 2))
	require.True(t, s.Less(2, 3))
	require.True(t, s.Less(2, 0))

	require.Equal(t, 2, s.Index(s2))
	require.Equal(t, -1, s.Index(&Stat{Address: "10.0.0.9"}))
}

func TestStatsSortsMissingServerStateLast(t *testing.T) {
	// a server that has never returned a valid ServerStateDS sorts last.
	noState := &Stat{Address: "10.0.0.1"}
	withState := &Stat{Address: "10.0.0.2", ServerState: &ptp.ServerStateDS{Priority1: 200}}
	s := Stats{noState, withState}
	require.False(t, s.Less(0, 1))
	require.True(t, s.Less(1, 0))
}

func TestFetchStats(t *testing.T) {
	sampleResp := `[{"interface":"eth0","address":"127.0.0.1:319","clock_identity":"001122.3344.556677","state":"selected","state_mark":"*","selected":true,"reach":65535,"delay":100,"offset":-50,"stddev":12.5,"server_state":{"Priority1":2,"ClockClass":6,"ClockAccuracy":33,"ClockVariance":42,"Priority2":3,"GrandmasterIdentity":0,"StepsRemoved":1,"TimeSource":0,"Reserved":0}}]`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, sampleResp)
	}))
	defer ts.Close()

	actual, err := FetchStats(ts.URL)
	require.NoError(t, err)
	require.Len(t, actual, 1)
	require.Equal(t, "127.0.0.1:319", actual[0].Address)
	require.True(t, actual[0].Selected)
	require.Equal(t, uint8(6), uint8(actual[0].ServerState.ClockClass))
}

func TestFetchCounters(t *testing.T) {
	sampleResp := `{"unisyncd.portstats.rx.sync":4656,"unisyncd.portstats.tx.sync":4656,"process.num_fds":12}`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, sampleResp)
	}))
	defer ts.Close()

	expected := Counters{
		"unisyncd.portstats.rx.sync": 4656,
		"unisyncd.portstats.tx.sync": 4656,
		"process.num_fds":            12,
	}

	actual, err := FetchCounters(ts.URL)
	require.NoError(t, err)
	require.Equal(t, expected, actual)
}

func TestFetchPortStats(t *testing.T) {
	sampleResp := `{"unisyncd.portstats.rx.sync":4656,"unisyncd.portstats.rx.announce":10,"unisyncd.portstats.tx.sync":4656,"process.num_fds":12}`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, sampleResp)
	}))
	defer ts.Close()

	expectedTX := map[string]uint64{"sync": 4656}
	expectedRX := map[string]uint64{"sync": 4656, "announce": 10}

	actualTX, actualRX, err := FetchPortStats(ts.URL)
	require.NoError(t, err)
	require.Equal(t, expectedTX, actualTX)
	require.Equal(t, expectedRX, actualRX)
}

func TestFetchSysStats(t *testing.T) {
	sampleResp := `{"unisyncd.portstats.rx.sync":4656,"unisyncd.portstats.tx.sync":4656,"process.num_fds":12}`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, sampleResp)
	}))
	defer ts.Close()

	expected := map[string]int64{"process.num_fds": 12}

	actual, err := FetchSysStats(ts.URL)
	require.NoError(t, err)
	require.Equal(t, expected, actual)
}

func TestRecorderCounters(t *testing.T) {
	r := NewRecorder()
	r.UpdateCounterBy("unisyncd.portstats.tx.sync", 1)
	r.UpdateCounterBy("unisyncd.portstats.tx.sync", 2)
	r.SetCounter("process.num_fds", 9)

	got := r.Counters()
	require.Equal(t, int64(3), got["unisyncd.portstats.tx.sync"])
	require.Equal(t, int64(9), got["process.num_fds"])
}

func TestLongRunStatsStdDevAccumulates(t *testing.T) {
	l := NewLongRunStats()
	require.Zero(t, l.StdDev("10.0.0.1:319"))

	for _, v := range []float64{10, -10, 10, -10} {
		l.Add("10.0.0.1:319", v)
	}
	require.InDelta(t, 10.0, l.StdDev("10.0.0.1:319"), 0.5)
	require.Zero(t, l.StdDev("unseen"))
}

func TestNilLongRunStatsIsSafe(t *testing.T) {
	var l *LongRunStats
	require.Zero(t, l.StdDev("anything"))
	require.Zero(t, l.Mean("anything"))
}
