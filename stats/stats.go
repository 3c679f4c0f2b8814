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

// Package stats implements the monitoring surface a running Client
// Coordinator exposes: a per-server snapshot table, free-form counters, and
// the HTTP/Prometheus endpoints that serve both.
package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/timeplex/unisyncd/client/worker"
	ptp "github.com/timeplex/unisyncd/protocol"
)

// Counter key prefixes for per-message-type send/receive counts.
const (
	PortStatsTxPrefix = "unisyncd.portstats.tx."
	PortStatsRxPrefix = "unisyncd.portstats.rx."
)

// Stat is one Server Worker's row in the state dump and monitoring snapshot.
type Stat struct {
	Interface     string             `json:"interface"`
	Address       string             `json:"address"`
	ClockIdentity string             `json:"clock_identity"`
	State         string             `json:"state"`
	StateMark     string             `json:"state_mark"`
	Selected      bool               `json:"selected"`
	Reach         uint16             `json:"reach"`
	Delay         time.Duration      `json:"delay"`
	Offset        time.Duration      `json:"offset"`
	StdDev        float64            `json:"stddev"`
	LongRunStdDev float64            `json:"long_run_stddev"`
	ServerState   *ptp.ServerStateDS `json:"server_state,omitempty"`
}

// Stats is a list of Stat, sortable by priority1 then address, matching the
// ordering a state dump presents candidates in.
type Stats []*Stat

func (s Stats) Len() int      { return len(s) }
func (s Stats) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s Stats) Less(i, j int) bool {
	pi, pj := priority1(s[i]), priority1(s[j])
	if pi != pj {
		return pi < pj
	}
	return s[i].Address < s[j].Address
}

func priority1(s *Stat) int {
	if s.ServerState == nil {
		return 255
	}
	return int(s.ServerState.Priority1)
}

// Index returns the position of the Stat sharing e's address, or -1.
func (s Stats) Index(e *Stat) int {
	for i, a := range s {
		if a.Address == e.Address {
			return i
		}
	}
	return -1
}

// Snapshot builds one Stat per worker and sorts the result the way a state
// dump presents it, highest-priority candidate first. longRun may be nil.
func Snapshot(workers []*worker.Worker, longRun *LongRunStats) Stats {
	out := make(Stats, 0, len(workers))
	for _, w := range workers {
		ss, valid := w.ServerState()
		if !valid {
			ss = nil
		}
		st := w.State()
		addr := w.DstAddress().String()
		out = append(out, &Stat{
			Interface:     w.SrcInterface(),
			Address:       addr,
			ClockIdentity: w.ClockIdentity().String(),
			State:         st.String(),
			StateMark:     string(st.Mark()),
			Selected:      st == worker.StateSelected,
			Reach:         w.Reach(),
			Delay:         w.Delay(),
			Offset:        w.Offset(),
			StdDev:        w.StdDev(),
			LongRunStdDev: longRun.StdDev(addr),
			ServerState:   ss,
		})
	}
	sort.Sort(out)
	return out
}

// Counters is a flat map of named integer counters, as served at /counters.
type Counters map[string]int64

// PortStats splits a counters snapshot into per-message-type tx/rx maps.
func (c Counters) PortStats() (tx, rx map[string]uint64) {
	tx = map[string]uint64{}
	rx = map[string]uint64{}
	for k, v := range c {
		switch {
		case strings.HasPrefix(k, PortStatsTxPrefix):
			tx[strings.TrimPrefix(k, PortStatsTxPrefix)] = uint64(v)
		case strings.HasPrefix(k, PortStatsRxPrefix):
			rx[strings.TrimPrefix(k, PortStatsRxPrefix)] = uint64(v)
		}
	}
	return tx, rx
}

// SysStats returns the counters that aren't port send/receive counts.
func (c Counters) SysStats() map[string]int64 {
	res := map[string]int64{}
	for k, v := range c {
		if strings.HasPrefix(k, PortStatsTxPrefix) || strings.HasPrefix(k, PortStatsRxPrefix) {
			continue
		}
		res[k] = v
	}
	return res
}

// FetchStats fetches and decodes the Stats snapshot served at url.
func FetchStats(url string) (Stats, error) {
	b, err := httpGet(url)
	if err != nil {
		return nil, err
	}
	var s Stats
	err = json.Unmarshal(b, &s)
	return s, err
}

// FetchCounters fetches and decodes the Counters snapshot served at url/counters.
func FetchCounters(url string) (Counters, error) {
	b, err := httpGet(fmt.Sprintf("%s/counters", url))
	if err != nil {
		return nil, err
	}
	counters := make(Counters)
	err = json.Unmarshal(b, &counters)
	return counters, err
}

// FetchPortStats fetches all counters and splits them into tx/rx maps.
func FetchPortStats(url string) (tx, rx map[string]uint64, err error) {
	counters, err := FetchCounters(url)
	if err != nil {
		return nil, nil, err
	}
	tx, rx = counters.PortStats()
	return tx, rx, nil
}

// FetchSysStats fetches all counters and returns the non-port-stats subset.
func FetchSysStats(url string) (map[string]int64, error) {
	counters, err := FetchCounters(url)
	if err != nil {
		return nil, err
	}
	return counters.SysStats(), nil
}

func httpGet(url string) ([]byte, error) {
	c := http.Client{Timeout: 2 * time.Second}
	resp, err := c.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
