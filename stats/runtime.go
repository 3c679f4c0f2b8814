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
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/process"
)

var processStartTime = time.Now()

// RuntimeSampler gathers process and Go-runtime counters for the /counters
// endpoint: CPU/memory/FD usage from gopsutil, GC and heap stats from
// runtime.MemStats.
type RuntimeSampler struct {
	last *runtime.MemStats
}

// Sample collects one round of counters, using interval to turn cumulative
// counts into sum/rate pairs against the previous sample.
func (r *RuntimeSampler) Sample(interval time.Duration) (map[string]int64, error) {
	out := make(map[string]int64)
	m := &runtime.MemStats{}
	runtime.ReadMemStats(m)

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("looking up own process: %w", err)
	}
	out["process.alive_since"] = processStartTime.Unix()
	out["process.uptime"] = int64(time.Since(processStartTime).Seconds())

	if v, err := proc.Percent(0); err == nil {
		out[fmt.Sprintf("process.cpu_pct.avg.%d", int(interval.Seconds()))] = int64(v * 100)
	}
	if v, err := proc.MemoryInfo(); err == nil {
		out["process.rss"] = int64(v.RSS)
		out["process.vms"] = int64(v.VMS)
		out["process.swap"] = int64(v.Swap)
	}
	if v, err := proc.NumFDs(); err == nil {
		out["process.num_fds"] = int64(v)
	}
	if v, err := proc.NumThreads(); err == nil {
		out["process.num_threads"] = int64(v)
	}

	out["runtime.goroutines"] = int64(runtime.NumGoroutine())
	out["runtime.mem.alloc"] = int64(m.Alloc)
	out["runtime.mem.sys"] = int64(m.Sys)
	out["runtime.mem.heap.inuse"] = int64(m.HeapInuse)
	out["runtime.mem.heap.objects"] = int64(m.HeapObjects)
	out["runtime.gc.count"] = int64(m.NumGC)
	out["runtime.gc.pause_total"] = int64(m.PauseTotalNs)

	if r.last != nil {
		setRate(out, "runtime.mem.mallocs", m.Mallocs, r.last.Mallocs, interval)
		setRate(out, "runtime.mem.frees", m.Frees, r.last.Frees, interval)
		setRate(out, "runtime.gc.count", uint64(m.NumGC), uint64(r.last.NumGC), interval)
	}
	r.last = m
	return out, nil
}

// setRate records both the raw delta and the per-second rate between cur and
// prev over interval, skipping counters that wrapped or reset.
func setRate(out map[string]int64, name string, cur, prev uint64, interval time.Duration) {
	if prev > cur {
		return
	}
	secs := int64(interval.Seconds())
	if secs == 0 {
		return
	}
	delta := int64(cur - prev)
	out[name+".delta"] = delta
	out[name+".rate"] = delta / secs
}
