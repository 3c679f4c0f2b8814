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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timeplex/unisyncd/client/worker"
)

// Recorder is a concurrency-safe set of named counters plus the long-run
// offset statistics Snapshot folds into each Stat.
type Recorder struct {
	mu       sync.Mutex
	counters Counters
	longRun  *LongRunStats
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{counters: Counters{}, longRun: NewLongRunStats()}
}

// UpdateCounterBy increments a named counter.
func (r *Recorder) UpdateCounterBy(key string, delta int64) {
	r.mu.Lock()
	r.counters[key] += delta
	r.mu.Unlock()
}

// SetCounter sets a named counter to an absolute value.
func (r *Recorder) SetCounter(key string, val int64) {
	r.mu.Lock()
	r.counters[key] = val
	r.mu.Unlock()
}

// Counters returns a copy of the current counters.
func (r *Recorder) Counters() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(Counters, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// RecordOffset feeds an offset sample into the long-run statistics for
// address. Monitor's sampling loop calls it once a tick for every worker at
// or past StateCollecting.
func (r *Recorder) RecordOffset(address string, offset time.Duration) {
	r.longRun.Add(address, float64(offset.Nanoseconds()))
}

// Monitor serves the JSON state snapshot and counters over HTTP, and drives
// the periodic runtime-stats sample and Prometheus scrape.
type Monitor struct {
	Workers  func() []*worker.Worker
	Recorder *Recorder
	exporter *PrometheusExporter
	sampler  RuntimeSampler
}

// NewMonitor returns a Monitor reading worker state through workers.
func NewMonitor(workers func() []*worker.Worker, rec *Recorder) *Monitor {
	m := &Monitor{Workers: workers, Recorder: rec}
	m.exporter = NewPrometheusExporter(rec.Counters)
	return m
}

// Run serves the monitoring endpoint on addr and samples runtime counters
// every interval, until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, addr string, interval time.Duration) error {
	go m.sampleLoop(ctx, interval)

	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleStats)
	mux.HandleFunc("/counters", m.handleCounters)
	mux.Handle("/metrics", m.exporter.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}

func (m *Monitor) sampleLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			vals, err := m.sampler.Sample(interval)
			if err != nil {
				log.Warnf("stats: sampling runtime counters: %v", err)
			}
			for k, v := range vals {
				m.Recorder.SetCounter(k, v)
			}
			for _, w := range m.Workers() {
				if w.State() >= worker.StateCollecting {
					m.Recorder.RecordOffset(w.DstAddress().String(), w.Offset())
				}
			}
			m.exporter.Collect()
		}
	}
}

func (m *Monitor) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, Snapshot(m.Workers(), m.Recorder.longRun))
}

func (m *Monitor) handleCounters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.Recorder.Counters())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(b); err != nil {
		log.Errorf("stats: writing response: %v", err)
	}
}

// Addr formats a ":port" HTTP listen address the way cmd/flashptpd's flags do.
func Addr(port int) string { return fmt.Sprintf(":%d", port) }
