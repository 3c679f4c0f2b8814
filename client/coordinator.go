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

// Package client implements the Client Coordinator: it paces every
// configured Server Worker's requests, routes responses re-dispatched by a
// server.Coordinator back to the worker they belong to, and periodically
// runs selection and clock adjustment against the result.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/timeplex/unisyncd/adjust"
	"github.com/timeplex/unisyncd/client/worker"
	"github.com/timeplex/unisyncd/netio"
	ptp "github.com/timeplex/unisyncd/protocol"
	"github.com/timeplex/unisyncd/selector"
)

// sweepInterval is how often every worker's ledger is swept for overdue
// sequences, matching the server side's Request Table sweep cadence.
const sweepInterval = time.Second

// selectInterval is how often the Selector and Adjuster run against the
// current pool of workers.
const selectInterval = time.Second

// Adjuster is satisfied by *adjust.DirectOffset and *adjust.PID.
type Adjuster interface {
	Apply(selected []adjust.Source) error
}

// Coordinator is the Client Coordinator: one per local clock identity being
// synchronized, driving every Server Worker targeting it.
type Coordinator struct {
	Inventory netio.Inventory
	Selector  selector.Config
	Adjust    Adjuster

	mu      sync.Mutex
	workers []*worker.Worker
	byPeer  map[string][]*worker.Worker
}

// NewCoordinator returns a Coordinator with no workers attached yet.
func NewCoordinator(inv netio.Inventory, selCfg selector.Config, adj Adjuster) *Coordinator {
	return &Coordinator{
		Inventory: inv,
		Selector:  selCfg,
		Adjust:    adj,
		byPeer:    make(map[string][]*worker.Worker),
	}
}

// AddWorker registers w, making it eligible for sending, response routing,
// selection, and sweeping.
func (c *Coordinator) AddWorker(w *worker.Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers = append(c.workers, w)
	key := w.DstAddress().String()
	c.byPeer[key] = append(c.byPeer[key], w)
}

// Workers returns the currently registered workers.
func (c *Coordinator) Workers() []*worker.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*worker.Worker(nil), c.workers...)
}

// Run drives every registered worker's send loop alongside the sweep and
// select/adjust tickers, until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	for _, w := range c.Workers() {
		w := w
		eg.Go(func() error { return c.runSendLoop(ctx, w) })
	}
	eg.Go(func() error { return c.runSweepLoop(ctx) })
	eg.Go(func() error { return c.runSelectLoop(ctx) })

	return eg.Wait()
}

func (c *Coordinator) runSendLoop(ctx context.Context, w *worker.Worker) error {
	interval := w.Interval().Duration()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.send(w); err != nil {
				log.Warnf("%s: sending to %s: %v", w.SrcInterface(), w.DstAddress(), err)
			}
		}
	}
}

func (c *Coordinator) send(w *worker.Worker) error {
	h, reqTLV, seqID := w.BuildRequest()
	issuedAt := time.Now()

	if w.OneStep() {
		h.OriginTimestamp = ptp.NewTimestamp(issuedAt)
	}

	buf, err := ptp.EncodeMessage(h, reqTLV)
	if err != nil {
		return fmt.Errorf("encoding sync: %w", err)
	}

	t1, t1Level, err := c.Inventory.Send(buf, w.SrcInterface(), w.DstAddress(), w.Level())
	if err != nil {
		return fmt.Errorf("sending sync: %w", err)
	}

	requestedState := reqTLV.Header.HasServerState()
	w.OnSent(seqID, t1, t1Level, issuedAt, requestedState)
	return nil
}

func (c *Coordinator) runSweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			for _, w := range c.Workers() {
				w.Sweep(now)
			}
		}
	}
}

func (c *Coordinator) runSelectLoop(ctx context.Context) error {
	ticker := time.NewTicker(selectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.selectAndAdjust()
		}
	}
}

func (c *Coordinator) selectAndAdjust() {
	workers := c.Workers()
	candidates := make([]selector.Candidate, 0, len(workers))
	for _, w := range workers {
		candidates = append(candidates, w)
	}

	picked := selector.Select(c.Selector, candidates)
	if len(picked) == 0 {
		return
	}

	selected := make([]adjust.Source, 0, len(picked))
	for _, p := range picked {
		selected = append(selected, p.(*worker.Worker))
	}
	if err := c.Adjust.Apply(selected); err != nil {
		log.Warnf("client: adjusting clock: %v", err)
	}
}

// HandleResponse implements server.ClientResponseHandler: it decodes a frame
// a server.Coordinator determined was a Response and routes it to the
// worker whose DstAddress matches src. Malformed frames and frames from
// unknown peers are silently dropped, matching the tolerance a Request
// Table extends to malformed requests.
func (c *Coordinator) HandleResponse(msg []byte, src, _ net.Addr, level netio.TimestampLevel, ts time.Time) {
	h, resp, err := ptp.DecodeResponse(msg)
	if err != nil {
		log.Debugf("client: dropping malformed response from %s: %v", src, err)
		return
	}
	msgType := h.MessageType()
	if msgType != ptp.MessageSync && msgType != ptp.MessageFollowUp {
		return
	}

	c.mu.Lock()
	workers := append([]*worker.Worker(nil), c.byPeer[src.String()]...)
	c.mu.Unlock()
	if len(workers) == 0 {
		return
	}

	isFollowUp := msgType == ptp.MessageFollowUp
	correction := ptp.TimeInterval(h.CorrectionField)
	originTimestamp := h.OriginTimestamp.Time()
	utcReasonable := h.FlagField.Has(ptp.FlagCurrentUTCOffsetValid)

	for _, w := range workers {
		w.OnMessage(h.SequenceID, src, isFollowUp, originTimestamp, correction, resp, level, ts, utcReasonable)
	}
}
