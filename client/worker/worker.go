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

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timeplex/unisyncd/client/calc"
	"github.com/timeplex/unisyncd/client/filter"
	"github.com/timeplex/unisyncd/client/ledger"
	"github.com/timeplex/unisyncd/netio"
	ptp "github.com/timeplex/unisyncd/protocol"
)

// Config is the per-server configuration a Worker is built from.
type Config struct {
	ClockIdentity ptp.ClockIdentity
	SrcInterface  string
	DstAddress    net.Addr

	// OneStep attaches the origin timestamp to the Sync itself rather than a
	// trailing Follow-Up.
	OneStep bool
	// SyncTLV attaches the Request TLV to the Sync message; otherwise it
	// rides on the Follow-Up.
	SyncTLV bool

	Interval      ptp.LogInterval
	Timeout       time.Duration
	Level         netio.TimestampLevel
	StateInterval ptp.LogInterval // 0x7f disables ServerStateDS requests entirely

	FilterChain *filter.Chain
	Calculator  calc.Calculator
}

// neverRequestState is the StateInterval sentinel disabling ServerStateDS entirely.
const neverRequestState ptp.LogInterval = 0x7f

// Worker paces one server's request/response exchange and drives its
// reachability register, state machine, filter chain, and calculator.
type Worker struct {
	cfg Config

	mu    sync.Mutex
	l     *ledger.Ledger
	reach reach
	state State
	ring  *stdDevRing

	seq uint16

	serverStateDSValid bool
	serverStateDS       *ptp.ServerStateDS

	delay    time.Duration
	offset   time.Duration
	stdDev   float64
	noSelect bool

	stateTicksRemaining int
	lastSweep           time.Time
}

// New returns an idle Worker in StateInitializing.
func New(cfg Config) *Worker {
	return &Worker{
		cfg:   cfg,
		l:     ledger.New(),
		state: StateInitializing,
		ring:  newStdDevRing(),
	}
}

// SetNoSelect forces this server to falseticker regardless of what the
// Selector's correctness-interval logic would otherwise conclude.
func (w *Worker) SetNoSelect(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.noSelect = v
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SetState lets the Selector promote/demote a worker between Ready,
// Candidate, Selected, and Falseticker without disturbing reachability or
// measurement bookkeeping.
func (w *Worker) SetState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// NoSelect reports whether this worker is pinned to falseticker.
func (w *Worker) NoSelect() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.noSelect
}

// Reach returns the 16-bit reachability register's current value.
func (w *Worker) Reach() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return uint16(w.reach)
}

// Delay, Offset, and StdDev report the Calculator/ring outputs as of the last
// completion or timeout.
func (w *Worker) Delay() time.Duration { w.mu.Lock(); defer w.mu.Unlock(); return w.delay }
func (w *Worker) Offset() time.Duration { w.mu.Lock(); defer w.mu.Unlock(); return w.offset }
func (w *Worker) StdDev() float64 { w.mu.Lock(); defer w.mu.Unlock(); return w.stdDev }

// OffsetBounds returns the Calculator's current correctness interval.
func (w *Worker) OffsetBounds() (time.Duration, time.Duration) {
	return w.cfg.Calculator.Bounds()
}

// Drift reports the Calculator's current drift estimate.
func (w *Worker) Drift() float64 { return w.cfg.Calculator.Drift() }

// ClearCalculator resets the Calculator, as done on a server actually used by
// the direct-offset adjuster (or by the PID adjuster on a step).
func (w *Worker) ClearCalculator() { w.cfg.Calculator.Reset() }

// ConsumePending clears adjustmentPending without disturbing the window, as
// done on every server used by an adjuster tick.
func (w *Worker) ConsumePending() { w.cfg.Calculator.Consume() }

// ClockIdentity reports the target clockId this worker synchronizes against.
func (w *Worker) ClockIdentity() ptp.ClockIdentity { return w.cfg.ClockIdentity }

// SrcInterface identifies this worker for logging/state-dump purposes.
func (w *Worker) SrcInterface() string { return w.cfg.SrcInterface }

// DstAddress reports the server address this worker sends requests to.
func (w *Worker) DstAddress() net.Addr { return w.cfg.DstAddress }

// Interval reports the Sync send interval this worker was configured with.
func (w *Worker) Interval() ptp.LogInterval { return w.cfg.Interval }

// Level reports the timestamp fidelity this worker requests on send.
func (w *Worker) Level() netio.TimestampLevel { return w.cfg.Level }

// OneStep reports whether this worker attaches the origin timestamp to the
// Sync itself rather than a trailing Follow-Up.
func (w *Worker) OneStep() bool { return w.cfg.OneStep }

// ServerState returns the last-known grandmaster state and whether it's
// currently considered valid.
func (w *Worker) ServerState() (*ptp.ServerStateDS, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.serverStateDS, w.serverStateDSValid
}

// AdjustmentPending mirrors the Calculator's readiness flag.
func (w *Worker) AdjustmentPending() bool {
	return w.cfg.Calculator.AdjustmentPending()
}

// nextSequenceID allocates the next sequence number, wrapping at 16 bits.
func (w *Worker) nextSequenceID() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	return w.seq
}

// wantServerState reports whether this tick should request ServerStateDS,
// and advances the internal countdown.
func (w *Worker) wantServerState() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cfg.StateInterval == neverRequestState {
		return false
	}
	if w.stateTicksRemaining <= 0 {
		w.stateTicksRemaining = 1 << uint(w.cfg.StateInterval)
		return true
	}
	w.stateTicksRemaining--
	return false
}

// BuildRequest constructs the header and Request TLV for the next Sync this
// worker should send, allocating a fresh sequence ID.
func (w *Worker) BuildRequest() (ptp.Header, *ptp.RequestTLV, uint16) {
	seqID := w.nextSequenceID()
	wantState := w.wantServerState()

	h := ptp.Header{
		SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageSync, 0),
		Version:            ptp.FixedVersion,
		DomainNumber:       ptp.FixedDomainNumber,
		FlagField:          ptp.FlagUnicast,
		SourcePortIdentity: ptp.PortIdentity{ClockIdentity: w.cfg.ClockIdentity, PortNumber: 1},
		SequenceID:         seqID,
		LogMessageInterval: w.cfg.Interval,
	}
	if !w.cfg.OneStep {
		h.FlagField |= ptp.FlagTwoStep
	}
	return h, ptp.NewRequestTLV(wantState), seqID
}

// OnSent records a just-issued request's departure in the ledger.
func (w *Worker) OnSent(seqID uint16, t1 time.Time, t1Level netio.TimestampLevel, issuedAt time.Time, requestedState bool) {
	w.l.OnSend(seqID, w.cfg.SrcInterface, w.cfg.DstAddress, t1, t1Level, issuedAt, w.cfg.Timeout, requestedState)
}

// OnMessage feeds a received Sync or Follow-Up carrying a Response TLV into
// the ledger, driving OnSequenceComplete when the exchange finishes.
func (w *Worker) OnMessage(seqID uint16, src net.Addr, isFollowUp bool, originTimestamp time.Time, correction ptp.TimeInterval, resp *ptp.ResponseTLV, rxLevel netio.TimestampLevel, rxTimestamp time.Time, utcReasonable bool) {
	outcome, res := w.l.OnReceive(seqID, src, isFollowUp, w.cfg.OneStep, originTimestamp, correction, resp, rxLevel, rxTimestamp, utcReasonable)
	if outcome == ledger.MatchedComplete {
		w.onSequenceComplete(res)
	}
}

// Sweep evicts overdue sequences from the ledger and drives
// OnSequenceTimeout for each. Call roughly once per second.
func (w *Worker) Sweep(nowMonotonic time.Time) {
	for _, seq := range w.l.SweepTimeouts(nowMonotonic) {
		w.onSequenceTimeout(seq)
	}
}

func (w *Worker) onSequenceComplete(res *ledger.Result) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.reach = w.reach.onComplete()

	if res.Sequence.ServerStateRequested {
		if res.ServerState != nil {
			w.serverStateDS = res.ServerState
			w.serverStateDSValid = true
		} else {
			w.serverStateDSValid = false
		}
	}

	emitted := w.cfg.FilterChain.Insert(res)
	for _, e := range emitted {
		w.cfg.Calculator.Insert(e)
		w.ring.add(float64(e.Offset))
	}
	w.stdDev = w.ring.stdDev()
	w.delay = w.cfg.Calculator.Delay()
	w.offset = w.cfg.Calculator.OffsetReadout()

	if w.state == StateInitializing || w.state == StateUnreachable {
		w.state = StateCollecting
	}
	if w.cfg.Calculator.AdjustmentPending() && w.state == StateCollecting {
		w.state = StateReady
	}
}

func (w *Worker) onSequenceTimeout(seq *ledger.Sequence) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev := w.reach
	w.reach = w.reach.onTimeout()
	if prev == 0xffff && w.reach == 0xfffe {
		logrus.Warnf("%s: first timeout after full reachability", w.cfg.SrcInterface)
	}

	if w.reach.lowNibbleEmpty() {
		wasEmpty := w.cfg.FilterChain.Empty()
		w.cfg.FilterChain.Clear()
		if wasEmpty {
			w.cfg.Calculator.Remove()
		}
	} else {
		w.cfg.Calculator.Remove()
	}

	if w.reach == 0 {
		w.cfg.Calculator.Reset()
		w.serverStateDSValid = false
		w.state = StateUnreachable
	}

	w.ring.addMissing()
	w.stdDev = w.ring.stdDev()
	w.delay = w.cfg.Calculator.Delay()
	w.offset = w.cfg.Calculator.OffsetReadout()

	_ = seq // sequence identity isn't otherwise needed once its slot is accounted for
}

// String renders a one-line state-dump entry for this worker.
func (w *Worker) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return fmt.Sprintf("%c reach=%016b delay=%s offset=%s stddev=%.0f", w.state.Mark(), uint16(w.reach), w.delay, w.offset, w.stdDev)
}
