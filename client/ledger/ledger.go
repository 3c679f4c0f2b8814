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

// Package ledger tracks in-flight request/response exchanges for a single
// server, correlating t1..t4 across one- and two-step responses and turning
// a completed exchange into delay/offset measurements.
package ledger

import (
	"net"
	"sync"
	"time"

	ptp "github.com/timeplex/unisyncd/protocol"
	"github.com/timeplex/unisyncd/netio"
)

// Sequence is a single in-flight (or completed) request/response exchange.
type Sequence struct {
	SequenceID            uint16
	SrcInterface          string
	DstAddress            net.Addr
	IssuedAtMonotonic     time.Time
	Timeout               time.Duration
	Level                 netio.TimestampLevel
	ServerStateRequested  bool

	T1                 time.Time
	T2                 time.Time
	T2Correction       ptp.TimeInterval
	T3                 time.Time
	T4                 time.Time
	SyncCorrection     ptp.TimeInterval
	FollowUpCorrection ptp.TimeInterval
	UTCCorrection      time.Duration
	ServerState        *ptp.ServerStateDS
	Error              uint16

	gotResponseTLV bool
}

// Complete reports whether all four timestamps have been recorded.
func (s *Sequence) Complete() bool {
	return !s.T1.IsZero() && !s.T2.IsZero() && !s.T3.IsZero() && !s.T4.IsZero()
}

// TimedOut reports whether the sequence is overdue as of nowMonotonic and
// still incomplete.
func (s *Sequence) TimedOut(nowMonotonic time.Time) bool {
	return !s.Complete() && nowMonotonic.Sub(s.IssuedAtMonotonic) > s.Timeout
}

// Result is the delay/offset measurement produced by a completed Sequence.
type Result struct {
	Sequence      *Sequence
	C2SDelay      time.Duration
	S2CDelay      time.Duration
	MeanPathDelay time.Duration
	Offset        time.Duration
	Level         netio.TimestampLevel
	ServerState   *ptp.ServerStateDS
}

// complete computes the Result for a completed Sequence, following the
// literal completion formulas:
//
//	c2sDelay      = t2 − t1 − t2Correction − utcCorrection
//	s2cDelay      = t4 − t3 − t4Correction + utcCorrection
//	meanPathDelay = (c2sDelay + s2cDelay) / 2
//	offset        = ((t2+t3−t2Correction−utcCorrection) − (t1+t4−t4Correction−utcCorrection)) / 2
func (s *Sequence) complete() *Result {
	t2c := s.T2Correction.Duration()
	t4c := (s.SyncCorrection + s.FollowUpCorrection).Duration()
	t21 := s.T2.Sub(s.T1)
	t43 := s.T4.Sub(s.T3)

	c2s := t21 - t2c - s.UTCCorrection
	s2c := t43 - t4c + s.UTCCorrection
	mean := (c2s + s2c) / 2
	// utcCorrection cancels out of the offset formula: it's added to one
	// timestamp's side and subtracted from the other's before they're summed.
	offset := (t21 - t43 - t2c + t4c) / 2

	return &Result{
		Sequence:      s,
		C2SDelay:      c2s,
		S2CDelay:      s2c,
		MeanPathDelay: mean,
		Offset:        offset,
		Level:         s.Level,
		ServerState:   s.ServerState,
	}
}

// Ledger correlates t1..t4 for one server's in-flight sequences.
type Ledger struct {
	mu   sync.Mutex
	byID map[uint16]*Sequence
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{byID: map[uint16]*Sequence{}}
}

// OnSend inserts a new Sequence for a just-issued request.
func (l *Ledger) OnSend(sequenceID uint16, srcInterface string, dst net.Addr, t1 time.Time, t1Level netio.TimestampLevel, issuedAt time.Time, timeout time.Duration, serverStateRequested bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[sequenceID] = &Sequence{
		SequenceID:           sequenceID,
		SrcInterface:         srcInterface,
		DstAddress:           dst,
		T1:                   t1,
		Level:                t1Level,
		IssuedAtMonotonic:    issuedAt,
		Timeout:              timeout,
		ServerStateRequested: serverStateRequested,
	}
}

// MatchOutcome is the result of OnReceive.
type MatchOutcome int

// Outcomes of OnReceive.
const (
	NoMatch MatchOutcome = iota
	Matched
	MatchedComplete
)

// OnReceive merges a received Sync or Follow-Up carrying a Response TLV into
// the matching Sequence, identified by (dst address, sequenceID). It returns
// MatchedComplete and the Result once all of t1..t4 are present.
func (l *Ledger) OnReceive(sequenceID uint16, src net.Addr, isFollowUp bool, oneStep bool, originTimestamp time.Time, correction ptp.TimeInterval, resp *ptp.ResponseTLV, rxLevel netio.TimestampLevel, rxTimestamp time.Time, utcReasonable bool) (MatchOutcome, *Result) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, ok := l.byID[sequenceID]
	if !ok || !addrEqual(seq.DstAddress, src) {
		return NoMatch, nil
	}

	if !isFollowUp {
		seq.T4 = rxTimestamp
		seq.Level = rxLevel
		if oneStep {
			seq.T3 = originTimestamp
		}
		seq.SyncCorrection = correction
	} else {
		seq.T3 = originTimestamp
		seq.FollowUpCorrection = correction
	}

	if resp != nil && !seq.gotResponseTLV {
		seq.gotResponseTLV = true
		seq.Error = resp.Error
		seq.T2 = resp.ReqIngressTimestamp.Time()
		seq.T2Correction = resp.ReqCorrectionField
		if utcReasonable {
			seq.UTCCorrection = time.Duration(resp.UTCOffset) * time.Second
		}
		if resp.ServerState != nil {
			seq.ServerState = resp.ServerState
		}
	}

	if !seq.Complete() {
		return Matched, nil
	}

	delete(l.byID, sequenceID)
	return MatchedComplete, seq.complete()
}

// SweepTimeouts moves every overdue, incomplete sequence out of the ledger
// and returns them.
func (l *Ledger) SweepTimeouts(nowMonotonic time.Time) []*Sequence {
	l.mu.Lock()
	defer l.mu.Unlock()
	var timedOut []*Sequence
	for id, seq := range l.byID {
		if seq.TimedOut(nowMonotonic) {
			timedOut = append(timedOut, seq)
			delete(l.byID, id)
		}
	}
	return timedOut
}

// Outstanding returns the number of sequences currently awaiting completion.
func (l *Ledger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}

func addrEqual(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}
