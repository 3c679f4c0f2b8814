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

package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cespare/xxhash"

	"github.com/timeplex/unisyncd/netio"
	ptp "github.com/timeplex/unisyncd/protocol"
)

// requestTimeout is how long an incomplete Request is kept before the sweep
// evicts it.
const requestTimeout = 2 * time.Second

// tableBuckets is the number of hash buckets the Request Table partitions
// its entries into. The table is still guarded by one mutex (short critical
// sections only); bucketing exists so the once-a-second sweep and the
// xxhash of (srcAddress, sequenceID) a request arrives keyed by have a real
// role instead of a single flat map.
const tableBuckets = 16

type reqKey struct {
	addr string
	seq  uint16
}

func (k reqKey) bucket() int {
	return int(xxhash.Sum64String(fmt.Sprintf("%s:%d", k.addr, k.seq)) % tableBuckets)
}

// Request is a single in-flight (or just-completed) client request, as seen
// from the server side: a Sync, optionally followed by a Follow-Up, carrying
// a Request TLV on whichever of the two it rode in on.
type Request struct {
	SequenceID   uint16
	SrcAddr      net.Addr
	DstAddr      net.IP
	IssuedAt     time.Time

	OneStep      bool
	SyncSeen     bool
	FollowUpSeen bool

	IngressTimestamp time.Time
	IngressLevel     netio.TimestampLevel
	Correction       ptp.Correction

	RequestTLVSeen       bool
	RequestTLVOnFollowUp bool
	WantServerState      bool
}

// complete reports whether this Request has everything the Response
// Synthesizer needs: Sync seen, (one-step OR Follow-Up seen), and the
// Request TLV seen on whichever message it rides.
func (r *Request) complete() bool {
	return r.SyncSeen && (r.OneStep || r.FollowUpSeen) && r.RequestTLVSeen
}

func (r *Request) timedOut(now time.Time) bool {
	return !r.complete() && now.Sub(r.IssuedAt) > requestTimeout
}

// Outcome is the result of feeding one packet into the Table.
type Outcome int

// Outcomes of Table.OnMessage.
const (
	NoProgress Outcome = iota
	Pending
	Complete
)

// Table is the server's Request Table: it correlates a client's Sync and
// (for two-step) Follow-Up, keyed by (source address, sequenceID), until a
// Request TLV and both timestamps have arrived.
type Table struct {
	mu      sync.Mutex
	buckets [tableBuckets]map[reqKey]*Request
}

// NewTable returns an empty Request Table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.buckets {
		t.buckets[i] = map[reqKey]*Request{}
	}
	return t
}

// OnMessage merges one received Sync or Follow-Up, optionally carrying a
// Request TLV, into the table. It returns Complete (and the Request) once
// all three conditions in Request.complete are met.
func (t *Table) OnMessage(seqID uint16, src net.Addr, dst net.IP, oneStep, isFollowUp bool, correction ptp.Correction, reqTLV *ptp.RequestTLV, rxLevel netio.TimestampLevel, rxTimestamp time.Time, now time.Time) (Outcome, *Request) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := reqKey{addr: src.String(), seq: seqID}
	bucket := t.buckets[key.bucket()]

	req, ok := bucket[key]
	if !ok {
		req = &Request{SequenceID: seqID, SrcAddr: src, DstAddr: dst, OneStep: oneStep, IssuedAt: now}
		bucket[key] = req
	}

	if !isFollowUp {
		req.SyncSeen = true
		req.IngressTimestamp = rxTimestamp
		req.IngressLevel = rxLevel
	}
	if isFollowUp {
		req.FollowUpSeen = true
	}
	req.Correction += correction

	if reqTLV != nil && !req.RequestTLVSeen {
		req.RequestTLVSeen = true
		req.RequestTLVOnFollowUp = isFollowUp
		req.WantServerState = reqTLV.Header.HasServerState()
	}

	if !req.complete() {
		return Pending, req
	}

	delete(bucket, key)
	return Complete, req
}

// SweepTimeouts evicts every incomplete Request older than requestTimeout
// and returns them, bucket by bucket.
func (t *Table) SweepTimeouts(now time.Time) []*Request {
	t.mu.Lock()
	defer t.mu.Unlock()

	var timedOut []*Request
	for _, bucket := range t.buckets {
		for key, req := range bucket {
			if req.timedOut(now) {
				timedOut = append(timedOut, req)
				delete(bucket, key)
			}
		}
	}
	return timedOut
}

// Outstanding returns the number of requests currently awaiting completion.
func (t *Table) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, bucket := range t.buckets {
		n += len(bucket)
	}
	return n
}
