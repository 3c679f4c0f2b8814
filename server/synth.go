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
	"time"

	"github.com/timeplex/unisyncd/netio"
	ptp "github.com/timeplex/unisyncd/protocol"
)

// GrandmasterState supplies the ServerStateDS this server advertises to
// clients that ask for it via the Request TLV's ServerStateDS flag.
type GrandmasterState interface {
	ServerState() ptp.ServerStateDS
}

// Synthesizer turns a completed Request into the Sync(+Follow-Up) frames a
// Listener should transmit back to the client.
type Synthesizer struct {
	Inventory netio.Inventory
	State     GrandmasterState
	// UTCOffset, if non-zero, is written into every response sent from an
	// interface that has a PHC, along with the utcReasonable/timescale flags
	// on the Sync header.
	UTCOffset int16
}

// Plan is the wire-ready Sync (and, for two-step exchanges, a pending
// Follow-Up) produced by Synthesize. The Follow-Up's origin timestamp and
// degradation flag can only be filled in once the Sync's actual transmit
// timestamp is known, so Plan.FinishFollowUp does that after the Sync has
// gone out.
type Plan struct {
	Interface string

	SyncHeader ptp.Header
	syncTLV    *ptp.ResponseTLV // nil if the Response TLV rides the Follow-Up instead

	twoStep        bool
	followUpHeader ptp.Header
	followUpTLV    *ptp.ResponseTLV // nil if syncTLV carries it instead

	requestedLevel netio.TimestampLevel
}

// SyncBytes encodes the Sync message to send first.
func (p *Plan) SyncBytes() ([]byte, error) {
	return ptp.EncodeMessage(p.SyncHeader, tlvOrNil(p.syncTLV))
}

// NeedsFollowUp reports whether a Follow-Up must be sent after the Sync.
func (p *Plan) NeedsFollowUp() bool { return p.twoStep }

// RequestedLevel is the timestamp fidelity the client asked for by way of
// its own request level; a Sync transmitted below this level marks the
// Follow-Up's Response TLV with the txTimestampInvalid error flag.
func (p *Plan) RequestedLevel() netio.TimestampLevel { return p.requestedLevel }

// FinishFollowUp fills in the Follow-Up's origin timestamp from the Sync's
// actual transmit timestamp/level and encodes the Follow-Up message. If the
// achieved level fell below RequestedLevel and the Response TLV rides the
// Follow-Up, the txTimestampInvalid error flag is set as well; the origin
// timestamp is written either way. A Response TLV riding the Sync is never
// flagged, since the Sync has already been sent.
func (p *Plan) FinishFollowUp(txTimestamp time.Time, txLevel netio.TimestampLevel) ([]byte, error) {
	if !p.twoStep {
		return nil, fmt.Errorf("one-step response has no Follow-Up")
	}
	p.followUpHeader.OriginTimestamp = ptp.NewTimestamp(txTimestamp)
	if p.followUpTLV != nil && netio.Degraded(p.requestedLevel, txLevel) {
		p.followUpTLV.Error |= ptp.ErrorTxTimestampInvalid
	}
	return ptp.EncodeMessage(p.followUpHeader, tlvOrNil(p.followUpTLV))
}

func tlvOrNil(t *ptp.ResponseTLV) ptp.TLV {
	if t == nil {
		return nil
	}
	return t
}

// localInterfaceFor finds the local interface the request's destination
// address is assigned to.
func (s *Synthesizer) localInterfaceFor(candidates []string, dst net.IP) (string, error) {
	for _, name := range candidates {
		if s.Inventory.HasAddress(name, dst) {
			return name, nil
		}
	}
	return "", fmt.Errorf("destination %s is not assigned to any local interface", dst)
}

// Synthesize builds the response Plan for a completed Request. interfaces
// lists the candidate local interfaces to search for the request's
// destination address (step 1 of the Response Synthesizer).
func (s *Synthesizer) Synthesize(req *Request, interfaces []string, clockIdentity ptp.ClockIdentity, requestedLevel netio.TimestampLevel) (*Plan, error) {
	iface, err := s.localInterfaceFor(interfaces, req.DstAddr)
	if err != nil {
		return nil, err
	}

	twoStep := !req.OneStep

	var serverState *ptp.ServerStateDS
	if req.WantServerState {
		state := s.State.ServerState()
		if state.StepsRemoved == 0 {
			if phc, perr := s.Inventory.InterfacePTPClockID(iface); perr == nil {
				state.GrandmasterIdentity = phc
			}
		}
		serverState = &state
	}

	utcReasonable := false
	var utcOffset int16
	if s.UTCOffset != 0 {
		if phc, perr := s.Inventory.InterfacePHCInfo(iface); perr == nil && phc.HasPHC {
			utcReasonable = true
			utcOffset = s.UTCOffset
		}
	}

	respTLV := ptp.NewResponseTLV(ptp.NewTimestamp(req.IngressTimestamp), reqCorrectionAsInterval(req.Correction), utcOffset, serverState)

	h := ptp.Header{
		SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageSync, 0),
		Version:            ptp.FixedVersion,
		DomainNumber:       ptp.FixedDomainNumber,
		FlagField:          ptp.FlagUnicast,
		SourcePortIdentity: ptp.PortIdentity{ClockIdentity: clockIdentity, PortNumber: 1},
		SequenceID:         req.SequenceID,
		LogMessageInterval: ptp.ResponseLogInterval,
	}
	if twoStep {
		h.FlagField |= ptp.FlagTwoStep
	}
	if utcReasonable {
		h.FlagField |= ptp.FlagCurrentUTCOffsetValid | ptp.FlagPTPTimescale
	}

	plan := &Plan{
		Interface:      iface,
		twoStep:        twoStep,
		requestedLevel: requestedLevel,
	}

	if !twoStep {
		h.OriginTimestamp = ptp.NewTimestamp(time.Now())
		plan.requestedLevel = netio.LevelUser
		plan.syncTLV = respTLV
		plan.SyncHeader = h
		return plan, nil
	}

	plan.SyncHeader = h
	if req.RequestTLVOnFollowUp {
		plan.followUpTLV = respTLV
	} else {
		plan.syncTLV = respTLV
	}
	plan.followUpHeader = ptp.Header{
		SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageFollowUp, 0),
		Version:            ptp.FixedVersion,
		DomainNumber:       ptp.FixedDomainNumber,
		FlagField:          ptp.FlagUnicast,
		SourcePortIdentity: h.SourcePortIdentity,
		SequenceID:         req.SequenceID,
		LogMessageInterval: ptp.ResponseLogInterval,
	}
	return plan, nil
}

func reqCorrectionAsInterval(c ptp.Correction) ptp.TimeInterval {
	return ptp.NewTimeInterval(c.Nanoseconds())
}
