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

/*
Package server implements the stateless Unicast PTP server side: a Request
Table correlating Sync/Follow-Up pairs, and a Response Synthesizer that turns
a completed request into the matching response frames.
*/
package server

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timeplex/unisyncd/netio"
	ptp "github.com/timeplex/unisyncd/protocol"
)

// ClientResponseHandler re-dispatches a frame marked as a Response
// (logMessagePeriod == 0x7f) to the Client Coordinator, which owns the
// Server Worker it belongs to.
type ClientResponseHandler func(msg []byte, src, dst net.Addr, level netio.TimestampLevel, ts time.Time)

// Coordinator is the Server Coordinator: it owns one Request Table and one
// Response Synthesizer for all of an interface's bound addresses.
type Coordinator struct {
	Table         *Table
	Synth         *Synthesizer
	Inventory     netio.Inventory
	Interfaces    []string
	ClockIdentity ptp.ClockIdentity

	// OnClientResponse, if set, receives frames this coordinator determines
	// belong to the Client Coordinator instead.
	OnClientResponse ClientResponseHandler
}

// HandleMessage is the netio.OnMessage callback a Listener invokes for
// every packet it accepts. It decides whether the frame is a client
// request (fed to the Request Table) or a response meant for the Client
// Coordinator (re-dispatched), and synthesizes + transmits a response once
// a request completes.
func (c *Coordinator) HandleMessage(msg []byte, src, dst net.Addr, level netio.TimestampLevel, ts time.Time) {
	h, err := ptp.DecodeHeader(msg)
	if err != nil {
		log.Debugf("server: dropping malformed frame from %s: %v", src, err)
		return
	}

	if h.IsResponse() {
		if c.OnClientResponse != nil {
			c.OnClientResponse(msg, src, dst, level, ts)
		}
		return
	}

	msgType := h.MessageType()
	if msgType != ptp.MessageSync && msgType != ptp.MessageFollowUp {
		return
	}
	isFollowUp := msgType == ptp.MessageFollowUp

	var reqTLV *ptp.RequestTLV
	if len(msg) > ptp.HeaderSize && ptp.ValidateOrgExt(msg[ptp.HeaderSize:]) == ptp.OrgExtRequest {
		reqTLV = &ptp.RequestTLV{}
		if uerr := reqTLV.UnmarshalBinary(msg[ptp.HeaderSize:]); uerr != nil {
			reqTLV = nil
		}
	}

	oneStep := !h.FlagField.Has(ptp.FlagTwoStep)
	dstIP := addrIP(dst)

	outcome, req := c.Table.OnMessage(h.SequenceID, src, dstIP, oneStep, isFollowUp, h.CorrectionField, reqTLV, level, ts, time.Now())
	if outcome != Complete {
		return
	}
	c.respond(req)
}

func (c *Coordinator) respond(req *Request) {
	plan, err := c.Synth.Synthesize(req, c.Interfaces, c.ClockIdentity, req.IngressLevel)
	if err != nil {
		log.Warnf("server: %v", err)
		return
	}

	syncBytes, err := plan.SyncBytes()
	if err != nil {
		log.Errorf("server: encoding sync response: %v", err)
		return
	}
	txTime, txLevel, err := c.Inventory.Send(syncBytes, plan.Interface, req.SrcAddr, plan.RequestedLevel())
	if err != nil {
		log.Errorf("server: sending sync response to %s: %v", req.SrcAddr, err)
		return
	}
	if !plan.NeedsFollowUp() {
		return
	}

	fuBytes, err := plan.FinishFollowUp(txTime, txLevel)
	if err != nil {
		log.Errorf("server: encoding follow-up response: %v", err)
		return
	}
	if _, _, err := c.Inventory.Send(fuBytes, plan.Interface, req.SrcAddr, netio.LevelUser); err != nil {
		log.Errorf("server: sending follow-up response to %s: %v", req.SrcAddr, err)
	}
}

func addrIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.UDPAddr:
		return v.IP
	default:
		host, _, err := net.SplitHostPort(a.String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
}
