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

package protocol

import (
	"encoding/binary"
	"fmt"
)

// orgExtHeaderSize is the size of OrgExtHeader on the wire: 2B type + 2B
// length + 3B organizationId + 3B organizationSubType + 4B flags.
const orgExtHeaderSize = 14

// Vendor organization identifier carried by every Organization-Extension TLV
// this package produces or consumes.
var orgExtOrganizationID = [3]byte{0xEC, 0x46, 0x70}

var (
	orgExtRequestSubType  = [3]byte{'R', 'e', 'q'}
	orgExtResponseSubType = [3]byte{'R', 'e', 's'}
)

// FlagServerStateDS marks that a ServerStateDS follows the fixed-size part of
// a Request or Response payload.
const FlagServerStateDS uint32 = 0x1

// Error flag values carried in a ResponseTLV's Error field.
const (
	ErrorTxTimestampInvalid uint16 = 0x0001
)

const (
	requestPayloadBaseSize  = 22 // uint16 pad + Timestamp + TimeInterval + int16 pad
	responsePayloadBaseSize = 22 // uint16 error + Timestamp + TimeInterval + int16 utcOffset
	serverStateDSSize       = 18
)

// OrgExtHeader is the common header of the vendor Organization-Extension TLV.
// Unlike the generic TLVHead used elsewhere in this package, LengthField here
// is inclusive of the header itself: it is the total TLV size, matching the
// wire convention this TLV was defined against.
type OrgExtHeader struct {
	TLVHead
	OrganizationID      [3]byte
	OrganizationSubType [3]byte
	Flags               uint32
}

// IsRequest reports whether the header's organizationId/sub-type identify a Request.
func (h OrgExtHeader) IsRequest() bool {
	return h.TLVType == TLVOrganizationExtension &&
		h.OrganizationID == orgExtOrganizationID &&
		h.OrganizationSubType == orgExtRequestSubType
}

// IsResponse reports whether the header's organizationId/sub-type identify a Response.
func (h OrgExtHeader) IsResponse() bool {
	return h.TLVType == TLVOrganizationExtension &&
		h.OrganizationID == orgExtOrganizationID &&
		h.OrganizationSubType == orgExtResponseSubType
}

// HasServerState reports whether the ServerStateDS flag bit is set.
func (h OrgExtHeader) HasServerState() bool {
	return h.Flags&FlagServerStateDS != 0
}

// MarshalBinaryTo implements BinaryMarshalerTo.
func (h *OrgExtHeader) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < orgExtHeaderSize {
		return 0, fmt.Errorf("not enough space to encode org-ext header")
	}
	tlvHeadMarshalBinaryTo(&h.TLVHead, b)
	copy(b[4:7], h.OrganizationID[:])
	copy(b[7:10], h.OrganizationSubType[:])
	binary.BigEndian.PutUint32(b[10:14], h.Flags)
	return orgExtHeaderSize, nil
}

// UnmarshalBinary decodes an org-ext header from the start of b.
func (h *OrgExtHeader) UnmarshalBinary(b []byte) error {
	if len(b) < orgExtHeaderSize {
		return fmt.Errorf("not enough data to decode org-ext header")
	}
	if err := unmarshalTLVHeader(&h.TLVHead, b); err != nil {
		return err
	}
	copy(h.OrganizationID[:], b[4:7])
	copy(h.OrganizationSubType[:], b[7:10])
	h.Flags = binary.BigEndian.Uint32(b[10:14])
	return nil
}

// ServerStateDS summarizes the grandmaster a server is currently tracking, as
// carried in a Request (if asked for) or Response TLV.
type ServerStateDS struct {
	Priority1           uint8
	ClockClass          ClockClass
	ClockAccuracy       ClockAccuracy
	ClockVariance       uint16
	Priority2           uint8
	GrandmasterIdentity ClockIdentity
	StepsRemoved        uint16
	TimeSource          TimeSource
	Reserved            uint8
}

// MarshalBinaryTo implements BinaryMarshalerTo.
func (s *ServerStateDS) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < serverStateDSSize {
		return 0, fmt.Errorf("not enough space to encode ServerStateDS")
	}
	b[0] = s.Priority1
	b[1] = byte(s.ClockClass)
	b[2] = byte(s.ClockAccuracy)
	binary.BigEndian.PutUint16(b[3:5], s.ClockVariance)
	b[5] = s.Priority2
	binary.BigEndian.PutUint64(b[6:14], uint64(s.GrandmasterIdentity))
	binary.BigEndian.PutUint16(b[14:16], s.StepsRemoved)
	b[16] = byte(s.TimeSource)
	b[17] = s.Reserved
	return serverStateDSSize, nil
}

// UnmarshalBinary decodes a ServerStateDS from the start of b.
func (s *ServerStateDS) UnmarshalBinary(b []byte) error {
	if len(b) < serverStateDSSize {
		return fmt.Errorf("not enough data to decode ServerStateDS")
	}
	s.Priority1 = b[0]
	s.ClockClass = ClockClass(b[1])
	s.ClockAccuracy = ClockAccuracy(b[2])
	s.ClockVariance = binary.BigEndian.Uint16(b[3:5])
	s.Priority2 = b[5]
	s.GrandmasterIdentity = ClockIdentity(binary.BigEndian.Uint64(b[6:14]))
	s.StepsRemoved = binary.BigEndian.Uint16(b[14:16])
	s.TimeSource = TimeSource(b[16])
	s.Reserved = b[17]
	return nil
}

// RequestTLV is the Organization-Extension TLV a client attaches to a Sync
// request. Its fixed-size payload is unused padding; the only information it
// carries lives in the header flags (notably whether ServerStateDS was asked
// for).
type RequestTLV struct {
	Header      OrgExtHeader
	ServerState *ServerStateDS // written into the padded slot if set along with the flag; decoding leaves it nil
}

// NewRequestTLV builds a RequestTLV, setting FlagServerStateDS when wantState is true.
func NewRequestTLV(wantState bool) *RequestTLV {
	h := OrgExtHeader{
		TLVHead:             TLVHead{TLVType: TLVOrganizationExtension},
		OrganizationID:      orgExtOrganizationID,
		OrganizationSubType: orgExtRequestSubType,
	}
	if wantState {
		h.Flags = FlagServerStateDS
	}
	return &RequestTLV{Header: h}
}

// Type implements TLV.
func (t *RequestTLV) Type() TLVType { return t.Header.TLVType }

func (t *RequestTLV) payloadLen() int {
	n := requestPayloadBaseSize
	if t.Header.HasServerState() {
		n += serverStateDSSize
	}
	return n
}

// MarshalBinaryTo implements BinaryMarshalerTo.
func (t *RequestTLV) MarshalBinaryTo(b []byte) (int, error) {
	total := orgExtHeaderSize + t.payloadLen()
	if len(b) < total {
		return 0, fmt.Errorf("not enough space to encode request TLV")
	}
	t.Header.LengthField = uint16(total)
	if _, err := t.Header.MarshalBinaryTo(b); err != nil {
		return 0, err
	}
	pos := orgExtHeaderSize
	for i := pos; i < total; i++ {
		b[i] = 0
	}
	pos += requestPayloadBaseSize
	if t.ServerState != nil && t.Header.HasServerState() {
		if _, err := t.ServerState.MarshalBinaryTo(b[pos:]); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// UnmarshalBinary decodes a RequestTLV from b. b may be longer than the TLV;
// only LengthField bytes are consumed.
func (t *RequestTLV) UnmarshalBinary(b []byte) error {
	if err := t.Header.UnmarshalBinary(b); err != nil {
		return err
	}
	if !t.Header.IsRequest() {
		return fmt.Errorf("not a request TLV")
	}
	total := int(t.Header.LengthField)
	withState := orgExtHeaderSize + requestPayloadBaseSize + serverStateDSSize
	without := orgExtHeaderSize + requestPayloadBaseSize
	if total != without && total != withState {
		return fmt.Errorf("invalid request TLV length %d", total)
	}
	if len(b) < total {
		return fmt.Errorf("cannot decode request TLV of length %d from %d bytes", total, len(b))
	}
	t.ServerState = nil
	if t.Header.HasServerState() && total != withState {
		return fmt.Errorf("serverState flag set but TLV length %d doesn't match", total)
	}
	return nil
}

// ResponseTLV is the Organization-Extension TLV a server attaches to its Sync
// response.
type ResponseTLV struct {
	Header              OrgExtHeader
	Error               uint16
	ReqIngressTimestamp Timestamp
	ReqCorrectionField  TimeInterval
	UTCOffset           int16
	ServerState         *ServerStateDS
}

// NewResponseTLV builds a ResponseTLV echoing the matching request's ingress
// timestamp and correction field.
func NewResponseTLV(reqIngress Timestamp, reqCorrection TimeInterval, utcOffset int16, state *ServerStateDS) *ResponseTLV {
	h := OrgExtHeader{
		TLVHead:             TLVHead{TLVType: TLVOrganizationExtension},
		OrganizationID:      orgExtOrganizationID,
		OrganizationSubType: orgExtResponseSubType,
	}
	if state != nil {
		h.Flags = FlagServerStateDS
	}
	return &ResponseTLV{
		Header:              h,
		ReqIngressTimestamp: reqIngress,
		ReqCorrectionField:  reqCorrection,
		UTCOffset:           utcOffset,
		ServerState:         state,
	}
}

// Type implements TLV.
func (t *ResponseTLV) Type() TLVType { return t.Header.TLVType }

func (t *ResponseTLV) payloadLen() int {
	n := responsePayloadBaseSize
	if t.Header.HasServerState() {
		n += serverStateDSSize
	}
	return n
}

// MarshalBinaryTo implements BinaryMarshalerTo.
func (t *ResponseTLV) MarshalBinaryTo(b []byte) (int, error) {
	total := orgExtHeaderSize + t.payloadLen()
	if len(b) < total {
		return 0, fmt.Errorf("not enough space to encode response TLV")
	}
	t.Header.LengthField = uint16(total)
	if _, err := t.Header.MarshalBinaryTo(b); err != nil {
		return 0, err
	}
	pos := orgExtHeaderSize
	binary.BigEndian.PutUint16(b[pos:pos+2], t.Error)
	pos += 2
	seconds := t.ReqIngressTimestamp.Seconds
	copy(b[pos:pos+6], seconds[:])
	binary.BigEndian.PutUint32(b[pos+6:pos+10], t.ReqIngressTimestamp.Nanoseconds)
	pos += 10
	binary.BigEndian.PutUint64(b[pos:pos+8], uint64(t.ReqCorrectionField))
	pos += 8
	binary.BigEndian.PutUint16(b[pos:pos+2], uint16(t.UTCOffset))
	pos += 2
	if t.ServerState != nil {
		nn, err := t.ServerState.MarshalBinaryTo(b[pos:])
		if err != nil {
			return 0, err
		}
		pos += nn
	}
	return pos, nil
}

// UnmarshalBinary decodes a ResponseTLV from b. b may be longer than the TLV;
// only LengthField bytes are consumed.
func (t *ResponseTLV) UnmarshalBinary(b []byte) error {
	if err := t.Header.UnmarshalBinary(b); err != nil {
		return err
	}
	if !t.Header.IsResponse() {
		return fmt.Errorf("not a response TLV")
	}
	total := int(t.Header.LengthField)
	withState := orgExtHeaderSize + responsePayloadBaseSize + serverStateDSSize
	without := orgExtHeaderSize + responsePayloadBaseSize
	if total != without && total != withState {
		return fmt.Errorf("invalid response TLV length %d", total)
	}
	if len(b) < total {
		return fmt.Errorf("cannot decode response TLV of length %d from %d bytes", total, len(b))
	}
	pos := orgExtHeaderSize
	t.Error = binary.BigEndian.Uint16(b[pos : pos+2])
	pos += 2
	var seconds PTPSeconds
	copy(seconds[:], b[pos:pos+6])
	t.ReqIngressTimestamp = Timestamp{Seconds: seconds, Nanoseconds: binary.BigEndian.Uint32(b[pos+6 : pos+10])}
	pos += 10
	t.ReqCorrectionField = TimeInterval(binary.BigEndian.Uint64(b[pos : pos+8]))
	pos += 8
	t.UTCOffset = int16(binary.BigEndian.Uint16(b[pos : pos+2]))
	pos += 2
	t.ServerState = nil
	if t.Header.HasServerState() {
		if total != withState {
			return fmt.Errorf("serverState flag set but TLV length %d doesn't match", total)
		}
		ss := &ServerStateDS{}
		if err := ss.UnmarshalBinary(b[pos:withState]); err != nil {
			return err
		}
		t.ServerState = ss
	}
	return nil
}

// OrgExtKind classifies a validated Organization-Extension TLV.
type OrgExtKind int

// Results of ValidateOrgExt.
const (
	OrgExtNone OrgExtKind = iota
	OrgExtRequest
	OrgExtResponse
)

func (k OrgExtKind) String() string {
	switch k {
	case OrgExtRequest:
		return "request"
	case OrgExtResponse:
		return "response"
	default:
		return "none"
	}
}

// ValidateOrgExt classifies the Organization-Extension TLV at the start of b,
// returning OrgExtNone for anything malformed: wrong TLV type, wrong
// organizationId, unrecognized sub-type, or a declared length that doesn't
// fit the remaining buffer. It never returns an error; malformed input is
// meant to be silently dropped by the caller.
func ValidateOrgExt(b []byte) OrgExtKind {
	var h OrgExtHeader
	if err := h.UnmarshalBinary(b); err != nil {
		return OrgExtNone
	}
	total := int(h.LengthField)
	if total < orgExtHeaderSize || total > len(b) {
		return OrgExtNone
	}
	switch {
	case h.IsRequest():
		return OrgExtRequest
	case h.IsResponse():
		return OrgExtResponse
	default:
		return OrgExtNone
	}
}

// DecodeRequestTLV validates and decodes a RequestTLV from the start of b.
func DecodeRequestTLV(b []byte) (*RequestTLV, error) {
	if ValidateOrgExt(b) != OrgExtRequest {
		return nil, fmt.Errorf("not a valid request TLV")
	}
	t := &RequestTLV{}
	if err := t.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return t, nil
}

// DecodeResponseTLV validates and decodes a ResponseTLV from the start of b.
func DecodeResponseTLV(b []byte) (*ResponseTLV, error) {
	if ValidateOrgExt(b) != OrgExtResponse {
		return nil, fmt.Errorf("not a valid response TLV")
	}
	t := &ResponseTLV{}
	if err := t.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return t, nil
}
