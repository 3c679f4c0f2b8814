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

// HeaderSize is the fixed size of a PTPv2.1 message header on the wire,
// including the trailing 10-byte origin timestamp every Sync/Follow-Up this
// package sends or accepts carries.
const HeaderSize = 44

// Fixed header field values this package requires on every frame it sends or accepts.
const (
	FixedVersion      uint8 = 0x12
	FixedSdoIDMajor   uint8 = 0x0
	FixedSdoIDMinor   uint8 = 0x0
	FixedDomainNumber uint8 = 0x0
)

// Flags is the 16-bit header flag field, Table 37 of the PTPv2 standard.
type Flags uint16

// Flag bits this package sets or inspects.
const (
	FlagTwoStep               Flags = 0x0002
	FlagUnicast               Flags = 0x0004
	FlagLeap61                Flags = 0x0100
	FlagLeap59                Flags = 0x0200
	FlagCurrentUTCOffsetValid Flags = 0x0400 // "utcReasonable"
	FlagPTPTimescale          Flags = 0x0800 // "timescale"
	FlagTimeTraceable         Flags = 0x1000
	FlagFrequencyTraceable    Flags = 0x2000
)

// Has reports whether all bits of mask are set in f.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Header is the common 44-byte PTPv2.1 message header, origin timestamp
// included.
type Header struct {
	SdoIDAndMsgType     SdoIDAndMsgType
	Version             uint8
	MessageLength       uint16
	DomainNumber        uint8
	MinorSdoID          uint8
	FlagField           Flags
	CorrectionField     Correction
	MessageTypeSpecific uint32
	SourcePortIdentity  PortIdentity
	SequenceID          uint16
	ControlField        uint8
	LogMessageInterval  LogInterval
	OriginTimestamp     Timestamp
}

// IsResponse reports whether logMessagePeriod marks this message as carrying
// a Response rather than a Request.
func (h Header) IsResponse() bool {
	return h.LogMessageInterval == ResponseLogInterval
}

// MessageType extracts the message type carried in the first header byte.
func (h Header) MessageType() MessageType {
	return h.SdoIDAndMsgType.MsgType()
}

// Validate rejects a header that does not meet the fixed-value and unicast
// requirements every frame this package handles must satisfy.
func (h Header) Validate() error {
	if h.Version != FixedVersion {
		return fmt.Errorf("unexpected PTP version %#x, want %#x", h.Version, FixedVersion)
	}
	if h.DomainNumber != FixedDomainNumber {
		return fmt.Errorf("unexpected domain %d, want %d", h.DomainNumber, FixedDomainNumber)
	}
	sdoIDMajor := uint8(h.SdoIDAndMsgType >> 4)
	if sdoIDMajor != FixedSdoIDMajor || h.MinorSdoID != FixedSdoIDMinor {
		return fmt.Errorf("unexpected sdoId %d.%d, want %d.%d", sdoIDMajor, h.MinorSdoID, FixedSdoIDMajor, FixedSdoIDMinor)
	}
	if !h.FlagField.Has(FlagUnicast) {
		return fmt.Errorf("unicast flag not set")
	}
	return nil
}

// MarshalBinaryTo implements BinaryMarshalerTo.
func (h *Header) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < HeaderSize {
		return 0, fmt.Errorf("not enough space to encode header")
	}
	b[0] = byte(h.SdoIDAndMsgType)
	b[1] = h.Version
	binary.BigEndian.PutUint16(b[2:4], h.MessageLength)
	b[4] = h.DomainNumber
	b[5] = h.MinorSdoID
	binary.BigEndian.PutUint16(b[6:8], uint16(h.FlagField))
	binary.BigEndian.PutUint64(b[8:16], uint64(h.CorrectionField))
	binary.BigEndian.PutUint32(b[16:20], h.MessageTypeSpecific)
	binary.BigEndian.PutUint64(b[20:28], uint64(h.SourcePortIdentity.ClockIdentity))
	binary.BigEndian.PutUint16(b[28:30], h.SourcePortIdentity.PortNumber)
	binary.BigEndian.PutUint16(b[30:32], h.SequenceID)
	b[32] = h.ControlField
	b[33] = byte(h.LogMessageInterval)
	copy(b[34:40], h.OriginTimestamp.Seconds[:])
	binary.BigEndian.PutUint32(b[40:44], h.OriginTimestamp.Nanoseconds)
	return HeaderSize, nil
}

// UnmarshalBinary decodes a Header from the start of b. It does not validate
// fixed-value fields; call Validate for that.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("not enough data to decode header, got %d bytes, want %d", len(b), HeaderSize)
	}
	h.SdoIDAndMsgType = SdoIDAndMsgType(b[0])
	h.Version = b[1]
	h.MessageLength = binary.BigEndian.Uint16(b[2:4])
	h.DomainNumber = b[4]
	h.MinorSdoID = b[5]
	h.FlagField = Flags(binary.BigEndian.Uint16(b[6:8]))
	h.CorrectionField = Correction(binary.BigEndian.Uint64(b[8:16]))
	h.MessageTypeSpecific = binary.BigEndian.Uint32(b[16:20])
	h.SourcePortIdentity = PortIdentity{
		ClockIdentity: ClockIdentity(binary.BigEndian.Uint64(b[20:28])),
		PortNumber:    binary.BigEndian.Uint16(b[28:30]),
	}
	h.SequenceID = binary.BigEndian.Uint16(b[30:32])
	h.ControlField = b[32]
	h.LogMessageInterval = LogInterval(b[33])
	copy(h.OriginTimestamp.Seconds[:], b[34:40])
	h.OriginTimestamp.Nanoseconds = binary.BigEndian.Uint32(b[40:44])
	return nil
}

// DecodeHeader validates and decodes the header at the start of b.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("frame too short: %d bytes, want at least %d", len(b), HeaderSize)
	}
	if err := h.UnmarshalBinary(b); err != nil {
		return h, err
	}
	if err := h.Validate(); err != nil {
		return h, err
	}
	return h, nil
}

// EncodeMessage writes header followed by the optional body TLV into a
// freshly allocated buffer, setting header.MessageLength to match.
func EncodeMessage(header Header, body TLV) ([]byte, error) {
	bodyLen := 0
	var marshaler BinaryMarshalerTo
	if body != nil {
		m, ok := body.(BinaryMarshalerTo)
		if !ok {
			return nil, fmt.Errorf("TLV %s does not support MarshalBinaryTo", body.Type())
		}
		marshaler = m
		switch t := body.(type) {
		case *RequestTLV:
			bodyLen = orgExtHeaderSize + t.payloadLen()
		case *ResponseTLV:
			bodyLen = orgExtHeaderSize + t.payloadLen()
		default:
			return nil, fmt.Errorf("unsupported TLV type %s", body.Type())
		}
	}

	header.MessageLength = uint16(HeaderSize + bodyLen)
	buf := make([]byte, header.MessageLength)
	if _, err := header.MarshalBinaryTo(buf); err != nil {
		return nil, err
	}
	if marshaler != nil {
		if _, err := marshaler.MarshalBinaryTo(buf[HeaderSize:]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DecodeRequest decodes a full Sync(+Follow-Up) frame carrying a Request TLV:
// the header plus its Organization-Extension TLV.
func DecodeRequest(b []byte) (Header, *RequestTLV, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return h, nil, err
	}
	if h.IsResponse() {
		return h, nil, fmt.Errorf("logMessagePeriod marks this frame as a response")
	}
	t, err := DecodeRequestTLV(b[HeaderSize:])
	if err != nil {
		return h, nil, err
	}
	return h, t, nil
}

// DecodeResponse decodes a full Sync(+Follow-Up) frame carrying a Response TLV.
func DecodeResponse(b []byte) (Header, *ResponseTLV, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return h, nil, err
	}
	if !h.IsResponse() {
		return h, nil, fmt.Errorf("logMessagePeriod does not mark this frame as a response")
	}
	t, err := DecodeResponseTLV(b[HeaderSize:])
	if err != nil {
		return h, nil, err
	}
	return h, t, nil
}
