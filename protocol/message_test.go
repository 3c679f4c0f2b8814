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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testHeader(msgType MessageType, logInterval LogInterval) Header {
	return Header{
		SdoIDAndMsgType:    NewSdoIDAndMsgType(msgType, FixedSdoIDMajor),
		Version:            FixedVersion,
		DomainNumber:       FixedDomainNumber,
		FlagField:          FlagUnicast | FlagTwoStep,
		SourcePortIdentity: PortIdentity{ClockIdentity: ClockIdentity(0x001122fffe334455), PortNumber: 1},
		SequenceID:         42,
		LogMessageInterval: logInterval,
		OriginTimestamp:    NewTimestamp(time.Unix(1700000000, 500)),
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := testHeader(MessageSync, 0)
	buf := make([]byte, HeaderSize)
	n, err := h.MarshalBinaryTo(buf)
	require.NoError(t, err)
	require.Equal(t, HeaderSize, n)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.False(t, got.IsResponse())
}

func TestHeaderIsResponse(t *testing.T) {
	h := testHeader(MessageSync, ResponseLogInterval)
	require.True(t, h.IsResponse())
	h.LogMessageInterval = 0
	require.False(t, h.IsResponse())
}

func TestHeaderValidateRejectsBadFixedFields(t *testing.T) {
	h := testHeader(MessageSync, 0)
	h.Version = 0x11
	require.Error(t, h.Validate())

	h = testHeader(MessageSync, 0)
	h.DomainNumber = 1
	require.Error(t, h.Validate())

	h = testHeader(MessageSync, 0)
	h.FlagField &^= FlagUnicast
	require.Error(t, h.Validate())
}

func TestDecodeHeaderRejectsShortFrame(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	require.Error(t, err)
}

func TestEncodeDecodeRequestMessage(t *testing.T) {
	h := testHeader(MessageSync, 0)
	tlv := NewRequestTLV(true)

	buf, err := EncodeMessage(h, tlv)
	require.NoError(t, err)
	require.Equal(t, HeaderSize+orgExtHeaderSize+requestPayloadBaseSize+serverStateDSSize, len(buf))

	gotHeader, gotTLV, err := DecodeRequest(buf)
	require.NoError(t, err)
	require.Equal(t, int(gotHeader.MessageLength), len(buf))
	require.Equal(t, h.SequenceID, gotHeader.SequenceID)
	require.True(t, gotTLV.Header.HasServerState())
}

func TestEncodeDecodeResponseMessage(t *testing.T) {
	h := testHeader(MessageSync, ResponseLogInterval)
	reqIngress := NewTimestamp(time.Unix(1700000000, 111))
	tlv := NewResponseTLV(reqIngress, NewTimeInterval(10), 60, nil)

	buf, err := EncodeMessage(h, tlv)
	require.NoError(t, err)

	gotHeader, gotTLV, err := DecodeResponse(buf)
	require.NoError(t, err)
	require.True(t, gotHeader.IsResponse())
	require.Equal(t, reqIngress, gotTLV.ReqIngressTimestamp)
}

func TestDecodeRequestRejectsResponseFrame(t *testing.T) {
	h := testHeader(MessageSync, ResponseLogInterval)
	tlv := NewRequestTLV(false)
	buf, err := EncodeMessage(h, tlv)
	require.NoError(t, err)

	_, _, err = DecodeRequest(buf)
	require.Error(t, err)
}
