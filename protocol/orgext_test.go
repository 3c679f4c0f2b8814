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

func TestRequestTLVRoundTrip(t *testing.T) {
	for _, wantState := range []bool{false, true} {
		tlv := NewRequestTLV(wantState)
		buf := make([]byte, orgExtHeaderSize+requestPayloadBaseSize+serverStateDSSize)
		n, err := tlv.MarshalBinaryTo(buf)
		require.NoError(t, err)

		got, err := DecodeRequestTLV(buf[:n])
		require.NoError(t, err)
		require.Equal(t, wantState, got.Header.HasServerState())
		require.Nil(t, got.ServerState)
		if wantState {
			require.Equal(t, orgExtHeaderSize+requestPayloadBaseSize+serverStateDSSize, n)
		} else {
			require.Equal(t, orgExtHeaderSize+requestPayloadBaseSize, n)
		}
	}
}

func TestResponseTLVRoundTrip(t *testing.T) {
	reqIngress := NewTimestamp(time.Unix(1700000000, 123456789))
	reqCorrection := NewTimeInterval(42.5)
	state := &ServerStateDS{
		Priority1:           128,
		ClockClass:          ClockClass6,
		ClockAccuracy:       ClockAccuracyNanosecond100,
		ClockVariance:       0x1234,
		Priority2:           128,
		GrandmasterIdentity: ClockIdentity(0x001122fffe334455),
		StepsRemoved:        2,
		TimeSource:          TimeSourceGNSS,
	}
	tlv := NewResponseTLV(reqIngress, reqCorrection, -120, state)
	buf := make([]byte, orgExtHeaderSize+responsePayloadBaseSize+serverStateDSSize)
	n, err := tlv.MarshalBinaryTo(buf)
	require.NoError(t, err)
	require.Equal(t, orgExtHeaderSize+responsePayloadBaseSize+serverStateDSSize, n)

	got, err := DecodeResponseTLV(buf[:n])
	require.NoError(t, err)
	require.Equal(t, reqIngress, got.ReqIngressTimestamp)
	require.Equal(t, reqCorrection, got.ReqCorrectionField)
	require.EqualValues(t, -120, got.UTCOffset)
	require.NotNil(t, got.ServerState)
	require.Equal(t, *state, *got.ServerState)
}

func TestValidateOrgExt(t *testing.T) {
	req := NewRequestTLV(false)
	buf := make([]byte, orgExtHeaderSize+requestPayloadBaseSize)
	_, err := req.MarshalBinaryTo(buf)
	require.NoError(t, err)
	require.Equal(t, OrgExtRequest, ValidateOrgExt(buf))

	resp := NewResponseTLV(Timestamp{}, TimeInterval(0), 0, nil)
	rbuf := make([]byte, orgExtHeaderSize+responsePayloadBaseSize)
	_, err = resp.MarshalBinaryTo(rbuf)
	require.NoError(t, err)
	require.Equal(t, OrgExtResponse, ValidateOrgExt(rbuf))

	require.Equal(t, OrgExtNone, ValidateOrgExt([]byte{0x1, 0x2, 0x3}))

	// wrong TLV type
	other := make([]byte, len(buf))
	copy(other, buf)
	other[1] = 0x09 // change TLVType low byte
	require.Equal(t, OrgExtNone, ValidateOrgExt(other))

	// declared length longer than the buffer
	short := make([]byte, len(buf))
	copy(short, buf)
	require.Equal(t, OrgExtRequest, ValidateOrgExt(short))
	require.Equal(t, OrgExtNone, ValidateOrgExt(short[:len(short)-1]))
}

func TestServerStateDSRoundTrip(t *testing.T) {
	s := ServerStateDS{
		Priority1:           1,
		ClockClass:          ClockClass6,
		ClockAccuracy:       ClockAccuracyNanosecond25,
		ClockVariance:       0xABCD,
		Priority2:           255,
		GrandmasterIdentity: ClockIdentity(0xAABBCCFFFEDDEEFF),
		StepsRemoved:        7,
		TimeSource:          TimeSourcePTP,
	}
	buf := make([]byte, serverStateDSSize)
	n, err := s.MarshalBinaryTo(buf)
	require.NoError(t, err)
	require.Equal(t, serverStateDSSize, n)

	var got ServerStateDS
	require.NoError(t, got.UnmarshalBinary(buf))
	require.Equal(t, s, got)
}
