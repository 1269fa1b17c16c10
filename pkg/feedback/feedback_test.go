// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package feedback

import (
	"encoding/binary"
	"testing"

	"github.com/pion/interceptor/pkg/twcc"
	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"
)

func buildTransportFeedback(t *testing.T) *rtcp.TransportLayerCC {
	recorder := twcc.NewRecorder(1)
	arrival := int64(1_000_000)
	for sn := uint16(10); sn < 20; sn++ {
		if sn == 15 {
			continue
		}
		recorder.Record(1234, sn, arrival)
		arrival += 5000
	}
	packets := recorder.BuildFeedbackPacket()
	require.NotEmpty(t, packets)

	tcc, ok := packets[0].(*rtcp.TransportLayerCC)
	require.True(t, ok)
	return tcc
}

func TestBitrateReport(t *testing.T) {
	report := &BitrateReport{
		SenderSSRC:   1,
		Bitrate:      850_000,
		FractionLoss: 26,
		RTT:          120,
	}
	raw, err := report.Marshal()
	require.NoError(t, err)
	require.Len(t, raw, report.MarshalSize())
	require.Equal(t, byte(rtcp.TypeApplicationDefined), raw[1])
	require.Equal(t, BitrateReportName, string(raw[8:12]))

	decoded := &BitrateReport{}
	require.NoError(t, decoded.Unmarshal(raw))
	require.Equal(t, report, decoded)

	t.Run("trailing fields are ignored", func(t *testing.T) {
		extended := append(append([]byte{}, raw...), 0xde, 0xad, 0xbe, 0xef)
		binary.BigEndian.PutUint16(extended[2:], uint16(len(extended)/4-1))

		decoded := &BitrateReport{}
		require.NoError(t, decoded.Unmarshal(extended))
		require.Equal(t, report, decoded)
	})

	t.Run("short body", func(t *testing.T) {
		short := append([]byte{}, raw[:16]...)
		binary.BigEndian.PutUint16(short[2:], uint16(len(short)/4-1))
		require.ErrorIs(t, (&BitrateReport{}).Unmarshal(short), ErrTruncated)
	})

	t.Run("wrong name", func(t *testing.T) {
		other := append([]byte{}, raw...)
		copy(other[8:12], "ABCD")
		require.ErrorIs(t, (&BitrateReport{}).Unmarshal(other), ErrWrongType)
	})
}

func TestMessage(t *testing.T) {
	tcc := buildTransportFeedback(t)
	m := &Message{
		TransportFeedback: []*rtcp.TransportLayerCC{tcc},
		REMB: &rtcp.ReceiverEstimatedMaximumBitrate{
			SenderSSRC: 1,
			Bitrate:    500_000,
			SSRCs:      []uint32{1234},
		},
		Report: &BitrateReport{
			SenderSSRC:   1,
			Bitrate:      500_000,
			FractionLoss: 3,
			RTT:          40,
		},
	}
	raw, err := m.Marshal()
	require.NoError(t, err)

	decoded, err := Unmarshal(raw)
	require.NoError(t, err)
	require.Len(t, decoded.TransportFeedback, 1)
	require.Equal(t, uint16(10), decoded.TransportFeedback[0].BaseSequenceNumber)
	require.Equal(t, uint16(10), decoded.TransportFeedback[0].PacketStatusCount)
	require.Len(t, decoded.TransportFeedback[0].RecvDeltas, 9)
	require.NotNil(t, decoded.REMB)
	require.Equal(t, float32(500_000), decoded.REMB.Bitrate)
	require.Equal(t, []uint32{1234}, decoded.REMB.SSRCs)
	require.Equal(t, m.Report, decoded.Report)

	t.Run("unknown packets are skipped", func(t *testing.T) {
		rr := &rtcp.ReceiverReport{SSRC: 5}
		rrData, err := rr.Marshal()
		require.NoError(t, err)

		decoded, err := Unmarshal(append(rrData, raw...))
		require.NoError(t, err)
		require.Equal(t, m.Report, decoded.Report)
		require.Len(t, decoded.TransportFeedback, 1)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Unmarshal(raw[:len(raw)-3])
		require.ErrorIs(t, err, ErrTruncated)

		_, err = Unmarshal(raw[:len(raw)-4])
		require.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("bad header", func(t *testing.T) {
		corrupt := append([]byte{}, raw...)
		corrupt[0] = 0x00
		_, err := Unmarshal(corrupt)
		require.ErrorIs(t, err, ErrInvalidHeader)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Unmarshal(nil)
		require.ErrorIs(t, err, ErrEmpty)

		_, err = (&Message{}).Marshal()
		require.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("report only", func(t *testing.T) {
		only := &Message{Report: m.Report}
		raw, err := only.Marshal()
		require.NoError(t, err)

		decoded, err := Unmarshal(raw)
		require.NoError(t, err)
		require.Empty(t, decoded.TransportFeedback)
		require.Nil(t, decoded.REMB)
		require.Equal(t, m.Report, decoded.Report)
	})
}
