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
	"github.com/pion/rtcp"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
)

var (
	ErrTruncated     = errors.New("feedback truncated")
	ErrInvalidHeader = errors.New("invalid rtcp header")
	ErrWrongType     = errors.New("unexpected rtcp packet type")
	ErrEmpty         = errors.New("empty feedback")
)

const (
	headerLength = 4
)

// Message is one feedback payload, a compound RTCP packet holding transport wide
// feedback, at most one REMB and at most one bitrate report.
type Message struct {
	TransportFeedback []*rtcp.TransportLayerCC
	REMB              *rtcp.ReceiverEstimatedMaximumBitrate
	Report            *BitrateReport
}

func (m *Message) IsEmpty() bool {
	return len(m.TransportFeedback) == 0 && m.REMB == nil && m.Report == nil
}

func (m *Message) Marshal() ([]byte, error) {
	if m.IsEmpty() {
		return nil, ErrEmpty
	}

	var raw []byte
	for _, tcc := range m.TransportFeedback {
		data, err := tcc.Marshal()
		if err != nil {
			return nil, errors.Wrap(err, "transport feedback")
		}
		raw = append(raw, data...)
	}
	if m.REMB != nil {
		data, err := m.REMB.Marshal()
		if err != nil {
			return nil, errors.Wrap(err, "remb")
		}
		raw = append(raw, data...)
	}
	if m.Report != nil {
		data, err := m.Report.Marshal()
		if err != nil {
			return nil, err
		}
		raw = append(raw, data...)
	}
	return raw, nil
}

// Unmarshal decodes a whole message or nothing. Packet types other than the three
// carried are skipped.
func Unmarshal(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, ErrEmpty
	}

	m := &Message{}
	for offset := 0; offset < len(raw); {
		var h rtcp.Header
		if len(raw)-offset < headerLength {
			return nil, errors.Wrapf(ErrTruncated, "%d trailing bytes", len(raw)-offset)
		}
		if err := h.Unmarshal(raw[offset:]); err != nil {
			return nil, errors.Wrapf(ErrInvalidHeader, "at offset %d: %v", offset, err)
		}

		size := (int(h.Length) + 1) * headerLength
		if offset+size > len(raw) {
			return nil, errors.Wrapf(ErrTruncated, "packet at offset %d needs %d bytes, %d left", offset, size, len(raw)-offset)
		}
		data := raw[offset : offset+size]
		offset += size

		switch {
		case h.Type == rtcp.TypeTransportSpecificFeedback && h.Count == rtcp.FormatTCC:
			tcc := &rtcp.TransportLayerCC{}
			if err := tcc.Unmarshal(data); err != nil {
				return nil, errors.Wrap(err, "transport feedback")
			}
			m.TransportFeedback = append(m.TransportFeedback, tcc)

		case h.Type == rtcp.TypePayloadSpecificFeedback && h.Count == rtcp.FormatREMB:
			remb := &rtcp.ReceiverEstimatedMaximumBitrate{}
			if err := remb.Unmarshal(data); err != nil {
				return nil, errors.Wrap(err, "remb")
			}
			// latest wins within a message too
			m.REMB = remb

		case h.Type == rtcp.TypeApplicationDefined && h.Count == BitrateReportSubtype && isBitrateReport(data):
			report := &BitrateReport{}
			if err := report.Unmarshal(data); err != nil {
				return nil, err
			}
			m.Report = report
		}
	}

	return m, nil
}

func isBitrateReport(data []byte) bool {
	return len(data) >= appFixedLength && string(data[8:12]) == BitrateReportName
}

func (m *Message) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if m == nil {
		return nil
	}

	e.AddInt("numTransportFeedback", len(m.TransportFeedback))
	if m.REMB != nil {
		e.AddFloat64("rembBitrate", float64(m.REMB.Bitrate))
		e.AddInt("rembNumSSRCs", len(m.REMB.SSRCs))
	}
	if m.Report != nil {
		return e.AddObject("report", m.Report)
	}
	return nil
}
