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
	"fmt"

	"github.com/pion/rtcp"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
)

const (
	BitrateReportName    = "RZBR"
	BitrateReportSubtype = 0

	// header, ssrc, name
	appFixedLength = 12
	// bitrate, fraction loss, reserved, rtt
	bitrateReportBodyLength = 12
	bitrateReportLength     = appFixedLength + bitrateReportBodyLength
)

// BitrateReport carries the receiver's view of the path in an RTCP APP packet.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|V=2|P| subtype |   PT=APP=204  |             length            |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                           SSRC/CSRC                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                          name "RZBR"                          |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                          bitrate (bps)                        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	| fraction loss |                    reserved                   |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                            rtt (ms)                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	:                    further fields, ignored                    :
//
// Decoders accept any body at least as long as the fields above.
type BitrateReport struct {
	SenderSSRC   uint32
	Bitrate      uint32
	FractionLoss uint8
	RTT          uint32
}

func (b *BitrateReport) MarshalSize() int {
	return bitrateReportLength
}

func (b *BitrateReport) Marshal() ([]byte, error) {
	raw := make([]byte, bitrateReportLength)
	h := rtcp.Header{
		Count:  BitrateReportSubtype,
		Type:   rtcp.TypeApplicationDefined,
		Length: uint16(bitrateReportLength/4 - 1),
	}
	hData, err := h.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "bitrate report header")
	}
	copy(raw, hData)

	binary.BigEndian.PutUint32(raw[4:], b.SenderSSRC)
	copy(raw[8:12], BitrateReportName)
	binary.BigEndian.PutUint32(raw[12:], b.Bitrate)
	raw[16] = b.FractionLoss
	binary.BigEndian.PutUint32(raw[20:], b.RTT)
	return raw, nil
}

func (b *BitrateReport) Unmarshal(raw []byte) error {
	var h rtcp.Header
	if err := h.Unmarshal(raw); err != nil {
		return errors.Wrap(ErrInvalidHeader, err.Error())
	}
	if h.Type != rtcp.TypeApplicationDefined || h.Count != BitrateReportSubtype {
		return ErrWrongType
	}

	size := (int(h.Length) + 1) * 4
	if size > len(raw) {
		return ErrTruncated
	}
	if size < bitrateReportLength {
		return errors.Wrapf(ErrTruncated, "bitrate report of %d bytes", size)
	}
	if string(raw[8:12]) != BitrateReportName {
		return ErrWrongType
	}

	b.SenderSSRC = binary.BigEndian.Uint32(raw[4:])
	b.Bitrate = binary.BigEndian.Uint32(raw[12:])
	b.FractionLoss = raw[16]
	b.RTT = binary.BigEndian.Uint32(raw[20:])
	return nil
}

func (b *BitrateReport) String() string {
	return fmt.Sprintf("BitrateReport{ssrc: %d, bitrate: %d, fractionLoss: %d, rtt: %dms}", b.SenderSSRC, b.Bitrate, b.FractionLoss, b.RTT)
}

func (b *BitrateReport) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if b == nil {
		return nil
	}

	e.AddUint32("senderSSRC", b.SenderSSRC)
	e.AddUint32("bitrate", b.Bitrate)
	e.AddUint8("fractionLoss", b.FractionLoss)
	e.AddUint32("rtt", b.RTT)
	return nil
}
