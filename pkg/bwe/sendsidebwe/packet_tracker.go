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

package sendsidebwe

import (
	"time"

	"github.com/livekit/protocol/logger"
	"go.uber.org/zap/zapcore"

	"github.com/dTelecom/razor-cc/pkg/bwe"
	"github.com/dTelecom/razor-cc/pkg/ccutils"
)

const (
	// covers well over a second at the highest configurable rates
	packetHistorySize = 1 << 15
)

type PacketTrackerParams struct {
	Logger logger.Logger
	// first transport wide sequence number handed out
	StartSequenceNumber uint16
}

// PacketTracker is the sender history: what was sent, when, and the verdict on it.
type PacketTracker struct {
	params PacketTrackerParams

	sequenceNumber uint64
	wrap           *ccutils.WrapAround[uint16, uint64]
	packetInfos    []packetInfo

	// oldest packet without a verdict
	leastUnacked  uint64
	bytesInFlight int
	firstSendTime time.Time
}

func NewPacketTracker(params PacketTrackerParams) *PacketTracker {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	p := &PacketTracker{
		params:      params,
		wrap:        ccutils.NewWrapAround[uint16, uint64](),
		packetInfos: make([]packetInfo, packetHistorySize),
	}
	p.sequenceNumber = p.wrap.Update(params.StartSequenceNumber).ExtendedVal
	p.leastUnacked = p.sequenceNumber
	return p
}

// RecordPacketSend assigns the next transport sequence number to a packet leaving now.
func (p *PacketTracker) RecordPacketSend(at time.Time, size int, isRTX bool) bwe.SentPacket {
	if p.firstSendTime.IsZero() {
		p.firstSendTime = at
	}

	sn := p.sequenceNumber
	p.sequenceNumber++
	p.wrap.Update(uint16(p.sequenceNumber))

	pi := p.getPacketInfo(sn)
	if pi.valid && pi.status == packetStatusInFlight {
		// history wrapped before a verdict arrived
		p.bytesInFlight -= pi.size
	}
	*pi = packetInfo{
		valid:          true,
		sequenceNumber: sn,
		sendTime:       at,
		size:           size,
		isRTX:          isRTX,
		status:         packetStatusInFlight,
	}
	p.bytesInFlight += size
	if sn-p.leastUnacked >= packetHistorySize {
		p.leastUnacked = sn - packetHistorySize + 1
	}

	return bwe.SentPacket{
		SequenceNumber:   sn,
		Size:             size,
		SendTime:         at,
		BytesInFlight:    p.bytesInFlight,
		IsRetransmission: isRTX,
	}
}

// ExtendSequenceNumber maps a wire sequence number onto the history.
func (p *PacketTracker) ExtendSequenceNumber(sn uint16) uint64 {
	return p.wrap.Extend(sn)
}

// RecordPacketIndicationFromRemote applies a remote verdict. A zero receive time means
// the remote reported it missing. Only the first verdict on a packet counts.
func (p *PacketTracker) RecordPacketIndicationFromRemote(sn uint64, recvTime time.Time) (bwe.PacketResult, bool) {
	pi := p.getPacketInfoExisting(sn)
	if pi == nil || pi.status != packetStatusInFlight {
		return bwe.PacketResult{}, false
	}

	if recvTime.IsZero() {
		pi.status = packetStatusLost
	} else {
		pi.status = packetStatusAcked
		pi.recvTime = recvTime
	}
	p.bytesInFlight -= pi.size
	p.advanceLeastUnacked()

	return bwe.PacketResult{
		SequenceNumber:   pi.sequenceNumber,
		Size:             pi.size,
		SendTime:         pi.sendTime,
		ReceiveTime:      pi.recvTime,
		IsRetransmission: pi.isRTX,
	}, true
}

// DetectTimeouts declares packets sent before the cutoff without any verdict as lost.
func (p *PacketTracker) DetectTimeouts(cutoff time.Time) []bwe.PacketResult {
	var lost []bwe.PacketResult
	for sn := p.leastUnacked; sn < p.sequenceNumber; sn++ {
		pi := p.getPacketInfoExisting(sn)
		if pi == nil || pi.status != packetStatusInFlight {
			continue
		}
		if !pi.sendTime.Before(cutoff) {
			break
		}

		pi.status = packetStatusLost
		p.bytesInFlight -= pi.size
		lost = append(lost, bwe.PacketResult{
			SequenceNumber:   pi.sequenceNumber,
			Size:             pi.size,
			SendTime:         pi.sendTime,
			IsRetransmission: pi.isRTX,
		})
	}
	p.advanceLeastUnacked()
	return lost
}

func (p *PacketTracker) BytesInFlight() int {
	return p.bytesInFlight
}

func (p *PacketTracker) LeastUnacked() uint64 {
	return p.leastUnacked
}

func (p *PacketTracker) HighestSent() (uint64, bool) {
	if p.firstSendTime.IsZero() {
		return 0, false
	}
	return p.sequenceNumber - 1, true
}

func (p *PacketTracker) FirstSendTime() time.Time {
	return p.firstSendTime
}

func (p *PacketTracker) advanceLeastUnacked() {
	for p.leastUnacked < p.sequenceNumber {
		pi := p.getPacketInfoExisting(p.leastUnacked)
		if pi != nil && pi.status == packetStatusInFlight {
			return
		}
		p.leastUnacked++
	}
}

func (p *PacketTracker) getPacketInfo(sn uint64) *packetInfo {
	return &p.packetInfos[sn%uint64(len(p.packetInfos))]
}

func (p *PacketTracker) getPacketInfoExisting(sn uint64) *packetInfo {
	pi := p.getPacketInfo(sn)
	if pi.valid && pi.sequenceNumber == sn {
		return pi
	}

	return nil
}

func (p *PacketTracker) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if p == nil {
		return nil
	}

	e.AddUint64("sequenceNumber", p.sequenceNumber)
	e.AddUint64("leastUnacked", p.leastUnacked)
	e.AddInt("bytesInFlight", p.bytesInFlight)
	return nil
}
