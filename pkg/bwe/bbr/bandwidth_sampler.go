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

package bbr

import (
	"math"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/zap/zapcore"
)

const (
	// InfiniteBandwidth marks a send rate that could not be measured
	InfiniteBandwidth = int64(math.MaxInt64)

	// a jump in sequence numbers beyond this drops the per packet history
	maxTrackedSequenceGap = 1 << 15
)

// BandwidthFromBytesAndTimeDelta returns bits per second.
func BandwidthFromBytesAndTimeDelta(bytes int, delta time.Duration) int64 {
	if delta <= 0 {
		return InfiniteBandwidth
	}
	return int64(float64(bytes) * 8 * float64(time.Second) / float64(delta))
}

// BytesFromBandwidthAndTimeDelta is the number of bytes delivered at bandwidth over delta.
func BytesFromBandwidthAndTimeDelta(bandwidth int64, delta time.Duration) int {
	return int(float64(bandwidth) * delta.Seconds() / 8)
}

// ------------------------------------------------

// SendTimeState is the connection state captured when a packet was sent.
type SendTimeState struct {
	IsValid         bool
	IsAppLimited    bool
	TotalBytesSent  int
	TotalBytesAcked int
	TotalBytesLost  int
	// includes the packet itself
	BytesInFlight int
}

type BandwidthSample struct {
	// zero when no rate could be computed
	Bandwidth int64
	SendRate  int64
	RTT       time.Duration

	// ack line interval the sample covers
	StartTime     time.Time
	EndTime       time.Time
	IntervalBytes int

	IsAppLimited bool
	StateAtSend  SendTimeState
}

func (b BandwidthSample) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddInt64("bandwidth", b.Bandwidth)
	if b.SendRate != InfiniteBandwidth {
		e.AddInt64("sendRate", b.SendRate)
	}
	e.AddDuration("rtt", b.RTT)
	e.AddDuration("interval", b.EndTime.Sub(b.StartTime))
	e.AddInt("intervalBytes", b.IntervalBytes)
	e.AddBool("isAppLimited", b.IsAppLimited)
	return nil
}

type sentPacketState struct {
	valid                           bool
	sentTime                        time.Time
	size                            int
	totalBytesSentAtLastAckedPacket int
	lastAckedPacketSentTime         time.Time
	lastAckedPacketAckTime          time.Time
	sendTimeState                   SendTimeState
}

// ------------------------------------------------

// BandwidthSampler produces one delivery rate sample per acknowledged packet, the lower of
// the rate at which the bytes in between were sent and the rate at which they were acked.
// Sequence numbers are expected to be handed out consecutively.
type BandwidthSampler struct {
	totalBytesSent  int
	totalBytesAcked int
	totalBytesLost  int

	// value of totalBytesSent when the last acked packet was sent
	totalBytesSentAtLastAckedPacket int
	lastAckedPacketSentTime         time.Time
	lastAckedPacketAckTime          time.Time

	lastSentPacket  uint64
	hasSentPacket   bool
	lastAckedPacket uint64

	isAppLimited         bool
	endOfAppLimitedPhase uint64

	firstSequenceNumber uint64
	packets             deque.Deque[*sentPacketState]
}

func NewBandwidthSampler() *BandwidthSampler {
	return &BandwidthSampler{}
}

func (s *BandwidthSampler) OnPacketSent(
	sentTime time.Time,
	sequenceNumber uint64,
	bytes int,
	bytesInFlight int,
	isRetransmittable bool,
) {
	if s.hasSentPacket && sequenceNumber <= s.lastSentPacket {
		return
	}
	s.lastSentPacket = sequenceNumber
	s.hasSentPacket = true

	if !isRetransmittable {
		return
	}

	s.totalBytesSent += bytes

	// with nothing in flight, this transmission opens a fresh ack line
	if bytesInFlight == 0 {
		s.lastAckedPacketAckTime = sentTime
		s.totalBytesSentAtLastAckedPacket = s.totalBytesSent
		s.lastAckedPacketSentTime = sentTime
	}

	s.emplace(sequenceNumber, &sentPacketState{
		valid:                           true,
		sentTime:                        sentTime,
		size:                            bytes,
		totalBytesSentAtLastAckedPacket: s.totalBytesSentAtLastAckedPacket,
		lastAckedPacketSentTime:         s.lastAckedPacketSentTime,
		lastAckedPacketAckTime:          s.lastAckedPacketAckTime,
		sendTimeState: SendTimeState{
			IsValid:         true,
			IsAppLimited:    s.isAppLimited,
			TotalBytesSent:  s.totalBytesSent,
			TotalBytesAcked: s.totalBytesAcked,
			TotalBytesLost:  s.totalBytesLost,
			BytesInFlight:   bytesInFlight + bytes,
		},
	})
}

// OnPacketAcked returns false when the packet is unknown or was already acked or lost.
// A newly acked packet may still carry no rate, signalled by a zero Bandwidth.
func (s *BandwidthSampler) OnPacketAcked(ackTime time.Time, sequenceNumber uint64) (BandwidthSample, bool) {
	sentPacket, ok := s.take(sequenceNumber)
	if !ok {
		return BandwidthSample{}, false
	}
	if sequenceNumber > s.lastAckedPacket {
		s.lastAckedPacket = sequenceNumber
	}

	s.totalBytesAcked += sentPacket.size
	s.totalBytesSentAtLastAckedPacket = sentPacket.sendTimeState.TotalBytesSent
	s.lastAckedPacketSentTime = sentPacket.sentTime
	s.lastAckedPacketAckTime = ackTime

	if s.isAppLimited && sequenceNumber > s.endOfAppLimitedPhase {
		s.isAppLimited = false
	}

	sample := BandwidthSample{
		RTT:          ackTime.Sub(sentPacket.sentTime),
		IsAppLimited: sentPacket.sendTimeState.IsAppLimited,
		StateAtSend:  sentPacket.sendTimeState,
	}

	// nothing had been acked when this packet left
	if sentPacket.lastAckedPacketSentTime.IsZero() {
		return sample, true
	}

	sendRate := InfiniteBandwidth
	if sentPacket.sentTime.After(sentPacket.lastAckedPacketSentTime) {
		sendRate = BandwidthFromBytesAndTimeDelta(
			sentPacket.sendTimeState.TotalBytesSent-sentPacket.totalBytesSentAtLastAckedPacket,
			sentPacket.sentTime.Sub(sentPacket.lastAckedPacketSentTime),
		)
	}

	// the ack line must advance for a slope to exist
	if !ackTime.After(sentPacket.lastAckedPacketAckTime) {
		return sample, true
	}

	intervalBytes := s.totalBytesAcked - sentPacket.sendTimeState.TotalBytesAcked
	ackRate := BandwidthFromBytesAndTimeDelta(intervalBytes, ackTime.Sub(sentPacket.lastAckedPacketAckTime))

	sample.Bandwidth = min(sendRate, ackRate)
	sample.SendRate = sendRate
	sample.StartTime = sentPacket.lastAckedPacketAckTime
	sample.EndTime = ackTime
	sample.IntervalBytes = intervalBytes
	return sample, true
}

// OnPacketLost returns the state at send, invalid if the packet is unknown.
func (s *BandwidthSampler) OnPacketLost(sequenceNumber uint64) SendTimeState {
	sentPacket, ok := s.take(sequenceNumber)
	if !ok {
		return SendTimeState{}
	}

	s.totalBytesLost += sentPacket.size
	return sentPacket.sendTimeState
}

// OnAppLimited marks everything up to the last sent packet as sent while application limited.
func (s *BandwidthSampler) OnAppLimited() {
	s.isAppLimited = true
	s.endOfAppLimitedPhase = s.lastSentPacket
}

// RemoveObsoletePackets drops state for packets below leastUnacked.
func (s *BandwidthSampler) RemoveObsoletePackets(leastUnacked uint64) {
	for s.packets.Len() != 0 && s.firstSequenceNumber < leastUnacked {
		s.packets.PopFront()
		s.firstSequenceNumber++
	}
	if s.packets.Len() == 0 && s.firstSequenceNumber < leastUnacked {
		s.firstSequenceNumber = leastUnacked
	}
}

func (s *BandwidthSampler) TotalBytesSent() int {
	return s.totalBytesSent
}

func (s *BandwidthSampler) TotalBytesAcked() int {
	return s.totalBytesAcked
}

func (s *BandwidthSampler) TotalBytesLost() int {
	return s.totalBytesLost
}

func (s *BandwidthSampler) IsAppLimited() bool {
	return s.isAppLimited
}

func (s *BandwidthSampler) LastSentPacket() uint64 {
	return s.lastSentPacket
}

func (s *BandwidthSampler) NumTrackedPackets() int {
	return s.packets.Len()
}

func (s *BandwidthSampler) emplace(sequenceNumber uint64, state *sentPacketState) {
	if s.packets.Len() == 0 {
		s.firstSequenceNumber = sequenceNumber
		s.packets.PushBack(state)
		return
	}

	next := s.firstSequenceNumber + uint64(s.packets.Len())
	if sequenceNumber-next > maxTrackedSequenceGap {
		s.packets.Clear()
		s.firstSequenceNumber = sequenceNumber
		s.packets.PushBack(state)
		return
	}
	for ; next < sequenceNumber; next++ {
		s.packets.PushBack(&sentPacketState{})
	}
	s.packets.PushBack(state)
}

func (s *BandwidthSampler) take(sequenceNumber uint64) (sentPacketState, bool) {
	if s.packets.Len() == 0 || sequenceNumber < s.firstSequenceNumber {
		return sentPacketState{}, false
	}
	idx := sequenceNumber - s.firstSequenceNumber
	if idx >= uint64(s.packets.Len()) {
		return sentPacketState{}, false
	}

	slot := s.packets.At(int(idx))
	if !slot.valid {
		return sentPacketState{}, false
	}
	state := *slot
	slot.valid = false

	for s.packets.Len() != 0 && !s.packets.Front().valid {
		s.packets.PopFront()
		s.firstSequenceNumber++
	}
	return state, true
}

func (s *BandwidthSampler) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if s == nil {
		return nil
	}

	e.AddInt("totalBytesSent", s.totalBytesSent)
	e.AddInt("totalBytesAcked", s.totalBytesAcked)
	e.AddInt("totalBytesLost", s.totalBytesLost)
	e.AddUint64("lastSentPacket", s.lastSentPacket)
	e.AddUint64("lastAckedPacket", s.lastAckedPacket)
	e.AddBool("isAppLimited", s.isAppLimited)
	e.AddInt("numTrackedPackets", s.packets.Len())
	return nil
}
