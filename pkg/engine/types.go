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

package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

// BitrateChange is what the owner is told when the target moves materially.
type BitrateChange struct {
	Bitrate      uint32
	FractionLoss uint8
	// milliseconds
	RTT uint32
}

func (b BitrateChange) String() string {
	return fmt.Sprintf("BitrateChange{bitrate: %d, fractionLoss: %d, rtt: %dms}", b.Bitrate, b.FractionLoss, b.RTT)
}

func (b BitrateChange) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddUint32("bitrate", b.Bitrate)
	e.AddUint8("fractionLoss", b.FractionLoss)
	e.AddUint32("rtt", b.RTT)
	return nil
}

// ------------------------------------------------

// PacedPacket is the authorization to send one packet the owner queued with AddPacket.
type PacedPacket struct {
	ID                      int64
	IsRetransmission        bool
	Size                    int
	Padding                 bool
	TransportSequenceNumber uint16
	SendTime                time.Time
}

func (p PacedPacket) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddInt64("id", p.ID)
	e.AddBool("isRetransmission", p.IsRetransmission)
	e.AddInt("size", p.Size)
	e.AddUint16("transportSequenceNumber", p.TransportSequenceNumber)
	e.AddTime("sendTime", p.SendTime)
	return nil
}

// ------------------------------------------------

type PacketSender interface {
	SendPacket(p PacedPacket)
}

// BitrateObserver, when given, is called instead of delivering on the channel. Calls are
// made one at a time in emission order, outside the sender lock. A change queued while
// another goroutine is delivering is handed over by that goroutine.
type BitrateObserver interface {
	OnBitrateChange(change BitrateChange)
}

// FeedbackSink, when given, is called instead of delivering on the channel, with the same
// ordering as BitrateObserver.
type FeedbackSink interface {
	OnFeedback(payload []byte)
}

// ------------------------------------------------

// changeFilter suppresses notifications for values that did not move materially.
type changeFilter struct {
	config BitrateChangeConfig

	last    BitrateChange
	hasLast bool
}

func newChangeFilter(config BitrateChangeConfig) *changeFilter {
	if config.MinChangeRatio <= 0 && config.MinChangeBitrate <= 0 {
		config = DefaultBitrateChangeConfig
	}
	return &changeFilter{
		config: config,
	}
}

func (c *changeFilter) Update(next BitrateChange) bool {
	if !c.hasLast {
		c.last = next
		c.hasLast = true
		return true
	}

	if next == c.last {
		return false
	}

	threshold := max(int64(c.config.MinChangeRatio*float64(c.last.Bitrate)), c.config.MinChangeBitrate)
	changed := absDiff(int64(next.Bitrate), int64(c.last.Bitrate)) > threshold
	if c.config.MinLossChange > 0 && absDiff(int64(next.FractionLoss), int64(c.last.FractionLoss)) >= int64(c.config.MinLossChange) {
		changed = true
	}
	if c.config.MinRTTChange > 0 && absDiff(int64(next.RTT), int64(c.last.RTT)) >= c.config.MinRTTChange.Milliseconds() {
		changed = true
	}
	if changed {
		c.last = next
	}
	return changed
}

func (c *changeFilter) Last() (BitrateChange, bool) {
	return c.last, c.hasLast
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
