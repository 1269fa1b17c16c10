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
	"math"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/dTelecom/razor-cc/pkg/bwe"
)

// -----------------------------------------------------------

type WeightedLossConfig struct {
	MinDurationForLossValidity time.Duration `yaml:"min_duration_for_loss_validity,omitempty"`
	BaseDuration               time.Duration `yaml:"base_duration,omitempty"`
	BasePPS                    int           `yaml:"base_pps,omitempty"`
}

var (
	DefaultWeightedLossConfig = WeightedLossConfig{
		MinDurationForLossValidity: 100 * time.Millisecond,
		BaseDuration:               500 * time.Millisecond,
		BasePPS:                    30,
	}
)

// -----------------------------------------------------------

// TrafficStats aggregates packet results over a stretch of feedback.
type TrafficStats struct {
	config WeightedLossConfig

	minSendTime  time.Time
	maxSendTime  time.Time
	minRecvTime  time.Time
	maxRecvTime  time.Time
	ackedPackets int
	ackedBytes   int
	lostPackets  int
	lostBytes    int
	rtxPackets   int
}

func NewTrafficStats(config WeightedLossConfig) *TrafficStats {
	return &TrafficStats{
		config: config,
	}
}

func (ts *TrafficStats) Add(results []bwe.PacketResult) {
	for _, r := range results {
		if ts.minSendTime.IsZero() || r.SendTime.Before(ts.minSendTime) {
			ts.minSendTime = r.SendTime
		}
		if r.SendTime.After(ts.maxSendTime) {
			ts.maxSendTime = r.SendTime
		}
		if r.IsRetransmission {
			ts.rtxPackets++
		}

		if !r.IsReceived() {
			ts.lostPackets++
			ts.lostBytes += r.Size
			continue
		}

		ts.ackedPackets++
		ts.ackedBytes += r.Size
		if ts.minRecvTime.IsZero() || r.ReceiveTime.Before(ts.minRecvTime) {
			ts.minRecvTime = r.ReceiveTime
		}
		if r.ReceiveTime.After(ts.maxRecvTime) {
			ts.maxRecvTime = r.ReceiveTime
		}
	}
}

func (ts *TrafficStats) Merge(rhs *TrafficStats) {
	if ts.minSendTime.IsZero() || (!rhs.minSendTime.IsZero() && rhs.minSendTime.Before(ts.minSendTime)) {
		ts.minSendTime = rhs.minSendTime
	}
	if rhs.maxSendTime.After(ts.maxSendTime) {
		ts.maxSendTime = rhs.maxSendTime
	}
	if ts.minRecvTime.IsZero() || (!rhs.minRecvTime.IsZero() && rhs.minRecvTime.Before(ts.minRecvTime)) {
		ts.minRecvTime = rhs.minRecvTime
	}
	if rhs.maxRecvTime.After(ts.maxRecvTime) {
		ts.maxRecvTime = rhs.maxRecvTime
	}
	ts.ackedPackets += rhs.ackedPackets
	ts.ackedBytes += rhs.ackedBytes
	ts.lostPackets += rhs.lostPackets
	ts.lostBytes += rhs.lostBytes
	ts.rtxPackets += rhs.rtxPackets
}

func (ts *TrafficStats) Reset() {
	*ts = TrafficStats{config: ts.config}
}

func (ts *TrafficStats) NumPackets() int {
	return ts.ackedPackets + ts.lostPackets
}

func (ts *TrafficStats) NumBytes() int {
	return ts.ackedBytes + ts.lostBytes
}

func (ts *TrafficStats) AckedPackets() int {
	return ts.ackedPackets
}

func (ts *TrafficStats) LostPackets() int {
	return ts.lostPackets
}

func (ts *TrafficStats) Duration() time.Duration {
	return ts.maxSendTime.Sub(ts.minSendTime)
}

// AcknowledgedBitrate is the delivered rate as seen by the remote clock.
func (ts *TrafficStats) AcknowledgedBitrate() int64 {
	duration := ts.maxRecvTime.Sub(ts.minRecvTime)
	if duration <= 0 {
		return 0
	}

	return int64(float64(ts.ackedBytes) * 8 / duration.Seconds())
}

func (ts *TrafficStats) RawLoss() float64 {
	total := ts.NumPackets()
	if total == 0 {
		return 0.0
	}

	return float64(ts.lostPackets) / float64(total)
}

func (ts *TrafficStats) WeightedLoss() float64 {
	duration := ts.Duration()
	if duration < ts.config.MinDurationForLossValidity || duration <= 0 {
		return 0.0
	}

	totalPackets := float64(ts.NumPackets())
	pps := totalPackets / duration.Seconds()

	// longer duration, i. e. more time resolution, lower pps is acceptable as the measurement is more stable
	deltaDuration := duration - ts.config.BaseDuration
	if deltaDuration < 0 {
		deltaDuration = 0
	}
	threshold := math.Exp(-deltaDuration.Seconds()) * float64(ts.config.BasePPS)
	if pps < threshold {
		return 0.0
	}

	// Log10 is used to give higher weight for the same loss ratio at higher packet rates,
	// for e.g.
	//    - 10% loss at 20 pps = 0.1 * log10(20) = 0.130
	//    - 10% loss at 100 pps = 0.1 * log10(100) = 0.2
	//    - 10% loss at 1000 pps = 0.1 * log10(1000) = 0.3
	return ts.RawLoss() * math.Log10(pps)
}

func (ts *TrafficStats) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if ts == nil {
		return nil
	}

	duration := ts.Duration()
	e.AddDuration("duration", duration)

	e.AddInt("ackedPackets", ts.ackedPackets)
	e.AddInt("ackedBytes", ts.ackedBytes)
	e.AddInt("lostPackets", ts.lostPackets)
	e.AddInt("lostBytes", ts.lostBytes)
	e.AddInt("rtxPackets", ts.rtxPackets)
	e.AddInt64("ackedBitrate", ts.AcknowledgedBitrate())

	if duration > 0 {
		e.AddFloat64("pps", float64(ts.NumPackets())/duration.Seconds())
	}
	e.AddFloat64("rawLoss", ts.RawLoss())
	e.AddFloat64("weightedLoss", ts.WeightedLoss())
	return nil
}
