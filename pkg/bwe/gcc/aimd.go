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

package gcc

import (
	"math"
	"time"

	"github.com/livekit/protocol/logger"
	"go.uber.org/zap/zapcore"

	"github.com/dTelecom/razor-cc/pkg/bwe"
	"github.com/dTelecom/razor-cc/pkg/ccutils"
)

type AIMDConfig struct {
	Beta                      float64       `yaml:"beta,omitempty"`
	IncreaseFactor            float64       `yaml:"increase_factor,omitempty"`
	MaxIncreaseElapsed        time.Duration `yaml:"max_increase_elapsed,omitempty"`
	MinMultiplicativeIncrease int64         `yaml:"min_multiplicative_increase,omitempty"`
	MinAdditiveIncreaseRate   int64         `yaml:"min_additive_increase_rate,omitempty"`
	ThroughputCapRatio        float64       `yaml:"throughput_cap_ratio,omitempty"`
	ThroughputCapOffset       int64         `yaml:"throughput_cap_offset,omitempty"`
	MinReductionInterval      time.Duration `yaml:"min_reduction_interval,omitempty"`
	MaxReductionInterval      time.Duration `yaml:"max_reduction_interval,omitempty"`
	ResponseTimeOffset        time.Duration `yaml:"response_time_offset,omitempty"`
	AssumedFrameRate          float64       `yaml:"assumed_frame_rate,omitempty"`
	AssumedPacketSize         int           `yaml:"assumed_packet_size,omitempty"`
}

var (
	DefaultAIMDConfig = AIMDConfig{
		Beta:                      0.85,
		IncreaseFactor:            1.08,
		MaxIncreaseElapsed:        time.Second,
		MinMultiplicativeIncrease: 1000,
		MinAdditiveIncreaseRate:   4000,
		ThroughputCapRatio:        1.5,
		ThroughputCapOffset:       10_000,
		MinReductionInterval:      10 * time.Millisecond,
		MaxReductionInterval:      200 * time.Millisecond,
		ResponseTimeOffset:        100 * time.Millisecond,
		AssumedFrameRate:          30,
		AssumedPacketSize:         1200,
	}
)

type AIMDParams struct {
	Config AIMDConfig
	Logger logger.Logger
}

// AIMD moves the estimate in reaction to the detector signal.
//
//	signal     | hold     | increase | decrease
//	-----------+----------+----------+---------
//	overusing  | decrease | decrease | decrease
//	normal     | increase | increase | hold
//	underusing | hold     | hold     | hold
//
// A decrease is applied at once and control returns to hold.
type AIMD struct {
	params AIMDParams

	minBitrate int64
	maxBitrate int64

	currentBitrate   int64
	state            bwe.RateControlState
	latestThroughput int64
	lastChange       time.Time
	lastDecrease     time.Time
	rtt              time.Duration
	linkCapacity     *LinkCapacityEstimator
}

func NewAIMD(params AIMDParams) *AIMD {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &AIMD{
		params:       params,
		state:        bwe.RateControlStateHold,
		rtt:          ccutils.DefaultRTT,
		linkCapacity: NewLinkCapacityEstimator(),
	}
}

func (a *AIMD) SetBitrates(minBitrate, startBitrate, maxBitrate int64) {
	a.minBitrate = minBitrate
	a.maxBitrate = maxBitrate
	a.currentBitrate = bwe.ClampBitrate(startBitrate, minBitrate, maxBitrate)
}

func (a *AIMD) SetMinMax(minBitrate, maxBitrate int64) {
	a.minBitrate = minBitrate
	a.maxBitrate = maxBitrate
	a.currentBitrate = bwe.ClampBitrate(a.currentBitrate, minBitrate, maxBitrate)
}

func (a *AIMD) SetRTT(rtt time.Duration) {
	a.rtt = rtt
}

func (a *AIMD) Estimate() int64 {
	return a.currentBitrate
}

func (a *AIMD) State() bwe.RateControlState {
	return a.state
}

func (a *AIMD) LinkCapacity() *LinkCapacityEstimator {
	return a.linkCapacity
}

// Update applies one detector verdict. A throughput of zero or less means the
// incoming rate is not known yet and the last known value is used.
func (a *AIMD) Update(usage bwe.BandwidthUsage, throughput int64, now time.Time) int64 {
	if throughput > 0 {
		a.latestThroughput = throughput
	}
	throughput = a.latestThroughput

	a.changeState(usage)

	newBitrate := a.currentBitrate
	switch a.state {
	case bwe.RateControlStateIncrease:
		if throughput > a.linkCapacity.UpperBound() {
			a.linkCapacity.Reset()
		}

		limit := int64(math.MaxInt64)
		if throughput > 0 {
			limit = int64(a.params.Config.ThroughputCapRatio*float64(throughput)) + a.params.Config.ThroughputCapOffset
		}
		if a.currentBitrate < limit {
			var increase int64
			if a.linkCapacity.HasEstimate() {
				increase = a.additiveIncrease(now)
			} else {
				increase = a.multiplicativeIncrease(now)
			}
			newBitrate = min(a.currentBitrate+increase, limit)
		}
		a.lastChange = now

	case bwe.RateControlStateDecrease:
		base := a.currentBitrate
		if throughput > 0 {
			base = min(throughput, a.currentBitrate)
		}
		newBitrate = int64(a.params.Config.Beta * float64(base))

		if throughput > 0 {
			if throughput < a.linkCapacity.LowerBound() {
				a.linkCapacity.Reset()
			}
			a.linkCapacity.OnOveruseDetected(throughput)
		}

		a.params.Logger.Debugw(
			"gcc: rate decrease",
			"from", a.currentBitrate,
			"to", newBitrate,
			"throughput", throughput,
		)
		a.state = bwe.RateControlStateHold
		a.lastChange = now
		a.lastDecrease = now
	}

	a.currentBitrate = bwe.ClampBitrate(newBitrate, a.minBitrate, a.maxBitrate)
	return a.currentBitrate
}

// TimeToReduceFurther reports whether another decrease is allowed now. Decreases are
// spaced by a clamped round trip unless the estimate is far above what is arriving.
func (a *AIMD) TimeToReduceFurther(now time.Time, throughput int64) bool {
	interval := max(a.params.Config.MinReductionInterval, min(a.rtt, a.params.Config.MaxReductionInterval))
	if a.lastChange.IsZero() || now.Sub(a.lastChange) >= interval {
		return true
	}

	return throughput > 0 && throughput < a.currentBitrate/2
}

func (a *AIMD) Reset() {
	a.state = bwe.RateControlStateHold
	a.latestThroughput = 0
	a.lastChange = time.Time{}
	a.lastDecrease = time.Time{}
	a.linkCapacity.Reset()
}

func (a *AIMD) changeState(usage bwe.BandwidthUsage) {
	switch usage {
	case bwe.BandwidthUsageNormal:
		if a.state == bwe.RateControlStateHold {
			a.state = bwe.RateControlStateIncrease
		} else if a.state == bwe.RateControlStateDecrease {
			a.state = bwe.RateControlStateHold
		}

	case bwe.BandwidthUsageOverusing:
		a.state = bwe.RateControlStateDecrease

	case bwe.BandwidthUsageUnderusing:
		a.state = bwe.RateControlStateHold
	}
}

func (a *AIMD) multiplicativeIncrease(now time.Time) int64 {
	if a.lastChange.IsZero() {
		return a.params.Config.MinMultiplicativeIncrease
	}

	elapsed := min(now.Sub(a.lastChange), a.params.Config.MaxIncreaseElapsed)
	factor := math.Pow(a.params.Config.IncreaseFactor, elapsed.Seconds())
	return max(int64(float64(a.currentBitrate)*(factor-1.0)), a.params.Config.MinMultiplicativeIncrease)
}

// roughly one packet per response time
func (a *AIMD) additiveIncrease(now time.Time) int64 {
	if a.lastChange.IsZero() {
		return 0
	}

	bitsPerFrame := float64(a.currentBitrate) / a.params.Config.AssumedFrameRate
	packetBits := float64(a.params.Config.AssumedPacketSize * 8)
	packetsPerFrame := math.Ceil(bitsPerFrame / packetBits)
	avgPacketBits := bitsPerFrame / packetsPerFrame

	responseTime := a.rtt + a.params.Config.ResponseTimeOffset
	rate := math.Max(float64(a.params.Config.MinAdditiveIncreaseRate), avgPacketBits/responseTime.Seconds())
	return int64(rate * now.Sub(a.lastChange).Seconds())
}

func (a *AIMD) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if a == nil {
		return nil
	}

	e.AddInt64("currentBitrate", a.currentBitrate)
	e.AddString("state", a.state.String())
	e.AddInt64("latestThroughput", a.latestThroughput)
	e.AddDuration("rtt", a.rtt)
	e.AddObject("linkCapacity", a.linkCapacity)
	return nil
}
