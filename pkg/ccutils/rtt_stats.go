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

package ccutils

import (
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	RTTFloor   = 10 * time.Millisecond
	DefaultRTT = 100 * time.Millisecond

	MinRTO = 100 * time.Millisecond
	MaxRTO = 3 * time.Second

	defaultRTTVariance = 10 * time.Millisecond
)

// RTTStats is the one smoothing stage for round trip samples.
//
//	var  = (3*var + |srtt - m|) / 4
//	srtt = (7*srtt + m) / 8
//
// Samples and both outputs are floored at RTTFloor. The first sample seeds
// srtt directly and variance with half the sample.
type RTTStats struct {
	hasSample bool

	latest   time.Duration
	min      time.Duration
	smoothed time.Duration
	variance time.Duration
}

func NewRTTStats() *RTTStats {
	r := &RTTStats{}
	r.Reset()
	return r
}

func (r *RTTStats) Reset() {
	r.hasSample = false
	r.latest = 0
	r.min = 0
	r.smoothed = DefaultRTT
	r.variance = defaultRTTVariance
}

func (r *RTTStats) Update(measured time.Duration) {
	if measured < RTTFloor {
		measured = RTTFloor
	}
	r.latest = measured

	if !r.hasSample {
		r.hasSample = true
		r.min = measured
		r.smoothed = measured
		r.variance = max(measured/2, RTTFloor)
		return
	}

	r.min = min(r.min, measured)

	diff := r.smoothed - measured
	if diff < 0 {
		diff = -diff
	}
	r.variance = max((3*r.variance+diff)/4, RTTFloor)
	r.smoothed = max((7*r.smoothed+measured)/8, RTTFloor)
}

func (r *RTTStats) HasSample() bool {
	return r.hasSample
}

func (r *RTTStats) SmoothedRTT() time.Duration {
	return r.smoothed
}

func (r *RTTStats) Variance() time.Duration {
	return r.variance
}

func (r *RTTStats) MinRTT() time.Duration {
	return r.min
}

func (r *RTTStats) LatestRTT() time.Duration {
	return r.latest
}

func (r *RTTStats) RetransmissionTimeout() time.Duration {
	rto := r.smoothed + 4*r.variance
	if rto < MinRTO {
		return MinRTO
	}
	if rto > MaxRTO {
		return MaxRTO
	}
	return rto
}

func (r *RTTStats) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if r == nil {
		return nil
	}

	e.AddBool("hasSample", r.hasSample)
	e.AddDuration("latest", r.latest)
	e.AddDuration("min", r.min)
	e.AddDuration("smoothed", r.smoothed)
	e.AddDuration("variance", r.variance)
	e.AddDuration("rto", r.RetransmissionTimeout())
	return nil
}
