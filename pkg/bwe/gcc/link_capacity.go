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

	"go.uber.org/zap/zapcore"
)

const (
	linkCapacityOveruseAlpha = 0.05
	minCapacityDeviation     = 0.4
	maxCapacityDeviation     = 2.5
)

// LinkCapacityEstimator tracks the rates at which overuse kicked in. Its bounds tell the
// rate controller whether it is operating close to the bottleneck.
type LinkCapacityEstimator struct {
	hasEstimate   bool
	estimateKbps  float64
	deviationKbps float64
}

func NewLinkCapacityEstimator() *LinkCapacityEstimator {
	return &LinkCapacityEstimator{
		deviationKbps: minCapacityDeviation,
	}
}

func (l *LinkCapacityEstimator) HasEstimate() bool {
	return l.hasEstimate
}

// Estimate is in bits per second.
func (l *LinkCapacityEstimator) Estimate() int64 {
	if !l.hasEstimate {
		return 0
	}
	return int64(l.estimateKbps * 1000)
}

func (l *LinkCapacityEstimator) UpperBound() int64 {
	if !l.hasEstimate {
		return math.MaxInt64
	}
	return int64((l.estimateKbps + 3*l.deviationEstimateKbps()) * 1000)
}

func (l *LinkCapacityEstimator) LowerBound() int64 {
	if !l.hasEstimate {
		return 0
	}
	return int64(math.Max(0, l.estimateKbps-3*l.deviationEstimateKbps()) * 1000)
}

func (l *LinkCapacityEstimator) OnOveruseDetected(throughput int64) {
	l.update(float64(throughput)/1000, linkCapacityOveruseAlpha)
}

func (l *LinkCapacityEstimator) Reset() {
	l.hasEstimate = false
	l.estimateKbps = 0
}

func (l *LinkCapacityEstimator) update(sampleKbps float64, alpha float64) {
	if !l.hasEstimate {
		l.hasEstimate = true
		l.estimateKbps = sampleKbps
	} else {
		l.estimateKbps = (1-alpha)*l.estimateKbps + alpha*sampleKbps
	}

	// deviation is relative to the estimate so that it is comparable across rates
	norm := math.Max(l.estimateKbps, 1.0)
	errKbps := l.estimateKbps - sampleKbps
	l.deviationKbps = (1-alpha)*l.deviationKbps + alpha*errKbps*errKbps/norm
	l.deviationKbps = math.Max(minCapacityDeviation, math.Min(l.deviationKbps, maxCapacityDeviation))
}

func (l *LinkCapacityEstimator) deviationEstimateKbps() float64 {
	return math.Sqrt(l.deviationKbps * l.estimateKbps)
}

func (l *LinkCapacityEstimator) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if l == nil {
		return nil
	}

	e.AddBool("hasEstimate", l.hasEstimate)
	e.AddFloat64("estimateKbps", l.estimateKbps)
	e.AddFloat64("deviationKbps", l.deviationKbps)
	return nil
}
