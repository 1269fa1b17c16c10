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
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/zap/zapcore"
)

type TrendlineConfig struct {
	WindowSize     int     `yaml:"window_size,omitempty"`
	SmoothingCoef  float64 `yaml:"smoothing_coef,omitempty"`
	ThresholdGain  float64 `yaml:"threshold_gain,omitempty"`
	MaxDeltasCount int     `yaml:"max_deltas_count,omitempty"`
}

var (
	DefaultTrendlineConfig = TrendlineConfig{
		WindowSize:     20,
		SmoothingCoef:  0.9,
		ThresholdGain:  4.0,
		MaxDeltasCount: 60,
	}
)

type trendPoint struct {
	arrivalMs     float64
	smoothedDelay float64
}

// Trendline fits a line through the smoothed accumulated delay. The slope, scaled by
// sample count and gain, is the overuse detector input. A constant offset between the
// two clocks only shifts the accumulated delay, it does not tilt the line.
type Trendline struct {
	config TrendlineConfig

	points        deque.Deque[trendPoint]
	firstArrival  time.Time
	accumulated   float64
	smoothed      float64
	numDeltas     int
	modifiedTrend float64
}

func NewTrendline(config TrendlineConfig) *Trendline {
	if config.WindowSize < 2 {
		config.WindowSize = DefaultTrendlineConfig.WindowSize
	}
	if config.MaxDeltasCount <= 0 {
		config.MaxDeltasCount = DefaultTrendlineConfig.MaxDeltasCount
	}
	return &Trendline{
		config: config,
	}
}

func (t *Trendline) Update(gradientMs float64, arrival time.Time) float64 {
	if t.firstArrival.IsZero() {
		t.firstArrival = arrival
	}

	t.numDeltas = min(t.numDeltas+1, t.config.MaxDeltasCount)
	t.accumulated += gradientMs
	t.smoothed = t.config.SmoothingCoef*t.smoothed + (1-t.config.SmoothingCoef)*t.accumulated

	t.points.PushBack(trendPoint{
		arrivalMs:     float64(arrival.Sub(t.firstArrival)) / float64(time.Millisecond),
		smoothedDelay: t.smoothed,
	})
	for t.points.Len() > t.config.WindowSize {
		t.points.PopFront()
	}

	if t.points.Len() == t.config.WindowSize {
		t.modifiedTrend = float64(t.numDeltas) * t.slope() * t.config.ThresholdGain
	}
	return t.modifiedTrend
}

func (t *Trendline) ModifiedTrend() float64 {
	return t.modifiedTrend
}

func (t *Trendline) NumDeltas() int {
	return t.numDeltas
}

func (t *Trendline) Reset() {
	t.points.Clear()
	t.firstArrival = time.Time{}
	t.accumulated = 0
	t.smoothed = 0
	t.numDeltas = 0
	t.modifiedTrend = 0
}

func (t *Trendline) slope() float64 {
	n := float64(t.points.Len())
	if n < 2 {
		return 0
	}

	var sumX, sumY float64
	for i := 0; i < t.points.Len(); i++ {
		p := t.points.At(i)
		sumX += p.arrivalMs
		sumY += p.smoothedDelay
	}
	meanX, meanY := sumX/n, sumY/n

	var num, den float64
	for i := 0; i < t.points.Len(); i++ {
		p := t.points.At(i)
		num += (p.arrivalMs - meanX) * (p.smoothedDelay - meanY)
		den += (p.arrivalMs - meanX) * (p.arrivalMs - meanX)
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func (t *Trendline) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if t == nil {
		return nil
	}

	e.AddInt("points", t.points.Len())
	e.AddFloat64("accumulated", t.accumulated)
	e.AddFloat64("smoothed", t.smoothed)
	e.AddInt("numDeltas", t.numDeltas)
	e.AddFloat64("modifiedTrend", t.modifiedTrend)
	return nil
}
