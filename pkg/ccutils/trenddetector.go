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
	"strconv"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/zap/zapcore"
)

type Trend int

const (
	TrendFlat Trend = iota
	TrendRising
	TrendFalling
)

func (t Trend) String() string {
	switch t {
	case TrendFlat:
		return "FLAT"
	case TrendRising:
		return "RISING"
	case TrendFalling:
		return "FALLING"
	default:
		return strconv.Itoa(int(t))
	}
}

// ------------------------------------------------

type TrendConfig struct {
	// samples the rank correlation is computed over
	Window     int `yaml:"window,omitempty"`
	MinSamples int `yaml:"min_samples,omitempty"`

	// a falling series is reported early once it spans FallingAfter
	FallingTau   float64       `yaml:"falling_tau,omitempty"`
	FallingAfter time.Duration `yaml:"falling_after,omitempty"`

	// a repeated value is kept at most once per RepeatSpacing
	RepeatSpacing time.Duration `yaml:"repeat_spacing,omitempty"`
	MaxAge        time.Duration `yaml:"max_age,omitempty"`
}

var (
	DefaultTrendConfig = TrendConfig{
		Window:        8,
		MinSamples:    4,
		FallingTau:    -0.6,
		FallingAfter:  time.Second,
		RepeatSpacing: 100 * time.Millisecond,
		MaxAge:        2 * time.Second,
	}
)

type trendSample struct {
	value float64
	at    time.Time
}

// TrendDetector tells whether a noisy series, a queue delay for example, keeps rising or
// falling. It uses the rank correlation of the samples against their arrival order, so a
// single outlier cannot flip the result. Sample times are supplied by the caller.
type TrendDetector struct {
	config TrendConfig

	samples deque.Deque[trendSample]
	count   int
	lowest  float64
	highest float64
	tau     float64
	trend   Trend
}

func NewTrendDetector(config TrendConfig) *TrendDetector {
	if config.Window <= 0 {
		config.Window = DefaultTrendConfig.Window
	}
	if config.MinSamples <= 0 || config.MinSamples > config.Window {
		config.MinSamples = min(DefaultTrendConfig.MinSamples, config.Window)
	}
	return &TrendDetector{
		config: config,
	}
}

func (t *TrendDetector) Reset() {
	t.samples.Clear()
	t.count = 0
	t.lowest = 0
	t.highest = 0
	t.tau = 0
	t.trend = TrendFlat
}

// Add takes one sample and returns the updated trend.
func (t *TrendDetector) Add(value float64, at time.Time) Trend {
	t.count++
	if t.count == 1 {
		t.lowest, t.highest = value, value
	} else {
		t.lowest = min(t.lowest, value)
		t.highest = max(t.highest, value)
	}

	if t.samples.Len() != 0 && t.config.RepeatSpacing > 0 {
		last := t.samples.Back()
		if last.value == value && at.Sub(last.at) < t.config.RepeatSpacing {
			return t.trend
		}
	}

	t.samples.PushBack(trendSample{value: value, at: at})
	t.trim(at)
	t.evaluate()
	return t.trend
}

func (t *TrendDetector) Trend() Trend {
	return t.trend
}

// Ready is true once a full window of samples was seen.
func (t *TrendDetector) Ready() bool {
	return t.count >= t.config.Window
}

func (t *TrendDetector) Lowest() float64 {
	return t.lowest
}

func (t *TrendDetector) Highest() float64 {
	return t.highest
}

func (t *TrendDetector) NumSamples() int {
	return t.samples.Len()
}

func (t *TrendDetector) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if t == nil {
		return nil
	}

	e.AddString("trend", t.trend.String())
	e.AddFloat64("tau", t.tau)
	e.AddInt("count", t.count)
	e.AddInt("window", t.samples.Len())
	e.AddFloat64("lowest", t.lowest)
	e.AddFloat64("highest", t.highest)
	if t.samples.Len() != 0 {
		e.AddDuration("span", t.samples.Back().at.Sub(t.samples.Front().at))
	}
	return nil
}

func (t *TrendDetector) trim(now time.Time) {
	for t.samples.Len() > t.config.Window {
		t.samples.PopFront()
	}
	if t.config.MaxAge > 0 {
		cutoff := now.Add(-t.config.MaxAge)
		for t.samples.Len() > 1 && !t.samples.Front().at.After(cutoff) {
			t.samples.PopFront()
		}
	}

	// a plateau at the start says nothing about direction, keep only its most recent sample
	for t.samples.Len() > 1 && t.samples.At(1).value == t.samples.Front().value {
		t.samples.PopFront()
	}
}

func (t *TrendDetector) evaluate() {
	t.tau = t.rankCorrelation()

	n := t.samples.Len()
	full := n >= t.config.Window
	switch {
	case n < t.config.MinSamples:
		t.trend = TrendFlat
	case t.tau > 0 && full:
		t.trend = TrendRising
	case t.tau < t.config.FallingTau && (full || t.samples.Back().at.Sub(t.samples.Front().at) > t.config.FallingAfter):
		t.trend = TrendFalling
	default:
		t.trend = TrendFlat
	}
}

// rankCorrelation is Kendall's tau of the values against sample order, ties excluded.
func (t *TrendDetector) rankCorrelation() float64 {
	score, pairs := 0, 0
	n := t.samples.Len()
	for i := 0; i < n-1; i++ {
		vi := t.samples.At(i).value
		for j := i + 1; j < n; j++ {
			switch vj := t.samples.At(j).value; {
			case vj > vi:
				score++
				pairs++
			case vj < vi:
				score--
				pairs++
			}
		}
	}
	if pairs == 0 {
		return 0
	}
	return float64(score) / float64(pairs)
}
