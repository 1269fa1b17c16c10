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
	"go.uber.org/zap/zapcore"
)

type LossRateFilterConfig struct {
	// weight of the newest interval in the blend, in (0, 1]
	Weight float64 `yaml:"weight,omitempty"`
}

var (
	DefaultLossRateFilterConfig = LossRateFilterConfig{
		Weight: 0.5,
	}
)

// LossRateFilter is an exponentially weighted packet loss fraction.
type LossRateFilter struct {
	config LossRateFilterConfig

	loss      float64
	intervals int
	sent      int
	lost      int
}

func NewLossRateFilter(config LossRateFilterConfig) *LossRateFilter {
	if config.Weight <= 0 || config.Weight > 1 {
		config.Weight = DefaultLossRateFilterConfig.Weight
	}
	return &LossRateFilter{
		config: config,
	}
}

// OnInterval folds one reporting interval in. An interval with nothing sent
// carries no evidence and is ignored.
func (l *LossRateFilter) OnInterval(sent int, lost int) {
	if sent <= 0 {
		return
	}
	lost = max(0, min(lost, sent))

	l.sent += sent
	l.lost += lost
	l.blend(float64(lost) / float64(sent))
}

// OnFraction folds in a loss fraction reported by the remote side.
func (l *LossRateFilter) OnFraction(fraction float64) {
	l.blend(max(0.0, min(fraction, 1.0)))
}

func (l *LossRateFilter) Current() float64 {
	return l.loss
}

// FractionLoss is the current loss in the 8-bit fixed point used by RTCP.
func (l *LossRateFilter) FractionLoss() uint8 {
	return FractionToFixed8(l.loss)
}

func (l *LossRateFilter) NumIntervals() int {
	return l.intervals
}

func (l *LossRateFilter) Reset() {
	l.loss = 0
	l.intervals = 0
	l.sent = 0
	l.lost = 0
}

func (l *LossRateFilter) blend(instant float64) {
	l.intervals++
	l.loss = (1.0-l.config.Weight)*l.loss + l.config.Weight*instant
}

func (l *LossRateFilter) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if l == nil {
		return nil
	}

	e.AddFloat64("loss", l.loss)
	e.AddInt("intervals", l.intervals)
	e.AddInt("sent", l.sent)
	e.AddInt("lost", l.lost)
	return nil
}

// FractionToFixed8 encodes a loss fraction as RTCP does, fraction*256 saturating at 255.
func FractionToFixed8(fraction float64) uint8 {
	return uint8(max(0.0, min(255.0, fraction*256.0)))
}

func Fixed8ToFraction(v uint8) float64 {
	return float64(v) / 256.0
}
