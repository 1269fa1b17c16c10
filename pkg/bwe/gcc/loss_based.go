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

	"github.com/livekit/protocol/logger"
	"go.uber.org/zap/zapcore"

	"github.com/dTelecom/razor-cc/pkg/bwe"
	"github.com/dTelecom/razor-cc/pkg/ccutils"
)

type LossBasedConfig struct {
	Interval          time.Duration                `yaml:"interval,omitempty"`
	HighLossThreshold float64                      `yaml:"high_loss_threshold,omitempty"`
	LowLossThreshold  float64                      `yaml:"low_loss_threshold,omitempty"`
	DecreaseFactor    float64                      `yaml:"decrease_factor,omitempty"`
	Filter            ccutils.LossRateFilterConfig `yaml:"filter,omitempty"`
}

var (
	DefaultLossBasedConfig = LossBasedConfig{
		Interval:          200 * time.Millisecond,
		HighLossThreshold: 0.10,
		LowLossThreshold:  0.02,
		DecreaseFactor:    0.5,
		Filter:            ccutils.DefaultLossRateFilterConfig,
	}
)

type LossBasedParams struct {
	Config LossBasedConfig
	Logger logger.Logger
}

// LossBasedEstimator bounds the sender target by the loss the remote side observes. Under
// low loss it is not limiting and the delay based estimate goes through as is.
type LossBasedEstimator struct {
	params LossBasedParams

	minBitrate int64
	maxBitrate int64
	estimate   int64
	limiting   bool

	filter *ccutils.LossRateFilter

	pendingSent     int
	pendingLost     int
	pendingFraction float64
	hasFraction     bool
	lastEval        time.Time
	numDecreases    int
}

func NewLossBasedEstimator(params LossBasedParams) *LossBasedEstimator {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &LossBasedEstimator{
		params: params,
		filter: ccutils.NewLossRateFilter(params.Config.Filter),
	}
}

func (l *LossBasedEstimator) SetBitrates(minBitrate, _startBitrate, maxBitrate int64) {
	l.minBitrate = minBitrate
	l.maxBitrate = maxBitrate
	if !l.limiting {
		l.estimate = maxBitrate
	}
	l.estimate = bwe.ClampBitrate(l.estimate, minBitrate, maxBitrate)
}

func (l *LossBasedEstimator) OnPacketResults(results []bwe.PacketResult) {
	for _, r := range results {
		l.pendingSent++
		if !r.IsReceived() {
			l.pendingLost++
		}
	}
}

// OnRemoteFraction takes a loss fraction measured by the remote side, used when
// per packet results are not available.
func (l *LossBasedEstimator) OnRemoteFraction(fraction float64) {
	l.pendingFraction = fraction
	l.hasFraction = true
}

// Process evaluates once per interval. Without new evidence it changes nothing.
func (l *LossBasedEstimator) Process(now time.Time, currentTarget int64) {
	if !l.lastEval.IsZero() && now.Sub(l.lastEval) < l.params.Config.Interval {
		return
	}
	if l.pendingSent == 0 && !l.hasFraction {
		return
	}
	l.lastEval = now

	if l.pendingSent != 0 {
		l.filter.OnInterval(l.pendingSent, l.pendingLost)
	} else {
		l.filter.OnFraction(l.pendingFraction)
	}
	l.pendingSent = 0
	l.pendingLost = 0
	l.hasFraction = false

	loss := l.filter.Current()
	switch {
	case loss > l.params.Config.HighLossThreshold:
		base := l.estimate
		if currentTarget > 0 {
			base = min(base, currentTarget)
		}
		l.estimate = int64(float64(base) * (1.0 - l.params.Config.DecreaseFactor*loss))
		l.limiting = true
		l.numDecreases++
		l.params.Logger.Debugw("gcc: loss based decrease", "loss", loss, "estimate", l.estimate)

	case loss < l.params.Config.LowLossThreshold:
		if l.limiting {
			l.params.Logger.Debugw("gcc: loss based bound released", "loss", loss, "estimate", l.estimate)
		}
		l.limiting = false
		l.estimate = l.maxBitrate
	}

	l.estimate = bwe.ClampBitrate(l.estimate, l.minBitrate, l.maxBitrate)
}

func (l *LossBasedEstimator) Estimate() int64 {
	return l.estimate
}

// IsLimiting is true from a loss based decrease until loss falls below the low threshold.
func (l *LossBasedEstimator) IsLimiting() bool {
	return l.limiting
}

func (l *LossBasedEstimator) Loss() float64 {
	return l.filter.Current()
}

func (l *LossBasedEstimator) FractionLoss() uint8 {
	return l.filter.FractionLoss()
}

func (l *LossBasedEstimator) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if l == nil {
		return nil
	}

	e.AddInt64("estimate", l.estimate)
	e.AddBool("limiting", l.limiting)
	e.AddObject("filter", l.filter)
	e.AddInt("pendingSent", l.pendingSent)
	e.AddInt("pendingLost", l.pendingLost)
	e.AddInt("numDecreases", l.numDecreases)
	return nil
}
