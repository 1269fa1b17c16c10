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

package pacer

import (
	"time"

	"github.com/livekit/protocol/logger"
	"go.uber.org/zap/zapcore"
)

type ALRDetectorConfig struct {
	BandwidthUsageRatio   float64       `yaml:"bandwidth_usage_ratio,omitempty"`
	StartBudgetLevelRatio float64       `yaml:"start_budget_level_ratio,omitempty"`
	Window                time.Duration `yaml:"window,omitempty"`
}

var (
	DefaultALRDetectorConfig = ALRDetectorConfig{
		BandwidthUsageRatio:   0.65,
		StartBudgetLevelRatio: 0.8,
		Window:                500 * time.Millisecond,
	}
)

type ALRDetectorParams struct {
	Config ALRDetectorConfig
	Tick   time.Duration
	Logger logger.Logger
}

// ALRDetector flags application limited regions: the queue has stayed empty for longer than
// one tick while the sender leaves a good part of its rate unused.
type ALRDetector struct {
	params ALRDetectorParams

	usage *IntervalBudget

	emptySince   time.Time
	inALR        bool
	alrStartTime time.Time
}

func NewALRDetector(params ALRDetectorParams) *ALRDetector {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Config.Window <= 0 {
		params.Config = DefaultALRDetectorConfig
	}
	usage := NewIntervalBudget(params.Config.Window, true)
	usage.SetDebtLimited(true)
	return &ALRDetector{
		params: params,
		usage:  usage,
	}
}

func (a *ALRDetector) SetTargetRate(bps int64) {
	a.usage.SetTargetRate(int64(float64(bps) * a.params.Config.BandwidthUsageRatio))
}

func (a *ALRDetector) OnElapsed(elapsed time.Duration) {
	a.usage.IncreaseBudget(elapsed)
}

func (a *ALRDetector) OnBytesSent(bytes int) {
	a.usage.UseBudget(bytes)
}

func (a *ALRDetector) OnEnqueue() {
	a.emptySince = time.Time{}
	if a.inALR {
		a.inALR = false
		a.alrStartTime = time.Time{}
	}
}

// Update is called after each pacing round with the state of the queue.
func (a *ALRDetector) Update(now time.Time, queueEmpty bool) bool {
	if !queueEmpty {
		a.emptySince = time.Time{}
		return a.inALR
	}

	if a.emptySince.IsZero() {
		a.emptySince = now
	}
	if !a.inALR && now.Sub(a.emptySince) > a.params.Tick && a.usage.BudgetRatio() > a.params.Config.StartBudgetLevelRatio {
		a.inALR = true
		a.alrStartTime = now
		a.params.Logger.Debugw("pacer: entering application limited region", "budget", a.usage)
	}
	return a.inALR
}

func (a *ALRDetector) InALR() bool {
	return a.inALR
}

// ALRStartTime is zero when not in an application limited region.
func (a *ALRDetector) ALRStartTime() time.Time {
	return a.alrStartTime
}

func (a *ALRDetector) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if a == nil {
		return nil
	}

	e.AddBool("inALR", a.inALR)
	e.AddTime("alrStartTime", a.alrStartTime)
	e.AddTime("emptySince", a.emptySince)
	e.AddFloat64("usageBudgetRatio", a.usage.BudgetRatio())
	return nil
}
