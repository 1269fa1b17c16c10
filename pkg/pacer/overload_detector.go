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

	"github.com/dTelecom/razor-cc/pkg/ccutils"
)

type OverloadDetectorParams struct {
	Config        ccutils.TrendConfig
	TargetLatency time.Duration
	Logger        logger.Logger
}

// OverloadDetector watches the expected time to drain the queue and flags a queue that keeps
// growing past the target latency.
type OverloadDetector struct {
	params OverloadDetectorParams

	trend      *ccutils.TrendDetector
	queueTime  time.Duration
	overloaded bool
}

func NewOverloadDetector(params OverloadDetectorParams) *OverloadDetector {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Config.Window <= 0 {
		params.Config = ccutils.DefaultTrendConfig
	}
	return &OverloadDetector{
		params: params,
		trend:  ccutils.NewTrendDetector(params.Config),
	}
}

func (o *OverloadDetector) AddSample(expectedQueueTime time.Duration, at time.Time) bool {
	o.queueTime = expectedQueueTime
	trend := o.trend.Add(float64(expectedQueueTime.Milliseconds()), at)

	overloaded := o.params.TargetLatency > 0 &&
		expectedQueueTime > o.params.TargetLatency &&
		trend == ccutils.TrendRising
	if overloaded != o.overloaded {
		o.overloaded = overloaded
		o.params.Logger.Debugw(
			"pacer: overload changed",
			"overloaded", overloaded,
			"expectedQueueTime", expectedQueueTime,
			"trend", o.trend,
		)
	}
	return o.overloaded
}

func (o *OverloadDetector) IsOverloaded() bool {
	return o.overloaded
}

func (o *OverloadDetector) Reset() {
	o.trend.Reset()
	o.queueTime = 0
	o.overloaded = false
}

func (o *OverloadDetector) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if o == nil {
		return nil
	}

	e.AddDuration("queueTime", o.queueTime)
	e.AddBool("overloaded", o.overloaded)
	e.AddObject("trend", o.trend)
	return nil
}
