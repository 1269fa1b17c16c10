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

	"github.com/dTelecom/razor-cc/pkg/bwe"
	"go.uber.org/zap/zapcore"
)

type OveruseConfig struct {
	InitialThreshold  float64       `yaml:"initial_threshold,omitempty"`
	MinThreshold      float64       `yaml:"min_threshold,omitempty"`
	MaxThreshold      float64       `yaml:"max_threshold,omitempty"`
	Ku                float64       `yaml:"ku,omitempty"`
	Kd                float64       `yaml:"kd,omitempty"`
	MaxAdaptOffset    float64       `yaml:"max_adapt_offset,omitempty"`
	MaxTimeDelta      time.Duration `yaml:"max_time_delta,omitempty"`
	OveruseTimeThresh time.Duration `yaml:"overuse_time_thresh,omitempty"`
}

var (
	DefaultOveruseConfig = OveruseConfig{
		InitialThreshold:  12.5,
		MinThreshold:      6.0,
		MaxThreshold:      600.0,
		Ku:                0.01,
		Kd:                0.00018,
		MaxAdaptOffset:    15.0,
		MaxTimeDelta:      100 * time.Millisecond,
		OveruseTimeThresh: 10 * time.Millisecond,
	}
)

// OveruseDetector compares the modified trend against a threshold that follows the
// trend magnitude, Ku while above and Kd while below, per millisecond.
type OveruseDetector struct {
	config OveruseConfig

	threshold       float64
	lastUpdate      time.Time
	overuseStart    time.Time
	overuseCounter  int
	inOveruseRegion bool
	prevTrend       float64
	hypothesis      bwe.BandwidthUsage
}

func NewOveruseDetector(config OveruseConfig) *OveruseDetector {
	return &OveruseDetector{
		config:     config,
		threshold:  config.InitialThreshold,
		hypothesis: bwe.BandwidthUsageNormal,
	}
}

func (d *OveruseDetector) Detect(trend float64, now time.Time) bwe.BandwidthUsage {
	switch {
	case trend > d.threshold:
		if !d.inOveruseRegion {
			d.inOveruseRegion = true
			d.overuseStart = now
			d.overuseCounter = 0
		}
		d.overuseCounter++

		if trend >= d.prevTrend && now.Sub(d.overuseStart) > d.config.OveruseTimeThresh && d.overuseCounter > 1 {
			d.hypothesis = bwe.BandwidthUsageOverusing
		}

	case trend < -d.threshold:
		d.inOveruseRegion = false
		d.overuseCounter = 0
		d.hypothesis = bwe.BandwidthUsageUnderusing

	default:
		d.inOveruseRegion = false
		d.overuseCounter = 0
		d.hypothesis = bwe.BandwidthUsageNormal
	}

	d.prevTrend = trend
	d.updateThreshold(trend, now)
	return d.hypothesis
}

func (d *OveruseDetector) State() bwe.BandwidthUsage {
	return d.hypothesis
}

func (d *OveruseDetector) Threshold() float64 {
	return d.threshold
}

func (d *OveruseDetector) Reset() {
	d.threshold = d.config.InitialThreshold
	d.lastUpdate = time.Time{}
	d.overuseStart = time.Time{}
	d.overuseCounter = 0
	d.inOveruseRegion = false
	d.prevTrend = 0
	d.hypothesis = bwe.BandwidthUsageNormal
}

func (d *OveruseDetector) updateThreshold(trend float64, now time.Time) {
	if d.lastUpdate.IsZero() {
		d.lastUpdate = now
	}

	absTrend := math.Abs(trend)
	if absTrend-d.threshold > d.config.MaxAdaptOffset {
		// a spike this large says nothing about the baseline
		d.lastUpdate = now
		return
	}

	k := d.config.Kd
	if absTrend > d.threshold {
		k = d.config.Ku
	}

	deltaMs := float64(min(now.Sub(d.lastUpdate), d.config.MaxTimeDelta)) / float64(time.Millisecond)
	d.threshold += k * (absTrend - d.threshold) * deltaMs
	d.threshold = math.Max(d.config.MinThreshold, math.Min(d.threshold, d.config.MaxThreshold))
	d.lastUpdate = now
}

func (d *OveruseDetector) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if d == nil {
		return nil
	}

	e.AddFloat64("threshold", d.threshold)
	e.AddInt("overuseCounter", d.overuseCounter)
	e.AddFloat64("prevTrend", d.prevTrend)
	e.AddString("hypothesis", d.hypothesis.String())
	return nil
}
