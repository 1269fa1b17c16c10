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

	"github.com/gammazero/deque"
	"go.uber.org/zap/zapcore"
)

type RateStatsConfig struct {
	Window time.Duration `yaml:"window,omitempty"`
	Bucket time.Duration `yaml:"bucket,omitempty"`
}

var (
	DefaultRateStatsConfig = RateStatsConfig{
		Window: 500 * time.Millisecond,
		Bucket: 10 * time.Millisecond,
	}
)

type rateBucket struct {
	start time.Time
	bytes int64
}

// RateStats measures a byte rate over a sliding window made of fixed size buckets.
type RateStats struct {
	config RateStatsConfig

	buckets   deque.Deque[rateBucket]
	active    rateBucket
	hasActive bool
	bytes     int64
	firstAt   time.Time
}

func NewRateStats(config RateStatsConfig) *RateStats {
	if config.Window <= 0 {
		config.Window = DefaultRateStatsConfig.Window
	}
	if config.Bucket <= 0 || config.Bucket > config.Window {
		config.Bucket = min(DefaultRateStatsConfig.Bucket, config.Window)
	}
	return &RateStats{
		config: config,
	}
}

func (r *RateStats) Update(bytes int, now time.Time) {
	if bytes < 0 {
		return
	}

	r.expire(now)
	if !r.hasActive {
		r.firstAt = now
		r.active = rateBucket{start: now}
		r.hasActive = true
	} else if now.Sub(r.active.start) >= r.config.Bucket {
		r.buckets.PushBack(r.active)
		r.active = rateBucket{start: now}
	}
	r.active.bytes += int64(bytes)
	r.bytes += int64(bytes)
}

// Rate returns bits per second over the window ending at now. It is not valid until at
// least one bucket worth of time has been observed or when the window has emptied.
func (r *RateStats) Rate(now time.Time) (int64, bool) {
	r.expire(now)
	if !r.hasActive {
		return 0, false
	}

	span := min(now.Sub(r.firstAt), r.config.Window)
	if span < r.config.Bucket {
		return 0, false
	}

	return r.bytes * 8 * int64(time.Second) / int64(span), true
}

func (r *RateStats) Reset() {
	r.buckets.Clear()
	r.active = rateBucket{}
	r.hasActive = false
	r.bytes = 0
	r.firstAt = time.Time{}
}

func (r *RateStats) expire(now time.Time) {
	for r.buckets.Len() > 0 {
		if b := r.buckets.Front(); now.Sub(b.start) >= r.config.Window {
			r.bytes -= b.bytes
			r.buckets.PopFront()
		} else {
			break
		}
	}
	if r.buckets.Len() == 0 && r.hasActive && now.Sub(r.active.start) >= r.config.Window {
		r.active = rateBucket{}
		r.hasActive = false
		r.bytes = 0
	}
}

func (r *RateStats) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if r == nil {
		return nil
	}

	e.AddDuration("window", r.config.Window)
	e.AddInt("buckets", r.buckets.Len())
	e.AddBool("active", r.hasActive)
	e.AddInt64("bytes", r.bytes)
	return nil
}
