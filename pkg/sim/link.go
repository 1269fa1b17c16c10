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


package sim

import (
	"math/rand"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"
)

// DelayStep adds Extra one way delay to packets sent in [At, At+Duration).
type DelayStep struct {
	At       time.Duration `yaml:"at,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty"`
	Extra    time.Duration `yaml:"extra,omitempty"`
}

// LossStep drops packets sent in [At, At+Duration), every Nth or at random.
type LossStep struct {
	At       time.Duration `yaml:"at,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty"`
	Every    int           `yaml:"every,omitempty"`
	Rate     float64       `yaml:"rate,omitempty"`
}

type LinkConfig struct {
	Delay time.Duration `yaml:"delay,omitempty"`

	// a packet is dropped as the Nth in a row or with probability Rate
	LossEvery int     `yaml:"loss_every,omitempty"`
	LossRate  float64 `yaml:"loss_rate,omitempty"`

	// zero is unlimited
	CapacityBps int64 `yaml:"capacity_bps,omitempty"`
	// drop tail once the bottleneck queue would exceed this, zero is unbounded
	QueueLimit time.Duration `yaml:"queue_limit,omitempty"`

	DelaySteps []DelayStep `yaml:"delay_steps,omitempty"`
	LossSteps  []LossStep  `yaml:"loss_steps,omitempty"`

	Seed int64 `yaml:"seed,omitempty"`
}

func (l LinkConfig) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddDuration("delay", l.Delay)
	e.AddInt("lossEvery", l.LossEvery)
	e.AddFloat64("lossRate", l.LossRate)
	e.AddInt64("capacityBps", l.CapacityBps)
	e.AddDuration("queueLimit", l.QueueLimit)
	e.AddInt("delaySteps", len(l.DelaySteps))
	e.AddInt("lossSteps", len(l.LossSteps))
	return nil
}

// ------------------------------------------------

type inflight[T any] struct {
	arrival time.Time
	value   T
}

// Link is a one way FIFO path: fixed plus stepped delay, an optional rate limited
// bottleneck and deterministic loss. It is driven by the caller's notion of time.
type Link[T any] struct {
	config LinkConfig
	start  time.Time
	rng    *rand.Rand

	queue       deque.Deque[inflight[T]]
	busyUntil   time.Time
	lastArrival time.Time
	sinceLoss   int
	stepCounts  []int

	numSent      atomic.Uint64
	numLost      atomic.Uint64
	numDelivered atomic.Uint64
	bytesSent    atomic.Uint64
}

func NewLink[T any](config LinkConfig, start time.Time) *Link[T] {
	return &Link[T]{
		config:     config,
		start:      start,
		rng:        rand.New(rand.NewSource(config.Seed)),
		stepCounts: make([]int, len(config.LossSteps)),
	}
}

// Send offers a packet of size bytes at time at. It returns false if the packet was lost.
func (l *Link[T]) Send(at time.Time, size int, value T) bool {
	l.numSent.Inc()
	l.bytesSent.Add(uint64(size))

	elapsed := at.Sub(l.start)
	if l.isLost(elapsed) {
		l.numLost.Inc()
		return false
	}

	departure := at
	if l.config.CapacityBps > 0 {
		if l.busyUntil.After(departure) {
			if l.config.QueueLimit > 0 && l.busyUntil.Sub(departure) > l.config.QueueLimit {
				l.numLost.Inc()
				return false
			}
			departure = l.busyUntil
		}
		departure = departure.Add(time.Duration(int64(size) * 8 * int64(time.Second) / l.config.CapacityBps))
		l.busyUntil = departure
	}

	arrival := departure.Add(l.DelayAt(elapsed))
	if arrival.Before(l.lastArrival) {
		arrival = l.lastArrival
	}
	l.lastArrival = arrival

	l.queue.PushBack(inflight[T]{arrival: arrival, value: value})
	return true
}

// Deliver pops everything that has arrived by now, in order.
func (l *Link[T]) Deliver(now time.Time) []T {
	var out []T
	for l.queue.Len() != 0 && !l.queue.Front().arrival.After(now) {
		out = append(out, l.queue.PopFront().value)
	}
	l.numDelivered.Add(uint64(len(out)))
	return out
}

// DelayAt is the propagation delay a packet sent at elapsed sees, without queueing.
func (l *Link[T]) DelayAt(elapsed time.Duration) time.Duration {
	delay := l.config.Delay
	for _, step := range l.config.DelaySteps {
		if elapsed >= step.At && elapsed < step.At+step.Duration {
			delay += step.Extra
		}
	}
	return delay
}

// QueueDelay is how long a packet offered now would wait at the bottleneck.
func (l *Link[T]) QueueDelay(now time.Time) time.Duration {
	if l.busyUntil.After(now) {
		return l.busyUntil.Sub(now)
	}
	return 0
}

func (l *Link[T]) InFlight() int {
	return l.queue.Len()
}

func (l *Link[T]) NumSent() uint64 {
	return l.numSent.Load()
}

func (l *Link[T]) NumLost() uint64 {
	return l.numLost.Load()
}

func (l *Link[T]) NumDelivered() uint64 {
	return l.numDelivered.Load()
}

func (l *Link[T]) BytesSent() uint64 {
	return l.bytesSent.Load()
}

func (l *Link[T]) isLost(elapsed time.Duration) bool {
	for i, step := range l.config.LossSteps {
		if elapsed < step.At || elapsed >= step.At+step.Duration {
			continue
		}
		if step.Every > 0 {
			l.stepCounts[i]++
			if l.stepCounts[i] >= step.Every {
				l.stepCounts[i] = 0
				return true
			}
		}
		if step.Rate > 0 && l.rng.Float64() < step.Rate {
			return true
		}
	}

	if l.config.LossEvery > 0 {
		l.sinceLoss++
		if l.sinceLoss >= l.config.LossEvery {
			l.sinceLoss = 0
			return true
		}
	}
	return l.config.LossRate > 0 && l.rng.Float64() < l.config.LossRate
}
