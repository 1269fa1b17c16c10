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

	"go.uber.org/zap/zapcore"
)

type InterArrivalConfig struct {
	BurstInterval              time.Duration `yaml:"burst_interval,omitempty"`
	MaxBurstDuration           time.Duration `yaml:"max_burst_duration,omitempty"`
	MaxSequenceGap             uint64        `yaml:"max_sequence_gap,omitempty"`
	ArrivalTimeOffsetThreshold time.Duration `yaml:"arrival_time_offset_threshold,omitempty"`
	ReorderedResetThreshold    int           `yaml:"reordered_reset_threshold,omitempty"`
}

var (
	DefaultInterArrivalConfig = InterArrivalConfig{
		BurstInterval:              5 * time.Millisecond,
		MaxBurstDuration:           100 * time.Millisecond,
		MaxSequenceGap:             1000,
		ArrivalTimeOffsetThreshold: 3 * time.Second,
		ReorderedResetThreshold:    3,
	}
)

// ------------------------------------------------

type Deltas struct {
	SendDelta    time.Duration
	ArrivalDelta time.Duration
	SizeDelta    int
}

// DelayVariationMs is how much longer the later group spent in flight.
func (d Deltas) DelayVariationMs() float64 {
	return float64(d.ArrivalDelta-d.SendDelta) / float64(time.Millisecond)
}

type InterArrivalResult struct {
	Deltas   Deltas
	HasDelta bool
	// state was discarded, downstream filters should restart
	IsReset bool
}

// ------------------------------------------------

type timestampGroup struct {
	valid         bool
	size          int
	firstSendTime time.Duration
	sendTime      time.Duration
	firstArrival  time.Time
	completeTime  time.Time
	lastSeq       uint64
}

func (g *timestampGroup) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if g == nil || !g.valid {
		return nil
	}

	e.AddInt("size", g.size)
	e.AddDuration("firstSendTime", g.firstSendTime)
	e.AddDuration("sendTime", g.sendTime)
	e.AddTime("firstArrival", g.firstArrival)
	e.AddTime("completeTime", g.completeTime)
	e.AddUint64("lastSeq", g.lastSeq)
	return nil
}

// ------------------------------------------------

// InterArrival bundles packets into send time groups and produces deltas between
// consecutive complete groups.
type InterArrival struct {
	config InterArrivalConfig

	current                 timestampGroup
	prev                    timestampGroup
	numConsecutiveReordered int
	numResets               int
}

func NewInterArrival(config InterArrivalConfig) *InterArrival {
	return &InterArrival{
		config: config,
	}
}

func (i *InterArrival) Reset() {
	i.current = timestampGroup{}
	i.prev = timestampGroup{}
	i.numConsecutiveReordered = 0
	i.numResets++
}

func (i *InterArrival) NumResets() int {
	return i.numResets
}

func (i *InterArrival) ComputeDeltas(sendTime time.Duration, arrival time.Time, seq uint64, size int) (result InterArrivalResult) {
	if i.current.valid && seq > i.current.lastSeq && seq-i.current.lastSeq > i.config.MaxSequenceGap {
		i.Reset()
		result.IsReset = true
	}

	switch {
	case !i.current.valid:
		i.current = timestampGroup{
			valid:         true,
			firstSendTime: sendTime,
			sendTime:      sendTime,
			firstArrival:  arrival,
		}

	case sendTime < i.current.firstSendTime:
		// older than the group being built, nothing to learn from it
		return

	case i.isNewGroup(sendTime, arrival):
		if i.prev.valid {
			deltas := Deltas{
				SendDelta:    i.current.sendTime - i.prev.sendTime,
				ArrivalDelta: i.current.completeTime.Sub(i.prev.completeTime),
				SizeDelta:    i.current.size - i.prev.size,
			}

			offset := deltas.ArrivalDelta - deltas.SendDelta
			if offset >= i.config.ArrivalTimeOffsetThreshold || -offset >= i.config.ArrivalTimeOffsetThreshold {
				i.Reset()
				result.IsReset = true
				i.current = timestampGroup{
					valid:         true,
					firstSendTime: sendTime,
					sendTime:      sendTime,
					firstArrival:  arrival,
				}
				i.addToCurrent(arrival, seq, size)
				return
			}

			if deltas.ArrivalDelta < 0 {
				i.numConsecutiveReordered++
				if i.numConsecutiveReordered >= i.config.ReorderedResetThreshold {
					i.Reset()
					result.IsReset = true
				}
				return
			}
			i.numConsecutiveReordered = 0

			result.Deltas = deltas
			result.HasDelta = true
		}

		i.prev = i.current
		i.current = timestampGroup{
			valid:         true,
			firstSendTime: sendTime,
			sendTime:      sendTime,
			firstArrival:  arrival,
		}

	default:
		i.current.sendTime = max(i.current.sendTime, sendTime)
	}

	i.addToCurrent(arrival, seq, size)
	return
}

func (i *InterArrival) addToCurrent(arrival time.Time, seq uint64, size int) {
	i.current.size += size
	i.current.completeTime = arrival
	if seq > i.current.lastSeq {
		i.current.lastSeq = seq
	}
}

func (i *InterArrival) isNewGroup(sendTime time.Duration, arrival time.Time) bool {
	if i.belongsToBurst(sendTime, arrival) {
		return false
	}

	return sendTime-i.current.firstSendTime > i.config.BurstInterval
}

// packets that queued behind each other somewhere on the path arrive back to back,
// they are one group regardless of their send spacing
func (i *InterArrival) belongsToBurst(sendTime time.Duration, arrival time.Time) bool {
	arrivalDelta := arrival.Sub(i.current.completeTime)
	sendDelta := sendTime - i.current.sendTime
	if sendDelta == 0 {
		return true
	}

	propagationDelta := arrivalDelta - sendDelta
	return propagationDelta < 0 &&
		arrivalDelta <= i.config.BurstInterval &&
		arrival.Sub(i.current.firstArrival) < i.config.MaxBurstDuration
}

func (i *InterArrival) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if i == nil {
		return nil
	}

	e.AddObject("current", &i.current)
	e.AddObject("prev", &i.prev)
	e.AddInt("numConsecutiveReordered", i.numConsecutiveReordered)
	e.AddInt("numResets", i.numResets)
	return nil
}
