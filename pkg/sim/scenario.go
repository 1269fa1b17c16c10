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
	"bytes"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/dTelecom/razor-cc/pkg/bwe"
	"github.com/dTelecom/razor-cc/pkg/engine"
)

var (
	ErrInvalidScenario = errors.New("invalid scenario")
)

type Scenario struct {
	Name     string                `yaml:"name,omitempty"`
	Duration time.Duration         `yaml:"duration,omitempty"`
	Variant  string                `yaml:"variant,omitempty"`
	Bitrates engine.BitratesConfig `yaml:"bitrates,omitempty"`

	Forward LinkConfig `yaml:"forward,omitempty"`
	// defaults to the forward delay without loss or rate limit
	Reverse *LinkConfig `yaml:"reverse,omitempty"`

	// application data is emitted once per tick in packets of at most this many bytes
	MaxPacketSize int `yaml:"max_packet_size,omitempty"`
	// RTT is reported to both ends at this interval
	RTTInterval    time.Duration `yaml:"rtt_interval,omitempty"`
	SampleInterval time.Duration `yaml:"sample_interval,omitempty"`
	Step           time.Duration `yaml:"step,omitempty"`
}

var (
	DefaultScenario = Scenario{
		Name:     "default",
		Duration: 30 * time.Second,
		Variant:  bwe.VariantGCC.String(),
		Bitrates: engine.DefaultBitratesConfig,
		Forward: LinkConfig{
			Delay: 30 * time.Millisecond,
		},
		MaxPacketSize:  1200,
		RTTInterval:    time.Second,
		SampleInterval: 100 * time.Millisecond,
		Step:           time.Millisecond,
	}
)

// ParseScenario decodes a YAML scenario on top of DefaultScenario.
func ParseScenario(data []byte, strictMode bool) (Scenario, error) {
	sc := DefaultScenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(strictMode)
	if err := decoder.Decode(&sc); err != nil {
		return sc, errors.Wrap(err, "could not parse scenario")
	}
	if err := sc.Validate(); err != nil {
		return sc, err
	}
	return sc, nil
}

func (s *Scenario) Validate() error {
	if s.Duration <= 0 {
		return errors.Wrapf(ErrInvalidScenario, "%s: duration %s", s.Name, s.Duration)
	}
	if _, err := bwe.ParseVariant(s.Variant); err != nil {
		return errors.Wrapf(err, "%s", s.Name)
	}
	if _, err := s.Bitrates.Validate(); err != nil {
		return errors.Wrapf(err, "%s", s.Name)
	}
	if s.Forward.Delay < 0 || s.Forward.LossRate < 0 || s.Forward.LossRate > 1 {
		return errors.Wrapf(ErrInvalidScenario, "%s: forward link", s.Name)
	}
	return nil
}

func (s *Scenario) applyDefaults() {
	if s.MaxPacketSize <= 0 {
		s.MaxPacketSize = DefaultScenario.MaxPacketSize
	}
	if s.RTTInterval <= 0 {
		s.RTTInterval = DefaultScenario.RTTInterval
	}
	if s.SampleInterval <= 0 {
		s.SampleInterval = DefaultScenario.SampleInterval
	}
	if s.Step <= 0 {
		s.Step = DefaultScenario.Step
	}
}

func (s *Scenario) reverse() LinkConfig {
	if s.Reverse != nil {
		return *s.Reverse
	}
	return LinkConfig{Delay: s.Forward.Delay}
}

func (s Scenario) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("name", s.Name)
	e.AddDuration("duration", s.Duration)
	e.AddString("variant", s.Variant)
	e.AddInt64("minBitrate", s.Bitrates.Min)
	e.AddInt64("startBitrate", s.Bitrates.Start)
	e.AddInt64("maxBitrate", s.Bitrates.Max)
	return e.AddObject("forward", s.Forward)
}

// ------------------------------------------------

type Sample struct {
	At             time.Duration
	Target         int64
	PacingRate     int64
	RemoteEstimate int64
	Usage          bwe.BandwidthUsage
	State          bwe.RateControlState
	Phase          string
	FractionLoss   uint8
	SmoothedRTT    time.Duration
	PacerQueue     time.Duration
	LinkQueue      time.Duration
}

func (s Sample) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddDuration("at", s.At)
	e.AddInt64("target", s.Target)
	e.AddInt64("pacingRate", s.PacingRate)
	e.AddInt64("remoteEstimate", s.RemoteEstimate)
	e.AddString("usage", s.Usage.String())
	e.AddString("state", s.State.String())
	if s.Phase != "" {
		e.AddString("phase", s.Phase)
	}
	e.AddUint8("fractionLoss", s.FractionLoss)
	e.AddDuration("smoothedRTT", s.SmoothedRTT)
	e.AddDuration("pacerQueue", s.PacerQueue)
	e.AddDuration("linkQueue", s.LinkQueue)
	return nil
}

type Result struct {
	Scenario Scenario
	Trace    []Sample
	Changes  []engine.BitrateChange

	NumSent      uint64
	NumLost      uint64
	NumDelivered uint64
	BytesSent    uint64
	NumFeedback  uint64

	MinTarget   int64
	MaxTarget   int64
	FinalTarget int64
	// time weighted over the run
	AvgTarget int64
	// delivered application bits over the run
	Goodput int64
}

// FirstAfter returns the first sample at or after since that satisfies match.
func (r *Result) FirstAfter(since time.Duration, match func(Sample) bool) (Sample, bool) {
	for _, s := range r.Trace {
		if s.At >= since && match(s) {
			return s, true
		}
	}
	return Sample{}, false
}

// TargetAt returns the last sampled target at or before at.
func (r *Result) TargetAt(at time.Duration) int64 {
	target := int64(0)
	for _, s := range r.Trace {
		if s.At > at {
			break
		}
		target = s.Target
	}
	return target
}

// MinTargetBetween is the lowest sampled target in [from, to].
func (r *Result) MinTargetBetween(from, to time.Duration) int64 {
	lowest := int64(-1)
	for _, s := range r.Trace {
		if s.At < from || s.At > to {
			continue
		}
		if lowest < 0 || s.Target < lowest {
			lowest = s.Target
		}
	}
	return lowest
}

func (r *Result) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if r == nil {
		return nil
	}

	e.AddString("name", r.Scenario.Name)
	e.AddInt("samples", len(r.Trace))
	e.AddInt("changes", len(r.Changes))
	e.AddUint64("numSent", r.NumSent)
	e.AddUint64("numLost", r.NumLost)
	e.AddUint64("numDelivered", r.NumDelivered)
	e.AddUint64("numFeedback", r.NumFeedback)
	e.AddInt64("minTarget", r.MinTarget)
	e.AddInt64("maxTarget", r.MaxTarget)
	e.AddInt64("finalTarget", r.FinalTarget)
	e.AddInt64("avgTarget", r.AvgTarget)
	e.AddInt64("goodput", r.Goodput)
	return nil
}
