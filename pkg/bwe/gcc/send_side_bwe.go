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
)

type SendSideBWEParams struct {
	Config GCCConfig
	Logger logger.Logger
}

// SendSideBWE merges the receiver's delay based estimate, carried by REMB, with the
// local loss based bound.
type SendSideBWE struct {
	params SendSideBWEParams

	minBitrate   int64
	startBitrate int64
	maxBitrate   int64

	rembBitrate int64
	hasREMB     bool
	lastREMB    time.Time
	lossBased   *LossBasedEstimator
	target      int64
}

func NewSendSideBWE(params SendSideBWEParams) *SendSideBWE {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Config.PacingFactor <= 0 {
		params.Config.PacingFactor = DefaultGCCConfig.PacingFactor
	}
	return &SendSideBWE{
		params: params,
		lossBased: NewLossBasedEstimator(LossBasedParams{
			Config: params.Config.LossBased,
			Logger: params.Logger,
		}),
	}
}

func (s *SendSideBWE) Variant() bwe.Variant {
	return bwe.VariantGCC
}

func (s *SendSideBWE) SetBitrates(minBitrate, startBitrate, maxBitrate int64) {
	s.minBitrate = minBitrate
	s.startBitrate = startBitrate
	s.maxBitrate = maxBitrate
	s.lossBased.SetBitrates(minBitrate, startBitrate, maxBitrate)
	if s.hasREMB {
		s.rembBitrate = bwe.ClampBitrate(s.rembBitrate, minBitrate, maxBitrate)
	}
	s.updateTarget()
}

func (s *SendSideBWE) OnPacketSent(_sent bwe.SentPacket) {}

func (s *SendSideBWE) OnPacketFeedback(results []bwe.PacketResult, _now time.Time) {
	s.lossBased.OnPacketResults(results)
}

// OnREMB takes the latest receiver estimate, older ones are simply superseded.
func (s *SendSideBWE) OnREMB(bitrate int64, now time.Time) {
	s.rembBitrate = bitrate
	s.hasREMB = true
	s.lastREMB = now
	s.updateTarget()
}

func (s *SendSideBWE) OnRemoteLoss(fraction float64, _now time.Time) {
	s.lossBased.OnRemoteFraction(fraction)
}

func (s *SendSideBWE) OnRTT(_rtt time.Duration, _now time.Time) {}

func (s *SendSideBWE) Process(now time.Time, _inALR bool) {
	s.lossBased.Process(now, s.target)
	s.updateTarget()
}

func (s *SendSideBWE) GetEstimate() bwe.Estimate {
	return bwe.Estimate{
		TargetBitrate: s.target,
		PacingRate:    int64(float64(s.target) * s.params.Config.PacingFactor),
		FractionLoss:  s.lossBased.FractionLoss(),
	}
}

func (s *SendSideBWE) LossBased() *LossBasedEstimator {
	return s.lossBased
}

func (s *SendSideBWE) REMB() (int64, bool) {
	return s.rembBitrate, s.hasREMB
}

// the target is the remote estimate, or the start bitrate before there is one, under the loss bound
func (s *SendSideBWE) updateTarget() {
	target := s.startBitrate
	if s.hasREMB {
		target = s.rembBitrate
	}
	target = min(target, s.lossBased.Estimate())
	s.target = bwe.ClampBitrate(target, s.minBitrate, s.maxBitrate)
}

func (s *SendSideBWE) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if s == nil {
		return nil
	}

	e.AddInt64("target", s.target)
	e.AddBool("hasREMB", s.hasREMB)
	e.AddInt64("rembBitrate", s.rembBitrate)
	e.AddTime("lastREMB", s.lastREMB)
	e.AddObject("lossBased", s.lossBased)
	return nil
}
