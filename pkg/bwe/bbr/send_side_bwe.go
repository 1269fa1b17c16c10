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

package bbr

import (
	"slices"
	"time"

	"github.com/livekit/protocol/logger"
	"go.uber.org/zap/zapcore"

	"github.com/dTelecom/razor-cc/pkg/bwe"
	"github.com/dTelecom/razor-cc/pkg/ccutils"
)

type SendSideBWEParams struct {
	Config     BBRConfig
	LossFilter ccutils.LossRateFilterConfig
	Logger     logger.Logger
}

// SendSideBWE feeds per packet feedback into BBR and clamps its output to the configured bitrates.
type SendSideBWE struct {
	params SendSideBWEParams

	bbr        *BBR
	rttStats   *ccutils.RTTStats
	lossFilter *ccutils.LossRateFilter

	minBitrate   int64
	startBitrate int64
	maxBitrate   int64

	bytesInFlight int
	lastREMB      int64

	acked []uint64
	lost  []uint64
}

func NewSendSideBWE(params SendSideBWEParams) *SendSideBWE {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &SendSideBWE{
		params: params,
		bbr: NewBBR(BBRParams{
			Config: params.Config,
			Logger: params.Logger,
		}),
		rttStats:   ccutils.NewRTTStats(),
		lossFilter: ccutils.NewLossRateFilter(params.LossFilter),
	}
}

func (s *SendSideBWE) Variant() bwe.Variant {
	return bwe.VariantBBR
}

func (s *SendSideBWE) SetBitrates(minBitrate, startBitrate, maxBitrate int64) {
	s.minBitrate = minBitrate
	s.maxBitrate = maxBitrate
	s.startBitrate = bwe.ClampBitrate(startBitrate, minBitrate, maxBitrate)
}

func (s *SendSideBWE) OnPacketSent(sent bwe.SentPacket) {
	// the sampler wants in flight before this packet
	prior := max(sent.BytesInFlight-sent.Size, 0)
	s.bbr.OnPacketSent(sent.SendTime, sent.SequenceNumber, sent.Size, prior, true)
	s.bytesInFlight = sent.BytesInFlight
}

func (s *SendSideBWE) OnPacketFeedback(results []bwe.PacketResult, now time.Time) {
	if len(results) == 0 {
		return
	}

	s.acked = s.acked[:0]
	s.lost = s.lost[:0]
	for _, r := range results {
		s.bytesInFlight = max(s.bytesInFlight-r.Size, 0)
		if r.IsReceived() {
			s.acked = append(s.acked, r.SequenceNumber)
		} else {
			s.lost = append(s.lost, r.SequenceNumber)
		}
	}
	slices.Sort(s.acked)
	slices.Sort(s.lost)

	s.lossFilter.OnInterval(len(results), len(s.lost))
	s.bbr.OnCongestionEvent(now, s.bytesInFlight, s.acked, s.lost)
}

// OnREMB is recorded only, BBR measures the path itself.
func (s *SendSideBWE) OnREMB(bitrate int64, _now time.Time) {
	s.lastREMB = bitrate
}

func (s *SendSideBWE) OnRemoteLoss(fraction float64, _now time.Time) {
	s.lossFilter.OnFraction(fraction)
}

func (s *SendSideBWE) OnRTT(rtt time.Duration, now time.Time) {
	s.rttStats.Update(rtt)
	s.bbr.OnRTT(s.rttStats.LatestRTT(), s.rttStats.SmoothedRTT(), now)
}

func (s *SendSideBWE) Process(_now time.Time, inALR bool) {
	if inALR {
		s.bbr.OnAppLimited(s.bytesInFlight)
	}
}

// RemoveObsoletePackets lets the owner prune sampler state along with its own history.
func (s *SendSideBWE) RemoveObsoletePackets(leastUnacked uint64) {
	s.bbr.RemoveObsoletePackets(leastUnacked)
}

func (s *SendSideBWE) GetEstimate() bwe.Estimate {
	return bwe.Estimate{
		TargetBitrate:    s.TargetBitrate(),
		PacingRate:       s.PacingRate(),
		CongestionWindow: s.bbr.CongestionWindow(),
		FractionLoss:     s.lossFilter.FractionLoss(),
	}
}

// TargetBitrate is the gained bandwidth estimate, so that the source itself probes
// alongside the pacer. Before the first sample it is the start bitrate.
func (s *SendSideBWE) TargetBitrate() int64 {
	bw := s.bbr.BandwidthEstimate()
	if bw == 0 {
		return s.startBitrate
	}
	return bwe.ClampBitrate(int64(float64(bw)*s.bbr.PacingGain()), s.minBitrate, s.maxBitrate)
}

func (s *SendSideBWE) PacingRate() int64 {
	pacingRate := s.bbr.PacingRate()
	if s.bbr.BandwidthEstimate() == 0 {
		pacingRate = max(pacingRate, int64(float64(s.startBitrate)*s.params.Config.HighGain))
	}
	return bwe.ClampBitrate(pacingRate, s.minBitrate, s.maxBitrate)
}

func (s *SendSideBWE) CongestionWindow() int {
	return s.bbr.CongestionWindow()
}

func (s *SendSideBWE) Phase() Phase {
	return s.bbr.Phase()
}

func (s *SendSideBWE) BBR() *BBR {
	return s.bbr
}

func (s *SendSideBWE) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if s == nil {
		return nil
	}

	e.AddInt64("targetBitrate", s.TargetBitrate())
	e.AddInt64("pacingRate", s.PacingRate())
	e.AddInt("bytesInFlight", s.bytesInFlight)
	e.AddInt64("lastREMB", s.lastREMB)
	e.AddObject("lossFilter", s.lossFilter)
	return e.AddObject("bbr", s.bbr)
}
