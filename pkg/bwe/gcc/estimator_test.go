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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dTelecom/razor-cc/pkg/bwe"
)

func newTestRemoteEstimator(minBitrate, startBitrate, maxBitrate int64) *RemoteEstimator {
	r := NewRemoteEstimator(RemoteEstimatorParams{Config: DefaultGCCConfig})
	r.SetBitrates(minBitrate, startBitrate, maxBitrate)
	return r
}

func TestRemoteEstimator_Steady(t *testing.T) {
	r := newTestRemoteEstimator(32_000, 500_000, 2_000_000)

	// 1 Mbps, 625 byte packets every 5ms, constant path delay
	for i := 0; i < 400; i++ {
		r.IncomingPacket(testEpoch.Add(ms(30+i*5)), ms(i*5), uint64(i), 625)
	}
	require.Equal(t, bwe.BandwidthUsageNormal, r.Usage())
	require.Equal(t, bwe.RateControlStateIncrease, r.State())
	require.Greater(t, r.Estimate(), int64(500_000))
	require.InDelta(t, 1_000_000, r.IncomingRate(), 50_000)
	require.True(t, r.OnIntervalCheck(testEpoch.Add(2*time.Second)))
	require.False(t, r.OnIntervalCheck(testEpoch.Add(10*time.Second)))
}

func TestRemoteEstimator_QueueBuildup(t *testing.T) {
	r := newTestRemoteEstimator(32_000, 1_000_000, 2_000_000)

	var before int64
	overuseAt := -1
	for i := 0; i < 600; i++ {
		queue := 0
		if i >= 200 {
			queue = i - 200
		}
		if i == 200 {
			before = r.Estimate()
		}
		r.IncomingPacket(testEpoch.Add(ms(30+i*5+queue)), ms(i*5), uint64(i), 625)
		if overuseAt < 0 && r.Usage() == bwe.BandwidthUsageOverusing {
			overuseAt = i * 5
		}
	}
	require.GreaterOrEqual(t, overuseAt, 1000)
	require.Less(t, overuseAt, 1300)
	require.Less(t, r.Estimate(), before)
}

func TestRemoteEstimator_TimeoutStartsEpoch(t *testing.T) {
	r := newTestRemoteEstimator(32_000, 500_000, 2_000_000)
	for i := 0; i < 100; i++ {
		r.IncomingPacket(testEpoch.Add(ms(30+i*5)), ms(i*5), uint64(i), 625)
	}
	require.Zero(t, r.NumEpochs())

	r.IncomingPacket(testEpoch.Add(5*time.Second), 5*time.Second, 100, 625)
	require.Equal(t, 1, r.NumEpochs())
}

func lossResults(n, lost int, at time.Time) []bwe.PacketResult {
	out := make([]bwe.PacketResult, 0, n)
	for i := 0; i < n; i++ {
		r := bwe.PacketResult{SequenceNumber: uint64(i), Size: 1000, SendTime: at}
		if i >= lost {
			r.ReceiveTime = at
		}
		out = append(out, r)
	}
	return out
}

func TestLossBasedEstimator(t *testing.T) {
	l := NewLossBasedEstimator(LossBasedParams{Config: DefaultLossBasedConfig})
	l.SetBitrates(100_000, 1_000_000, 2_000_000)
	require.False(t, l.IsLimiting())
	require.Equal(t, int64(2_000_000), l.Estimate())

	now := testEpoch
	// 40% smoothed to 20%, reduces from the current target
	l.OnPacketResults(lossResults(100, 40, now))
	l.Process(now, 1_000_000)
	require.InDelta(t, 0.2, l.Loss(), 1e-9)
	require.True(t, l.IsLimiting())
	require.Equal(t, int64(900_000), l.Estimate())

	// nothing new, nothing changes
	now = now.Add(time.Second)
	l.Process(now, 900_000)
	require.Equal(t, int64(900_000), l.Estimate())
	require.InDelta(t, 0.2, l.Loss(), 1e-9)

	// 10% is not above the high threshold, 5% and 2.5% sit between: all hold
	for _, expected := range []float64{0.1, 0.05, 0.025} {
		l.OnPacketResults(lossResults(100, 0, now))
		l.Process(now, 900_000)
		require.InDelta(t, expected, l.Loss(), 1e-9)
		require.True(t, l.IsLimiting())
		require.Equal(t, int64(900_000), l.Estimate())
		now = now.Add(ms(200))
	}

	// under 2% the bound is released
	l.OnPacketResults(lossResults(100, 0, now))
	l.Process(now, 900_000)
	require.InDelta(t, 0.0125, l.Loss(), 1e-9)
	require.False(t, l.IsLimiting())
	require.Equal(t, int64(2_000_000), l.Estimate())
}

func TestLossBasedEstimator_Interval(t *testing.T) {
	l := NewLossBasedEstimator(LossBasedParams{Config: DefaultLossBasedConfig})
	l.SetBitrates(100_000, 1_000_000, 2_000_000)

	l.OnPacketResults(lossResults(100, 50, testEpoch))
	l.Process(testEpoch, 1_000_000)
	require.Equal(t, int64(875_000), l.Estimate())

	// evidence is held until the interval elapses
	l.OnPacketResults(lossResults(100, 50, testEpoch))
	l.Process(testEpoch.Add(ms(100)), 875_000)
	require.Equal(t, int64(875_000), l.Estimate())
	require.InDelta(t, 0.25, l.Loss(), 1e-9)

	l.Process(testEpoch.Add(ms(200)), 875_000)
	require.InDelta(t, 0.375, l.Loss(), 1e-9)
	require.Less(t, l.Estimate(), int64(875_000))
}

func TestLossBasedEstimator_Floor(t *testing.T) {
	l := NewLossBasedEstimator(LossBasedParams{Config: DefaultLossBasedConfig})
	l.SetBitrates(100_000, 1_000_000, 2_000_000)

	now := testEpoch
	for i := 0; i < 100; i++ {
		now = now.Add(ms(200))
		l.OnRemoteFraction(1.0)
		l.Process(now, l.Estimate())
	}
	require.Equal(t, int64(100_000), l.Estimate())
	require.Equal(t, uint8(255), l.FractionLoss())
}

func TestSendSideBWE(t *testing.T) {
	var _ bwe.SenderBWE = (*SendSideBWE)(nil)

	s := NewSendSideBWE(SendSideBWEParams{Config: DefaultGCCConfig})
	s.SetBitrates(50_000, 800_000, 1_500_000)
	require.Equal(t, int64(800_000), s.GetEstimate().TargetBitrate)
	require.Equal(t, int64(2_000_000), s.GetEstimate().PacingRate)

	s.OnREMB(600_000, testEpoch)
	require.Equal(t, int64(600_000), s.GetEstimate().TargetBitrate)

	// latest wins, capped at max
	s.OnREMB(5_000_000, testEpoch.Add(time.Second))
	require.Equal(t, int64(1_500_000), s.GetEstimate().TargetBitrate)

	s.OnREMB(10_000, testEpoch.Add(2*time.Second))
	require.Equal(t, int64(50_000), s.GetEstimate().TargetBitrate)
}

func TestSendSideBWE_ZeroLossPassThrough(t *testing.T) {
	s := NewSendSideBWE(SendSideBWEParams{Config: DefaultGCCConfig})
	s.SetBitrates(100_000, 1_000_000, 5_000_000)
	require.Equal(t, int64(1_000_000), s.GetEstimate().TargetBitrate)

	now := testEpoch
	s.OnREMB(3_000_000, now)
	for i := 0; i < 20; i++ {
		now = now.Add(ms(100))
		s.OnPacketFeedback(lossResults(30, 0, now), now)
		s.OnRemoteLoss(0, now)
		s.Process(now, false)
		require.Equal(t, int64(3_000_000), s.GetEstimate().TargetBitrate)
	}
	require.False(t, s.LossBased().IsLimiting())
	require.Zero(t, s.GetEstimate().FractionLoss)
}

func TestSendSideBWE_LossBound(t *testing.T) {
	s := NewSendSideBWE(SendSideBWEParams{Config: DefaultGCCConfig})
	s.SetBitrates(100_000, 1_000_000, 5_000_000)

	now := testEpoch
	s.OnREMB(2_000_000, now)
	s.OnPacketFeedback(lossResults(100, 40, now), now)
	s.Process(now, false)
	require.Equal(t, int64(1_800_000), s.GetEstimate().TargetBitrate)

	// a higher remote estimate does not lift the bound while loss is elevated
	now = now.Add(ms(200))
	s.OnREMB(3_000_000, now)
	require.Equal(t, int64(1_800_000), s.GetEstimate().TargetBitrate)

	for s.LossBased().IsLimiting() {
		now = now.Add(ms(200))
		s.OnPacketFeedback(lossResults(100, 0, now), now)
		s.Process(now, false)
	}
	require.Equal(t, int64(3_000_000), s.GetEstimate().TargetBitrate)
}
