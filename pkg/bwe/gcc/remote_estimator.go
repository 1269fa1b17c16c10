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
	"github.com/dTelecom/razor-cc/pkg/ccutils"
)

type RemoteEstimatorParams struct {
	Config GCCConfig
	Logger logger.Logger
}

// RemoteEstimator is the receive side delay based pipeline:
// inter-arrival -> kalman -> trendline -> overuse detector -> AIMD.
type RemoteEstimator struct {
	params RemoteEstimatorParams

	interArrival *InterArrival
	kalman       *KalmanFilter
	trendline    *Trendline
	detector     *OveruseDetector
	aimd         *AIMD
	incoming     *ccutils.RateStats

	lastPacket   time.Time
	lastUpdate   time.Time
	numPackets   int
	numEpochs    int
	lastTrend    float64
	lastIncoming int64
}

func NewRemoteEstimator(params RemoteEstimatorParams) *RemoteEstimator {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &RemoteEstimator{
		params:       params,
		interArrival: NewInterArrival(params.Config.InterArrival),
		kalman:       NewKalmanFilter(params.Config.Kalman),
		trendline:    NewTrendline(params.Config.Trendline),
		detector:     NewOveruseDetector(params.Config.Overuse),
		aimd: NewAIMD(AIMDParams{
			Config: params.Config.AIMD,
			Logger: params.Logger,
		}),
		incoming: ccutils.NewRateStats(params.Config.Remote.IncomingRate),
	}
}

func (r *RemoteEstimator) SetBitrates(minBitrate, startBitrate, maxBitrate int64) {
	r.aimd.SetBitrates(minBitrate, startBitrate, maxBitrate)
}

func (r *RemoteEstimator) SetMinMax(minBitrate, maxBitrate int64) {
	r.aimd.SetMinMax(minBitrate, maxBitrate)
}

func (r *RemoteEstimator) SetRTT(rtt time.Duration) {
	r.aimd.SetRTT(rtt)
}

// IncomingPacket folds one arrival in. sendTime is the sender's timestamp relative to
// any fixed origin, seq an extended sequence number. Returns true when the estimate moved.
func (r *RemoteEstimator) IncomingPacket(arrival time.Time, sendTime time.Duration, seq uint64, size int) bool {
	if !r.lastPacket.IsZero() && arrival.Sub(r.lastPacket) > r.params.Config.Remote.StreamTimeout {
		r.params.Logger.Debugw("gcc: stream resumed after timeout", "idle", arrival.Sub(r.lastPacket))
		r.interArrival.Reset()
		r.startEpoch()
		r.incoming.Reset()
	}
	r.lastPacket = arrival
	r.numPackets++

	r.incoming.Update(size, arrival)

	res := r.interArrival.ComputeDeltas(sendTime, arrival, seq, size)
	if res.IsReset {
		r.params.Logger.Debugw("gcc: inter arrival reset", "seq", seq)
		r.startEpoch()
	}
	if res.HasDelta {
		gradient := r.kalman.Update(res.Deltas.DelayVariationMs())
		r.lastTrend = r.trendline.Update(gradient, arrival)
		prevUsage := r.detector.State()
		if usage := r.detector.Detect(r.lastTrend, arrival); usage != prevUsage {
			r.params.Logger.Debugw(
				"gcc: usage change",
				"from", prevUsage,
				"to", usage,
				"trend", r.lastTrend,
				"threshold", r.detector.Threshold(),
			)
		}
	}

	incomingRate, ok := r.incoming.Rate(arrival)
	if !ok {
		incomingRate = 0
	}
	r.lastIncoming = incomingRate

	update := r.lastUpdate.IsZero() || arrival.Sub(r.lastUpdate) >= r.params.Config.Remote.UpdateInterval
	if !update && r.detector.State() == bwe.BandwidthUsageOverusing {
		update = ok && r.aimd.TimeToReduceFurther(arrival, incomingRate)
	}
	if !update {
		return false
	}

	prev := r.aimd.Estimate()
	r.aimd.Update(r.detector.State(), incomingRate, arrival)
	r.lastUpdate = arrival
	return r.aimd.Estimate() != prev
}

// OnIntervalCheck reports whether the stream is still considered active.
func (r *RemoteEstimator) OnIntervalCheck(now time.Time) bool {
	return !r.lastPacket.IsZero() && now.Sub(r.lastPacket) <= r.params.Config.Remote.StreamTimeout
}

func (r *RemoteEstimator) Estimate() int64 {
	return r.aimd.Estimate()
}

func (r *RemoteEstimator) Usage() bwe.BandwidthUsage {
	return r.detector.State()
}

func (r *RemoteEstimator) State() bwe.RateControlState {
	return r.aimd.State()
}

func (r *RemoteEstimator) IncomingRate() int64 {
	return r.lastIncoming
}

func (r *RemoteEstimator) NumEpochs() int {
	return r.numEpochs
}

func (r *RemoteEstimator) startEpoch() {
	r.numEpochs++
	r.kalman.Reset()
	r.trendline.Reset()
	r.detector.Reset()
}

func (r *RemoteEstimator) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if r == nil {
		return nil
	}

	e.AddInt("numPackets", r.numPackets)
	e.AddInt("numEpochs", r.numEpochs)
	e.AddInt64("incomingRate", r.lastIncoming)
	e.AddObject("interArrival", r.interArrival)
	e.AddObject("kalman", r.kalman)
	e.AddObject("trendline", r.trendline)
	e.AddObject("detector", r.detector)
	e.AddObject("aimd", r.aimd)
	return nil
}
