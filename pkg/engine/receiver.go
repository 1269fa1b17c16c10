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

package engine

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/frostbyte73/core"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/livekit/protocol/logger"
	"github.com/pion/rtcp"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"

	"github.com/dTelecom/razor-cc/pkg/bwe"
	"github.com/dTelecom/razor-cc/pkg/bwe/gcc"
	"github.com/dTelecom/razor-cc/pkg/ccutils"
	"github.com/dTelecom/razor-cc/pkg/feedback"
	"github.com/dTelecom/razor-cc/pkg/telemetry/prometheus"
	"github.com/dTelecom/razor-cc/pkg/twcc"
	"github.com/dTelecom/razor-cc/pkg/utils"
)

type ReceiverParams struct {
	Config ReceiverConfig

	// SSRC feedback is sent from
	SenderSSRC uint32

	FeedbackSink FeedbackSink

	Clock  clock.Clock
	Logger logger.Logger
}

type ReceiverStats struct {
	Estimate     int64
	IncomingRate int64
	Usage        bwe.BandwidthUsage
	State        bwe.RateControlState
	NumEpochs    int
	FractionLoss uint8
	SmoothedRTT  time.Duration
	NumStreams   int
	NumFeedback  uint64
	NumREMB      uint64
}

func (r ReceiverStats) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddInt64("estimate", r.Estimate)
	e.AddInt64("incomingRate", r.IncomingRate)
	e.AddString("usage", r.Usage.String())
	e.AddString("state", r.State.String())
	e.AddInt("numEpochs", r.NumEpochs)
	e.AddUint8("fractionLoss", r.FractionLoss)
	e.AddDuration("smoothedRTT", r.SmoothedRTT)
	e.AddInt("numStreams", r.NumStreams)
	e.AddUint64("numFeedback", r.NumFeedback)
	e.AddUint64("numREMB", r.NumREMB)
	return nil
}

// ------------------------------------------------

// Receiver runs the delay based estimator on arrivals and produces the feedback the
// sender consumes: transport wide reports, REMB and the bitrate report.
type Receiver struct {
	params ReceiverParams

	lock      sync.Mutex
	estimator *gcc.RemoteEstimator
	responder *twcc.Responder
	wrap      *ccutils.WrapAround[uint16, uint64]
	rttStats  *ccutils.RTTStats
	streams   *lru.Cache[uint32, time.Time]
	mediaSSRC uint32

	lastREMB        time.Time
	lastREMBBitrate int64
	fractionLoss    uint8

	numReceived      int
	highestAtReport  uint64
	hasHighest       bool
	receivedAtReport int

	notifier *utils.Notifier[[]byte]
	sink     *utils.Dispatcher[[]byte]

	numFeedback atomic.Uint64
	numREMB     atomic.Uint64

	started atomic.Bool
	closed  core.Fuse
}

func NewReceiver(params ReceiverParams) (*Receiver, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	params.Logger = params.Logger.WithValues("side", prometheus.SideReceiver)
	if params.Config.REMBInterval <= 0 {
		params.Config.REMBInterval = DefaultReceiverConfig.REMBInterval
	}
	if params.Config.StreamTimeout <= 0 {
		params.Config.StreamTimeout = DefaultReceiverConfig.StreamTimeout
	}
	if params.Config.MaxTrackedStreams <= 0 {
		params.Config.MaxTrackedStreams = DefaultReceiverConfig.MaxTrackedStreams
	}

	bitrates, err := params.Config.Bitrates.Validate()
	if err != nil {
		return nil, err
	}

	streams, err := lru.New[uint32, time.Time](params.Config.MaxTrackedStreams)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		params: params,
		estimator: gcc.NewRemoteEstimator(gcc.RemoteEstimatorParams{
			Config: params.Config.GCC,
			Logger: params.Logger,
		}),
		responder: twcc.NewResponder(twcc.ResponderParams{
			Config:     params.Config.TWCC,
			SenderSSRC: params.SenderSSRC,
			Logger:     params.Logger,
		}),
		wrap:     ccutils.NewWrapAround[uint16, uint64](),
		rttStats: ccutils.NewRTTStats(),
		streams:  streams,
		notifier: utils.NewNotifier[[]byte](),
		closed:   core.NewFuse(),
	}
	if params.FeedbackSink != nil {
		r.sink = utils.NewDispatcher(params.FeedbackSink.OnFeedback)
	}
	r.estimator.SetBitrates(bitrates.Min, bitrates.Start, bitrates.Max)
	return r, nil
}

func (r *Receiver) Start() {
	if r.closed.IsBroken() || r.started.Swap(true) || r.params.Config.HeartbeatInterval <= 0 {
		return
	}

	ticker := r.params.Clock.Ticker(r.params.Config.HeartbeatInterval)
	go r.heartbeatWorker(ticker)
}

func (r *Receiver) Close() {
	if r.closed.IsBroken() {
		return
	}
	r.closed.Break()

	r.notifier.Close()
}

// Feedback carries serialized feedback messages for the sender, in emission order.
func (r *Receiver) Feedback() <-chan []byte {
	return r.notifier.C()
}

func (r *Receiver) SetBitrates(minBitrate, startBitrate, maxBitrate int64) error {
	bitrates, err := BitratesConfig{Min: minBitrate, Start: startBitrate, Max: maxBitrate}.Validate()
	if err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	r.estimator.SetBitrates(bitrates.Min, bitrates.Start, bitrates.Max)
	return nil
}

// SetMinMax changes the bounds without restarting the estimate.
func (r *Receiver) SetMinMax(minBitrate, maxBitrate int64) error {
	bitrates, err := BitratesConfig{Min: minBitrate, Start: minBitrate, Max: maxBitrate}.Validate()
	if err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	r.estimator.SetMinMax(bitrates.Min, bitrates.Max)
	return nil
}

// EnableREMB switches REMB on or off, the bitrate report is always sent.
func (r *Receiver) EnableREMB(enabled bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.params.Config.EnableREMB = enabled
}

// TrackStream notes a media SSRC as active, it is listed in REMB until it goes quiet.
func (r *Receiver) TrackStream(ssrc uint32) {
	now := r.params.Clock.Now()

	r.lock.Lock()
	defer r.lock.Unlock()

	r.streams.Add(ssrc, now)
	r.mediaSSRC = ssrc
}

// OnReceived ingests one arrival. sendTimeMs is the sender's timestamp in milliseconds
// on any fixed origin.
func (r *Receiver) OnReceived(sn uint16, sendTimeMs int64, size int, marker bool) {
	r.OnReceivedWithSendTime(sn, time.Duration(sendTimeMs)*time.Millisecond, size, marker)
}

// OnReceivedWithSendTime is OnReceived with a finer send timestamp, abs-send-time for example.
func (r *Receiver) OnReceivedWithSendTime(sn uint16, sendTime time.Duration, size int, marker bool) {
	if r.closed.IsBroken() {
		return
	}

	now := r.params.Clock.Now()

	r.lock.Lock()
	esn := r.wrap.Update(sn).ExtendedVal
	if !r.hasHighest {
		r.highestAtReport = esn - 1
		r.hasHighest = true
	}
	r.numReceived++
	prometheus.IncrementPackets(prometheus.Incoming, false, 1, uint64(size))

	prev := r.estimator.Estimate()
	r.estimator.IncomingPacket(now, sendTime, esn, size)
	estimate := r.estimator.Estimate()

	msg := &feedback.Message{
		TransportFeedback: r.responder.Push(r.mediaSSRC, sn, now, marker),
	}
	if estimate < prev && r.isDropLocked(estimate) {
		r.params.Logger.Debugw("receiver: estimate dropped", "from", r.lastREMBBitrate, "to", estimate)
		r.addEstimateLocked(msg, now)
	}
	r.emitLocked(msg)
	r.lock.Unlock()

	r.drainFeedback()
}

func (r *Receiver) UpdateRTT(rtt time.Duration) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.rttStats.Update(rtt)
	r.estimator.SetRTT(r.rttStats.SmoothedRTT())
	prometheus.RecordRTT(prometheus.SideReceiver, bwe.VariantGCC.String(), r.rttStats.SmoothedRTT())
}

// Heartbeat flushes held transport feedback, sends the periodic estimate and ages out streams.
func (r *Receiver) Heartbeat() {
	if r.closed.IsBroken() {
		return
	}

	now := r.params.Clock.Now()

	r.lock.Lock()
	msg := &feedback.Message{
		TransportFeedback: r.responder.Flush(now),
	}
	if r.numReceived != 0 && (r.lastREMB.IsZero() || now.Sub(r.lastREMB) >= r.params.Config.REMBInterval) {
		r.addEstimateLocked(msg, now)
	}
	r.expireStreamsLocked(now)
	r.emitLocked(msg)
	r.lock.Unlock()

	r.drainFeedback()
}

func (r *Receiver) Estimate() int64 {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.estimator.Estimate()
}

func (r *Receiver) Usage() bwe.BandwidthUsage {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.estimator.Usage()
}

func (r *Receiver) State() bwe.RateControlState {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.estimator.State()
}

func (r *Receiver) Stats() ReceiverStats {
	r.lock.Lock()
	defer r.lock.Unlock()

	return ReceiverStats{
		Estimate:     r.estimator.Estimate(),
		IncomingRate: r.estimator.IncomingRate(),
		Usage:        r.estimator.Usage(),
		State:        r.estimator.State(),
		NumEpochs:    r.estimator.NumEpochs(),
		FractionLoss: r.fractionLoss,
		SmoothedRTT:  r.rttStats.SmoothedRTT(),
		NumStreams:   r.streams.Len(),
		NumFeedback:  r.numFeedback.Load(),
		NumREMB:      r.numREMB.Load(),
	}
}

func (r *Receiver) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if r == nil {
		return nil
	}

	stats := r.Stats()
	return stats.MarshalLogObject(e)
}

func (r *Receiver) heartbeatWorker(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Heartbeat()

		case <-r.closed.Watch():
			return
		}
	}
}

func (r *Receiver) isDropLocked(estimate int64) bool {
	if r.lastREMBBitrate == 0 {
		return false
	}
	return float64(r.lastREMBBitrate-estimate) > r.params.Config.REMBDropRatio*float64(r.lastREMBBitrate)
}

func (r *Receiver) addEstimateLocked(msg *feedback.Message, now time.Time) {
	estimate := r.estimator.Estimate()
	r.fractionLoss = r.fractionLossLocked()

	if r.params.Config.EnableREMB {
		ssrcs := r.streams.Keys()
		msg.REMB = &rtcp.ReceiverEstimatedMaximumBitrate{
			SenderSSRC: r.params.SenderSSRC,
			Bitrate:    float32(estimate),
			SSRCs:      ssrcs,
		}
		r.numREMB.Inc()
	}
	msg.Report = &feedback.BitrateReport{
		SenderSSRC:   r.params.SenderSSRC,
		Bitrate:      uint32(min(estimate, int64(^uint32(0)))),
		FractionLoss: r.fractionLoss,
		RTT:          uint32(r.rttStats.SmoothedRTT().Milliseconds()),
	}

	r.lastREMB = now
	r.lastREMBBitrate = estimate
	prometheus.RecordRemoteEstimate(prometheus.SideReceiver, bwe.VariantGCC.String(), estimate)
}

// loss over the packets expected since the previous report
func (r *Receiver) fractionLossLocked() uint8 {
	highest := r.wrap.GetExtendedHighest()
	expected := int(highest - r.highestAtReport)
	received := r.numReceived - r.receivedAtReport
	r.highestAtReport = highest
	r.receivedAtReport = r.numReceived

	if expected <= 0 || received >= expected {
		return 0
	}
	return ccutils.FractionToFixed8(float64(expected-received) / float64(expected))
}

func (r *Receiver) expireStreamsLocked(now time.Time) {
	for _, ssrc := range r.streams.Keys() {
		if seen, ok := r.streams.Peek(ssrc); ok && now.Sub(seen) > r.params.Config.StreamTimeout {
			r.streams.Remove(ssrc)
		}
	}
}

// emitLocked serializes msg and queues it under the lock, so the sink or the channel sees
// messages in emission order.
func (r *Receiver) emitLocked(msg *feedback.Message) {
	if msg.IsEmpty() {
		return
	}

	payload, err := msg.Marshal()
	if err != nil {
		r.params.Logger.Warnw("receiver: could not marshal feedback", err)
		return
	}
	r.numFeedback.Inc()
	prometheus.IncrementFeedback(prometheus.SideReceiver, bwe.VariantGCC.String(), prometheus.FeedbackStatusOK)

	if r.sink != nil {
		r.sink.Queue(payload)
		return
	}
	r.notifier.Notify(payload)
}

func (r *Receiver) drainFeedback() {
	if r.sink != nil {
		r.sink.Drain()
	}
}
