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
	"github.com/livekit/protocol/logger"
	"github.com/pion/rtcp"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"

	"github.com/dTelecom/razor-cc/pkg/bwe"
	"github.com/dTelecom/razor-cc/pkg/bwe/bbr"
	"github.com/dTelecom/razor-cc/pkg/bwe/gcc"
	"github.com/dTelecom/razor-cc/pkg/bwe/sendsidebwe"
	"github.com/dTelecom/razor-cc/pkg/ccutils"
	"github.com/dTelecom/razor-cc/pkg/feedback"
	"github.com/dTelecom/razor-cc/pkg/pacer"
	"github.com/dTelecom/razor-cc/pkg/telemetry/prometheus"
	"github.com/dTelecom/razor-cc/pkg/utils"
)

type SenderParams struct {
	Config  SenderConfig
	Variant bwe.Variant

	// first transport wide sequence number handed out
	StartSequenceNumber uint16

	PacketSender    PacketSender
	BitrateObserver BitrateObserver

	Clock  clock.Clock
	Logger logger.Logger
}

type SenderStats struct {
	Variant          bwe.Variant
	TargetBitrate    int64
	PacingRate       int64
	CongestionWindow int
	RemoteEstimate   int64
	FractionLoss     uint8
	WeightedLoss     float64
	AckedBitrate     int64
	SmoothedRTT      time.Duration
	BytesInFlight    int
	PacerQueue       time.Duration
	InALR            bool
	Phase            string

	NumFeedback       uint64
	NumFeedbackErrors uint64
	NumChanges        uint64
}

func (s SenderStats) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("variant", s.Variant.String())
	e.AddInt64("targetBitrate", s.TargetBitrate)
	e.AddInt64("pacingRate", s.PacingRate)
	e.AddInt("congestionWindow", s.CongestionWindow)
	e.AddInt64("remoteEstimate", s.RemoteEstimate)
	e.AddUint8("fractionLoss", s.FractionLoss)
	e.AddFloat64("weightedLoss", s.WeightedLoss)
	e.AddInt64("ackedBitrate", s.AckedBitrate)
	e.AddDuration("smoothedRTT", s.SmoothedRTT)
	e.AddInt("bytesInFlight", s.BytesInFlight)
	e.AddDuration("pacerQueue", s.PacerQueue)
	e.AddBool("inALR", s.InALR)
	if s.Phase != "" {
		e.AddString("phase", s.Phase)
	}
	e.AddUint64("numFeedback", s.NumFeedback)
	e.AddUint64("numFeedbackErrors", s.NumFeedbackErrors)
	e.AddUint64("numChanges", s.NumChanges)
	return nil
}

// ------------------------------------------------

// Sender owns the send side of one congestion controlled flow: history, feedback
// adaptation, the estimator variant and the pacer. All state changes happen under one lock.
type Sender struct {
	params SenderParams

	lock      sync.Mutex
	bitrates  BitratesConfig
	tracker   *sendsidebwe.PacketTracker
	adapter   *sendsidebwe.FeedbackAdapter
	stats     *sendsidebwe.TrafficStats
	lastStats *sendsidebwe.TrafficStats
	statsAt   time.Time
	estimator bwe.SenderBWE
	pacer     *pacer.Pacer
	rttStats  *ccutils.RTTStats
	changes   *changeFilter

	remoteEstimate int64
	firstTimestamp time.Time

	notifier *utils.Notifier[BitrateChange]
	observer *utils.Dispatcher[BitrateChange]

	numFeedback       atomic.Uint64
	numFeedbackErrors atomic.Uint64
	numChanges        atomic.Uint64

	started atomic.Bool
	closed  core.Fuse
}

func NewSender(params SenderParams) (*Sender, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	params.Logger = params.Logger.WithValues("side", prometheus.SideSender, "variant", params.Variant)

	bitrates, err := params.Config.Bitrates.Validate()
	if err != nil {
		return nil, err
	}

	s := &Sender{
		params:   params,
		bitrates: bitrates,
		tracker: sendsidebwe.NewPacketTracker(sendsidebwe.PacketTrackerParams{
			Logger:              params.Logger,
			StartSequenceNumber: params.StartSequenceNumber,
		}),
		stats:     sendsidebwe.NewTrafficStats(params.Config.Loss),
		lastStats: sendsidebwe.NewTrafficStats(params.Config.Loss),
		pacer: pacer.NewPacer(pacer.PacerParams{
			Config: params.Config.Pacer,
			Logger: params.Logger,
		}),
		rttStats: ccutils.NewRTTStats(),
		changes:  newChangeFilter(params.Config.Change),
		notifier: utils.NewNotifier[BitrateChange](),
		closed:   core.NewFuse(),
	}
	if params.BitrateObserver != nil {
		s.observer = utils.NewDispatcher(params.BitrateObserver.OnBitrateChange)
	}
	s.adapter = sendsidebwe.NewFeedbackAdapter(sendsidebwe.FeedbackAdapterParams{
		Tracker: s.tracker,
		Logger:  params.Logger,
	})

	switch params.Variant {
	case bwe.VariantBBR:
		s.estimator = bbr.NewSendSideBWE(bbr.SendSideBWEParams{
			Config:     params.Config.BBR,
			LossFilter: params.Config.BBRLoss,
			Logger:     params.Logger,
		})
	case bwe.VariantNone:
		s.estimator = bwe.NewNullBWE(bitrates.Min, bitrates.Start, bitrates.Max)
	default:
		s.estimator = gcc.NewSendSideBWE(gcc.SendSideBWEParams{
			Config: params.Config.GCC,
			Logger: params.Logger,
		})
	}
	s.estimator.SetBitrates(bitrates.Min, bitrates.Start, bitrates.Max)

	s.lock.Lock()
	s.updateEstimateLocked()
	s.lock.Unlock()
	s.drainChanges()

	return s, nil
}

// Start runs the pacer off the clock and, if configured, the heartbeat.
func (s *Sender) Start() {
	if s.closed.IsBroken() || s.started.Swap(true) {
		return
	}

	s.pacer.Start(s.params.Clock, s)
	if s.params.Config.HeartbeatInterval > 0 {
		ticker := s.params.Clock.Ticker(s.params.Config.HeartbeatInterval)
		go s.heartbeatWorker(ticker)
	}
}

// Close stops the workers and closes the bitrate change channel. It is safe to call more than once.
func (s *Sender) Close() {
	if s.closed.IsBroken() {
		return
	}
	s.closed.Break()

	s.pacer.Stop()
	s.notifier.Close()
}

func (s *Sender) BitrateChanges() <-chan BitrateChange {
	return s.notifier.C()
}

func (s *Sender) SetBitrates(minBitrate, startBitrate, maxBitrate int64) error {
	bitrates, err := BitratesConfig{Min: minBitrate, Start: startBitrate, Max: maxBitrate}.Validate()
	if err != nil {
		return err
	}

	s.lock.Lock()
	s.bitrates = bitrates
	s.estimator.SetBitrates(bitrates.Min, bitrates.Start, bitrates.Max)
	s.updateEstimateLocked()
	s.lock.Unlock()

	s.drainChanges()
	return nil
}

// AddPacket queues a packet with the pacer. It is handed back through PacketSender when
// the pacer releases it, with its transport wide sequence number assigned.
func (s *Sender) AddPacket(id int64, size int, isRetransmission bool) {
	if s.closed.IsBroken() {
		return
	}

	s.pacer.Enqueue(pacer.Packet{
		ID:               id,
		Size:             size + s.params.Config.HeaderOverhead,
		IsRetransmission: isRetransmission,
		EnqueueTime:      s.params.Clock.Now(),
	})
}

// OnSend records a packet sent around the pacer and returns its transport wide sequence number.
func (s *Sender) OnSend(size int) uint16 {
	now := s.params.Clock.Now()

	s.lock.Lock()
	defer s.lock.Unlock()

	wireSize := size + s.params.Config.HeaderOverhead
	sn := s.recordSendLocked(now, wireSize, false)
	s.pacer.OnUnpacedSend(wireSize)
	prometheus.IncrementPackets(prometheus.Outgoing, false, 1, uint64(wireSize))
	return sn
}

// OnPacketsPaced is the pacer's hand off, it is called from the pacer worker.
func (s *Sender) OnPacketsPaced(now time.Time, packets []pacer.Packet) {
	paced := s.recordPaced(now, packets)
	if s.params.PacketSender == nil {
		return
	}
	for _, p := range paced {
		s.params.PacketSender.SendPacket(p)
	}
}

// Process runs one pacer round on the caller's goroutine.
func (s *Sender) Process() {
	now := s.params.Clock.Now()
	s.OnPacketsPaced(now, s.pacer.Process(now))
}

// OnFeedback ingests one feedback message. A malformed message is rejected as a whole.
func (s *Sender) OnFeedback(raw []byte) error {
	variant := s.params.Variant.String()

	msg, err := feedback.Unmarshal(raw)
	if err == nil {
		for _, report := range msg.TransportFeedback {
			if err = sendsidebwe.ValidateTransportFeedback(report); err != nil {
				break
			}
		}
	}
	if err != nil {
		s.numFeedbackErrors.Inc()
		prometheus.IncrementFeedback(prometheus.SideSender, variant, prometheus.FeedbackStatusError)
		s.params.Logger.Warnw("sender: dropping malformed feedback", err, "size", len(raw))
		return err
	}
	s.numFeedback.Inc()
	prometheus.IncrementFeedback(prometheus.SideSender, variant, prometheus.FeedbackStatusOK)

	now := s.params.Clock.Now()

	s.lock.Lock()
	s.applyTransportFeedbackLocked(msg.TransportFeedback, now)

	switch {
	case msg.REMB != nil:
		s.onRemoteEstimateLocked(int64(msg.REMB.Bitrate), now)
	case msg.Report != nil:
		s.onRemoteEstimateLocked(int64(msg.Report.Bitrate), now)
	}
	if msg.Report != nil {
		s.estimator.OnRemoteLoss(ccutils.Fixed8ToFraction(msg.Report.FractionLoss), now)
	}

	s.estimator.Process(now, s.pacer.InALR())
	s.pacer.SetOutstandingBytes(s.tracker.BytesInFlight())
	s.updateEstimateLocked()
	s.lock.Unlock()

	s.drainChanges()
	return nil
}

func (s *Sender) UpdateRTT(rtt time.Duration) {
	now := s.params.Clock.Now()

	s.lock.Lock()
	s.rttStats.Update(rtt)
	s.estimator.OnRTT(rtt, now)
	prometheus.RecordRTT(prometheus.SideSender, s.params.Variant.String(), s.rttStats.SmoothedRTT())
	s.updateEstimateLocked()
	s.lock.Unlock()

	s.drainChanges()
}

// Heartbeat runs the periodic work: a pacer round, loss timeouts, history pruning and
// interval driven estimator updates. Without new samples it leaves estimator state alone.
func (s *Sender) Heartbeat() {
	if s.closed.IsBroken() {
		return
	}

	s.Process()

	now := s.params.Clock.Now()

	s.lock.Lock()
	timeout := max(s.rttStats.RetransmissionTimeout(), s.params.Config.MinLossTimeout)
	if timedOut := s.tracker.DetectTimeouts(now.Add(-timeout)); len(timedOut) != 0 {
		s.params.Logger.Debugw("sender: packets timed out", "count", len(timedOut), "timeout", timeout)
		s.onPacketResultsLocked(timedOut, now)
	}

	s.estimator.Process(now, s.pacer.InALR())
	if pruner, ok := s.estimator.(interface{ RemoveObsoletePackets(uint64) }); ok {
		pruner.RemoveObsoletePackets(s.tracker.LeastUnacked())
	}
	s.pacer.SetOutstandingBytes(s.tracker.BytesInFlight())
	s.rollStatsLocked(now)
	prometheus.RecordPacerQueue(s.params.Variant.String(), s.pacer.QueueTime(now))
	s.updateEstimateLocked()
	s.lock.Unlock()

	s.drainChanges()
}

func (s *Sender) PacerQueueMs() int64 {
	return s.pacer.QueueTime(s.params.Clock.Now()).Milliseconds()
}

// FirstTimestamp is the send time of the first packet, zero before anything was sent.
func (s *Sender) FirstTimestamp() time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.firstTimestamp
}

func (s *Sender) TargetBitrate() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.estimator.GetEstimate().TargetBitrate
}

func (s *Sender) Estimator() bwe.SenderBWE {
	return s.estimator
}

func (s *Sender) Stats() SenderStats {
	now := s.params.Clock.Now()

	s.lock.Lock()
	defer s.lock.Unlock()

	estimate := s.estimator.GetEstimate()
	stats := SenderStats{
		Variant:           s.params.Variant,
		TargetBitrate:     estimate.TargetBitrate,
		PacingRate:        estimate.PacingRate,
		CongestionWindow:  estimate.CongestionWindow,
		RemoteEstimate:    s.remoteEstimate,
		FractionLoss:      estimate.FractionLoss,
		WeightedLoss:      s.lastStats.WeightedLoss(),
		AckedBitrate:      s.lastStats.AcknowledgedBitrate(),
		SmoothedRTT:       s.rttStats.SmoothedRTT(),
		BytesInFlight:     s.tracker.BytesInFlight(),
		PacerQueue:        s.pacer.QueueTime(now),
		InALR:             s.pacer.InALR(),
		NumFeedback:       s.numFeedback.Load(),
		NumFeedbackErrors: s.numFeedbackErrors.Load(),
		NumChanges:        s.numChanges.Load(),
	}
	if b, ok := s.estimator.(*bbr.SendSideBWE); ok {
		stats.Phase = b.Phase().String()
	}
	return stats
}

func (s *Sender) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if s == nil {
		return nil
	}

	stats := s.Stats()
	return stats.MarshalLogObject(e)
}

func (s *Sender) heartbeatWorker(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Heartbeat()

		case <-s.closed.Watch():
			return
		}
	}
}

func (s *Sender) recordPaced(now time.Time, packets []pacer.Packet) []PacedPacket {
	if len(packets) == 0 {
		return nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	paced := make([]PacedPacket, 0, len(packets))
	bytes := 0
	for _, p := range packets {
		sn := s.recordSendLocked(now, p.Size, p.IsRetransmission)
		paced = append(paced, PacedPacket{
			ID:                      p.ID,
			IsRetransmission:        p.IsRetransmission,
			Size:                    p.Size - s.params.Config.HeaderOverhead,
			TransportSequenceNumber: sn,
			SendTime:                now,
		})
		bytes += p.Size
	}
	prometheus.IncrementPackets(prometheus.Outgoing, true, uint64(len(packets)), uint64(bytes))
	return paced
}

func (s *Sender) recordSendLocked(now time.Time, wireSize int, isRetransmission bool) uint16 {
	if s.firstTimestamp.IsZero() {
		s.firstTimestamp = now
	}

	sent := s.tracker.RecordPacketSend(now, wireSize, isRetransmission)
	s.estimator.OnPacketSent(sent)
	return uint16(sent.SequenceNumber)
}

func (s *Sender) applyTransportFeedbackLocked(reports []*rtcp.TransportLayerCC, now time.Time) {
	var results []bwe.PacketResult
	for _, report := range reports {
		res, err := s.adapter.OnTransportFeedback(report, now)
		if err != nil {
			// validated up front, cannot happen
			s.params.Logger.Warnw("sender: transport feedback", err)
		}
		results = append(results, res...)
	}
	if len(results) != 0 {
		s.onPacketResultsLocked(results, now)
	}
}

func (s *Sender) onPacketResultsLocked(results []bwe.PacketResult, now time.Time) {
	s.estimator.OnPacketFeedback(results, now)
	s.stats.Add(results)
}

func (s *Sender) onRemoteEstimateLocked(bitrate int64, now time.Time) {
	s.remoteEstimate = bitrate
	s.estimator.OnREMB(bitrate, now)
	prometheus.RecordRemoteEstimate(prometheus.SideSender, s.params.Variant.String(), bitrate)
}

// the traffic statistics of the previous window are kept for reporting
func (s *Sender) rollStatsLocked(now time.Time) {
	if s.statsAt.IsZero() {
		s.statsAt = now
		return
	}
	if now.Sub(s.statsAt) < s.params.Config.LossWindow {
		return
	}

	s.lastStats, s.stats = s.stats, s.lastStats
	s.stats.Reset()
	s.statsAt = now
}

// updateEstimateLocked pushes the estimate to the pacer and queues a material change. The
// caller drains the observer queue once unlocked.
func (s *Sender) updateEstimateLocked() {
	estimate := s.estimator.GetEstimate()
	s.pacer.SetPacingRate(estimate.PacingRate)
	s.pacer.SetCongestionWindow(estimate.CongestionWindow)
	prometheus.RecordSenderEstimate(s.params.Variant.String(), estimate.TargetBitrate, estimate.PacingRate, estimate.FractionLoss)

	change := BitrateChange{
		Bitrate:      uint32(min(estimate.TargetBitrate, int64(^uint32(0)))),
		FractionLoss: estimate.FractionLoss,
		RTT:          uint32(s.rttStats.SmoothedRTT().Milliseconds()),
	}
	if !s.changes.Update(change) {
		return
	}

	s.numChanges.Inc()
	prometheus.IncrementBitrateChanges(prometheus.SideSender, s.params.Variant.String())
	s.params.Logger.Debugw("sender: bitrate change", "change", change, "estimate", estimate)

	// queued under the lock so both paths see changes in emission order
	if s.observer != nil {
		s.observer.Queue(change)
		return
	}
	s.notifier.Notify(change)
}

func (s *Sender) drainChanges() {
	if s.observer != nil {
		s.observer.Drain()
	}
}
