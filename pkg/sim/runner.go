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
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/razor-cc/pkg/bwe"
	"github.com/dTelecom/razor-cc/pkg/config"
	"github.com/dTelecom/razor-cc/pkg/engine"
)

const (
	mediaSSRC        = 0x1000
	feedbackSSRC     = 0x2000
	minPacketSize    = 100
	defaultTick      = 5 * time.Millisecond
	defaultHeartbeat = 50 * time.Millisecond
)

var simEpoch = time.Unix(1_000_000, 0)

type RunParams struct {
	// engine tuning, scenario bitrates and variant take precedence. Nil uses the defaults.
	Config *config.Config

	// called with every sample as it is taken
	OnSample func(Sample)

	Logger logger.Logger
}

// virtualClock only moves when the runner sets it. Nothing is started on it, so its
// timers are never used.
type virtualClock struct {
	clock.Clock

	lock sync.Mutex
	now  time.Time
}

func newVirtualClock(now time.Time) *virtualClock {
	return &virtualClock{
		Clock: clock.NewMock(),
		now:   now,
	}
}

func (c *virtualClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.now
}

func (c *virtualClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *virtualClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

func (c *virtualClock) Set(now time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.now = now
}

// ------------------------------------------------

type forwardPacket struct {
	sn       uint16
	sendTime time.Duration
	size     int
}

type runner struct {
	scenario Scenario
	params   RunParams
	overhead int

	clk      *virtualClock
	sender   *engine.Sender
	receiver *engine.Receiver
	forward  *Link[forwardPacket]
	reverse  *Link[[]byte]

	result         *Result
	sourceCarry    int64
	nextPacketID   int64
	deliveredBytes int64
	targetSum      int64
}

// Run plays a scenario on a virtual clock. The sender, the links and the receiver are
// stepped on one goroutine so the same scenario always produces the same result.
func Run(scenario Scenario, params RunParams) (*Result, error) {
	scenario.applyDefaults()
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Config == nil {
		conf := config.DefaultConfig
		params.Config = &conf
	}
	variant, err := bwe.ParseVariant(scenario.Variant)
	if err != nil {
		return nil, err
	}

	senderConfig := params.Config.SenderConfig()
	senderConfig.Bitrates = scenario.Bitrates
	receiverConfig := params.Config.ReceiverConfig()
	receiverConfig.Bitrates = scenario.Bitrates

	r := &runner{
		scenario: scenario,
		params:   params,
		overhead: senderConfig.HeaderOverhead,
		clk:      newVirtualClock(simEpoch),
		forward:  NewLink[forwardPacket](scenario.Forward, simEpoch),
		reverse:  NewLink[[]byte](scenario.reverse(), simEpoch),
		result: &Result{
			Scenario:  scenario,
			MinTarget: -1,
		},
	}

	r.sender, err = engine.NewSender(engine.SenderParams{
		Config:          senderConfig,
		Variant:         variant,
		PacketSender:    r,
		BitrateObserver: r,
		Clock:           r.clk,
		Logger:          params.Logger,
	})
	if err != nil {
		return nil, err
	}
	defer r.sender.Close()

	r.receiver, err = engine.NewReceiver(engine.ReceiverParams{
		Config:       receiverConfig,
		SenderSSRC:   feedbackSSRC,
		FeedbackSink: r,
		Clock:        r.clk,
		Logger:       params.Logger,
	})
	if err != nil {
		return nil, err
	}
	defer r.receiver.Close()
	r.receiver.TrackStream(mediaSSRC)

	params.Logger.Debugw("sim: running scenario", "scenario", scenario)
	r.run(tickOrDefault(senderConfig.Pacer.Tick, defaultTick), tickOrDefault(params.Config.HeartbeatInterval, defaultHeartbeat))
	r.finish()
	params.Logger.Debugw("sim: scenario done", "result", r.result)
	return r.result, nil
}

func (r *runner) run(tick, heartbeat time.Duration) {
	var nextTick, nextHeartbeat, nextRTT, nextSample time.Duration
	for elapsed := time.Duration(0); elapsed <= r.scenario.Duration; elapsed += r.scenario.Step {
		now := simEpoch.Add(elapsed)
		r.clk.Set(now)

		for _, p := range r.forward.Deliver(now) {
			r.deliveredBytes += int64(p.size)
			r.receiver.OnReceivedWithSendTime(p.sn, p.sendTime, p.size, false)
		}
		for _, payload := range r.reverse.Deliver(now) {
			r.result.NumFeedback++
			if err := r.sender.OnFeedback(payload); err != nil {
				r.params.Logger.Warnw("sim: feedback rejected", err)
			}
		}

		if elapsed >= nextRTT {
			rtt := r.forward.DelayAt(elapsed) + r.forward.QueueDelay(now) + r.reverse.DelayAt(elapsed)
			r.sender.UpdateRTT(rtt)
			r.receiver.UpdateRTT(rtt)
			nextRTT += r.scenario.RTTInterval
		}
		if elapsed >= nextTick {
			r.produce(tick)
			r.sender.Process()
			nextTick += tick
		}
		if elapsed >= nextHeartbeat {
			r.sender.Heartbeat()
			r.receiver.Heartbeat()
			nextHeartbeat += heartbeat
		}
		if elapsed >= nextSample {
			r.sample(elapsed, now)
			nextSample += r.scenario.SampleInterval
		}
	}
}

// produce emits one tick worth of application data at the current target.
func (r *runner) produce(tick time.Duration) {
	r.sourceCarry += r.sender.TargetBitrate() * tick.Nanoseconds() / (8 * int64(time.Second))
	if r.sourceCarry < minPacketSize {
		return
	}

	maxSize := int64(r.scenario.MaxPacketSize)
	count := (r.sourceCarry + maxSize - 1) / maxSize
	size := r.sourceCarry / count
	for i := int64(0); i < count; i++ {
		r.sender.AddPacket(r.nextPacketID, int(size), false)
		r.nextPacketID++
	}
	r.sourceCarry -= count * size
}

func (r *runner) sample(elapsed time.Duration, now time.Time) {
	senderStats := r.sender.Stats()
	receiverStats := r.receiver.Stats()
	s := Sample{
		At:             elapsed,
		Target:         senderStats.TargetBitrate,
		PacingRate:     senderStats.PacingRate,
		RemoteEstimate: receiverStats.Estimate,
		Usage:          receiverStats.Usage,
		State:          receiverStats.State,
		Phase:          senderStats.Phase,
		FractionLoss:   senderStats.FractionLoss,
		SmoothedRTT:    senderStats.SmoothedRTT,
		PacerQueue:     senderStats.PacerQueue,
		LinkQueue:      r.forward.QueueDelay(now),
	}
	r.result.Trace = append(r.result.Trace, s)

	r.targetSum += s.Target
	if r.result.MinTarget < 0 || s.Target < r.result.MinTarget {
		r.result.MinTarget = s.Target
	}
	r.result.MaxTarget = max(r.result.MaxTarget, s.Target)

	if r.params.OnSample != nil {
		r.params.OnSample(s)
	}
}

func (r *runner) finish() {
	r.result.NumSent = r.forward.NumSent()
	r.result.NumLost = r.forward.NumLost()
	r.result.NumDelivered = r.forward.NumDelivered()
	r.result.BytesSent = r.forward.BytesSent()
	r.result.FinalTarget = r.sender.TargetBitrate()
	if n := int64(len(r.result.Trace)); n != 0 {
		r.result.AvgTarget = r.targetSum / n
	}
	if seconds := r.scenario.Duration.Seconds(); seconds > 0 {
		r.result.Goodput = int64(float64(r.deliveredBytes*8) / seconds)
	}
}

// SendPacket puts a paced packet on the forward link.
func (r *runner) SendPacket(p engine.PacedPacket) {
	size := p.Size + r.overhead
	r.forward.Send(p.SendTime, size, forwardPacket{
		sn:       p.TransportSequenceNumber,
		sendTime: p.SendTime.Sub(simEpoch),
		size:     size,
	})
}

// OnFeedback puts receiver feedback on the reverse link.
func (r *runner) OnFeedback(payload []byte) {
	r.reverse.Send(r.clk.Now(), len(payload), payload)
}

func (r *runner) OnBitrateChange(change engine.BitrateChange) {
	r.result.Changes = append(r.result.Changes, change)
}

func tickOrDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
