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

package pacer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"

	"github.com/dTelecom/razor-cc/pkg/ccutils"
)

type PacerConfig struct {
	Tick               time.Duration `yaml:"tick,omitempty"`
	MaxElapsed         time.Duration `yaml:"max_elapsed,omitempty"`
	MaxCarryTicks      int           `yaml:"max_carry_ticks,omitempty"`
	QueueTargetLatency time.Duration `yaml:"queue_target_latency,omitempty"`

	ALR      ALRDetectorConfig   `yaml:"alr,omitempty"`
	Overload ccutils.TrendConfig `yaml:"overload,omitempty"`
}

var (
	DefaultPacerConfig = PacerConfig{
		Tick:               5 * time.Millisecond,
		MaxElapsed:         30 * time.Millisecond,
		MaxCarryTicks:      1,
		QueueTargetLatency: time.Second,
		ALR:                DefaultALRDetectorConfig,
		Overload:           ccutils.DefaultTrendConfig,
	}
)

type PacerParams struct {
	Config PacerConfig
	Logger logger.Logger
}

type PacketSender interface {
	OnPacketsPaced(now time.Time, packets []Packet)
}

// Pacer releases queued packets at the pacing rate in ticks. Process is deterministic given
// the times it is called with, Start runs it off a clock.
type Pacer struct {
	params PacerParams

	lock        sync.Mutex
	queue       *PacketQueue
	budget      *IntervalBudget
	alr         *ALRDetector
	overload    *OverloadDetector
	pacingRate  int64
	cwnd        int
	outstanding int
	lastProcess time.Time

	numPacketsPaced atomic.Uint64
	numBytesPaced   atomic.Uint64

	stop core.Fuse
}

func NewPacer(params PacerParams) *Pacer {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Config.Tick <= 0 {
		params.Config.Tick = DefaultPacerConfig.Tick
	}
	if params.Config.MaxElapsed < params.Config.Tick {
		params.Config.MaxElapsed = max(DefaultPacerConfig.MaxElapsed, params.Config.Tick)
	}
	if params.Config.MaxCarryTicks < 0 {
		params.Config.MaxCarryTicks = 0
	}

	return &Pacer{
		params: params,
		queue:  NewPacketQueue(),
		budget: NewIntervalBudget(time.Duration(1+params.Config.MaxCarryTicks)*params.Config.Tick, true),
		alr: NewALRDetector(ALRDetectorParams{
			Config: params.Config.ALR,
			Tick:   params.Config.Tick,
			Logger: params.Logger,
		}),
		overload: NewOverloadDetector(OverloadDetectorParams{
			Config:        params.Config.Overload,
			TargetLatency: params.Config.QueueTargetLatency,
			Logger:        params.Logger,
		}),
		stop: core.NewFuse(),
	}
}

// Start runs Process every tick and hands released packets to sender, outside of the lock.
func (p *Pacer) Start(clk clock.Clock, sender PacketSender) {
	ticker := clk.Ticker(p.params.Config.Tick)
	go p.worker(clk, ticker, sender)
}

func (p *Pacer) Stop() {
	p.stop.Break()
}

func (p *Pacer) SetPacingRate(bps int64) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.pacingRate = max(0, bps)
	p.alr.SetTargetRate(p.pacingRate)
}

func (p *Pacer) PacingRate() int64 {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.pacingRate
}

// SetCongestionWindow limits outstanding bytes, 0 disables the limit.
func (p *Pacer) SetCongestionWindow(bytes int) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.cwnd = max(0, bytes)
}

func (p *Pacer) SetOutstandingBytes(bytes int) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.outstanding = max(0, bytes)
}

func (p *Pacer) Enqueue(pkt Packet) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.queue.Push(pkt)
	p.alr.OnEnqueue()
}

// OnUnpacedSend accounts for bytes sent around the queue.
func (p *Pacer) OnUnpacedSend(size int) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.alr.OnBytesSent(size)
	p.outstanding += size
}

func (p *Pacer) Process(now time.Time) []Packet {
	p.lock.Lock()
	defer p.lock.Unlock()

	elapsed := p.params.Config.Tick
	if !p.lastProcess.IsZero() {
		elapsed = min(now.Sub(p.lastProcess), p.params.Config.MaxElapsed)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > 0 || p.lastProcess.IsZero() {
		p.lastProcess = now
	}

	p.budget.SetTargetRate(p.effectiveRateLocked())
	p.budget.IncreaseBudget(elapsed)
	p.alr.OnElapsed(elapsed)

	var packets []Packet
	for p.budget.BytesRemaining() > 0 && !p.isCongestedLocked() {
		pkt, ok := p.queue.Pop()
		if !ok {
			break
		}

		p.budget.UseBudget(pkt.Size)
		p.alr.OnBytesSent(pkt.Size)
		p.outstanding += pkt.Size
		packets = append(packets, pkt)

		p.numPacketsPaced.Inc()
		p.numBytesPaced.Add(uint64(pkt.Size))
	}

	p.alr.Update(now, p.queue.IsEmpty())
	p.overload.AddSample(p.expectedQueueTimeLocked(), now)
	return packets
}

// QueueTime is the age of the oldest queued packet.
func (p *Pacer) QueueTime(now time.Time) time.Duration {
	p.lock.Lock()
	defer p.lock.Unlock()

	oldest := p.queue.OldestEnqueueTime()
	if oldest.IsZero() {
		return 0
	}
	return max(0, now.Sub(oldest))
}

// ExpectedQueueTime is the time to drain the queue at the pacing rate.
func (p *Pacer) ExpectedQueueTime() time.Duration {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.expectedQueueTimeLocked()
}

func (p *Pacer) QueueLen() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.queue.Len()
}

func (p *Pacer) QueueBytes() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.queue.Bytes()
}

func (p *Pacer) InALR() bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.alr.InALR()
}

func (p *Pacer) ALRStartTime() time.Time {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.alr.ALRStartTime()
}

func (p *Pacer) IsOverloaded() bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.overload.IsOverloaded()
}

func (p *Pacer) NumPacketsPaced() uint64 {
	return p.numPacketsPaced.Load()
}

func (p *Pacer) NumBytesPaced() uint64 {
	return p.numBytesPaced.Load()
}

func (p *Pacer) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if p == nil {
		return nil
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	e.AddInt64("pacingRate", p.pacingRate)
	e.AddInt("cwnd", p.cwnd)
	e.AddInt("outstanding", p.outstanding)
	e.AddObject("queue", p.queue)
	e.AddObject("budget", p.budget)
	e.AddObject("alr", p.alr)
	e.AddObject("overload", p.overload)
	e.AddUint64("numPacketsPaced", p.numPacketsPaced.Load())
	return nil
}

func (p *Pacer) worker(clk clock.Clock, ticker *clock.Ticker, sender PacketSender) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := clk.Now()
			if packets := p.Process(now); len(packets) != 0 && sender != nil {
				sender.OnPacketsPaced(now, packets)
			}

		case <-p.stop.Watch():
			return
		}
	}
}

// the rate is raised when draining at the pacing rate would take longer than the target latency
func (p *Pacer) effectiveRateLocked() int64 {
	rate := p.pacingRate
	if p.params.Config.QueueTargetLatency <= 0 || p.queue.Bytes() == 0 {
		return rate
	}

	needed := int64(p.queue.Bytes()) * 8 * int64(time.Second) / int64(p.params.Config.QueueTargetLatency)
	return max(rate, needed)
}

func (p *Pacer) expectedQueueTimeLocked() time.Duration {
	if p.queue.Bytes() == 0 {
		return 0
	}
	if p.pacingRate <= 0 {
		return p.params.Config.QueueTargetLatency
	}
	return time.Duration(int64(p.queue.Bytes()) * 8 * int64(time.Second) / p.pacingRate)
}

func (p *Pacer) isCongestedLocked() bool {
	return p.cwnd > 0 && p.outstanding >= p.cwnd
}
