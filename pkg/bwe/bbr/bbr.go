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
	"fmt"
	"time"

	"github.com/livekit/protocol/logger"
	"go.uber.org/zap/zapcore"

	"github.com/dTelecom/razor-cc/pkg/ccutils"
)

const (
	gainCycleLength = 8
)

var pacingGainCycle = [gainCycleLength]float64{1.25, 0.75, 1.0, 1.0, 1.0, 1.0, 1.0, 1.0}

// ------------------------------------------------

type Phase int

const (
	PhaseStartup Phase = iota
	PhaseDrain
	PhaseProbeBw
	PhaseProbeRtt
)

func (p Phase) String() string {
	switch p {
	case PhaseStartup:
		return "STARTUP"
	case PhaseDrain:
		return "DRAIN"
	case PhaseProbeBw:
		return "PROBE_BW"
	case PhaseProbeRtt:
		return "PROBE_RTT"
	default:
		return fmt.Sprintf("%d", int(p))
	}
}

// ------------------------------------------------

type BBRConfig struct {
	HighGain     float64 `yaml:"high_gain,omitempty"`
	HighCwndGain float64 `yaml:"high_cwnd_gain,omitempty"`
	CwndGain     float64 `yaml:"cwnd_gain,omitempty"`

	BandwidthWindowRounds int64         `yaml:"bandwidth_window_rounds,omitempty"`
	MinRTTExpiry          time.Duration `yaml:"min_rtt_expiry,omitempty"`
	ProbeRTTDuration      time.Duration `yaml:"probe_rtt_duration,omitempty"`

	StartupGrowthTarget float64 `yaml:"startup_growth_target,omitempty"`
	StartupRounds       int     `yaml:"startup_rounds,omitempty"`

	// position in the gain cycle when entering ProbeBw, the draining slot is skipped
	InitialCycleOffset int `yaml:"initial_cycle_offset,omitempty"`

	PacketSize         int `yaml:"packet_size,omitempty"`
	InitialCwndPackets int `yaml:"initial_cwnd_packets,omitempty"`
	MinCwndPackets     int `yaml:"min_cwnd_packets,omitempty"`
	MaxCwndPackets     int `yaml:"max_cwnd_packets,omitempty"`
}

var (
	DefaultBBRConfig = BBRConfig{
		HighGain:              2.885,
		HighCwndGain:          2.0,
		CwndGain:              2.0,
		BandwidthWindowRounds: gainCycleLength + 2,
		MinRTTExpiry:          10 * time.Second,
		ProbeRTTDuration:      200 * time.Millisecond,
		StartupGrowthTarget:   1.25,
		StartupRounds:         3,
		InitialCycleOffset:    2,
		PacketSize:            1200,
		InitialCwndPackets:    10,
		MinCwndPackets:        4,
		MaxCwndPackets:        10000,
	}
)

// ------------------------------------------------

type BBRParams struct {
	Config BBRConfig
	Logger logger.Logger
}

// BBR drives a pacing rate and congestion window from the max delivery rate seen over the
// last rounds and the min RTT seen over the last seconds.
type BBR struct {
	params BBRParams

	sampler *BandwidthSampler

	phase Phase

	roundTripCount      int64
	lastSentPacket      uint64
	currentRoundTripEnd uint64
	hasRoundTripEnd     bool

	maxBandwidth *ccutils.WindowedFilter[int64]

	minRTT          time.Duration
	minRTTTimestamp time.Time
	smoothedRTT     time.Duration

	congestionWindow        int
	initialCongestionWindow int
	minCongestionWindow     int
	maxCongestionWindow     int

	pacingGain           float64
	congestionWindowGain float64
	drainGain            float64
	pacingRate           int64

	cycleCurrentOffset int
	lastCycleStart     time.Time

	isAtFullBandwidth          bool
	roundsWithoutBandwidthGain int
	bandwidthAtLastRound       int64

	exitingQuiescence   bool
	exitProbeRTTAt      time.Time
	probeRTTRoundPassed bool

	lastSampleIsAppLimited bool

	bytesInFlight int
}

func NewBBR(params BBRParams) *BBR {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Config.HighGain <= 0 || params.Config.PacketSize <= 0 {
		params.Config = DefaultBBRConfig
	}

	c := params.Config
	b := &BBR{
		params:                  params,
		sampler:                 NewBandwidthSampler(),
		maxBandwidth:            ccutils.NewWindowedMaxFilter[int64](c.BandwidthWindowRounds, 0),
		initialCongestionWindow: c.InitialCwndPackets * c.PacketSize,
		minCongestionWindow:     c.MinCwndPackets * c.PacketSize,
		maxCongestionWindow:     c.MaxCwndPackets * c.PacketSize,
		drainGain:               1.0 / c.HighGain,
		smoothedRTT:             ccutils.DefaultRTT,
	}
	b.congestionWindow = b.initialCongestionWindow
	b.enterStartup()
	return b
}

func (b *BBR) OnPacketSent(sentTime time.Time, sequenceNumber uint64, bytes int, bytesInFlight int, isRetransmittable bool) {
	b.lastSentPacket = sequenceNumber
	b.bytesInFlight = bytesInFlight + bytes

	if bytesInFlight == 0 && b.sampler.IsAppLimited() {
		b.exitingQuiescence = true
	}

	b.sampler.OnPacketSent(sentTime, sequenceNumber, bytes, bytesInFlight, isRetransmittable)
}

// OnCongestionEvent applies one feedback batch. Sequence numbers must be given in
// ascending order within each list.
func (b *BBR) OnCongestionEvent(eventTime time.Time, bytesInFlight int, acked []uint64, lost []uint64) {
	b.bytesInFlight = bytesInFlight
	priorPhase := b.phase

	totalBytesAckedBefore := b.sampler.TotalBytesAcked()

	isRoundStart := false
	if len(acked) != 0 {
		isRoundStart = b.updateRoundTripCounter(acked[len(acked)-1])
	}

	for _, sn := range lost {
		b.sampler.OnPacketLost(sn)
	}

	var (
		sampleMaxBandwidth int64
		sampleIsAppLimited bool
		sampleMinRTT       time.Duration
		hasSample          bool
	)
	for _, sn := range acked {
		sample, ok := b.sampler.OnPacketAcked(eventTime, sn)
		if !ok {
			continue
		}
		hasSample = true
		b.lastSampleIsAppLimited = sample.StateAtSend.IsAppLimited

		if sample.RTT > 0 && (sampleMinRTT == 0 || sample.RTT < sampleMinRTT) {
			sampleMinRTT = sample.RTT
		}
		if sample.Bandwidth > sampleMaxBandwidth {
			sampleMaxBandwidth = sample.Bandwidth
			sampleIsAppLimited = sample.IsAppLimited
		}
	}

	if hasSample && b.sampler.TotalBytesAcked() != totalBytesAckedBefore {
		// app limited samples only count when they raise the estimate
		if !sampleIsAppLimited || sampleMaxBandwidth > b.maxBandwidth.Get() {
			b.maxBandwidth.Update(sampleMaxBandwidth, b.roundTripCount)
		}
	}

	minRTTExpired := false
	if sampleMinRTT > 0 {
		minRTTExpired = b.maybeUpdateMinRTT(eventTime, sampleMinRTT)
	}

	if b.phase == PhaseProbeBw {
		b.updateGainCyclePhase(eventTime, len(lost) != 0)
	}

	if isRoundStart && !b.isAtFullBandwidth {
		b.checkIfFullBandwidthReached()
	}
	b.maybeExitStartupOrDrain(eventTime)
	b.maybeEnterOrExitProbeRTT(eventTime, isRoundStart, minRTTExpired)

	bytesAcked := b.sampler.TotalBytesAcked() - totalBytesAckedBefore
	b.calculatePacingRate()
	b.calculateCongestionWindow(bytesAcked)

	if b.phase != priorPhase {
		b.params.Logger.Debugw(
			"bbr: phase change",
			"from", priorPhase.String(),
			"to", b.phase.String(),
			"round", b.roundTripCount,
			"state", b,
		)
	}
}

// OnAppLimited is called while the sender has nothing to send.
func (b *BBR) OnAppLimited(bytesInFlight int) {
	if bytesInFlight >= b.CongestionWindow() {
		return
	}
	b.sampler.OnAppLimited()
}

// OnRTT takes an RTT measured outside the feedback path, it may lower the min RTT.
func (b *BBR) OnRTT(rtt time.Duration, smoothed time.Duration, now time.Time) {
	if smoothed > 0 {
		b.smoothedRTT = smoothed
	}
	if rtt > 0 && (b.minRTT == 0 || rtt < b.minRTT) {
		b.minRTT = rtt
		b.minRTTTimestamp = now
	}
}

// RemoveObsoletePackets forwards history pruning to the sampler.
func (b *BBR) RemoveObsoletePackets(leastUnacked uint64) {
	b.sampler.RemoveObsoletePackets(leastUnacked)
}

func (b *BBR) Phase() Phase {
	return b.phase
}

func (b *BBR) RoundTripCount() int64 {
	return b.roundTripCount
}

func (b *BBR) IsAtFullBandwidth() bool {
	return b.isAtFullBandwidth
}

func (b *BBR) BandwidthEstimate() int64 {
	return b.maxBandwidth.Get()
}

func (b *BBR) PacingGain() float64 {
	return b.pacingGain
}

func (b *BBR) MinRTT() time.Duration {
	return b.getMinRTT()
}

// PacingRate before any bandwidth sample paces the initial window over one smoothed RTT at high gain.
func (b *BBR) PacingRate() int64 {
	if b.pacingRate == 0 {
		return int64(float64(BandwidthFromBytesAndTimeDelta(b.initialCongestionWindow, b.smoothedRTT)) * b.params.Config.HighGain)
	}
	return b.pacingRate
}

func (b *BBR) CongestionWindow() int {
	if b.phase == PhaseProbeRtt {
		return b.minCongestionWindow
	}
	return b.congestionWindow
}

func (b *BBR) Sampler() *BandwidthSampler {
	return b.sampler
}

func (b *BBR) getMinRTT() time.Duration {
	if b.minRTT > 0 {
		return b.minRTT
	}
	return b.smoothedRTT
}

func (b *BBR) getTargetCongestionWindow(gain float64) int {
	bdp := BytesFromBandwidthAndTimeDelta(b.BandwidthEstimate(), b.getMinRTT())
	congestionWindow := int(float64(bdp) * gain)
	if congestionWindow == 0 {
		congestionWindow = int(float64(b.initialCongestionWindow) * gain)
	}

	return max(congestionWindow, b.minCongestionWindow)
}

func (b *BBR) enterStartup() {
	b.phase = PhaseStartup
	b.pacingGain = b.params.Config.HighGain
	b.congestionWindowGain = b.params.Config.HighCwndGain
}

func (b *BBR) enterProbeBw(now time.Time) {
	b.phase = PhaseProbeBw
	b.congestionWindowGain = b.params.Config.CwndGain

	b.cycleCurrentOffset = b.params.Config.InitialCycleOffset % gainCycleLength
	if b.cycleCurrentOffset < 0 {
		b.cycleCurrentOffset += gainCycleLength
	}
	if pacingGainCycle[b.cycleCurrentOffset] < 1.0 {
		b.cycleCurrentOffset = (b.cycleCurrentOffset + 1) % gainCycleLength
	}

	b.lastCycleStart = now
	b.pacingGain = pacingGainCycle[b.cycleCurrentOffset]
}

// updateRoundTripCounter starts a new round once a packet sent after the previous round start is acked.
func (b *BBR) updateRoundTripCounter(lastAckedPacket uint64) bool {
	if !b.hasRoundTripEnd || lastAckedPacket > b.currentRoundTripEnd {
		b.roundTripCount++
		b.currentRoundTripEnd = b.lastSentPacket
		b.hasRoundTripEnd = true
		return true
	}
	return false
}

func (b *BBR) maybeUpdateMinRTT(now time.Time, sampleMinRTT time.Duration) bool {
	minRTTExpired := b.minRTT > 0 && now.Sub(b.minRTTTimestamp) > b.params.Config.MinRTTExpiry

	if minRTTExpired || sampleMinRTT < b.minRTT || b.minRTT == 0 {
		b.minRTT = sampleMinRTT
		b.minRTTTimestamp = now
	}

	return minRTTExpired
}

func (b *BBR) updateGainCyclePhase(now time.Time, hasLosses bool) {
	shouldAdvance := now.Sub(b.lastCycleStart) > b.getMinRTT()

	// keep probing until the probe has actually put more in flight, or losses say stop
	if b.pacingGain > 1.0 && !hasLosses && b.bytesInFlight < b.getTargetCongestionWindow(b.pacingGain) {
		shouldAdvance = false
	}

	// leave the draining slot early once the queue is gone
	if b.pacingGain < 1.0 && b.bytesInFlight <= b.getTargetCongestionWindow(1) {
		shouldAdvance = true
	}

	if shouldAdvance {
		b.cycleCurrentOffset = (b.cycleCurrentOffset + 1) % gainCycleLength
		b.lastCycleStart = now
		b.pacingGain = pacingGainCycle[b.cycleCurrentOffset]
	}
}

func (b *BBR) checkIfFullBandwidthReached() {
	if b.lastSampleIsAppLimited || b.BandwidthEstimate() == 0 {
		return
	}

	target := int64(float64(b.bandwidthAtLastRound) * b.params.Config.StartupGrowthTarget)
	if b.BandwidthEstimate() >= target {
		b.bandwidthAtLastRound = b.BandwidthEstimate()
		b.roundsWithoutBandwidthGain = 0
		return
	}

	b.roundsWithoutBandwidthGain++
	if b.roundsWithoutBandwidthGain >= b.params.Config.StartupRounds {
		b.isAtFullBandwidth = true
	}
}

func (b *BBR) maybeExitStartupOrDrain(now time.Time) {
	if b.phase == PhaseStartup && b.isAtFullBandwidth {
		b.phase = PhaseDrain
		b.pacingGain = b.drainGain
		b.congestionWindowGain = b.params.Config.HighCwndGain
	}
	if b.phase == PhaseDrain && b.bytesInFlight <= b.getTargetCongestionWindow(1) {
		b.enterProbeBw(now)
	}
}

func (b *BBR) maybeEnterOrExitProbeRTT(now time.Time, isRoundStart bool, minRTTExpired bool) {
	if minRTTExpired && !b.exitingQuiescence && b.phase != PhaseProbeRtt {
		b.phase = PhaseProbeRtt
		b.pacingGain = 1
		b.exitProbeRTTAt = time.Time{}
	}

	if b.phase == PhaseProbeRtt {
		b.sampler.OnAppLimited()

		if b.exitProbeRTTAt.IsZero() {
			// wait for in flight to drop to the probe window first
			if b.bytesInFlight < b.minCongestionWindow+b.params.Config.PacketSize {
				b.exitProbeRTTAt = now.Add(b.params.Config.ProbeRTTDuration)
				b.probeRTTRoundPassed = false
			}
		} else {
			if isRoundStart {
				b.probeRTTRoundPassed = true
			}
			if !now.Before(b.exitProbeRTTAt) && b.probeRTTRoundPassed {
				b.minRTTTimestamp = now
				if !b.isAtFullBandwidth {
					b.enterStartup()
				} else {
					b.enterProbeBw(now)
				}
			}
		}
	}

	b.exitingQuiescence = false
}

func (b *BBR) calculatePacingRate() {
	if b.BandwidthEstimate() == 0 {
		return
	}

	targetRate := int64(float64(b.BandwidthEstimate()) * b.pacingGain)
	if b.isAtFullBandwidth {
		b.pacingRate = targetRate
		return
	}

	// in startup the rate never goes down
	if targetRate > b.pacingRate {
		b.pacingRate = targetRate
	}
}

func (b *BBR) calculateCongestionWindow(bytesAcked int) {
	if b.phase == PhaseProbeRtt {
		return
	}

	targetWindow := b.getTargetCongestionWindow(b.congestionWindowGain)
	if b.isAtFullBandwidth {
		b.congestionWindow = min(targetWindow, b.congestionWindow+bytesAcked)
	} else if b.congestionWindow < targetWindow || b.sampler.TotalBytesAcked() < b.initialCongestionWindow {
		b.congestionWindow += bytesAcked
	}

	b.congestionWindow = max(b.congestionWindow, b.minCongestionWindow)
	b.congestionWindow = min(b.congestionWindow, b.maxCongestionWindow)
}

func (b *BBR) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if b == nil {
		return nil
	}

	e.AddString("phase", b.phase.String())
	e.AddInt64("roundTripCount", b.roundTripCount)
	e.AddInt64("bandwidthEstimate", b.BandwidthEstimate())
	e.AddDuration("minRTT", b.minRTT)
	e.AddFloat64("pacingGain", b.pacingGain)
	e.AddFloat64("congestionWindowGain", b.congestionWindowGain)
	e.AddInt64("pacingRate", b.PacingRate())
	e.AddInt("congestionWindow", b.CongestionWindow())
	e.AddInt("bytesInFlight", b.bytesInFlight)
	e.AddBool("isAtFullBandwidth", b.isAtFullBandwidth)
	e.AddInt("roundsWithoutBandwidthGain", b.roundsWithoutBandwidthGain)
	return nil
}
