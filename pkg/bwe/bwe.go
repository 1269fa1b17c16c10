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

package bwe

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

var (
	ErrUnknownVariant = errors.New("unknown congestion control variant")
)

// ------------------------------------------------

type Variant int

const (
	VariantGCC Variant = iota
	VariantBBR
	VariantNone
)

func (v Variant) String() string {
	switch v {
	case VariantGCC:
		return "gcc"
	case VariantBBR:
		return "bbr"
	case VariantNone:
		return "none"
	default:
		return fmt.Sprintf("%d", int(v))
	}
}

func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gcc":
		return VariantGCC, nil
	case "bbr":
		return VariantBBR, nil
	case "none":
		return VariantNone, nil
	default:
		return VariantGCC, fmt.Errorf("%w: %q", ErrUnknownVariant, s)
	}
}

// ------------------------------------------------

type BandwidthUsage int

const (
	BandwidthUsageNormal BandwidthUsage = iota
	BandwidthUsageUnderusing
	BandwidthUsageOverusing
)

func (b BandwidthUsage) String() string {
	switch b {
	case BandwidthUsageNormal:
		return "NORMAL"
	case BandwidthUsageUnderusing:
		return "UNDERUSING"
	case BandwidthUsageOverusing:
		return "OVERUSING"
	default:
		return fmt.Sprintf("%d", int(b))
	}
}

// ------------------------------------------------

type RateControlState int

const (
	RateControlStateHold RateControlState = iota
	RateControlStateIncrease
	RateControlStateDecrease
)

func (r RateControlState) String() string {
	switch r {
	case RateControlStateHold:
		return "HOLD"
	case RateControlStateIncrease:
		return "INCREASE"
	case RateControlStateDecrease:
		return "DECREASE"
	default:
		return fmt.Sprintf("%d", int(r))
	}
}

// ------------------------------------------------

// SentPacket is what the sender knows about a packet at the moment it leaves.
type SentPacket struct {
	SequenceNumber   uint64
	Size             int
	SendTime         time.Time
	BytesInFlight    int
	IsRetransmission bool
}

// PacketResult is the remote verdict on one sent packet. A zero ReceiveTime means lost.
type PacketResult struct {
	SequenceNumber   uint64
	Size             int
	SendTime         time.Time
	ReceiveTime      time.Time
	IsRetransmission bool
}

func (p PacketResult) IsReceived() bool {
	return !p.ReceiveTime.IsZero()
}

func (p PacketResult) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddUint64("sequenceNumber", p.SequenceNumber)
	e.AddInt("size", p.Size)
	e.AddTime("sendTime", p.SendTime)
	e.AddBool("received", p.IsReceived())
	if p.IsReceived() {
		e.AddTime("receiveTime", p.ReceiveTime)
	}
	e.AddBool("isRetransmission", p.IsRetransmission)
	return nil
}

// ------------------------------------------------

type Estimate struct {
	TargetBitrate int64
	PacingRate    int64
	// bytes allowed in flight, 0 when the variant does not use a window
	CongestionWindow int
	FractionLoss     uint8
}

func (e Estimate) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("targetBitrate", e.TargetBitrate)
	enc.AddInt64("pacingRate", e.PacingRate)
	enc.AddInt("congestionWindow", e.CongestionWindow)
	enc.AddUint8("fractionLoss", e.FractionLoss)
	return nil
}

// ------------------------------------------------

// SenderBWE is the capability set every sender side estimator variant provides.
// Implementations are not safe for concurrent use, the owner serializes calls.
type SenderBWE interface {
	Variant() Variant

	SetBitrates(minBitrate, startBitrate, maxBitrate int64)

	OnPacketSent(sent SentPacket)
	OnPacketFeedback(results []PacketResult, now time.Time)
	OnREMB(bitrate int64, now time.Time)
	OnRemoteLoss(fraction float64, now time.Time)
	OnRTT(rtt time.Duration, now time.Time)

	// Process runs interval driven work. It must not change state when
	// nothing was reported since the previous call.
	Process(now time.Time, inALR bool)

	GetEstimate() Estimate
}

// ------------------------------------------------

func ClampBitrate(bitrate, minBitrate, maxBitrate int64) int64 {
	if maxBitrate > 0 && bitrate > maxBitrate {
		bitrate = maxBitrate
	}
	if bitrate < minBitrate {
		bitrate = minBitrate
	}
	return bitrate
}
