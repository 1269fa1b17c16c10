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
	"time"
)

// NullBWE holds the start bitrate and ignores every signal.
type NullBWE struct {
	minBitrate   int64
	startBitrate int64
	maxBitrate   int64
}

func NewNullBWE(minBitrate, startBitrate, maxBitrate int64) *NullBWE {
	n := &NullBWE{}
	n.SetBitrates(minBitrate, startBitrate, maxBitrate)
	return n
}

func (n *NullBWE) Variant() Variant { return VariantNone }

func (n *NullBWE) SetBitrates(minBitrate, startBitrate, maxBitrate int64) {
	n.minBitrate = minBitrate
	n.maxBitrate = maxBitrate
	n.startBitrate = ClampBitrate(startBitrate, minBitrate, maxBitrate)
}

func (n *NullBWE) OnPacketSent(_sent SentPacket) {}

func (n *NullBWE) OnPacketFeedback(_results []PacketResult, _now time.Time) {}

func (n *NullBWE) OnREMB(_bitrate int64, _now time.Time) {}

func (n *NullBWE) OnRemoteLoss(_fraction float64, _now time.Time) {}

func (n *NullBWE) OnRTT(_rtt time.Duration, _now time.Time) {}

func (n *NullBWE) Process(_now time.Time, _inALR bool) {}

func (n *NullBWE) GetEstimate() Estimate {
	return Estimate{
		TargetBitrate: n.startBitrate,
		PacingRate:    n.startBitrate,
	}
}

// ------------------------------------------------
