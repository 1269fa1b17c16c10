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
	"fmt"
	"time"

	"github.com/dTelecom/razor-cc/pkg/bwe/bbr"
	"github.com/dTelecom/razor-cc/pkg/bwe/gcc"
	"github.com/dTelecom/razor-cc/pkg/bwe/sendsidebwe"
	"github.com/dTelecom/razor-cc/pkg/ccutils"
	"github.com/dTelecom/razor-cc/pkg/pacer"
	"github.com/dTelecom/razor-cc/pkg/twcc"
)

type BitratesConfig struct {
	Min   int64 `yaml:"min,omitempty"`
	Start int64 `yaml:"start,omitempty"`
	Max   int64 `yaml:"max,omitempty"`
}

var (
	DefaultBitratesConfig = BitratesConfig{
		Min:   32_000,
		Start: 1_000_000,
		Max:   16_000_000,
	}
)

// Validate checks the bounds. A start bitrate outside of them is clamped, not rejected.
func (b BitratesConfig) Validate() (BitratesConfig, error) {
	if b.Min <= 0 {
		return b, fmt.Errorf("%w: min %d must be positive", ErrInvalidBitrates, b.Min)
	}
	if b.Max < b.Min {
		return b, fmt.Errorf("%w: max %d below min %d", ErrInvalidBitrates, b.Max, b.Min)
	}
	b.Start = min(max(b.Start, b.Min), b.Max)
	return b, nil
}

// ------------------------------------------------

type BitrateChangeConfig struct {
	MinChangeRatio   float64       `yaml:"min_change_ratio,omitempty"`
	MinChangeBitrate int64         `yaml:"min_change_bitrate,omitempty"`
	MinLossChange    uint8         `yaml:"min_loss_change,omitempty"`
	MinRTTChange     time.Duration `yaml:"min_rtt_change,omitempty"`
}

var (
	DefaultBitrateChangeConfig = BitrateChangeConfig{
		MinChangeRatio:   0.01,
		MinChangeBitrate: 5_000,
		MinLossChange:    5,
		MinRTTChange:     20 * time.Millisecond,
	}
)

// ------------------------------------------------

type SenderConfig struct {
	Bitrates       BitratesConfig `yaml:"bitrates,omitempty"`
	HeaderOverhead int            `yaml:"header_overhead,omitempty"`

	GCC        gcc.GCCConfig                  `yaml:"gcc,omitempty"`
	BBR        bbr.BBRConfig                  `yaml:"bbr,omitempty"`
	BBRLoss    ccutils.LossRateFilterConfig   `yaml:"bbr_loss,omitempty"`
	Pacer      pacer.PacerConfig              `yaml:"pacer,omitempty"`
	Loss       sendsidebwe.WeightedLossConfig `yaml:"loss,omitempty"`
	Change     BitrateChangeConfig            `yaml:"change,omitempty"`
	LossWindow time.Duration                  `yaml:"loss_window,omitempty"`

	// unacknowledged packets older than max(RTO, this) are declared lost
	MinLossTimeout    time.Duration `yaml:"min_loss_timeout,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
}

var (
	DefaultSenderConfig = SenderConfig{
		Bitrates:          DefaultBitratesConfig,
		HeaderOverhead:    30,
		GCC:               gcc.DefaultGCCConfig,
		BBR:               bbr.DefaultBBRConfig,
		BBRLoss:           ccutils.DefaultLossRateFilterConfig,
		Pacer:             pacer.DefaultPacerConfig,
		Loss:              sendsidebwe.DefaultWeightedLossConfig,
		Change:            DefaultBitrateChangeConfig,
		LossWindow:        time.Second,
		MinLossTimeout:    time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
	}
)

// ------------------------------------------------

type ReceiverConfig struct {
	Bitrates BitratesConfig       `yaml:"bitrates,omitempty"`
	GCC      gcc.GCCConfig        `yaml:"gcc,omitempty"`
	TWCC     twcc.ResponderConfig `yaml:"twcc,omitempty"`
	Change   BitrateChangeConfig  `yaml:"change,omitempty"`

	EnableREMB    bool          `yaml:"enable_remb,omitempty"`
	REMBInterval  time.Duration `yaml:"remb_interval,omitempty"`
	REMBDropRatio float64       `yaml:"remb_drop_ratio,omitempty"`

	StreamTimeout     time.Duration `yaml:"stream_timeout,omitempty"`
	MaxTrackedStreams int           `yaml:"max_tracked_streams,omitempty"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
}

var (
	DefaultReceiverConfig = ReceiverConfig{
		Bitrates:          DefaultBitratesConfig,
		GCC:               gcc.DefaultGCCConfig,
		TWCC:              twcc.DefaultResponderConfig,
		Change:            DefaultBitrateChangeConfig,
		EnableREMB:        true,
		REMBInterval:      time.Second,
		REMBDropRatio:     0.03,
		StreamTimeout:     5 * time.Second,
		MaxTrackedStreams: 64,
		HeartbeatInterval: 50 * time.Millisecond,
	}
)
