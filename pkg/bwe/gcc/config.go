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

	"github.com/dTelecom/razor-cc/pkg/ccutils"
)

// GCCConfig gathers the knobs of the delay and loss based estimators.
type GCCConfig struct {
	InterArrival InterArrivalConfig `yaml:"inter_arrival,omitempty"`
	Kalman       KalmanConfig       `yaml:"kalman,omitempty"`
	Trendline    TrendlineConfig    `yaml:"trendline,omitempty"`
	Overuse      OveruseConfig      `yaml:"overuse,omitempty"`
	AIMD         AIMDConfig         `yaml:"aimd,omitempty"`
	Remote       RemoteConfig       `yaml:"remote,omitempty"`
	LossBased    LossBasedConfig    `yaml:"loss_based,omitempty"`
	PacingFactor float64            `yaml:"pacing_factor,omitempty"`
}

var (
	DefaultGCCConfig = GCCConfig{
		InterArrival: DefaultInterArrivalConfig,
		Kalman:       DefaultKalmanConfig,
		Trendline:    DefaultTrendlineConfig,
		Overuse:      DefaultOveruseConfig,
		AIMD:         DefaultAIMDConfig,
		Remote:       DefaultRemoteConfig,
		LossBased:    DefaultLossBasedConfig,
		PacingFactor: 2.5,
	}
)

// ------------------------------------------------

type RemoteConfig struct {
	// estimate is refreshed at most this often unless overuse asks for a further reduction
	UpdateInterval time.Duration           `yaml:"update_interval,omitempty"`
	StreamTimeout  time.Duration           `yaml:"stream_timeout,omitempty"`
	IncomingRate   ccutils.RateStatsConfig `yaml:"incoming_rate,omitempty"`
}

var (
	DefaultRemoteConfig = RemoteConfig{
		UpdateInterval: 100 * time.Millisecond,
		StreamTimeout:  2 * time.Second,
		IncomingRate:   ccutils.DefaultRateStatsConfig,
	}
)
