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
	"math"

	"go.uber.org/zap/zapcore"
)

type KalmanConfig struct {
	ProcessNoise float64 `yaml:"process_noise,omitempty"`
	InitialError float64 `yaml:"initial_error,omitempty"`
	Chi          float64 `yaml:"chi,omitempty"`
}

var (
	DefaultKalmanConfig = KalmanConfig{
		ProcessNoise: 0.01,
		InitialError: 0.1,
		Chi:          0.01,
	}
)

const (
	minMeasurementNoise = 1.0
)

// KalmanFilter is a scalar filter over group delay variation (ms). Its state is the
// delay gradient, positive while a queue is building.
type KalmanFilter struct {
	config KalmanConfig

	estimate     float64
	errorCov     float64
	measureNoise float64
	numUpdates   int
}

func NewKalmanFilter(config KalmanConfig) *KalmanFilter {
	k := &KalmanFilter{
		config: config,
	}
	k.Reset()
	return k
}

func (k *KalmanFilter) Update(measurementMs float64) float64 {
	k.numUpdates++
	z := measurementMs - k.estimate

	// outliers still move the state but are capped when learning the noise level
	maxDeviation := 3 * math.Sqrt(k.measureNoise)
	zCapped := math.Max(-maxDeviation, math.Min(z, maxDeviation))
	k.measureNoise = math.Max(minMeasurementNoise, (1-k.config.Chi)*k.measureNoise+k.config.Chi*zCapped*zCapped)

	gain := (k.errorCov + k.config.ProcessNoise) / (k.measureNoise + k.errorCov + k.config.ProcessNoise)
	k.estimate += gain * z
	k.errorCov = (1 - gain) * (k.errorCov + k.config.ProcessNoise)
	return k.estimate
}

func (k *KalmanFilter) Estimate() float64 {
	return k.estimate
}

func (k *KalmanFilter) Reset() {
	k.estimate = 0
	k.errorCov = k.config.InitialError
	k.measureNoise = minMeasurementNoise
	k.numUpdates = 0
}

func (k *KalmanFilter) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if k == nil {
		return nil
	}

	e.AddFloat64("estimate", k.estimate)
	e.AddFloat64("errorCov", k.errorCov)
	e.AddFloat64("measureNoise", k.measureNoise)
	e.AddInt("numUpdates", k.numUpdates)
	return nil
}
