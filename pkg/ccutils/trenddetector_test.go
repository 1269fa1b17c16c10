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

package ccutils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var trendEpoch = time.Unix(10, 0)

func addSeries(td *TrendDetector, spacing time.Duration, from int, values ...float64) Trend {
	trend := TrendFlat
	for i, v := range values {
		trend = td.Add(v, trendEpoch.Add(time.Duration(from+i)*spacing))
	}
	return trend
}

func TestTrendDetector_Rising(t *testing.T) {
	td := NewTrendDetector(DefaultTrendConfig)

	require.Equal(t, TrendFlat, addSeries(td, 20*time.Millisecond, 0, 10, 20, 30, 40, 50, 60, 70))
	require.False(t, td.Ready())

	// a full window
	require.Equal(t, TrendRising, addSeries(td, 20*time.Millisecond, 7, 80))
	require.True(t, td.Ready())
	require.Equal(t, 10.0, td.Lowest())
	require.Equal(t, 80.0, td.Highest())

	// one outlier does not turn it around
	require.Equal(t, TrendRising, addSeries(td, 20*time.Millisecond, 8, 85, 0, 95))
}

func TestTrendDetector_Falling(t *testing.T) {
	td := NewTrendDetector(DefaultTrendConfig)

	require.Equal(t, TrendFlat, addSeries(td, 20*time.Millisecond, 0, 80, 70, 60, 50))
	require.Equal(t, TrendFalling, addSeries(td, 20*time.Millisecond, 4, 40, 30, 20, 10))

	// a slow descent is reported before the window fills
	td.Reset()
	require.Equal(t, TrendFlat, addSeries(td, 300*time.Millisecond, 0, 50, 40, 30, 20))
	require.Equal(t, TrendFalling, addSeries(td, 300*time.Millisecond, 4, 5))
	require.Equal(t, TrendFalling, td.Trend())
}

func TestTrendDetector_Trim(t *testing.T) {
	td := NewTrendDetector(DefaultTrendConfig)

	// repeats inside the spacing are kept once
	td.Add(5, trendEpoch)
	td.Add(5, trendEpoch.Add(50*time.Millisecond))
	require.Equal(t, 1, td.NumSamples())

	// as is a leading plateau
	td.Add(5, trendEpoch.Add(200*time.Millisecond))
	td.Add(6, trendEpoch.Add(400*time.Millisecond))
	require.Equal(t, 2, td.NumSamples())

	// and samples past the max age
	td.Reset()
	addSeries(td, time.Second, 0, 1, 2, 3, 4)
	require.Equal(t, 2, td.NumSamples())
	require.Equal(t, TrendFlat, td.Trend())

	td.Reset()
	require.Zero(t, td.NumSamples())
	require.False(t, td.Ready())
	require.Zero(t, td.Highest())
}

func TestTrendDetector_Config(t *testing.T) {
	td := NewTrendDetector(TrendConfig{Window: 3, MinSamples: 10})
	require.Equal(t, TrendRising, addSeries(td, 20*time.Millisecond, 0, 1, 2, 3))
	require.Equal(t, "RISING", td.Trend().String())
}
