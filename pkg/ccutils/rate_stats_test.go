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

func TestRateStats(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig)
	t0 := time.Unix(100, 0)

	_, ok := r.Rate(t0)
	require.False(t, ok)

	r.Update(1000, t0)
	_, ok = r.Rate(t0)
	require.False(t, ok, "needs one bucket of history")

	now := t0
	for i := 1; i < 100; i++ {
		now = t0.Add(time.Duration(i) * 10 * time.Millisecond)
		r.Update(1000, now)
	}
	rate, ok := r.Rate(now)
	require.True(t, ok)
	require.Equal(t, int64(800_000), rate)

	// negative sizes are ignored
	r.Update(-5000, now)
	rate, _ = r.Rate(now)
	require.Equal(t, int64(800_000), rate)

	// idle longer than the window empties it
	_, ok = r.Rate(now.Add(2 * time.Second))
	require.False(t, ok)

	r.Update(500, now.Add(2*time.Second))
	_, ok = r.Rate(now.Add(2 * time.Second))
	require.False(t, ok)
}

func TestRateStats_Warmup(t *testing.T) {
	r := NewRateStats(RateStatsConfig{Window: time.Second, Bucket: 100 * time.Millisecond})
	t0 := time.Unix(100, 0)

	r.Update(12_500, t0)
	r.Update(12_500, t0.Add(100*time.Millisecond))

	// span is only the observed time while warming up
	rate, ok := r.Rate(t0.Add(200 * time.Millisecond))
	require.True(t, ok)
	require.Equal(t, int64(1_000_000), rate)
}
