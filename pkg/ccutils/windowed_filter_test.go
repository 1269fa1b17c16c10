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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWindowedFilter_Empty(t *testing.T) {
	maxFilter := NewWindowedMaxFilter[int64](10, -1)
	require.Equal(t, int64(-1), maxFilter.Get())

	minFilter := NewWindowedMinFilter[float64](10, 42.0)
	require.Equal(t, 42.0, minFilter.GetAt(100))
}

func TestWindowedFilter_MaxExpiry(t *testing.T) {
	f := NewWindowedMaxFilter[int64](10, 0)

	f.Update(100, 0)
	f.Update(50, 5)
	require.Equal(t, int64(100), f.Get())

	// 100 is now 11 old, 50 takes over
	f.Update(20, 11)
	require.Equal(t, int64(50), f.Get())

	// lazy expiry on read
	require.Equal(t, int64(20), f.GetAt(16))
	require.Equal(t, int64(0), f.GetAt(100))
}

func TestWindowedFilter_MinDominance(t *testing.T) {
	f := NewWindowedMinFilter[int64](10, 0)
	f.Update(30, 0)
	f.Update(40, 1)
	f.Update(20, 2)
	// 30 and 40 are dominated by the newer 20
	require.Equal(t, 1, f.Len())
	require.Equal(t, int64(20), f.Get())
}

func TestWindowedFilter_BruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, isMax := range []bool{true, false} {
		for _, window := range []int64{0, 1, 5, 50} {
			var f *WindowedFilter[int64]
			if isMax {
				f = NewWindowedMaxFilter[int64](window, 0)
			} else {
				f = NewWindowedMinFilter[int64](window, 0)
			}

			type pair struct{ value, at int64 }
			var pairs []pair
			at := int64(0)
			for i := 0; i < 2000; i++ {
				at += rng.Int63n(4)
				value := rng.Int63n(1000)
				pairs = append(pairs, pair{value, at})
				f.Update(value, at)

				found := false
				var expected int64
				for _, p := range pairs {
					if at-p.at > window {
						continue
					}
					if !found || (isMax && p.value > expected) || (!isMax && p.value < expected) {
						expected = p.value
						found = true
					}
				}
				require.Equal(t, expected, f.Get(), "isMax: %v, window: %d, i: %d", isMax, window, i)
			}
		}
	}
}

func TestWindowedFilter_Reset(t *testing.T) {
	f := NewWindowedMaxFilter[int64](10, 0)
	f.Update(100, 0)
	f.Reset(5, 3)
	require.Equal(t, int64(5), f.Get())
	require.Equal(t, 1, f.Len())
}
