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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseVariant(t *testing.T) {
	testCases := []struct {
		in       string
		expected Variant
		err      bool
	}{
		{in: "", expected: VariantGCC},
		{in: "gcc", expected: VariantGCC},
		{in: " BBR ", expected: VariantBBR},
		{in: "none", expected: VariantNone},
		{in: "cubic", err: true},
	}

	for _, tc := range testCases {
		v, err := ParseVariant(tc.in)
		if tc.err {
			require.ErrorIs(t, err, ErrUnknownVariant)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.expected, v)
		if tc.in != "" {
			require.Equal(t, v, func() Variant { p, _ := ParseVariant(v.String()); return p }())
		}
	}
}

var testTime = time.Unix(1000, 0)

func TestNullBWE(t *testing.T) {
	n := NewNullBWE(100_000, 5_000_000, 2_000_000)
	require.Equal(t, int64(2_000_000), n.GetEstimate().TargetBitrate)

	n.OnREMB(10_000, testTime)
	n.Process(testTime, false)
	require.Equal(t, Estimate{TargetBitrate: 2_000_000, PacingRate: 2_000_000}, n.GetEstimate())
}

func TestClampBitrate(t *testing.T) {
	require.Equal(t, int64(10), ClampBitrate(5, 10, 20))
	require.Equal(t, int64(20), ClampBitrate(25, 10, 20))
	require.Equal(t, int64(15), ClampBitrate(15, 10, 20))
	require.Equal(t, int64(25), ClampBitrate(25, 10, 0))
}
