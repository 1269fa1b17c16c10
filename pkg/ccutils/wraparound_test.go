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

	"github.com/stretchr/testify/require"
)

func TestWrapAroundUint16(t *testing.T) {
	w := NewWrapAround[uint16, uint64]()
	testCases := []struct {
		name            string
		input           uint16
		updated         WrapAroundUpdateResult[uint64]
		extendedStart   uint64
		extendedHighest uint64
	}{
		{
			name:  "initialize",
			input: 10,
			updated: WrapAroundUpdateResult[uint64]{
				PreExtendedHighest: (1 << 16) + 9,
				ExtendedVal:        (1 << 16) + 10,
			},
			extendedStart:   (1 << 16) + 10,
			extendedHighest: (1 << 16) + 10,
		},
		{
			name:  "older value moves start",
			input: 8,
			updated: WrapAroundUpdateResult[uint64]{
				IsRestart:          true,
				IsOutOfOrder:       true,
				PreExtendedHighest: (1 << 16) + 10,
				ExtendedVal:        (1 << 16) + 8,
			},
			extendedStart:   (1 << 16) + 8,
			extendedHighest: (1 << 16) + 10,
		},
		{
			name:  "older value across wrap",
			input: (1 << 16) - 6,
			updated: WrapAroundUpdateResult[uint64]{
				IsRestart:          true,
				IsOutOfOrder:       true,
				PreExtendedHighest: (1 << 16) + 10,
				ExtendedVal:        (1 << 16) - 6,
			},
			extendedStart:   (1 << 16) - 6,
			extendedHighest: (1 << 16) + 10,
		},
		{
			name:  "out of order after start",
			input: (1 << 16) - 3,
			updated: WrapAroundUpdateResult[uint64]{
				IsOutOfOrder:       true,
				PreExtendedHighest: (1 << 16) + 10,
				ExtendedVal:        (1 << 16) - 3,
			},
			extendedStart:   (1 << 16) - 6,
			extendedHighest: (1 << 16) + 10,
		},
		{
			name:  "duplicate",
			input: 10,
			updated: WrapAroundUpdateResult[uint64]{
				PreExtendedHighest: (1 << 16) + 10,
				ExtendedVal:        (1 << 16) + 10,
			},
			extendedStart:   (1 << 16) - 6,
			extendedHighest: (1 << 16) + 10,
		},
		{
			name:  "in order",
			input: 30000,
			updated: WrapAroundUpdateResult[uint64]{
				PreExtendedHighest: (1 << 16) + 10,
				ExtendedVal:        (1 << 16) + 30000,
			},
			extendedStart:   (1 << 16) - 6,
			extendedHighest: (1 << 16) + 30000,
		},
		{
			name:  "in order again",
			input: 60000,
			updated: WrapAroundUpdateResult[uint64]{
				PreExtendedHighest: (1 << 16) + 30000,
				ExtendedVal:        (1 << 16) + 60000,
			},
			extendedStart:   (1 << 16) - 6,
			extendedHighest: (1 << 16) + 60000,
		},
		{
			name:  "wrap",
			input: 5,
			updated: WrapAroundUpdateResult[uint64]{
				PreExtendedHighest: (1 << 16) + 60000,
				ExtendedVal:        (2 << 16) + 5,
			},
			extendedStart:   (1 << 16) - 6,
			extendedHighest: (2 << 16) + 5,
		},
		{
			name:  "out of order across wrap",
			input: 65000,
			updated: WrapAroundUpdateResult[uint64]{
				IsOutOfOrder:       true,
				PreExtendedHighest: (2 << 16) + 5,
				ExtendedVal:        (1 << 16) + 65000,
			},
			extendedStart:   (1 << 16) - 6,
			extendedHighest: (2 << 16) + 5,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.updated, w.Update(tc.input))
			require.Equal(t, tc.extendedStart, w.GetExtendedStart())
			require.Equal(t, tc.extendedHighest, w.GetExtendedHighest())
		})
	}
}

func TestWrapAroundUint8(t *testing.T) {
	w := NewWrapAround[uint8, uint32]()
	require.False(t, w.IsInitialized())
	require.Equal(t, uint32(256+250), w.Update(250).ExtendedVal)
	require.Equal(t, uint32(2*256+3), w.Update(3).ExtendedVal)
	require.Equal(t, uint32(256+255), w.Extend(255))
	require.Equal(t, uint32(2*256+4), w.Extend(4))
	require.Equal(t, uint8(3), w.GetHighest())

	w.Reset()
	require.False(t, w.IsInitialized())
	require.Equal(t, uint32(256+7), w.Update(7).ExtendedVal)
}
