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

package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifierOrderAndNoDrops(t *testing.T) {
	n := NewNotifier[int]()
	defer n.Close()

	// nobody is reading yet, the producer must not block
	for i := 0; i < 10000; i++ {
		require.True(t, n.Notify(i))
	}

	for i := 0; i < 10000; i++ {
		select {
		case v := <-n.C():
			require.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("missing value %d", i)
		}
	}
	require.Zero(t, n.Pending())
}

func TestNotifierClose(t *testing.T) {
	n := NewNotifier[string]()
	require.True(t, n.Notify("a"))

	require.Equal(t, "a", <-n.C())

	n.Notify("b")
	n.Close()
	n.Close()
	require.False(t, n.Notify("c"))

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-n.C():
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}
