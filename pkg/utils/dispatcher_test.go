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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatcherOrder(t *testing.T) {
	var (
		ownerLock sync.Mutex
		next      int
		got       []int
	)
	d := NewDispatcher(func(v int) {
		got = append(got, v)
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ownerLock.Lock()
				d.Queue(next)
				next++
				ownerLock.Unlock()

				d.Drain()
			}
		}()
	}
	wg.Wait()
	d.Drain()

	require.Zero(t, d.Pending())
	require.Len(t, got, 4000)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestDispatcherReentrant(t *testing.T) {
	var (
		d   *Dispatcher[int]
		got []int
	)
	d = NewDispatcher(func(v int) {
		got = append(got, v)
		if v < 3 {
			d.Queue(v + 1)
			d.Drain()
		}
	})

	d.Queue(0)
	d.Drain()
	require.Equal(t, []int{0, 1, 2, 3}, got)
}
