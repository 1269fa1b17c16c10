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

	"github.com/gammazero/deque"
)

// Dispatcher hands values to a synchronous handler in the order they were queued, one call
// at a time. The owner calls Queue while still holding the lock under which the value was
// produced and Drain once it has released it.
//
// A Drain that finds another goroutine delivering returns right away and leaves its values
// to that goroutine. The handler may therefore call back into the owner, including paths
// that queue more values.
type Dispatcher[T any] struct {
	handler func(T)

	lock    sync.Mutex
	pending deque.Deque[T]

	delivering sync.Mutex
}

func NewDispatcher[T any](handler func(T)) *Dispatcher[T] {
	return &Dispatcher[T]{
		handler: handler,
	}
}

func (d *Dispatcher[T]) Queue(v T) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.pending.PushBack(v)
}

func (d *Dispatcher[T]) Drain() {
	for d.Pending() != 0 {
		if !d.delivering.TryLock() {
			return
		}
		for {
			v, ok := d.pop()
			if !ok {
				break
			}
			d.handler(v)
		}
		d.delivering.Unlock()
	}
}

func (d *Dispatcher[T]) Pending() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.pending.Len()
}

func (d *Dispatcher[T]) pop() (T, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.pending.Len() == 0 {
		var zero T
		return zero, false
	}
	return d.pending.PopFront(), true
}
