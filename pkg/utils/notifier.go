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

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
)

// Notifier delivers values to a single consumer in the order they were notified. The buffer
// is unbounded so a slow consumer never blocks the producer and nothing is dropped while open.
// Close discards what was not yet delivered and closes the channel.
type Notifier[T any] struct {
	lock    sync.Mutex
	pending deque.Deque[T]
	closed  bool

	wake chan struct{}
	out  chan T
	done core.Fuse
}

func NewNotifier[T any]() *Notifier[T] {
	n := &Notifier[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: core.NewFuse(),
	}

	go n.worker()
	return n
}

func (n *Notifier[T]) C() <-chan T {
	return n.out
}

// Notify returns false once closed.
func (n *Notifier[T]) Notify(v T) bool {
	n.lock.Lock()
	if n.closed {
		n.lock.Unlock()
		return false
	}
	n.pending.PushBack(v)
	n.lock.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending is the number of values waiting for the consumer.
func (n *Notifier[T]) Pending() int {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.pending.Len()
}

func (n *Notifier[T]) Close() {
	n.lock.Lock()
	if n.closed {
		n.lock.Unlock()
		return
	}
	n.closed = true
	n.pending.Clear()
	n.lock.Unlock()

	n.done.Break()
}

func (n *Notifier[T]) worker() {
	defer close(n.out)

	for {
		n.lock.Lock()
		if n.pending.Len() == 0 {
			n.lock.Unlock()

			select {
			case <-n.wake:
				continue
			case <-n.done.Watch():
				return
			}
		}
		v := n.pending.PopFront()
		n.lock.Unlock()

		select {
		case n.out <- v:
		case <-n.done.Watch():
			return
		}
	}
}
