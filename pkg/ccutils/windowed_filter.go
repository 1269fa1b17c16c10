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
	"github.com/gammazero/deque"
)

type windowedNumber interface {
	~int | ~int32 | ~int64 | ~uint32 | ~uint64 | ~float64
}

type windowedSample[T windowedNumber] struct {
	value T
	at    int64
}

// WindowedFilter tracks the extremum (max or min, per construction) of samples
// whose key is within `window` of the most recent key. Keys are opaque int64
// values, nanoseconds or round trip counts depending on the caller, and must
// be non-decreasing.
//
// Samples are kept in a monotonic deque, a new sample evicts every older
// sample it dominates, so the front is always the current extremum.
type WindowedFilter[T windowedNumber] struct {
	window     int64
	defaultVal T
	dominates  func(a, b T) bool

	samples deque.Deque[windowedSample[T]]
	lastAt  int64
}

func NewWindowedMaxFilter[T windowedNumber](window int64, defaultVal T) *WindowedFilter[T] {
	return &WindowedFilter[T]{
		window:     window,
		defaultVal: defaultVal,
		dominates:  func(a, b T) bool { return a >= b },
	}
}

func NewWindowedMinFilter[T windowedNumber](window int64, defaultVal T) *WindowedFilter[T] {
	return &WindowedFilter[T]{
		window:     window,
		defaultVal: defaultVal,
		dominates:  func(a, b T) bool { return a <= b },
	}
}

func (w *WindowedFilter[T]) Update(sample T, at int64) {
	if w.samples.Len() != 0 && at < w.lastAt {
		at = w.lastAt
	}
	w.lastAt = at

	for w.samples.Len() != 0 && w.dominates(sample, w.samples.Back().value) {
		w.samples.PopBack()
	}
	w.samples.PushBack(windowedSample[T]{value: sample, at: at})

	w.expire(at)
}

// Get returns the extremum as of the last update.
func (w *WindowedFilter[T]) Get() T {
	if w.samples.Len() == 0 {
		return w.defaultVal
	}
	return w.samples.Front().value
}

// GetAt expires samples relative to `now` before returning the extremum.
func (w *WindowedFilter[T]) GetAt(now int64) T {
	w.expire(now)
	return w.Get()
}

func (w *WindowedFilter[T]) Reset(sample T, at int64) {
	w.samples.Clear()
	w.samples.PushBack(windowedSample[T]{value: sample, at: at})
	w.lastAt = at
}

func (w *WindowedFilter[T]) Clear() {
	w.samples.Clear()
	w.lastAt = 0
}

func (w *WindowedFilter[T]) Len() int {
	return w.samples.Len()
}

func (w *WindowedFilter[T]) expire(now int64) {
	for w.samples.Len() != 0 && now-w.samples.Front().at > w.window {
		w.samples.PopFront()
	}
}
