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
	"unsafe"
)

type wrapNumber interface {
	uint8 | uint16 | uint32
}

type extendedNumber interface {
	uint32 | uint64
}

type WrapAroundUpdateResult[ET extendedNumber] struct {
	IsRestart          bool
	IsOutOfOrder       bool
	PreExtendedHighest ET
	ExtendedVal        ET
}

// WrapAround extends a wrapping counter into a monotonic space. The extended space starts
// one full cycle in so that values arriving out of order right after the first one remain
// representable. ET must be wider than T.
type WrapAround[T wrapNumber, ET extendedNumber] struct {
	fullRange ET

	initialized     bool
	start           ET
	highest         T
	extendedHighest ET
}

func NewWrapAround[T wrapNumber, ET extendedNumber]() *WrapAround[T, ET] {
	var t T
	return &WrapAround[T, ET]{
		fullRange: ET(1) << (unsafe.Sizeof(t) * 8),
	}
}

func (w *WrapAround[T, ET]) Update(val T) (result WrapAroundUpdateResult[ET]) {
	if !w.initialized {
		w.initialized = true
		w.highest = val
		w.extendedHighest = w.fullRange + ET(val)
		w.start = w.extendedHighest

		result.PreExtendedHighest = w.extendedHighest - 1
		result.ExtendedVal = w.extendedHighest
		return
	}

	result.PreExtendedHighest = w.extendedHighest

	half := T(w.fullRange >> 1)
	forward := val - w.highest
	if forward == 0 {
		result.ExtendedVal = w.extendedHighest
		return
	}

	if forward < half {
		w.highest = val
		w.extendedHighest += ET(forward)
		result.ExtendedVal = w.extendedHighest
		return
	}

	// behind the highest
	backward := ET(w.highest - val)
	result.IsOutOfOrder = true
	if backward > w.extendedHighest {
		backward = w.extendedHighest
	}
	result.ExtendedVal = w.extendedHighest - backward
	if result.ExtendedVal < w.start {
		result.IsRestart = true
		w.start = result.ExtendedVal
	}
	return
}

func (w *WrapAround[T, ET]) IsInitialized() bool {
	return w.initialized
}

func (w *WrapAround[T, ET]) GetHighest() T {
	return w.highest
}

func (w *WrapAround[T, ET]) GetExtendedHighest() ET {
	return w.extendedHighest
}

func (w *WrapAround[T, ET]) GetExtendedStart() ET {
	return w.start
}

// Extend maps a value onto the extended space without updating state.
func (w *WrapAround[T, ET]) Extend(val T) ET {
	if !w.initialized {
		return w.fullRange + ET(val)
	}

	forward := val - w.highest
	if forward < T(w.fullRange>>1) {
		return w.extendedHighest + ET(forward)
	}
	backward := min(ET(w.highest-val), w.extendedHighest)
	return w.extendedHighest - backward
}

func (w *WrapAround[T, ET]) Reset() {
	w.initialized = false
	w.start = 0
	w.highest = 0
	w.extendedHighest = 0
}
