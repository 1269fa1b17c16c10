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

package pacer

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// IntervalBudget tracks how many bytes may be released given a target rate. Unused budget is
// kept up to the budget window. An overshoot is carried as debt, in full, and repaid before
// any new budget accumulates.
type IntervalBudget struct {
	window             time.Duration
	targetRate         int64
	maxBytesInBudget   int64
	bytesRemaining     int64
	canBuildUpUnderuse bool
	debtLimited        bool
}

func NewIntervalBudget(window time.Duration, canBuildUpUnderuse bool) *IntervalBudget {
	return &IntervalBudget{
		window:             window,
		canBuildUpUnderuse: canBuildUpUnderuse,
	}
}

// SetDebtLimited caps the debt at one window of budget.
func (i *IntervalBudget) SetDebtLimited(debtLimited bool) {
	i.debtLimited = debtLimited
}

func (i *IntervalBudget) SetTargetRate(bps int64) {
	if bps < 0 {
		bps = 0
	}
	i.targetRate = bps
	i.maxBytesInBudget = bytesForDuration(bps, i.window)
	i.bytesRemaining = min(i.maxBytesInBudget, i.bytesRemaining)
	if i.debtLimited {
		i.bytesRemaining = max(i.bytesRemaining, -i.maxBytesInBudget)
	}
}

func (i *IntervalBudget) TargetRate() int64 {
	return i.targetRate
}

func (i *IntervalBudget) IncreaseBudget(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}

	increase := bytesForDuration(i.targetRate, elapsed)
	if i.bytesRemaining < 0 || i.canBuildUpUnderuse {
		i.bytesRemaining = min(i.bytesRemaining+increase, i.maxBytesInBudget)
	} else {
		i.bytesRemaining = min(increase, i.maxBytesInBudget)
	}
}

func (i *IntervalBudget) UseBudget(bytes int) {
	i.bytesRemaining -= int64(bytes)
	if i.debtLimited {
		i.bytesRemaining = max(i.bytesRemaining, -i.maxBytesInBudget)
	}
}

func (i *IntervalBudget) BytesRemaining() int64 {
	return max(0, i.bytesRemaining)
}

// Debt is the overshoot still to be repaid.
func (i *IntervalBudget) Debt() int64 {
	return max(0, -i.bytesRemaining)
}

func (i *IntervalBudget) BudgetRatio() float64 {
	if i.maxBytesInBudget == 0 {
		return 0
	}
	return float64(i.bytesRemaining) / float64(i.maxBytesInBudget)
}

func (i *IntervalBudget) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if i == nil {
		return nil
	}

	e.AddDuration("window", i.window)
	e.AddInt64("targetRate", i.targetRate)
	e.AddInt64("maxBytesInBudget", i.maxBytesInBudget)
	e.AddInt64("bytesRemaining", i.bytesRemaining)
	return nil
}

// ------------------------------------------------

func bytesForDuration(bps int64, d time.Duration) int64 {
	return bps * d.Nanoseconds() / (8 * int64(time.Second))
}
