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

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

type FeedbackStatus string

const (
	FeedbackStatusOK    FeedbackStatus = "ok"
	FeedbackStatusError FeedbackStatus = "error"
)

var (
	promFeedbackTotal       *prometheus.CounterVec
	promBitrateChangesTotal *prometheus.CounterVec
)

func initFeedbackStats(constLabels prometheus.Labels) {
	promFeedbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   razorNamespace,
		Subsystem:   "feedback",
		Name:        "messages_total",
		ConstLabels: constLabels,
	}, append(promLabels, "status"))
	promBitrateChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   razorNamespace,
		Subsystem:   "estimate",
		Name:        "bitrate_changes_total",
		ConstLabels: constLabels,
	}, promLabels)

	prometheus.MustRegister(promFeedbackTotal)
	prometheus.MustRegister(promBitrateChangesTotal)
}

func IncrementFeedback(side Side, variant string, status FeedbackStatus) {
	if !initialized.Load() {
		return
	}

	promFeedbackTotal.WithLabelValues(string(side), variant, string(status)).Inc()
}

func IncrementBitrateChanges(side Side, variant string) {
	if !initialized.Load() {
		return
	}

	promBitrateChangesTotal.WithLabelValues(string(side), variant).Inc()
}
