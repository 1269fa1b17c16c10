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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	promTargetBitrate  *prometheus.GaugeVec
	promPacingRate     *prometheus.GaugeVec
	promRemoteEstimate *prometheus.GaugeVec
	promFractionLoss   *prometheus.GaugeVec
	promSmoothedRTT    *prometheus.GaugeVec
	promPacerQueue     *prometheus.GaugeVec
)

func newGaugeVec(constLabels prometheus.Labels, subsystem string, name string, help string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   razorNamespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: constLabels,
		Help:        help,
	}, promLabels)
	prometheus.MustRegister(g)
	return g
}

func initEstimateStats(constLabels prometheus.Labels) {
	promTargetBitrate = newGaugeVec(constLabels, "estimate", "target_bitrate", "Target bitrate in bits per second.")
	promPacingRate = newGaugeVec(constLabels, "estimate", "pacing_rate", "Pacing rate in bits per second.")
	promRemoteEstimate = newGaugeVec(constLabels, "estimate", "remote_bitrate", "Receiver side delay based estimate in bits per second.")
	promFractionLoss = newGaugeVec(constLabels, "estimate", "fraction_loss", "Smoothed loss fraction, 0 to 1.")
	promSmoothedRTT = newGaugeVec(constLabels, "estimate", "srtt_ms", "Smoothed round trip time in milliseconds.")
	promPacerQueue = newGaugeVec(constLabels, "pacer", "queue_ms", "Age of the oldest packet in the pacer queue in milliseconds.")
}

func RecordSenderEstimate(variant string, targetBitrate int64, pacingRate int64, fractionLoss uint8) {
	if !initialized.Load() {
		return
	}

	promTargetBitrate.WithLabelValues(string(SideSender), variant).Set(float64(targetBitrate))
	promPacingRate.WithLabelValues(string(SideSender), variant).Set(float64(pacingRate))
	promFractionLoss.WithLabelValues(string(SideSender), variant).Set(float64(fractionLoss) / 255.0)
}

func RecordRemoteEstimate(side Side, variant string, bitrate int64) {
	if !initialized.Load() {
		return
	}

	promRemoteEstimate.WithLabelValues(string(side), variant).Set(float64(bitrate))
}

func RecordRTT(side Side, variant string, srtt time.Duration) {
	if !initialized.Load() {
		return
	}

	promSmoothedRTT.WithLabelValues(string(side), variant).Set(float64(srtt.Milliseconds()))
}

func RecordPacerQueue(variant string, queueTime time.Duration) {
	if !initialized.Load() {
		return
	}

	promPacerQueue.WithLabelValues(string(SideSender), variant).Set(float64(queueTime.Milliseconds()))
}
