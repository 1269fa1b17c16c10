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

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

var (
	promPacketLabels = []string{"direction", "paced"}

	promPacketTotal *prometheus.CounterVec
	promPacketBytes *prometheus.CounterVec
)

func initPacketStats(constLabels prometheus.Labels) {
	promPacketTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   razorNamespace,
		Subsystem:   "packet",
		Name:        "total",
		ConstLabels: constLabels,
	}, promPacketLabels)
	promPacketBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   razorNamespace,
		Subsystem:   "packet",
		Name:        "bytes",
		ConstLabels: constLabels,
	}, promPacketLabels)

	prometheus.MustRegister(promPacketTotal)
	prometheus.MustRegister(promPacketBytes)
}

func IncrementPackets(direction Direction, paced bool, count uint64, bytes uint64) {
	if !initialized.Load() {
		return
	}

	pacedLabel := "false"
	if paced {
		pacedLabel = "true"
	}
	promPacketTotal.WithLabelValues(string(direction), pacedLabel).Add(float64(count))
	promPacketBytes.WithLabelValues(string(direction), pacedLabel).Add(float64(bytes))
}
