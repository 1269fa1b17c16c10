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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	razorNamespace string = "razor"
)

type Side string

const (
	SideSender   Side = "sender"
	SideReceiver Side = "receiver"
)

var (
	initOnce    sync.Once
	initialized atomic.Bool

	promLabels = []string{"side", "variant"}
)

// Init registers the collectors with the default registry. Recording before Init is a no-op.
func Init(nodeID string) {
	initOnce.Do(func() {
		constLabels := prometheus.Labels{"node_id": nodeID}
		initEstimateStats(constLabels)
		initFeedbackStats(constLabels)
		initPacketStats(constLabels)

		initialized.Store(true)
	})
}

func IsInitialized() bool {
	return initialized.Load()
}
