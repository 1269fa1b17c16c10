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

package twcc

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"
)

func countStatus(reports []*rtcp.TransportLayerCC) int {
	n := 0
	for _, r := range reports {
		n += int(r.PacketStatusCount)
	}
	return n
}

func TestResponderCadence(t *testing.T) {
	type arrival struct {
		sn      uint16
		offset  time.Duration
		marker  bool
		reports bool
	}
	tests := []struct {
		name     string
		arrivals []arrival
	}{
		{
			name: "interval",
			arrivals: []arrival{
				{sn: 1, offset: 0},
				{sn: 2, offset: 40 * time.Millisecond},
				{sn: 3, offset: 80 * time.Millisecond},
				{sn: 4, offset: 100 * time.Millisecond, reports: true},
				{sn: 5, offset: 150 * time.Millisecond},
			},
		},
		{
			name: "marker",
			arrivals: []arrival{
				{sn: 1, offset: 0},
				{sn: 2, offset: 30 * time.Millisecond, marker: true},
				{sn: 3, offset: 60 * time.Millisecond, marker: true, reports: true},
				{sn: 4, offset: 70 * time.Millisecond, marker: true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResponder(ResponderParams{Config: DefaultResponderConfig, SenderSSRC: 1})
			base := time.Unix(1000, 0)
			for _, a := range tt.arrivals {
				reports := r.Push(1234, a.sn, base.Add(a.offset), a.marker)
				if a.reports {
					require.NotEmpty(t, reports, "sn %d", a.sn)
					require.Equal(t, 0, r.PacketsHeld())
				} else {
					require.Empty(t, reports, "sn %d", a.sn)
				}
			}
		})
	}
}

func TestResponderMaxPacketsHeld(t *testing.T) {
	r := NewResponder(ResponderParams{Config: DefaultResponderConfig, SenderSSRC: 1})
	base := time.Unix(1000, 0)

	var reports []*rtcp.TransportLayerCC
	for i := 0; i < DefaultResponderConfig.MaxPacketsHeld; i++ {
		reports = r.Push(1234, uint16(i), base.Add(time.Duration(i)*100*time.Microsecond), false)
		if i < DefaultResponderConfig.MaxPacketsHeld-1 {
			require.Empty(t, reports)
		}
	}
	require.NotEmpty(t, reports)
	require.Equal(t, DefaultResponderConfig.MaxPacketsHeld, countStatus(reports))
	require.Equal(t, uint16(0), reports[0].BaseSequenceNumber)
}

func TestResponderFlush(t *testing.T) {
	r := NewResponder(ResponderParams{Config: DefaultResponderConfig, SenderSSRC: 1})
	base := time.Unix(1000, 0)

	require.Empty(t, r.Flush(base))

	r.Push(1234, 7, base, false)
	r.Push(1234, 9, base.Add(5*time.Millisecond), false)
	require.Equal(t, 2, r.PacketsHeld())

	reports := r.Flush(base.Add(10 * time.Millisecond))
	require.Len(t, reports, 1)
	require.Equal(t, uint16(7), reports[0].BaseSequenceNumber)
	require.Equal(t, uint16(3), reports[0].PacketStatusCount)
	require.Len(t, reports[0].RecvDeltas, 2)
	require.Equal(t, 1, r.NumReports())

	require.Empty(t, r.Flush(base.Add(20*time.Millisecond)))
}

func TestResponderMinPacketsHeld(t *testing.T) {
	config := DefaultResponderConfig
	config.MinPacketsHeld = 3
	r := NewResponder(ResponderParams{Config: config, SenderSSRC: 1})
	base := time.Unix(1000, 0)

	require.Empty(t, r.Push(1234, 1, base, false))
	require.Empty(t, r.Push(1234, 2, base.Add(200*time.Millisecond), false))
	require.Empty(t, r.Push(1234, 3, base.Add(300*time.Millisecond), false))
	require.NotEmpty(t, r.Push(1234, 4, base.Add(400*time.Millisecond), false))
}
