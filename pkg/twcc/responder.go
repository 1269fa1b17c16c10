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
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/pion/interceptor/pkg/twcc"
	"github.com/pion/rtcp"
	"go.uber.org/zap/zapcore"
)

type ResponderConfig struct {
	ReportInterval            time.Duration `yaml:"report_interval,omitempty"`
	ReportIntervalAfterMarker time.Duration `yaml:"report_interval_after_marker,omitempty"`
	MaxPacketsHeld            int           `yaml:"max_packets_held,omitempty"`
	MinPacketsHeld            int           `yaml:"min_packets_held,omitempty"`
}

var (
	DefaultResponderConfig = ResponderConfig{
		ReportInterval:            100 * time.Millisecond,
		ReportIntervalAfterMarker: 50 * time.Millisecond,
		MaxPacketsHeld:            100,
	}
)

type ResponderParams struct {
	Config     ResponderConfig
	SenderSSRC uint32
	Logger     logger.Logger
}

// Responder records transport wide sequence numbers as they arrive and decides when
// a feedback report is due.
type Responder struct {
	params ResponderParams

	recorder *twcc.Recorder
	epoch    time.Time

	lastReport  time.Time
	numRecorded int
	numReports  int
}

func NewResponder(params ResponderParams) *Responder {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Config.ReportInterval <= 0 {
		params.Config.ReportInterval = DefaultResponderConfig.ReportInterval
	}
	if params.Config.ReportIntervalAfterMarker <= 0 {
		params.Config.ReportIntervalAfterMarker = DefaultResponderConfig.ReportIntervalAfterMarker
	}
	if params.Config.MaxPacketsHeld <= 0 {
		params.Config.MaxPacketsHeld = DefaultResponderConfig.MaxPacketsHeld
	}
	return &Responder{
		params:   params,
		recorder: twcc.NewRecorder(params.SenderSSRC),
	}
}

// Push records one arrival and returns any reports that became due.
func (r *Responder) Push(mediaSSRC uint32, sn uint16, arrival time.Time, marker bool) []*rtcp.TransportLayerCC {
	if r.epoch.IsZero() {
		r.epoch = arrival
	}
	if r.lastReport.IsZero() {
		r.lastReport = arrival
	}

	r.recorder.Record(mediaSSRC, sn, r.arrivalMicros(arrival))
	r.numRecorded++

	delta := arrival.Sub(r.lastReport)
	held := r.recorder.PacketsHeld()
	if held <= r.params.Config.MinPacketsHeld {
		return nil
	}
	if delta >= r.params.Config.ReportInterval ||
		held >= r.params.Config.MaxPacketsHeld ||
		(marker && delta >= r.params.Config.ReportIntervalAfterMarker) {
		return r.build(arrival)
	}

	return nil
}

// Flush builds a report for whatever is held, used on heartbeat.
func (r *Responder) Flush(now time.Time) []*rtcp.TransportLayerCC {
	if r.recorder.PacketsHeld() == 0 {
		return nil
	}
	return r.build(now)
}

func (r *Responder) PacketsHeld() int {
	return r.recorder.PacketsHeld()
}

func (r *Responder) NumReports() int {
	return r.numReports
}

func (r *Responder) build(now time.Time) []*rtcp.TransportLayerCC {
	r.lastReport = now

	var reports []*rtcp.TransportLayerCC
	for _, pkt := range r.recorder.BuildFeedbackPacket() {
		if tcc, ok := pkt.(*rtcp.TransportLayerCC); ok {
			reports = append(reports, tcc)
		}
	}
	r.numReports += len(reports)
	return reports
}

// the recorder keeps a 24 bit reference time in 64ms units, any fixed epoch works
func (r *Responder) arrivalMicros(arrival time.Time) int64 {
	return arrival.Sub(r.epoch).Microseconds()
}

func (r *Responder) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if r == nil {
		return nil
	}

	e.AddTime("lastReport", r.lastReport)
	e.AddInt("packetsHeld", r.recorder.PacketsHeld())
	e.AddInt("numRecorded", r.numRecorded)
	e.AddInt("numReports", r.numReports)
	return nil
}
