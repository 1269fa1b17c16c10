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

package sendsidebwe

import (
	"errors"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/pion/rtcp"
	"go.uber.org/zap/zapcore"

	"github.com/dTelecom/razor-cc/pkg/bwe"
)

// ------------------------------------------------------

const (
	cOutlierReportFactor            = 3
	cEstimatedFeedbackIntervalAlpha = float64(0.9)

	cReferenceTimeMask       = (1 << 24) - 1
	cReferenceTimeResolution = 64 // 64 ms
)

// ------------------------------------------------------

var (
	ErrFeedbackDeltasExhausted = errors.New("feedback report has fewer deltas than received symbols")
)

// remote receive times are expressed on this epoch, only differences between them matter
var remoteEpoch = time.Unix(0, 0)

// ------------------------------------------------------

type FeedbackAdapterParams struct {
	Tracker *PacketTracker
	Logger  logger.Logger
}

// FeedbackAdapter turns transport wide feedback reports into per packet results
// by matching them against the sender history.
type FeedbackAdapter struct {
	params FeedbackAdapterParams

	lastFeedbackTime          time.Time
	estimatedFeedbackInterval time.Duration
	numReports                int
	numReportsOutOfOrder      int
	numUnknownPackets         int

	highestFeedbackCount uint8

	cycles               int64
	highestReferenceTime uint32
}

func NewFeedbackAdapter(params FeedbackAdapterParams) *FeedbackAdapter {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &FeedbackAdapter{
		params: params,
	}
}

// OnTransportFeedback walks the report in sequence order. Results are returned in report order
// and only for packets that had no verdict yet, so an overlapping or repeated report adds nothing.
// Out-of-order reports are still applied, they only do not advance the feedback interval estimate.
func (f *FeedbackAdapter) OnTransportFeedback(report *rtcp.TransportLayerCC, at time.Time) ([]bwe.PacketResult, error) {
	recvRefTime, isOutOfOrder := f.processReferenceTime(report, at)
	if isOutOfOrder {
		f.params.Logger.Debugw(
			"feedback: out-of-order report",
			"fbPktCount", report.FbPktCount,
			"highestFeedbackCount", f.highestFeedbackCount,
		)
	}

	results := make([]bwe.PacketResult, 0, report.PacketStatusCount)
	sequenceNumber := report.BaseSequenceNumber
	endSequenceNumberExclusive := sequenceNumber + report.PacketStatusCount
	deltaIdx := 0
	var err error
	processSymbol := func(symbol uint16) {
		var recvTime time.Time
		if symbol != rtcp.TypeTCCPacketNotReceived {
			if deltaIdx >= len(report.RecvDeltas) {
				err = ErrFeedbackDeltasExhausted
				sequenceNumber++
				return
			}
			recvRefTime += report.RecvDeltas[deltaIdx].Delta
			deltaIdx++

			recvTime = remoteEpoch.Add(time.Duration(recvRefTime) * time.Microsecond)
		}

		esn := f.params.Tracker.ExtendSequenceNumber(sequenceNumber)
		if result, ok := f.params.Tracker.RecordPacketIndicationFromRemote(esn, recvTime); ok {
			results = append(results, result)
		} else {
			f.numUnknownPackets++
		}
		sequenceNumber++
	}
	for _, chunk := range report.PacketChunks {
		if sequenceNumber == endSequenceNumberExclusive {
			break
		}

		switch chunk := chunk.(type) {
		case *rtcp.RunLengthChunk:
			for i := uint16(0); i < chunk.RunLength; i++ {
				if sequenceNumber == endSequenceNumberExclusive {
					break
				}

				processSymbol(chunk.PacketStatusSymbol)
			}

		case *rtcp.StatusVectorChunk:
			for _, symbol := range chunk.SymbolList {
				if sequenceNumber == endSequenceNumberExclusive {
					break
				}

				processSymbol(symbol)
			}
		}
	}

	return results, err
}

// ValidateTransportFeedback checks that a report carries a delta for every received symbol
// without touching any state.
func ValidateTransportFeedback(report *rtcp.TransportLayerCC) error {
	remaining := int(report.PacketStatusCount)
	needed := 0
	for _, chunk := range report.PacketChunks {
		if remaining == 0 {
			break
		}

		switch chunk := chunk.(type) {
		case *rtcp.RunLengthChunk:
			n := min(int(chunk.RunLength), remaining)
			if chunk.PacketStatusSymbol != rtcp.TypeTCCPacketNotReceived {
				needed += n
			}
			remaining -= n

		case *rtcp.StatusVectorChunk:
			for _, symbol := range chunk.SymbolList {
				if remaining == 0 {
					break
				}
				if symbol != rtcp.TypeTCCPacketNotReceived {
					needed++
				}
				remaining--
			}
		}
	}

	if needed > len(report.RecvDeltas) {
		return ErrFeedbackDeltasExhausted
	}
	return nil
}

func (f *FeedbackAdapter) EstimatedFeedbackInterval() time.Duration {
	return f.estimatedFeedbackInterval
}

func (f *FeedbackAdapter) NumReports() int {
	return f.numReports
}

// processReferenceTime returns the unwrapped reference time of the report in microseconds.
func (f *FeedbackAdapter) processReferenceTime(report *rtcp.TransportLayerCC, at time.Time) (int64, bool) {
	f.numReports++
	if f.lastFeedbackTime.IsZero() {
		f.lastFeedbackTime = at
		f.highestReferenceTime = report.ReferenceTime
		f.highestFeedbackCount = report.FbPktCount
		return (f.cycles + int64(report.ReferenceTime)) * cReferenceTimeResolution * 1000, false
	}

	isOutOfOrder := false
	if (report.FbPktCount - f.highestFeedbackCount) > (1 << 7) {
		f.numReportsOutOfOrder++
		isOutOfOrder = true
	}

	// reference time wrap around handling
	var referenceTime int64
	if (report.ReferenceTime-f.highestReferenceTime)&cReferenceTimeMask < (1 << 23) {
		if report.ReferenceTime < f.highestReferenceTime {
			f.cycles += (1 << 24)
		}
		f.highestReferenceTime = report.ReferenceTime
		referenceTime = f.cycles + int64(report.ReferenceTime)
	} else {
		cycles := f.cycles
		if report.ReferenceTime > f.highestReferenceTime && cycles >= (1<<24) {
			cycles -= (1 << 24)
		}
		referenceTime = cycles + int64(report.ReferenceTime)
	}

	if !isOutOfOrder {
		sinceLast := at.Sub(f.lastFeedbackTime)
		if f.estimatedFeedbackInterval == 0 {
			f.estimatedFeedbackInterval = sinceLast
		} else {
			// filter out outliers from estimate
			if sinceLast > f.estimatedFeedbackInterval/cOutlierReportFactor && sinceLast < cOutlierReportFactor*f.estimatedFeedbackInterval {
				f.estimatedFeedbackInterval = time.Duration(cEstimatedFeedbackIntervalAlpha*float64(f.estimatedFeedbackInterval) + (1.0-cEstimatedFeedbackIntervalAlpha)*float64(sinceLast))
			}
		}
		f.lastFeedbackTime = at
		f.highestFeedbackCount = report.FbPktCount
	}

	return referenceTime * cReferenceTimeResolution * 1000, isOutOfOrder
}

func (f *FeedbackAdapter) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if f == nil {
		return nil
	}

	e.AddTime("lastFeedbackTime", f.lastFeedbackTime)
	e.AddDuration("estimatedFeedbackInterval", f.estimatedFeedbackInterval)
	e.AddInt("numReports", f.numReports)
	e.AddInt("numReportsOutOfOrder", f.numReportsOutOfOrder)
	e.AddInt("numUnknownPackets", f.numUnknownPackets)
	e.AddInt64("cycles", f.cycles/(1<<24))
	return nil
}
