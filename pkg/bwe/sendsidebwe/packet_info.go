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
	"time"

	"go.uber.org/zap/zapcore"
)

type packetStatus int

const (
	packetStatusInFlight packetStatus = iota
	packetStatusAcked
	packetStatusLost
)

func (p packetStatus) String() string {
	switch p {
	case packetStatusInFlight:
		return "IN_FLIGHT"
	case packetStatusAcked:
		return "ACKED"
	case packetStatusLost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

type packetInfo struct {
	valid          bool
	sequenceNumber uint64
	sendTime       time.Time
	recvTime       time.Time
	size           int
	isRTX          bool
	status         packetStatus
}

func (pi *packetInfo) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if pi == nil {
		return nil
	}

	e.AddUint64("sequenceNumber", pi.sequenceNumber)
	e.AddTime("sendTime", pi.sendTime)
	if !pi.recvTime.IsZero() {
		e.AddTime("recvTime", pi.recvTime)
	}
	e.AddInt("size", pi.size)
	e.AddBool("isRTX", pi.isRTX)
	e.AddString("status", pi.status.String())
	return nil
}
