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
	"fmt"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/zap/zapcore"
)

type PacketClass int

const (
	PacketClassRetransmission PacketClass = iota
	PacketClassMedia

	numPacketClasses
)

func (p PacketClass) String() string {
	switch p {
	case PacketClassRetransmission:
		return "RETRANSMISSION"
	case PacketClassMedia:
		return "MEDIA"
	default:
		return fmt.Sprintf("%d", int(p))
	}
}

// ------------------------------------------------

type Packet struct {
	ID               int64
	Size             int
	IsRetransmission bool
	EnqueueTime      time.Time
}

func (p Packet) Class() PacketClass {
	if p.IsRetransmission {
		return PacketClassRetransmission
	}
	return PacketClassMedia
}

func (p Packet) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddInt64("id", p.ID)
	e.AddInt("size", p.Size)
	e.AddBool("isRetransmission", p.IsRetransmission)
	e.AddTime("enqueueTime", p.EnqueueTime)
	return nil
}

// ------------------------------------------------

// PacketQueue keeps one FIFO per class. Retransmissions are always drained before media,
// order within a class is preserved.
type PacketQueue struct {
	classes [numPacketClasses]deque.Deque[Packet]
	bytes   int
}

func NewPacketQueue() *PacketQueue {
	return &PacketQueue{}
}

func (q *PacketQueue) Push(p Packet) {
	q.classes[p.Class()].PushBack(p)
	q.bytes += p.Size
}

func (q *PacketQueue) Peek() (Packet, bool) {
	for i := range q.classes {
		if q.classes[i].Len() != 0 {
			return q.classes[i].Front(), true
		}
	}
	return Packet{}, false
}

func (q *PacketQueue) Pop() (Packet, bool) {
	for i := range q.classes {
		if q.classes[i].Len() != 0 {
			p := q.classes[i].PopFront()
			q.bytes -= p.Size
			return p, true
		}
	}
	return Packet{}, false
}

func (q *PacketQueue) Len() int {
	n := 0
	for i := range q.classes {
		n += q.classes[i].Len()
	}
	return n
}

func (q *PacketQueue) LenClass(class PacketClass) int {
	return q.classes[class].Len()
}

func (q *PacketQueue) IsEmpty() bool {
	return q.Len() == 0
}

func (q *PacketQueue) Bytes() int {
	return q.bytes
}

// OldestEnqueueTime returns the zero time when the queue is empty.
func (q *PacketQueue) OldestEnqueueTime() time.Time {
	var oldest time.Time
	for i := range q.classes {
		if q.classes[i].Len() == 0 {
			continue
		}
		at := q.classes[i].Front().EnqueueTime
		if oldest.IsZero() || at.Before(oldest) {
			oldest = at
		}
	}
	return oldest
}

func (q *PacketQueue) Clear() {
	for i := range q.classes {
		q.classes[i].Clear()
	}
	q.bytes = 0
}

func (q *PacketQueue) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if q == nil {
		return nil
	}

	e.AddInt("retransmissions", q.classes[PacketClassRetransmission].Len())
	e.AddInt("media", q.classes[PacketClassMedia].Len())
	e.AddInt("bytes", q.bytes)
	e.AddTime("oldestEnqueueTime", q.OldestEnqueueTime())
	return nil
}
