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


package interceptor

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/razor-cc/pkg/ccutils"
	"github.com/dTelecom/razor-cc/pkg/engine"
)

const (
	absSendTimeBits     = 24
	absSendTimeFraction = 18
)

type ReceiverInterceptorFactory struct {
	receiver *engine.Receiver
	logger   logger.Logger
}

// NewReceiverInterceptorFactory feeds incoming RTP to the given receiver and writes its
// feedback out as RTCP. The receiver must be created without a feedback sink.
func NewReceiverInterceptorFactory(receiver *engine.Receiver, logger logger.Logger) *ReceiverInterceptorFactory {
	return &ReceiverInterceptorFactory{
		receiver: receiver,
		logger:   logger,
	}
}

func (f *ReceiverInterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return &ReceiverInterceptor{
		receiver:     f.receiver,
		logger:       f.logger,
		rtpTimestamp: newRTPTimestampUnwrapper(),
		closed:       core.NewFuse(),
	}, nil
}

type ReceiverInterceptor struct {
	interceptor.NoOp

	receiver *engine.Receiver
	logger   logger.Logger

	writerOnce sync.Once

	lock         sync.Mutex
	absSendTime  absSendTimeUnwrapper
	rtpTimestamp *rtpTimestampUnwrapper

	closed core.Fuse
}

// BindRTCPWriter starts writing receiver feedback. Only the first writer is used.
func (r *ReceiverInterceptor) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	r.writerOnce.Do(func() {
		go r.writeWorker(writer)
	})
	return writer
}

func (r *ReceiverInterceptor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	transportWideExtID := getHeaderExtensionID(info.RTPHeaderExtensions, sdp.TransportCCURI)
	if transportWideExtID == 0 {
		return reader
	}
	absSendTimeExtID := getHeaderExtensionID(info.RTPHeaderExtensions, sdp.ABSSendTimeURI)
	clockRate := info.ClockRate
	r.receiver.TrackStream(info.SSRC)

	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attr, err := reader.Read(b, a)
		if err != nil {
			return 0, nil, err
		}

		if attr == nil {
			attr = make(interceptor.Attributes)
		}
		header, err := attr.GetRTPHeader(b[:n])
		if err != nil {
			return n, attr, nil
		}

		var tw rtp.TransportCCExtension
		if err := tw.Unmarshal(header.GetExtension(uint8(transportWideExtID))); err != nil {
			return n, attr, nil
		}

		var sendTime time.Duration
		switch {
		case absSendTimeExtID != 0 && header.GetExtension(uint8(absSendTimeExtID)) != nil:
			var abs rtp.AbsSendTimeExtension
			if err := abs.Unmarshal(header.GetExtension(uint8(absSendTimeExtID))); err != nil {
				return n, attr, nil
			}
			r.lock.Lock()
			sendTime = r.absSendTime.Unwrap(abs.Timestamp)
			r.lock.Unlock()

		case clockRate != 0:
			// capture time is the best available stand in
			r.lock.Lock()
			sendTime = r.rtpTimestamp.Unwrap(header.SSRC, header.Timestamp, clockRate)
			r.lock.Unlock()

		default:
			return n, attr, nil
		}

		r.receiver.TrackStream(header.SSRC)
		r.receiver.OnReceivedWithSendTime(tw.TransportSequence, sendTime, n, header.Marker)
		return n, attr, nil
	})
}

func (r *ReceiverInterceptor) UnbindRemoteStream(info *interceptor.StreamInfo) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.rtpTimestamp.Remove(info.SSRC)
}

func (r *ReceiverInterceptor) Close() error {
	r.closed.Break()
	return nil
}

func (r *ReceiverInterceptor) writeWorker(writer interceptor.RTCPWriter) {
	feedback := r.receiver.Feedback()
	for {
		select {
		case payload, ok := <-feedback:
			if !ok {
				return
			}

			pkts, err := rtcp.Unmarshal(payload)
			if err != nil {
				r.logger.Warnw("receiver interceptor: could not parse feedback", err)
				continue
			}
			if _, err := writer.Write(pkts, nil); err != nil {
				r.logger.Debugw("receiver interceptor: could not write feedback", "error", err)
			}

		case <-r.closed.Watch():
			return
		}
	}
}

// ------------------------------------------------

// absSendTimeUnwrapper extends the 24 bit, 6.18 fixed point abs-send-time which wraps every 64 seconds.
type absSendTimeUnwrapper struct {
	initialized bool
	last        uint64
	cycles      uint64
}

func (a *absSendTimeUnwrapper) Unwrap(timestamp uint64) time.Duration {
	timestamp &= 1<<absSendTimeBits - 1
	if !a.initialized {
		a.initialized = true
		a.last = timestamp
	}

	const half = 1 << (absSendTimeBits - 1)
	switch {
	case timestamp < a.last && a.last-timestamp > half:
		a.cycles++
	case timestamp > a.last && timestamp-a.last > half && a.cycles > 0:
		// reordered across a wrap
		extended := (a.cycles-1)<<absSendTimeBits | timestamp
		return fixedToDuration(extended)
	}
	a.last = timestamp

	return fixedToDuration(a.cycles<<absSendTimeBits | timestamp)
}

func fixedToDuration(v uint64) time.Duration {
	seconds := v >> absSendTimeFraction
	fraction := v & (1<<absSendTimeFraction - 1)
	return time.Duration(seconds)*time.Second + time.Duration(fraction*uint64(time.Second)>>absSendTimeFraction)
}

// rtpTimestampUnwrapper extends the 32 bit RTP timestamp of each stream so that send times
// keep increasing across a wrap. Times are relative, an offset of one cycle is kept.
type rtpTimestampUnwrapper struct {
	streams map[uint32]*ccutils.WrapAround[uint32, uint64]
}

func newRTPTimestampUnwrapper() *rtpTimestampUnwrapper {
	return &rtpTimestampUnwrapper{
		streams: make(map[uint32]*ccutils.WrapAround[uint32, uint64]),
	}
}

func (u *rtpTimestampUnwrapper) Unwrap(ssrc uint32, timestamp uint32, clockRate uint32) time.Duration {
	wrap, ok := u.streams[ssrc]
	if !ok {
		wrap = ccutils.NewWrapAround[uint32, uint64]()
		u.streams[ssrc] = wrap
	}
	extended := wrap.Update(timestamp).ExtendedVal

	rate := uint64(clockRate)
	return time.Duration(extended/rate)*time.Second + time.Duration(extended%rate*uint64(time.Second)/rate)
}

func (u *rtpTimestampUnwrapper) Remove(ssrc uint32) {
	delete(u.streams, ssrc)
}
