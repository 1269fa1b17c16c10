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
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/razor-cc/pkg/engine"
)

type SenderInterceptorFactory struct {
	sender *engine.Sender
	logger logger.Logger
}

// NewSenderInterceptorFactory stamps outgoing RTP for the given sender and hands it incoming RTCP.
func NewSenderInterceptorFactory(sender *engine.Sender, logger logger.Logger) *SenderInterceptorFactory {
	return &SenderInterceptorFactory{
		sender: sender,
		logger: logger,
	}
}

func (f *SenderInterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return &SenderInterceptor{
		sender: f.sender,
		logger: f.logger,
	}, nil
}

type SenderInterceptor struct {
	interceptor.NoOp

	sender *engine.Sender
	logger logger.Logger
}

// BindRTCPReader passes every incoming RTCP batch to the sender. Batches it cannot
// parse are still handed on to the application.
func (s *SenderInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attr, err := reader.Read(b, a)
		if err != nil {
			return 0, nil, err
		}

		if err := s.sender.OnFeedback(b[:n]); err != nil {
			s.logger.Debugw("sender interceptor: feedback not applied", "error", err)
		}
		return n, attr, nil
	})
}

func (s *SenderInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	transportWideExtID := getHeaderExtensionID(info.RTPHeaderExtensions, sdp.TransportCCURI)
	if transportWideExtID == 0 {
		return writer
	}
	absSendTimeExtID := getHeaderExtensionID(info.RTPHeaderExtensions, sdp.ABSSendTimeURI)
	s.logger.Debugw(
		"sender interceptor: bound local stream",
		"ssrc", info.SSRC,
		"transportWideExtID", transportWideExtID,
		"absSendTimeExtID", absSendTimeExtID,
	)

	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		if absSendTimeExtID != 0 {
			sendTime, err := rtp.NewAbsSendTimeExtension(time.Now()).Marshal()
			if err != nil {
				return 0, err
			}
			if err := header.SetExtension(uint8(absSendTimeExtID), sendTime); err != nil {
				return 0, err
			}
		}

		// placeholder so the recorded size includes the extension
		if err := setTransportSequence(header, uint8(transportWideExtID), 0); err != nil {
			return 0, err
		}
		sn := s.sender.OnSend(header.MarshalSize() + len(payload))
		if err := setTransportSequence(header, uint8(transportWideExtID), sn); err != nil {
			return 0, err
		}

		return writer.Write(header, payload, attributes)
	})
}

func setTransportSequence(header *rtp.Header, id uint8, sn uint16) error {
	tw, err := (&rtp.TransportCCExtension{TransportSequence: sn}).Marshal()
	if err != nil {
		return err
	}
	return header.SetExtension(id, tw)
}

func getHeaderExtensionID(extensions []interceptor.RTPHeaderExtension, uri string) int {
	for _, h := range extensions {
		if h.URI == uri {
			return h.ID
		}
	}
	return 0
}
