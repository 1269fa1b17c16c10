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
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/razor-cc/pkg/engine"
)

type RegisterParams struct {
	// either may be nil
	Sender   *engine.Sender
	Receiver *engine.Receiver

	// also advertise goog-remb
	EnableREMB bool

	Logger logger.Logger
}

// Register negotiates the header extensions and feedback both ends need and adds
// the interceptors for whichever side is given.
func Register(m *webrtc.MediaEngine, r *interceptor.Registry, params RegisterParams) error {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	for _, codecType := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		for _, uri := range []string{sdp.TransportCCURI, sdp.ABSSendTimeURI} {
			if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: uri}, codecType); err != nil {
				return err
			}
		}
		m.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBTransportCC}, codecType)
		if params.EnableREMB {
			m.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBGoogREMB}, codecType)
		}
	}

	if params.Sender != nil {
		r.Add(NewSenderInterceptorFactory(params.Sender, params.Logger))
	}
	if params.Receiver != nil {
		r.Add(NewReceiverInterceptorFactory(params.Receiver, params.Logger))
	}
	return nil
}
