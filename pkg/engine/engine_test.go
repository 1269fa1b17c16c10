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


package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"

	"github.com/dTelecom/razor-cc/pkg/bwe"
	"github.com/dTelecom/razor-cc/pkg/bwe/gcc"
	"github.com/dTelecom/razor-cc/pkg/feedback"
)

type packetCollector struct {
	lock    sync.Mutex
	packets []PacedPacket
}

func (p *packetCollector) SendPacket(pkt PacedPacket) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.packets = append(p.packets, pkt)
}

func (p *packetCollector) Packets() []PacedPacket {
	p.lock.Lock()
	defer p.lock.Unlock()

	return append([]PacedPacket(nil), p.packets...)
}

type feedbackCollector struct {
	payloads [][]byte
}

func (f *feedbackCollector) OnFeedback(payload []byte) {
	f.payloads = append(f.payloads, payload)
}

type changeCollector struct {
	changes []BitrateChange
}

func (c *changeCollector) OnBitrateChange(change BitrateChange) {
	c.changes = append(c.changes, change)
}

func newTestSender(t *testing.T, clk clock.Clock, sender PacketSender) *Sender {
	s, err := NewSender(SenderParams{
		Config:       DefaultSenderConfig,
		Variant:      bwe.VariantGCC,
		PacketSender: sender,
		Clock:        clk,
	})
	require.NoError(t, err)
	return s
}

func readChange(t *testing.T, ch <-chan BitrateChange) BitrateChange {
	select {
	case change, ok := <-ch:
		require.True(t, ok)
		return change
	case <-time.After(time.Second):
		require.FailNow(t, "no bitrate change")
	}
	return BitrateChange{}
}

// ------------------------------------------------

func TestBitrates(t *testing.T) {
	_, err := NewSender(SenderParams{
		Config: SenderConfig{
			Bitrates: BitratesConfig{Min: 0, Start: 100_000, Max: 1_000_000},
		},
		Clock: clock.NewMock(),
	})
	require.ErrorIs(t, err, ErrInvalidBitrates)

	_, err = NewReceiver(ReceiverParams{
		Config: ReceiverConfig{
			Bitrates: BitratesConfig{Min: 500_000, Start: 100_000, Max: 100_000},
		},
		Clock: clock.NewMock(),
	})
	require.ErrorIs(t, err, ErrInvalidBitrates)

	s := newTestSender(t, clock.NewMock(), nil)
	defer s.Close()
	require.Equal(t, DefaultBitratesConfig.Start, s.TargetBitrate())

	require.ErrorIs(t, s.SetBitrates(200_000, 100_000, 100_000), ErrInvalidBitrates)
	require.Equal(t, DefaultBitratesConfig.Start, s.TargetBitrate())

	// start below min is raised to min
	require.NoError(t, s.SetBitrates(100_000, 10_000, 1_000_000))
	require.Equal(t, int64(100_000), s.TargetBitrate())

	// and above max lowered to max
	require.NoError(t, s.SetBitrates(100_000, 5_000_000, 1_000_000))
	require.Equal(t, int64(1_000_000), s.TargetBitrate())
}

func TestSenderSequenceNumbers(t *testing.T) {
	clk := clock.NewMock()
	s, err := NewSender(SenderParams{
		Config:              DefaultSenderConfig,
		StartSequenceNumber: 65534,
		Clock:               clk,
	})
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.FirstTimestamp().IsZero())
	require.Equal(t, uint16(65534), s.OnSend(1000))
	require.Equal(t, uint16(65535), s.OnSend(1000))
	require.Equal(t, uint16(0), s.OnSend(1000))
	require.Equal(t, clk.Now(), s.FirstTimestamp())

	overhead := DefaultSenderConfig.HeaderOverhead
	require.Equal(t, 3*(1000+overhead), s.Stats().BytesInFlight)
}

func TestSenderPaced(t *testing.T) {
	clk := clock.NewMock()
	collector := &packetCollector{}
	s := newTestSender(t, clk, collector)
	defer s.Close()

	s.OnSend(500)
	s.AddPacket(1, 1000, false)
	s.AddPacket(2, 1000, true)
	s.Process()

	packets := collector.Packets()
	require.Len(t, packets, 2)

	// retransmissions leave first and sequence numbers follow send order
	require.Equal(t, int64(2), packets[0].ID)
	require.True(t, packets[0].IsRetransmission)
	require.Equal(t, uint16(1), packets[0].TransportSequenceNumber)
	require.Equal(t, int64(1), packets[1].ID)
	require.Equal(t, uint16(2), packets[1].TransportSequenceNumber)
	for _, p := range packets {
		require.Equal(t, 1000, p.Size)
		require.Equal(t, clk.Now(), p.SendTime)
	}

	overhead := DefaultSenderConfig.HeaderOverhead
	require.Equal(t, 2500+3*overhead, s.Stats().BytesInFlight)
	require.Zero(t, s.PacerQueueMs())
}

func TestSenderPacerWorker(t *testing.T) {
	clk := clock.NewMock()
	collector := &packetCollector{}
	s := newTestSender(t, clk, collector)
	s.Start()
	defer s.Close()

	s.AddPacket(1, 1000, false)
	require.Eventually(t, func() bool {
		clk.Add(DefaultSenderConfig.Pacer.Tick)
		return len(collector.Packets()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestFeedbackRoundTrip(t *testing.T) {
	clk := clock.NewMock()
	sink := &feedbackCollector{}

	receiverConfig := DefaultReceiverConfig
	receiverConfig.Bitrates.Start = 300_000
	r, err := NewReceiver(ReceiverParams{
		Config:       receiverConfig,
		SenderSSRC:   1,
		FeedbackSink: sink,
		Clock:        clk,
	})
	require.NoError(t, err)
	defer r.Close()
	r.TrackStream(0x1234)

	s := newTestSender(t, clk, nil)
	defer s.Close()

	for i := 0; i < 10; i++ {
		sn := s.OnSend(1000)
		require.Equal(t, uint16(i), sn)
		r.OnReceived(sn, clk.Now().UnixMilli(), 1000+DefaultSenderConfig.HeaderOverhead, false)
		clk.Add(5 * time.Millisecond)
	}
	require.Empty(t, sink.payloads)
	require.Equal(t, 10*(1000+DefaultSenderConfig.HeaderOverhead), s.Stats().BytesInFlight)

	r.Heartbeat()
	require.Len(t, sink.payloads, 1)

	msg, err := feedback.Unmarshal(sink.payloads[0])
	require.NoError(t, err)
	require.Len(t, msg.TransportFeedback, 1)
	require.Equal(t, uint16(10), msg.TransportFeedback[0].PacketStatusCount)
	require.NotNil(t, msg.REMB)
	require.Equal(t, []uint32{0x1234}, msg.REMB.SSRCs)
	require.NotNil(t, msg.Report)
	require.Zero(t, msg.Report.FractionLoss)

	require.NoError(t, s.OnFeedback(sink.payloads[0]))

	estimate := float64(r.Estimate())
	stats := s.Stats()
	require.Zero(t, stats.BytesInFlight)
	require.Equal(t, uint64(1), stats.NumFeedback)
	require.Zero(t, stats.NumFeedbackErrors)
	require.InDelta(t, estimate, float64(stats.RemoteEstimate), 0.01*estimate)
	require.InDelta(t, estimate, float64(stats.TargetBitrate), 0.01*estimate)

	// nothing new, only the estimate is due and not yet
	r.Heartbeat()
	require.Len(t, sink.payloads, 1)
}

func TestMalformedFeedback(t *testing.T) {
	clk := clock.NewMock()
	s := newTestSender(t, clk, nil)
	defer s.Close()

	s.OnSend(1000)
	s.OnSend(1000)
	before := s.Stats()

	require.Error(t, s.OnFeedback([]byte{0x8f, 0xcd, 0x00}))

	// two packets reported received with a single delta
	payload, err := (&feedback.Message{
		TransportFeedback: []*rtcp.TransportLayerCC{
			{
				SenderSSRC:         1,
				MediaSSRC:          2,
				BaseSequenceNumber: 0,
				PacketStatusCount:  2,
				PacketChunks: []rtcp.PacketStatusChunk{
					&rtcp.RunLengthChunk{
						PacketStatusSymbol: rtcp.TypeTCCPacketReceivedSmallDelta,
						RunLength:          2,
					},
				},
				RecvDeltas: []*rtcp.RecvDelta{
					{Type: rtcp.TypeTCCPacketReceivedSmallDelta, Delta: 1000},
				},
			},
		},
		Report: &feedback.BitrateReport{SenderSSRC: 1, Bitrate: 100_000},
	}).Marshal()
	require.NoError(t, err)
	require.Error(t, s.OnFeedback(payload))

	after := s.Stats()
	require.Equal(t, uint64(2), after.NumFeedbackErrors)
	require.Zero(t, after.NumFeedback)
	require.Equal(t, before.BytesInFlight, after.BytesInFlight)
	require.Equal(t, before.TargetBitrate, after.TargetBitrate)
	require.Zero(t, after.RemoteEstimate)
}

func TestRemoteReportOnly(t *testing.T) {
	clk := clock.NewMock()
	s := newTestSender(t, clk, nil)
	defer s.Close()

	payload, err := (&feedback.Message{
		Report: &feedback.BitrateReport{SenderSSRC: 1, Bitrate: 400_000},
	}).Marshal()
	require.NoError(t, err)
	require.NoError(t, s.OnFeedback(payload))

	stats := s.Stats()
	require.Equal(t, int64(400_000), stats.RemoteEstimate)
	require.Equal(t, int64(400_000), stats.TargetBitrate)
}

func TestSenderLossTimeout(t *testing.T) {
	clk := clock.NewMock()
	s := newTestSender(t, clk, nil)
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.OnSend(1000)
	}
	inFlight := 5 * (1000 + DefaultSenderConfig.HeaderOverhead)

	clk.Add(500 * time.Millisecond)
	s.Heartbeat()
	require.Equal(t, inFlight, s.Stats().BytesInFlight)

	clk.Add(600 * time.Millisecond)
	s.Heartbeat()
	require.Zero(t, s.Stats().BytesInFlight)
}

func TestSenderHeartbeatIdle(t *testing.T) {
	clk := clock.NewMock()
	sink := &feedbackCollector{}
	r, err := NewReceiver(ReceiverParams{
		Config:       DefaultReceiverConfig,
		SenderSSRC:   1,
		FeedbackSink: sink,
		Clock:        clk,
	})
	require.NoError(t, err)
	defer r.Close()

	s := newTestSender(t, clk, nil)
	defer s.Close()

	for i := 0; i < 10; i++ {
		sn := s.OnSend(1000)
		if sn != 3 && sn != 4 {
			r.OnReceived(sn, clk.Now().UnixMilli(), 1000+DefaultSenderConfig.HeaderOverhead, false)
		}
		clk.Add(5 * time.Millisecond)
	}
	r.Heartbeat()
	require.Len(t, sink.payloads, 1)
	require.NoError(t, s.OnFeedback(sink.payloads[0]))

	lossBased := s.Estimator().(*gcc.SendSideBWE).LossBased()
	before := s.Stats()
	loss := lossBased.Loss()
	require.Zero(t, before.BytesInFlight)
	require.NotZero(t, loss)

	// no new samples, only time passes
	for i := 0; i < 20; i++ {
		clk.Add(DefaultSenderConfig.HeartbeatInterval)
		s.Heartbeat()
	}
	after := s.Stats()
	require.Equal(t, before.TargetBitrate, after.TargetBitrate)
	require.Equal(t, before.PacingRate, after.PacingRate)
	require.Equal(t, before.FractionLoss, after.FractionLoss)
	require.Equal(t, before.NumChanges, after.NumChanges)
	require.Equal(t, loss, lossBased.Loss())
}

func TestBitrateChanges(t *testing.T) {
	t.Run("channel", func(t *testing.T) {
		s := newTestSender(t, clock.NewMock(), nil)
		ch := s.BitrateChanges()

		change := readChange(t, ch)
		require.Equal(t, uint32(DefaultBitratesConfig.Start), change.Bitrate)

		require.NoError(t, s.SetBitrates(32_000, 500_000, 2_000_000))
		require.Equal(t, uint32(500_000), readChange(t, ch).Bitrate)

		// same values, nothing to report
		require.NoError(t, s.SetBitrates(32_000, 500_000, 2_000_000))
		select {
		case change := <-ch:
			require.FailNow(t, "unexpected change", change.String())
		case <-time.After(50 * time.Millisecond):
		}
		require.Equal(t, uint64(2), s.Stats().NumChanges)

		s.Close()
		s.Close()
		require.Eventually(t, func() bool {
			select {
			case _, ok := <-ch:
				return !ok
			default:
				return false
			}
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("observer", func(t *testing.T) {
		observer := &changeCollector{}
		s, err := NewSender(SenderParams{
			Config:          DefaultSenderConfig,
			BitrateObserver: observer,
			Clock:           clock.NewMock(),
		})
		require.NoError(t, err)
		defer s.Close()

		require.Len(t, observer.changes, 1)
		require.NoError(t, s.SetBitrates(32_000, 500_000, 2_000_000))
		require.Len(t, observer.changes, 2)
		require.Equal(t, uint32(500_000), observer.changes[1].Bitrate)

		// first sample takes over the smoothed 100ms, a 10ms move is filtered
		s.UpdateRTT(110 * time.Millisecond)
		require.Len(t, observer.changes, 2)
		require.Equal(t, uint32(100), observer.changes[1].RTT)

		// smoothed to 133ms
		s.UpdateRTT(300 * time.Millisecond)
		require.Len(t, observer.changes, 3)
		require.Equal(t, uint32(133), observer.changes[2].RTT)
	})
}

type orderedObserver struct {
	lock    sync.Mutex
	changes []BitrateChange
}

func (o *orderedObserver) OnBitrateChange(change BitrateChange) {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.changes = append(o.changes, change)
}

func (o *orderedObserver) Changes() []BitrateChange {
	o.lock.Lock()
	defer o.lock.Unlock()

	return append([]BitrateChange(nil), o.changes...)
}

func TestBitrateChangesConcurrent(t *testing.T) {
	observer := &orderedObserver{}
	s, err := NewSender(SenderParams{
		Config:          DefaultSenderConfig,
		BitrateObserver: observer,
		Clock:           clock.NewMock(),
	})
	require.NoError(t, err)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				start := int64(200_000 + ((i+j)%8)*200_000)
				if err := s.SetBitrates(32_000, start, 2_000_000); err != nil {
					t.Error(err)
				}
			}
		}(i)
	}
	wg.Wait()

	changes := observer.Changes()
	require.Len(t, changes, int(s.Stats().NumChanges))
	require.Equal(t, uint32(s.TargetBitrate()), changes[len(changes)-1].Bitrate)
	for i := 1; i < len(changes); i++ {
		require.NotEqual(t, changes[i-1], changes[i])
	}
}

type reentrantObserver struct {
	sender  *Sender
	targets []int64
}

func (r *reentrantObserver) OnBitrateChange(change BitrateChange) {
	if r.sender == nil {
		return
	}

	r.targets = append(r.targets, r.sender.TargetBitrate())
	if len(r.targets) == 1 {
		_ = r.sender.SetBitrates(32_000, 300_000, 2_000_000)
	}
}

func TestBitrateObserverReentrant(t *testing.T) {
	observer := &reentrantObserver{}
	s, err := NewSender(SenderParams{
		Config:          DefaultSenderConfig,
		BitrateObserver: observer,
		Clock:           clock.NewMock(),
	})
	require.NoError(t, err)
	defer s.Close()
	observer.sender = s

	require.NoError(t, s.SetBitrates(32_000, 600_000, 2_000_000))
	require.Equal(t, []int64{600_000, 300_000}, observer.targets)
	require.Equal(t, int64(300_000), s.TargetBitrate())
}

func TestSenderLifecycle(t *testing.T) {
	clk := clock.NewMock()
	collector := &packetCollector{}
	s := newTestSender(t, clk, collector)
	ch := s.BitrateChanges()

	s.Start()
	s.Start()
	s.Close()
	s.Close()

	// a closed sender drops new work
	s.AddPacket(1, 1000, false)
	s.Heartbeat()
	clk.Add(time.Second)
	require.Empty(t, collector.Packets())

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	// never started
	s = newTestSender(t, clk, nil)
	s.Close()
	s.Start()
	s.Close()
}

func TestChangeFilter(t *testing.T) {
	c := newChangeFilter(DefaultBitrateChangeConfig)

	require.True(t, c.Update(BitrateChange{Bitrate: 1_000_000}))
	require.False(t, c.Update(BitrateChange{Bitrate: 1_000_000}))
	require.False(t, c.Update(BitrateChange{Bitrate: 1_009_000}))
	require.True(t, c.Update(BitrateChange{Bitrate: 1_011_000}))

	// below the absolute floor
	c = newChangeFilter(DefaultBitrateChangeConfig)
	require.True(t, c.Update(BitrateChange{Bitrate: 100_000}))
	require.False(t, c.Update(BitrateChange{Bitrate: 104_000}))
	require.True(t, c.Update(BitrateChange{Bitrate: 106_000}))

	require.False(t, c.Update(BitrateChange{Bitrate: 106_000, FractionLoss: 4}))
	require.True(t, c.Update(BitrateChange{Bitrate: 106_000, FractionLoss: 5}))
	require.False(t, c.Update(BitrateChange{Bitrate: 106_000, FractionLoss: 5, RTT: 19}))
	require.True(t, c.Update(BitrateChange{Bitrate: 106_000, FractionLoss: 5, RTT: 20}))

	last, ok := c.Last()
	require.True(t, ok)
	require.Equal(t, BitrateChange{Bitrate: 106_000, FractionLoss: 5, RTT: 20}, last)
}

// ------------------------------------------------

func TestReceiverREMB(t *testing.T) {
	clk := clock.NewMock()
	sink := &feedbackCollector{}
	r, err := NewReceiver(ReceiverParams{
		Config:       DefaultReceiverConfig,
		SenderSSRC:   1,
		FeedbackSink: sink,
		Clock:        clk,
	})
	require.NoError(t, err)
	defer r.Close()

	// nothing received, nothing to say
	r.Heartbeat()
	require.Empty(t, sink.payloads)

	r.TrackStream(0xa)
	r.TrackStream(0xb)
	r.OnReceived(100, 0, 1200, false)
	r.Heartbeat()
	require.Len(t, sink.payloads, 1)

	msg, err := feedback.Unmarshal(sink.payloads[0])
	require.NoError(t, err)
	require.NotNil(t, msg.REMB)
	require.ElementsMatch(t, []uint32{0xa, 0xb}, msg.REMB.SSRCs)
	require.Equal(t, uint32(1), msg.REMB.SenderSSRC)
	require.Equal(t, uint64(1), r.Stats().NumREMB)

	r.EnableREMB(false)
	r.OnReceived(101, 5, 1200, false)
	clk.Add(DefaultReceiverConfig.REMBInterval)
	r.Heartbeat()
	require.Len(t, sink.payloads, 2)

	msg, err = feedback.Unmarshal(sink.payloads[1])
	require.NoError(t, err)
	require.Nil(t, msg.REMB)
	require.NotNil(t, msg.Report)
	require.Len(t, msg.TransportFeedback, 1)
	require.Equal(t, uint64(1), r.Stats().NumREMB)
}

func TestReceiverFractionLoss(t *testing.T) {
	clk := clock.NewMock()
	sink := &feedbackCollector{}
	r, err := NewReceiver(ReceiverParams{
		Config:       DefaultReceiverConfig,
		FeedbackSink: sink,
		Clock:        clk,
	})
	require.NoError(t, err)
	defer r.Close()

	for _, sn := range []uint16{100, 101, 103} {
		r.OnReceived(sn, clk.Now().UnixMilli(), 1200, false)
		clk.Add(10 * time.Millisecond)
	}
	r.Heartbeat()
	require.Len(t, sink.payloads, 1)

	msg, err := feedback.Unmarshal(sink.payloads[0])
	require.NoError(t, err)
	require.NotNil(t, msg.Report)
	// one of four
	require.Equal(t, uint8(64), msg.Report.FractionLoss)
	require.Equal(t, uint8(64), r.Stats().FractionLoss)
}

func TestReceiverStreamExpiry(t *testing.T) {
	clk := clock.NewMock()
	r, err := NewReceiver(ReceiverParams{
		Config: DefaultReceiverConfig,
		Clock:  clk,
	})
	require.NoError(t, err)
	defer r.Close()

	r.TrackStream(0xa)
	clk.Add(DefaultReceiverConfig.StreamTimeout / 2)
	r.TrackStream(0xb)
	require.Equal(t, 2, r.Stats().NumStreams)

	clk.Add(DefaultReceiverConfig.StreamTimeout/2 + time.Millisecond)
	r.Heartbeat()
	require.Equal(t, 1, r.Stats().NumStreams)
}

func TestReceiverChannel(t *testing.T) {
	clk := clock.NewMock()
	r, err := NewReceiver(ReceiverParams{
		Config: DefaultReceiverConfig,
		Clock:  clk,
	})
	require.NoError(t, err)

	r.OnReceived(1, 0, 1200, false)
	r.Heartbeat()

	select {
	case payload := <-r.Feedback():
		msg, err := feedback.Unmarshal(payload)
		require.NoError(t, err)
		require.False(t, msg.IsEmpty())
	case <-time.After(time.Second):
		require.FailNow(t, "no feedback")
	}

	r.Close()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-r.Feedback():
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestReceiverLifecycle(t *testing.T) {
	clk := clock.NewMock()
	sink := &feedbackCollector{}
	config := DefaultReceiverConfig
	config.HeartbeatInterval = 50 * time.Millisecond
	r, err := NewReceiver(ReceiverParams{
		Config:       config,
		FeedbackSink: sink,
		Clock:        clk,
	})
	require.NoError(t, err)

	r.Start()
	r.Start()
	r.Close()
	r.Close()

	r.OnReceived(1, 0, 1200, false)
	r.Heartbeat()
	clk.Add(time.Second)
	require.Empty(t, sink.payloads)
	require.Zero(t, r.Stats().NumFeedback)

	_, ok := <-r.Feedback()
	require.False(t, ok)
}
