package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

type signals struct {
	mu  sync.Mutex
	got []core.Signal
}

func (s *signals) add(sig core.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, sig)
}

func (s *signals) first(kind domain.SignalKind) (core.Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sig := range s.got {
		if sig.Kind == kind {
			return sig, true
		}
	}
	return core.Signal{}, false
}

func open(t *testing.T, initiator bool, local core.LocalStream) (*Connection, *signals) {
	t.Helper()
	conn, err := NewTransport(nil).CreateConnection(context.Background(), core.ConnectionOptions{
		Initiator: initiator,
		Local:     local,
		Remote:    "peer",
	})
	require.NoError(t, err)
	c := conn.(*Connection)
	t.Cleanup(c.Close)
	sig := &signals{}
	c.OnSignal(sig.add)
	return c, sig
}

func TestConnection_OfferAnswer(t *testing.T) {
	local, err := NewStream(core.MediaConstraints{Video: true, Audio: true})
	require.NoError(t, err)

	host, hostSig := open(t, true, local)
	require.NoError(t, host.Start(context.Background()))
	offer, ok := hostSig.first(domain.SignalOffer)
	require.True(t, ok, "initiator emits its offer from Start")

	var sdp struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	require.NoError(t, json.Unmarshal(offer.Data, &sdp))
	assert.Equal(t, "offer", sdp.Type)
	assert.True(t, strings.Contains(sdp.SDP, "m=video"))
	assert.True(t, strings.Contains(sdp.SDP, "m=audio"))

	guest, guestSig := open(t, false, nil)
	require.NoError(t, guest.Start(context.Background()))
	_, ok = guestSig.first(domain.SignalOffer)
	assert.False(t, ok, "responder never offers")

	require.NoError(t, guest.ApplySignal(offer))
	answer, ok := guestSig.first(domain.SignalAnswer)
	require.True(t, ok)
	require.NoError(t, host.ApplySignal(answer))
}

func TestConnection_HoldsEarlyCandidates(t *testing.T) {
	guest, _ := open(t, false, nil)
	require.NoError(t, guest.Start(context.Background()))

	cand := `{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host","sdpMid":"0","sdpMLineIndex":0}`
	require.NoError(t, guest.ApplySignal(core.Signal{Kind: domain.SignalICECandidate, Data: json.RawMessage(cand)}))
	assert.Equal(t, 1, guest.PendingCandidates())

	local, err := NewStream(core.MediaConstraints{Video: true})
	require.NoError(t, err)
	host, hostSig := open(t, true, local)
	require.NoError(t, host.Start(context.Background()))
	offer, ok := hostSig.first(domain.SignalOffer)
	require.True(t, ok)

	_ = guest.ApplySignal(offer)
	assert.Zero(t, guest.PendingCandidates())
}

func TestConnection_RejectsGarbage(t *testing.T) {
	c, _ := open(t, false, nil)
	require.NoError(t, c.Start(context.Background()))

	assert.Error(t, c.ApplySignal(core.Signal{Kind: domain.SignalOffer, Data: json.RawMessage(`"nope"`)}))
	assert.ErrorIs(t, c.ApplySignal(core.Signal{Kind: "bye", Data: json.RawMessage(`{}`)}), domain.ErrInvalidState)
}

type chanSource chan *rtp.Packet

func (c chanSource) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-c
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

type sinkSpy struct {
	mu   sync.Mutex
	seqs []uint16
	err  error
}

func (s *sinkSpy) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.seqs = append(s.seqs, pkt.SequenceNumber)
	return nil
}

func (s *sinkSpy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seqs)
}

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, PayloadType: 96}, Payload: []byte{1, 2, 3}}
}

func TestRemote_Forwarding(t *testing.T) {
	src := make(chanSource)
	r := NewRemote("remote-1")
	a, b, broken := &sinkSpy{}, &sinkSpy{}, &sinkSpy{err: errors.New("gone")}
	r.AddSink(KindVideo, "a", a)
	r.AddSink(KindVideo, "b", b)
	r.AddSink(KindVideo, "broken", broken)
	r.AddSource(context.Background(), KindVideo, src)

	src <- packet(1)
	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return r.SinkCount(KindVideo) == 2 }, time.Second, 5*time.Millisecond,
		"a failing sink is dropped")

	r.Mute(KindVideo, "b", true)
	src <- packet(2)
	require.Eventually(t, func() bool { return a.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.count())

	r.RemoveSink(KindVideo, "a")
	r.Mute(KindVideo, "b", false)
	src <- packet(3)
	require.Eventually(t, func() bool { return b.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, a.count())
	assert.Equal(t, []string{KindVideo}, r.Kinds())

	close(src)
	require.Eventually(t, func() bool {
		o, ok := r.sink(KindVideo, "b")
		return ok && o.State() == SinkDelete
	}, time.Second, 5*time.Millisecond)
}

func TestStream_Lifecycle(t *testing.T) {
	s, err := (&Devices{VideoAddr: "127.0.0.1:0"}).Acquire(context.Background(), core.MediaConstraints{Video: true})
	require.NoError(t, err)
	stream := s.(*Stream)
	assert.Len(t, stream.Tracks(), 1)
	require.NoError(t, stream.WriteRTP(KindVideo, packet(1)))
	assert.Error(t, stream.WriteRTP(KindAudio, packet(1)))

	stream.Stop()
	stream.Stop()
	assert.True(t, stream.Stopped())
	assert.Error(t, stream.WriteRTP(KindVideo, packet(2)))
}

func TestDevices_BadAddress(t *testing.T) {
	_, err := (&Devices{AudioAddr: "not-an-address"}).Acquire(context.Background(), core.MediaConstraints{Audio: true})
	assert.Error(t, err)
}
