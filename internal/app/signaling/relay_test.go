package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/testutil"
)

type node struct {
	id        domain.ParticipantID
	relay     *Relay
	pub       *testutil.Recorder
	devices   *testutil.Devices
	transport *testutil.Transport
	cursor    int
}

func newNode(id domain.ParticipantID, host bool, counterparts ...domain.ParticipantID) *node {
	n := &node{id: id, pub: &testutil.Recorder{}, devices: &testutil.Devices{}, transport: &testutil.Transport{}}
	n.relay = NewRelay(Config{
		Self:         id,
		Host:         host,
		Devices:      n.devices,
		Transport:    n.transport,
		Publisher:    n.pub,
		Counterparts: func() []domain.ParticipantID { return counterparts },
	})
	return n
}

func dispatch(r *Relay, event string, payload []byte) {
	switch event {
	case core.EventSignalingOffer:
		r.OnOffer(payload)
	case core.EventSignalingAnswer:
		r.OnAnswer(payload)
	case core.EventSignalingICE:
		r.OnICE(payload)
	case core.EventCameraOn:
		r.OnCameraOn(payload)
	case core.EventCameraOff:
		r.OnCameraOff(payload)
	}
}

// deliver broadcasts every unseen event to the other nodes until nothing new is published.
func deliver(nodes ...*node) { deliverN(1, nodes...) }

// deliverN hands every event to each receiver times times, like an at-least-once channel.
func deliverN(times int, nodes ...*node) {
	for progressed := true; progressed; {
		progressed = false
		for _, from := range nodes {
			events := from.pub.Events()
			for ; from.cursor < len(events); from.cursor++ {
				progressed = true
				e := events[from.cursor]
				for _, to := range nodes {
					if to == from {
						continue
					}
					for range times {
						dispatch(to.relay, e.Event, e.Payload)
					}
				}
			}
		}
	}
}

func envelope(t *testing.T, kind domain.SignalKind, from, to domain.ParticipantID, payload string) []byte {
	t.Helper()
	b, err := json.Marshal(domain.SignalingEnvelope{Kind: kind, SenderID: from, TargetID: to, Payload: json.RawMessage(payload)})
	require.NoError(t, err)
	return b
}

func count(n *node, event string) int { return len(n.pub.Named(event)) }

func TestRelay_HostInitiatesAndPeerAutoAnswers(t *testing.T) {
	host := newNode("host", true, "peer")
	peer := newNode("peer", false, "host")

	require.NoError(t, host.relay.EnableCamera(context.Background()))
	deliver(host, peer)

	assert.True(t, peer.relay.CameraOn(), "offer should acquire the responder's camera")
	assert.Equal(t, 1, count(host, core.EventSignalingOffer))
	assert.Equal(t, 0, count(peer, core.EventSignalingOffer))
	assert.Equal(t, 1, count(peer, core.EventSignalingAnswer))

	hc := host.transport.Last("peer")
	pc := peer.transport.Last("host")
	require.NotNil(t, hc)
	require.NotNil(t, pc)
	assert.True(t, hc.Opts.Initiator)
	assert.False(t, pc.Opts.Initiator)
	assert.Len(t, host.transport.Conns(), 1)
	assert.Len(t, peer.transport.Conns(), 1)

	applied := hc.Applied()
	require.Len(t, applied, 1)
	assert.Equal(t, domain.SignalAnswer, applied[0].Kind)

	assert.Equal(t, Negotiating, host.relay.State("peer"))
	var streams []string
	host.relay.OnStream(func(_ domain.ParticipantID, rs core.RemoteStream) { streams = append(streams, rs.ID()) })
	hc.Connect()
	assert.Equal(t, Connected, host.relay.State("peer"))
	assert.Equal(t, []string{"remote-peer"}, streams)
	assert.True(t, host.relay.RemoteCameraOn("peer"))
}

func TestRelay_HostInitiatesWhenPeerCameraArrives(t *testing.T) {
	var counterparts []domain.ParticipantID
	host := newNode("host", true)
	host.relay.cfg.Counterparts = func() []domain.ParticipantID { return counterparts }
	peer := newNode("peer", false, "host")

	require.NoError(t, host.relay.EnableCamera(context.Background()))
	assert.Empty(t, host.transport.Conns())

	counterparts = []domain.ParticipantID{"peer"}
	require.NoError(t, peer.relay.EnableCamera(context.Background()))
	assert.Empty(t, peer.transport.Conns(), "a joiner never initiates")

	deliver(host, peer)
	require.NotNil(t, host.transport.Last("peer"))
	assert.True(t, host.transport.Last("peer").Opts.Initiator)
	require.NotNil(t, peer.transport.Last("host"))
}

func TestRelay_BuffersEarlyICE(t *testing.T) {
	peer := newNode("peer", false, "host")

	peer.relay.OnICE(envelope(t, domain.SignalICECandidate, "host", "peer", `{"candidate":"c1"}`))
	peer.relay.OnICE(envelope(t, domain.SignalICECandidate, "host", "peer", `{"candidate":"c2"}`))
	assert.Equal(t, 2, peer.relay.BufferedICE("host"))

	peer.relay.OnOffer(envelope(t, domain.SignalOffer, "host", "peer", `{"type":"offer"}`))

	conn := peer.transport.Last("host")
	require.NotNil(t, conn)
	applied := conn.Applied()
	require.Len(t, applied, 3)
	assert.Equal(t, domain.SignalOffer, applied[0].Kind)
	assert.JSONEq(t, `{"candidate":"c1"}`, string(applied[1].Data))
	assert.JSONEq(t, `{"candidate":"c2"}`, string(applied[2].Data))
	assert.Equal(t, 0, peer.relay.BufferedICE("host"))

	peer.relay.OnICE(envelope(t, domain.SignalICECandidate, "host", "peer", `{"candidate":"c3"}`))
	assert.Len(t, conn.Applied(), 4)
}

func TestRelay_CameraOffTearsDown(t *testing.T) {
	ctx := context.Background()
	host := newNode("host", true, "peer")
	peer := newNode("peer", false, "host")

	require.NoError(t, host.relay.EnableCamera(ctx))
	deliver(host, peer)
	hc := host.transport.Last("peer")
	pc := peer.transport.Last("host")

	require.NoError(t, peer.relay.DisableCamera(ctx))
	assert.True(t, pc.Closed())
	assert.True(t, peer.devices.Acquired()[0].Stopped())
	assert.False(t, peer.relay.CameraOn())
	assert.Equal(t, Idle, peer.relay.State("host"))

	deliver(host, peer)
	assert.True(t, hc.Closed())
	assert.Equal(t, Idle, host.relay.State("peer"))
	assert.False(t, host.relay.RemoteCameraOn("peer"))
	assert.True(t, host.relay.CameraOn())
}

func TestRelay_DeviceFailure(t *testing.T) {
	n := newNode("me", true, "them")
	n.devices.Err = errors.New("permission denied by user")
	var surfaced []error
	n.relay.OnError(func(err error) { surfaced = append(surfaced, err) })

	err := n.relay.EnableCamera(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMediaDevice)
	assert.False(t, n.relay.CameraOn())
	assert.Empty(t, n.pub.Events())
	require.Len(t, surfaced, 1)

	n.relay.OnOffer(envelope(t, domain.SignalOffer, "them", "me", `{"type":"offer"}`))
	assert.Empty(t, n.transport.Conns())
	assert.Len(t, surfaced, 2)
}

func TestRelay_IgnoresForeignAndMalformedEnvelopes(t *testing.T) {
	n := newNode("me", false, "host")
	require.NoError(t, n.relay.EnableCamera(context.Background()))

	n.relay.OnOffer(envelope(t, domain.SignalOffer, "host", "someone-else", `{"type":"offer"}`))
	n.relay.OnOffer(envelope(t, domain.SignalOffer, "me", "", `{"type":"offer"}`))
	n.relay.OnOffer(envelope(t, domain.SignalAnswer, "host", "me", `{"type":"answer"}`))
	n.relay.OnOffer([]byte(`{"kind":"offer"`))
	n.relay.OnAnswer(envelope(t, domain.SignalAnswer, "host", "me", `{"type":"answer"}`))
	assert.Empty(t, n.transport.Conns())

	n.relay.OnOffer(envelope(t, domain.SignalOffer, "host", "", `{"type":"offer"}`))
	assert.Len(t, n.transport.Conns(), 1)
}

func TestRelay_ConnectionErrorClosesPeer(t *testing.T) {
	host := newNode("host", true, "peer")
	require.NoError(t, host.relay.EnableCamera(context.Background()))
	conn := host.transport.Last("peer")
	require.NotNil(t, conn)

	var states []ConnState
	host.relay.OnState(func(_ domain.ParticipantID, s ConnState) { states = append(states, s) })
	conn.Fail(errors.New("ice failed"))

	assert.True(t, conn.Closed())
	assert.Equal(t, Idle, host.relay.State("peer"))
	assert.Equal(t, []ConnState{Closed}, states)
}

func TestRelay_ObserverCameraIsMuted(t *testing.T) {
	n := newNode("obs", false)
	n.relay.cfg.Observer = func() bool { return true }
	require.NoError(t, n.relay.EnableCamera(context.Background()))

	acquired := n.devices.Acquired()
	require.Len(t, acquired, 1)
	assert.True(t, acquired[0].Constraints.Video)
	assert.False(t, acquired[0].Constraints.Audio)

	var ev domain.CameraEvent
	require.NoError(t, json.Unmarshal(n.pub.Named(core.EventCameraOn)[0], &ev))
	assert.True(t, ev.Observer)
}

func TestRelay_ObserverRoleReadOnEachEnable(t *testing.T) {
	ctx := context.Background()
	observer := false
	n := newNode("me", true, "peer")
	n.relay.cfg.Observer = func() bool { return observer }

	require.NoError(t, n.relay.EnableCamera(ctx))
	require.NoError(t, n.relay.DisableCamera(ctx))
	require.Len(t, n.transport.Conns(), 1)

	observer = true
	require.NoError(t, n.relay.EnableCamera(ctx))
	acquired := n.devices.Acquired()
	require.Len(t, acquired, 2)
	assert.True(t, acquired[0].Constraints.Audio)
	assert.False(t, acquired[1].Constraints.Audio)
	assert.Len(t, n.transport.Conns(), 1, "an observer host does not initiate")

	var ev domain.CameraEvent
	ons := n.pub.Named(core.EventCameraOn)
	require.Len(t, ons, 2)
	require.NoError(t, json.Unmarshal(ons[1], &ev))
	assert.True(t, ev.Observer)
}

func TestRelay_HostSkipsObserverCamera(t *testing.T) {
	host := newNode("host", true)
	obs := newNode("obs", false, "host")
	obs.relay.cfg.Observer = func() bool { return true }

	require.NoError(t, host.relay.EnableCamera(context.Background()))
	require.NoError(t, obs.relay.EnableCamera(context.Background()))
	deliver(host, obs)

	assert.Empty(t, host.transport.Conns())
	assert.Equal(t, Idle, host.relay.State("obs"))
	assert.True(t, host.relay.RemoteCameraOn("obs"))
}

func TestRelay_DuplicateOfferKeepsLiveConnection(t *testing.T) {
	host := newNode("host", true, "peer")
	peer := newNode("peer", false, "host")

	require.NoError(t, host.relay.EnableCamera(context.Background()))
	deliver(host, peer)
	pc := peer.transport.Last("host")
	require.NotNil(t, pc)
	pc.Connect()
	require.Equal(t, Connected, peer.relay.State("host"))

	offers := host.pub.Named(core.EventSignalingOffer)
	require.Len(t, offers, 1)
	peer.relay.OnOffer(offers[0])

	assert.Len(t, peer.transport.Conns(), 1)
	assert.False(t, pc.Closed())
	assert.Equal(t, Connected, peer.relay.State("host"))
	assert.Equal(t, 1, count(peer, core.EventSignalingAnswer))
	assert.Len(t, pc.Applied(), 1)
}

func TestRelay_NewOfferRenegotiates(t *testing.T) {
	peer := newNode("peer", false, "host")
	peer.relay.OnOffer(envelope(t, domain.SignalOffer, "host", "peer", `{"type":"offer","sdp":"v1"}`))
	first := peer.transport.Last("host")
	require.NotNil(t, first)

	peer.relay.OnOffer(envelope(t, domain.SignalOffer, "host", "peer", `{"type":"offer","sdp":"v2"}`))
	assert.Len(t, peer.transport.Conns(), 2)
	assert.True(t, first.Closed())
	assert.Equal(t, Negotiating, peer.relay.State("host"))
}

func TestRelay_DuplicateAnswerIgnored(t *testing.T) {
	host := newNode("host", true, "peer")
	peer := newNode("peer", false, "host")
	var surfaced []error
	host.relay.OnError(func(err error) { surfaced = append(surfaced, err) })

	require.NoError(t, host.relay.EnableCamera(context.Background()))
	deliver(host, peer)
	hc := host.transport.Last("peer")
	require.NotNil(t, hc)

	answers := peer.pub.Named(core.EventSignalingAnswer)
	require.Len(t, answers, 1)
	host.relay.OnAnswer(answers[0])
	assert.Equal(t, Negotiating, host.relay.State("peer"))

	hc.Connect()
	host.relay.OnAnswer(answers[0])

	assert.False(t, hc.Closed())
	assert.Equal(t, Connected, host.relay.State("peer"))
	assert.Len(t, hc.Applied(), 1)
	assert.Empty(t, surfaced)
}

func TestRelay_ConvergesUnderDuplicateDelivery(t *testing.T) {
	host := newNode("host", true, "peer")
	peer := newNode("peer", false, "host")

	require.NoError(t, host.relay.EnableCamera(context.Background()))
	deliverN(2, host, peer)

	require.Len(t, host.transport.Conns(), 1)
	require.Len(t, peer.transport.Conns(), 1)
	hc, pc := host.transport.Last("peer"), peer.transport.Last("host")
	assert.False(t, hc.Closed())
	assert.False(t, pc.Closed())
	assert.Equal(t, 1, count(peer, core.EventSignalingAnswer))

	hc.Connect()
	pc.Connect()
	assert.Equal(t, Connected, host.relay.State("peer"))
	assert.Equal(t, Connected, peer.relay.State("host"))
}
