// Package signaling relays offer/answer/ICE envelopes between camera-enabled
// participants and owns their peer connections.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

type ConnState int

const (
	Idle ConnState = iota
	Negotiating
	Connected
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("conn(%d)", int(s))
	}
}

// maxBufferedICE bounds candidates kept per sender before a connection exists.
const maxBufferedICE = 64

type Config struct {
	Self domain.ParticipantID
	Host bool
	// Observer is read each time the camera turns on. Observers capture video
	// only and nobody initiates a connection with them.
	Observer  func() bool
	Devices   core.MediaDevices
	Transport core.MediaTransport
	Publisher core.Publisher
	// Counterparts lists the debaters the local participant streams with.
	Counterparts func() []domain.ParticipantID
}

type peer struct {
	id        domain.ParticipantID
	conn      core.MediaConnection
	initiator bool
	state     ConnState
	// remote is the applied offer (responder) or answer (initiator).
	remote json.RawMessage
}

// Relay keeps at most one connection per remote participant. Operations are
// serialized by opMu; connection callbacks only touch mu.
type Relay struct {
	cfg Config

	opMu sync.Mutex

	mu         sync.Mutex
	local      core.LocalStream
	peers      map[domain.ParticipantID]*peer
	remoteCams map[domain.ParticipantID]bool
	offers     map[domain.ParticipantID]domain.SignalingEnvelope
	ice        map[domain.ParticipantID][]json.RawMessage
	onState    []func(domain.ParticipantID, ConnState)
	onStream   []func(domain.ParticipantID, core.RemoteStream)
	onError    []func(error)
	onCamera   []func(domain.ParticipantID, bool)
}

func NewRelay(cfg Config) *Relay {
	if cfg.Counterparts == nil {
		cfg.Counterparts = func() []domain.ParticipantID { return nil }
	}
	if cfg.Observer == nil {
		cfg.Observer = func() bool { return false }
	}
	return &Relay{
		cfg:        cfg,
		peers:      make(map[domain.ParticipantID]*peer),
		remoteCams: make(map[domain.ParticipantID]bool),
		offers:     make(map[domain.ParticipantID]domain.SignalingEnvelope),
		ice:        make(map[domain.ParticipantID][]json.RawMessage),
	}
}

func (r *Relay) OnState(fn func(domain.ParticipantID, ConnState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onState = append(r.onState, fn)
}

func (r *Relay) OnStream(fn func(domain.ParticipantID, core.RemoteStream)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStream = append(r.onStream, fn)
}

func (r *Relay) OnError(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = append(r.onError, fn)
}

// OnCamera runs when a remote participant turns its camera on or off.
func (r *Relay) OnCamera(fn func(domain.ParticipantID, bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCamera = append(r.onCamera, fn)
}

func (r *Relay) CameraOn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local != nil
}

// RemoteCameraOn reports the last camera event seen from id.
func (r *Relay) RemoteCameraOn(id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remoteCams[id]
}

// State returns the connection state with remote; Idle when there is none.
func (r *Relay) State(remote domain.ParticipantID) ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[remote]; ok {
		return p.state
	}
	return Idle
}

// Peers lists remotes with an open connection.
func (r *Relay) Peers() []domain.ParticipantID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ParticipantID, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	return out
}

// EnableCamera acquires local media, announces it and starts negotiation where
// the local participant is the initiator. Buffered offers are answered.
func (r *Relay) EnableCamera(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.enableLocked(ctx)
}

func (r *Relay) enableLocked(ctx context.Context) error {
	if r.CameraOn() {
		return nil
	}
	observer := r.cfg.Observer()
	stream, err := r.cfg.Devices.Acquire(ctx, core.MediaConstraints{Video: true, Audio: !observer})
	if err != nil {
		err = fmt.Errorf("acquire camera: %w: %w", domain.ErrMediaDevice, err)
		log.Warn().Err(err).Str("module", "signaling").Str("participant", string(r.cfg.Self)).Msg("camera unavailable")
		r.mu.Lock()
		clear(r.offers)
		r.mu.Unlock()
		r.emitError(err)
		return err
	}

	r.mu.Lock()
	r.local = stream
	offers := make([]domain.SignalingEnvelope, 0, len(r.offers))
	for _, env := range r.offers {
		offers = append(offers, env)
	}
	clear(r.offers)
	r.mu.Unlock()

	log.Info().Str("module", "signaling").Str("participant", string(r.cfg.Self)).Msg("camera on")
	var errs []error
	ev := domain.CameraEvent{ParticipantID: r.cfg.Self, Observer: observer}
	if err := r.cfg.Publisher.Publish(ctx, core.EventCameraOn, ev); err != nil {
		errs = append(errs, fmt.Errorf("publish camera-on: %w: %w", domain.ErrTransient, err))
	}

	for _, env := range offers {
		if err := r.answer(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	if r.cfg.Host && !observer {
		for _, id := range r.cfg.Counterparts() {
			if id == r.cfg.Self || r.hasPeer(id) {
				continue
			}
			if err := r.initiate(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// DisableCamera tears every connection down and releases local media.
func (r *Relay) DisableCamera(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.local == nil {
		r.mu.Unlock()
		return nil
	}
	stream := r.local
	r.local = nil
	closing := r.detachAllLocked()
	clear(r.offers)
	clear(r.ice)
	r.mu.Unlock()

	r.closePeers(closing)
	stream.Stop()
	log.Info().Str("module", "signaling").Str("participant", string(r.cfg.Self)).Msg("camera off")

	ev := domain.CameraEvent{ParticipantID: r.cfg.Self, Observer: r.cfg.Observer()}
	if err := r.cfg.Publisher.Publish(ctx, core.EventCameraOff, ev); err != nil {
		return fmt.Errorf("publish camera-off: %w: %w", domain.ErrTransient, err)
	}
	return nil
}

// Close releases everything without announcing it.
func (r *Relay) Close() {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	stream := r.local
	r.local = nil
	closing := r.detachAllLocked()
	r.mu.Unlock()

	r.closePeers(closing)
	if stream != nil {
		stream.Stop()
	}
}

// OnCameraOn handles a remote camera-on. The host that already streams initiates.
func (r *Relay) OnCameraOn(payload []byte) {
	ev, ok := r.decodeCamera(payload)
	if !ok {
		return
	}
	r.notifyCamera(ev.ParticipantID, true)

	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	r.remoteCams[ev.ParticipantID] = true
	streaming := r.local != nil
	r.mu.Unlock()

	if !r.cfg.Host || !streaming || ev.Observer || r.hasPeer(ev.ParticipantID) {
		return
	}
	if err := r.initiate(context.Background(), ev.ParticipantID); err != nil {
		r.emitError(err)
	}
}

// OnCameraOff closes the connection with the sender.
func (r *Relay) OnCameraOff(payload []byte) {
	ev, ok := r.decodeCamera(payload)
	if !ok {
		return
	}
	r.Forget(ev.ParticipantID)
	r.notifyCamera(ev.ParticipantID, false)
}

// Forget drops all state about a participant that left the room.
func (r *Relay) Forget(id domain.ParticipantID) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	delete(r.remoteCams, id)
	delete(r.offers, id)
	delete(r.ice, id)
	p := r.detachLocked(id)
	r.mu.Unlock()
	if p != nil {
		r.closePeers([]*peer{p})
	}
}

// OnOffer answers an offer. Without local media the offer is held and the camera
// is acquired first. A redelivered offer that is already applied is ignored.
func (r *Relay) OnOffer(payload []byte) {
	env, ok := r.decode(payload, domain.SignalOffer)
	if !ok {
		return
	}
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if p := r.peers[env.SenderID]; p != nil && !p.initiator && bytes.Equal(p.remote, env.Payload) {
		r.mu.Unlock()
		log.Debug().Str("module", "signaling").Str("peer", string(env.SenderID)).Msg("duplicate offer ignored")
		return
	}
	r.mu.Unlock()

	if !r.CameraOn() {
		r.mu.Lock()
		r.offers[env.SenderID] = env
		r.mu.Unlock()
		log.Info().Str("module", "signaling").Str("peer", string(env.SenderID)).Msg("offer held until camera is on")
		// enableLocked answers the held offer and reports its own failure.
		if err := r.enableLocked(context.Background()); err != nil {
			log.Debug().Err(err).Str("module", "signaling").Str("peer", string(env.SenderID)).Msg("held offer not answered")
		}
		return
	}
	if err := r.answer(context.Background(), env); err != nil {
		r.emitError(err)
	}
}

// OnAnswer completes a negotiation the local participant started. Only the first
// answer is applied.
func (r *Relay) OnAnswer(payload []byte) {
	env, ok := r.decode(payload, domain.SignalAnswer)
	if !ok {
		return
	}
	r.mu.Lock()
	p := r.peers[env.SenderID]
	if p == nil || !p.initiator {
		r.mu.Unlock()
		log.Debug().Str("module", "signaling").Str("peer", string(env.SenderID)).Msg("answer without offer dropped")
		return
	}
	if p.state != Negotiating || p.remote != nil {
		r.mu.Unlock()
		log.Debug().Str("module", "signaling").Str("peer", string(env.SenderID)).Str("state", p.state.String()).Msg("duplicate answer ignored")
		return
	}
	p.remote = env.Payload
	r.mu.Unlock()
	if err := p.conn.ApplySignal(core.Signal{Kind: env.Kind, Data: env.Payload}); err != nil {
		r.fail(p, err)
	}
}

// OnICE applies a candidate, or buffers it until the connection exists.
func (r *Relay) OnICE(payload []byte) {
	env, ok := r.decode(payload, domain.SignalICECandidate)
	if !ok {
		return
	}
	r.mu.Lock()
	p := r.peers[env.SenderID]
	if p == nil {
		buf := r.ice[env.SenderID]
		if len(buf) < maxBufferedICE {
			r.ice[env.SenderID] = append(buf, env.Payload)
		}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	if err := p.conn.ApplySignal(core.Signal{Kind: env.Kind, Data: env.Payload}); err != nil {
		log.Warn().Err(err).Str("module", "signaling").Str("peer", string(env.SenderID)).Msg("ice candidate rejected")
	}
}

// BufferedICE reports candidates waiting for a connection with remote.
func (r *Relay) BufferedICE(remote domain.ParticipantID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ice[remote])
}

func (r *Relay) initiate(ctx context.Context, remote domain.ParticipantID) error {
	p, err := r.open(ctx, remote, true)
	if err != nil {
		return err
	}
	log.Info().Str("module", "signaling").Str("peer", string(remote)).Msg("initiating connection")
	if err := p.conn.Start(ctx); err != nil {
		r.fail(p, err)
		return fmt.Errorf("start connection: %w", err)
	}
	r.replayICE(p)
	return nil
}

func (r *Relay) answer(ctx context.Context, env domain.SignalingEnvelope) error {
	p, err := r.open(ctx, env.SenderID, false)
	if err != nil {
		return err
	}
	log.Info().Str("module", "signaling").Str("peer", string(env.SenderID)).Msg("answering offer")
	if err := p.conn.Start(ctx); err != nil {
		r.fail(p, err)
		return fmt.Errorf("start connection: %w", err)
	}
	r.mu.Lock()
	p.remote = env.Payload
	r.mu.Unlock()
	if err := p.conn.ApplySignal(core.Signal{Kind: env.Kind, Data: env.Payload}); err != nil {
		r.fail(p, err)
		return fmt.Errorf("apply offer: %w", err)
	}
	r.replayICE(p)
	return nil
}

// open replaces any previous connection with remote.
func (r *Relay) open(ctx context.Context, remote domain.ParticipantID, initiator bool) (*peer, error) {
	r.mu.Lock()
	old := r.detachLocked(remote)
	local := r.local
	r.mu.Unlock()
	if old != nil {
		r.closePeers([]*peer{old})
	}

	conn, err := r.cfg.Transport.CreateConnection(ctx, core.ConnectionOptions{Initiator: initiator, Local: local, Remote: remote})
	if err != nil {
		return nil, fmt.Errorf("create connection to %s: %w", remote, err)
	}
	p := &peer{id: remote, conn: conn, initiator: initiator, state: Negotiating}
	conn.OnSignal(func(s core.Signal) { r.relay(remote, s) })
	conn.OnConnect(func() { r.setState(p, Connected) })
	conn.OnStream(func(rs core.RemoteStream) { r.emitStream(remote, rs) })
	conn.OnError(func(err error) { r.fail(p, err) })

	r.mu.Lock()
	r.peers[remote] = p
	watchers := append([]func(domain.ParticipantID, ConnState){}, r.onState...)
	r.mu.Unlock()
	for _, fn := range watchers {
		fn(remote, Negotiating)
	}
	return p, nil
}

func (r *Relay) replayICE(p *peer) {
	r.mu.Lock()
	buf := r.ice[p.id]
	delete(r.ice, p.id)
	r.mu.Unlock()
	for _, c := range buf {
		if err := p.conn.ApplySignal(core.Signal{Kind: domain.SignalICECandidate, Data: c}); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("peer", string(p.id)).Msg("buffered ice candidate rejected")
		}
	}
}

// relay publishes a signal produced by the local connection.
func (r *Relay) relay(remote domain.ParticipantID, s core.Signal) {
	var event string
	switch s.Kind {
	case domain.SignalOffer:
		event = core.EventSignalingOffer
	case domain.SignalAnswer:
		event = core.EventSignalingAnswer
	case domain.SignalICECandidate:
		event = core.EventSignalingICE
	default:
		return
	}
	env := domain.SignalingEnvelope{Kind: s.Kind, SenderID: r.cfg.Self, TargetID: remote, Payload: s.Data}
	if err := r.cfg.Publisher.Publish(context.Background(), event, env); err != nil {
		log.Warn().Err(err).Str("module", "signaling").Str("peer", string(remote)).Str("kind", string(s.Kind)).Msg("signal not sent")
	}
}

func (r *Relay) hasPeer(id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[id]
	return ok
}

func (r *Relay) setState(p *peer, s ConnState) {
	r.mu.Lock()
	if r.peers[p.id] != p || p.state == s {
		r.mu.Unlock()
		return
	}
	p.state = s
	watchers := append([]func(domain.ParticipantID, ConnState){}, r.onState...)
	r.mu.Unlock()
	if s == Connected {
		log.Info().Str("module", "signaling").Str("peer", string(p.id)).Msg("peer connected")
	}
	for _, fn := range watchers {
		fn(p.id, s)
	}
}

func (r *Relay) fail(p *peer, err error) {
	log.Warn().Err(err).Str("module", "signaling").Str("peer", string(p.id)).Msg("peer connection failed")
	r.mu.Lock()
	owned := r.peers[p.id] == p
	if owned {
		delete(r.peers, p.id)
	}
	r.mu.Unlock()
	if owned {
		r.closePeers([]*peer{p})
	}
	r.emitError(err)
}

func (r *Relay) detachLocked(id domain.ParticipantID) *peer {
	p, ok := r.peers[id]
	if !ok {
		return nil
	}
	delete(r.peers, id)
	return p
}

func (r *Relay) detachAllLocked() []*peer {
	out := make([]*peer, 0, len(r.peers))
	for id, p := range r.peers {
		out = append(out, p)
		delete(r.peers, id)
	}
	return out
}

// closePeers must run without mu held.
func (r *Relay) closePeers(ps []*peer) {
	r.mu.Lock()
	for _, p := range ps {
		p.state = Closed
	}
	watchers := append([]func(domain.ParticipantID, ConnState){}, r.onState...)
	r.mu.Unlock()
	for _, p := range ps {
		p.conn.Close()
		for _, fn := range watchers {
			fn(p.id, Closed)
		}
	}
}

func (r *Relay) emitStream(remote domain.ParticipantID, rs core.RemoteStream) {
	r.mu.Lock()
	watchers := append([]func(domain.ParticipantID, core.RemoteStream){}, r.onStream...)
	r.mu.Unlock()
	for _, fn := range watchers {
		fn(remote, rs)
	}
}

func (r *Relay) notifyCamera(id domain.ParticipantID, on bool) {
	r.mu.Lock()
	watchers := append([]func(domain.ParticipantID, bool){}, r.onCamera...)
	r.mu.Unlock()
	for _, fn := range watchers {
		fn(id, on)
	}
}

func (r *Relay) emitError(err error) {
	r.mu.Lock()
	watchers := append([]func(error){}, r.onError...)
	r.mu.Unlock()
	for _, fn := range watchers {
		fn(err)
	}
}

func (r *Relay) decode(payload []byte, kind domain.SignalKind) (domain.SignalingEnvelope, bool) {
	var env domain.SignalingEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || !env.Valid() || env.Kind != kind {
		log.Warn().Err(err).Str("module", "signaling").Str("kind", string(kind)).Msg("bad signaling payload")
		return env, false
	}
	if env.SenderID == r.cfg.Self {
		return env, false
	}
	if env.TargetID != "" && env.TargetID != r.cfg.Self {
		return env, false
	}
	return env, true
}

func (r *Relay) decodeCamera(payload []byte) (domain.CameraEvent, bool) {
	var ev domain.CameraEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.ParticipantID == "" {
		log.Warn().Err(err).Str("module", "signaling").Msg("bad camera payload")
		return ev, false
	}
	return ev, ev.ParticipantID != r.cfg.Self
}
