// Package session is the top-level room lifecycle: it joins a room topic and wires
// presence, roles, the message log, turns, end consensus and signaling together.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/app/consensus"
	"github.com/dkeye/Debate/internal/app/discovery"
	"github.com/dkeye/Debate/internal/app/messagelog"
	"github.com/dkeye/Debate/internal/app/presence"
	"github.com/dkeye/Debate/internal/app/roles"
	"github.com/dkeye/Debate/internal/app/signaling"
	"github.com/dkeye/Debate/internal/app/turn"
	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

// TagHumanVsHuman marks records of debates between people.
const TagHumanVsHuman = "human-vs-human"

// Deps are the collaborators a session consumes. Devices, Transport and Archive
// are optional.
type Deps struct {
	Channel   core.Channel
	Devices   core.MediaDevices
	Transport core.MediaTransport
	Archive   core.Archive
	Clock     core.Clock
}

type Options struct {
	JoinTimeout       time.Duration
	TurnTimeout       time.Duration
	EndRequestTimeout time.Duration
	Rounds1v1         int
	Rounds3v3         int
}

func DefaultOptions() Options {
	return Options{
		JoinTimeout:       5 * time.Second,
		TurnTimeout:       120 * time.Second,
		EndRequestTimeout: 120 * time.Second,
		Rounds1v1:         3,
		Rounds3v3:         6,
	}
}

func (o Options) rounds(f domain.Format) int {
	switch f {
	case domain.Format1v1:
		return o.Rounds1v1
	case domain.Format3v3:
		return o.Rounds3v3
	default:
		return 0
	}
}

type CreateParams struct {
	Topic    string
	Format   domain.Format
	HostName string
}

type Session struct {
	deps     Deps
	opts     Options
	recordID string
	host     bool

	sub       core.Subscription
	registry  *presence.Registry
	roles     *roles.Assignment
	log       *messagelog.Log
	turns     *turn.Coordinator
	end       *consensus.Handshake
	relay     *signaling.Relay
	responder *discovery.Responder

	mu       sync.RWMutex
	room     domain.Room
	left     bool
	onPhase  []func(domain.Phase)
	onNotice []func(error)
}

// Create opens a new room with the caller as host.
func Create(ctx context.Context, deps Deps, opts Options, p CreateParams) (*Session, error) {
	if p.Format == "" {
		p.Format = domain.FormatFree
	}
	if _, ok := domain.ParseFormat(string(p.Format)); !ok {
		return nil, fmt.Errorf("format %q: %w", p.Format, domain.ErrInvalidState)
	}
	clock := clockOf(deps)
	self, err := domain.NewParticipant(p.HostName, clock.Now())
	if err != nil {
		return nil, err
	}
	room := domain.Room{
		ID:        domain.NewRoomID(),
		Topic:     p.Topic,
		Format:    p.Format,
		HostID:    self.ID,
		HostName:  self.DisplayName,
		Phase:     domain.PhaseWaiting,
		CreatedAt: clock.Now(),
	}
	sub, err := deps.Channel.Subscribe(ctx, room.ID.Topic(), self.ID)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w: %w", room.ID, domain.ErrTransient, err)
	}
	s := build(deps, opts, sub, room, *self)
	if err := s.register(ctx); err != nil {
		return s, err
	}
	log.Info().Str("module", "session").Str("room", string(room.ID)).Str("format", string(room.Format)).Msg("room created")
	return s, nil
}

// Join resolves roomID through the host and enters the room.
// domain.ErrRoomNotFound means nobody answered in time.
func Join(ctx context.Context, deps Deps, opts Options, roomID domain.RoomID, name string) (*Session, error) {
	clock := clockOf(deps)
	self, err := domain.NewParticipant(name, clock.Now())
	if err != nil {
		return nil, err
	}
	sub, err := deps.Channel.Subscribe(ctx, roomID.Topic(), self.ID)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w: %w", roomID, domain.ErrTransient, err)
	}
	lookup := discovery.NewClient(sub, clock, opts.JoinTimeout)
	sub.On(core.EventRoomInfo, lookup.OnReply)

	reply, err := lookup.Lookup(ctx, *self)
	if err != nil {
		sub.Close()
		log.Info().Err(err).Str("module", "session").Str("room", string(roomID)).Msg("join failed")
		return nil, fmt.Errorf("join %s: %w", roomID, err)
	}
	room := reply.Room()
	room.ID = roomID

	s := build(deps, opts, sub, room, *self)
	if err := s.register(ctx); err != nil {
		return s, err
	}
	log.Info().Str("module", "session").Str("room", string(roomID)).Str("host", room.HostName).Msg("room joined")
	return s, nil
}

func clockOf(deps Deps) core.Clock {
	if deps.Clock == nil {
		return core.RealClock()
	}
	return deps.Clock
}

func build(deps Deps, opts Options, sub core.Subscription, room domain.Room, self domain.Participant) *Session {
	clock := clockOf(deps)
	deps.Clock = clock
	s := &Session{
		deps:     deps,
		opts:     opts,
		recordID: domain.NewRecordID(),
		host:     room.HostID == self.ID,
		sub:      sub,
		room:     room,
	}
	s.registry = presence.NewRegistry(self.ID, sub, clock)
	s.roles = roles.NewAssignment(self, s.registry, sub)
	s.log = messagelog.New(room.ID, s.roles, sub, clock)
	if room.Format.Structured() {
		s.turns = turn.NewCoordinator(self.ID, turn.Config{
			MaxRounds:    opts.rounds(room.Format),
			ReplyTimeout: opts.TurnTimeout,
			Side:         s.selfSide,
		}, clock, s.nextSpeaker)
		s.turns.OnNotice(s.notice)
		s.turns.OnEnded(s.onTurnsEnded)
	}
	s.end = consensus.New(self.ID, sub, clock, opts.EndRequestTimeout, s.registry.OpponentConnected)
	s.end.OnNotice(s.notice)
	s.end.OnComplete(s.complete)

	if deps.Devices != nil && deps.Transport != nil {
		s.relay = signaling.NewRelay(signaling.Config{
			Self:         self.ID,
			Host:         s.host,
			Observer:     s.videoOnly,
			Devices:      deps.Devices,
			Transport:    deps.Transport,
			Publisher:    sub,
			Counterparts: s.counterpartIDs,
		})
		s.relay.OnError(s.notice)
		s.relay.OnCamera(s.registry.ApplyCamera)
		s.registry.Watch(s.forgetDeparted)
	}
	if s.host {
		s.responder = discovery.NewResponder(sub, s.Room)
	}
	return s
}

// register installs channel handlers, then announces presence.
func (s *Session) register(ctx context.Context) error {
	s.sub.OnPresence(s.registry.HandlePresence)
	s.sub.On(core.EventDebateMessage, s.onMessage)
	s.sub.On(core.EventSelectRole, s.roles.OnRemoteRoleChanged)
	s.sub.On(core.EventEndRequest, s.end.OnPeerRequest)
	s.sub.On(core.EventEndApprove, s.end.OnPeerApproved)
	if s.relay != nil {
		s.sub.On(core.EventSignalingOffer, s.relay.OnOffer)
		s.sub.On(core.EventSignalingAnswer, s.relay.OnAnswer)
		s.sub.On(core.EventSignalingICE, s.relay.OnICE)
		s.sub.On(core.EventCameraOn, s.relay.OnCameraOn)
		s.sub.On(core.EventCameraOff, s.relay.OnCameraOff)
	}
	if s.responder != nil {
		s.sub.On(core.EventRequestRoomInfo, s.responder.OnRequest)
	}
	if snap := s.sub.Snapshot(); len(snap) > 0 {
		s.registry.OnSync(snap)
	}
	if s.deps.Archive != nil {
		s.deps.Archive.Checkpoint(s)
	}
	return s.registry.SelfRegister(ctx, s.roles.Self())
}

func (s *Session) Room() domain.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

func (s *Session) Phase() domain.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room.Phase
}

func (s *Session) IsHost() bool { return s.host }

func (s *Session) Self() domain.Participant { return s.roles.Self() }

func (s *Session) Participants() []domain.Participant { return s.registry.Participants() }

func (s *Session) OpponentConnected() bool { return s.registry.OpponentConnected() }

func (s *Session) Messages() []domain.Message { return s.log.Messages() }

// TurnState is WaitingToStart for free-format rooms.
func (s *Session) TurnState() turn.State {
	if s.turns == nil {
		return turn.WaitingToStart
	}
	return s.turns.State()
}

// Round is the current 1-based round of a structured debate, 0 otherwise.
func (s *Session) Round() int {
	if s.turns == nil {
		return 0
	}
	return s.turns.Rounds() + 1
}

func (s *Session) EndState() consensus.State { return s.end.State() }

func (s *Session) OnMessage(fn func(domain.Message)) { s.log.Watch(fn) }

func (s *Session) OnRoster(fn func(presence.Snapshot)) { s.registry.Watch(fn) }

func (s *Session) OnTurn(fn func(turn.State)) {
	if s.turns != nil {
		s.turns.OnState(fn)
	}
}

func (s *Session) OnEnd(fn func(consensus.State)) { s.end.OnState(fn) }

func (s *Session) OnPhase(fn func(domain.Phase)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPhase = append(s.onPhase, fn)
}

// OnNotice receives dismissible notices: timeouts, turn conflicts, media failures.
func (s *Session) OnNotice(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNotice = append(s.onNotice, fn)
}

func (s *Session) OnStream(fn func(domain.ParticipantID, core.RemoteStream)) {
	if s.relay != nil {
		s.relay.OnStream(fn)
	}
}

// Start moves the room from waiting to active on this replica. The creator takes
// the first turn of a structured debate.
func (s *Session) Start() error {
	s.mu.Lock()
	switch s.room.Phase {
	case domain.PhaseActive:
		s.mu.Unlock()
		return nil
	case domain.PhaseCompleted:
		s.mu.Unlock()
		return domain.ErrSessionCompleted
	}
	s.room.Phase = domain.PhaseActive
	watchers := slices.Clone(s.onPhase)
	s.mu.Unlock()

	if s.turns != nil {
		s.turns.Start(s.host)
	}
	log.Info().Str("module", "session").Str("room", string(s.room.ID)).Msg("debate started")
	for _, fn := range watchers {
		fn(domain.PhaseActive)
	}
	return nil
}

// Send authors a message. Debaters in a structured room must hold the turn.
func (s *Session) Send(ctx context.Context, body string) (domain.Message, error) {
	switch s.Phase() {
	case domain.PhaseCompleted:
		return domain.Message{}, domain.ErrSessionCompleted
	case domain.PhaseWaiting:
		return domain.Message{}, fmt.Errorf("debate not started: %w", domain.ErrInvalidState)
	}
	self := s.roles.Self()
	if s.turns == nil || !self.Role.IsDebater() {
		return s.log.SendLocal(ctx, body)
	}

	if err := s.turns.CanSend(); err != nil {
		return domain.Message{}, err
	}
	m, err := s.log.SendLocal(ctx, body, messagelog.WithTurn(s.turns.Stamp()))
	if m.ID == "" {
		return m, err
	}
	if terr := s.turns.OnLocalSent(m); terr != nil {
		return m, errors.Join(err, terr)
	}
	return m, err
}

// Resend republishes a message whose first publish failed.
func (s *Session) Resend(ctx context.Context, id domain.MessageID) error {
	return s.log.Resend(ctx, id)
}

func (s *Session) SelectRole(ctx context.Context, role domain.Role) error {
	return s.roles.SelectRole(ctx, s.roles.Self().ID, role)
}

func (s *Session) RequestEnd(ctx context.Context) error { return s.end.RequestEnd(ctx) }

func (s *Session) ApproveEnd(ctx context.Context) error { return s.end.ApproveEnd(ctx) }

// EnableCamera fails with domain.ErrMediaDevice when no media stack is configured.
func (s *Session) EnableCamera(ctx context.Context) error {
	if s.relay == nil {
		return fmt.Errorf("no media transport: %w", domain.ErrMediaDevice)
	}
	if err := s.relay.EnableCamera(ctx); err != nil {
		return err
	}
	return s.roles.SetCamera(ctx, true)
}

func (s *Session) DisableCamera(ctx context.Context) error {
	if s.relay == nil {
		return nil
	}
	err := s.relay.DisableCamera(ctx)
	return errors.Join(err, s.roles.SetCamera(ctx, false))
}

// Leave releases media, stops timers and unsubscribes. Others see a presence leave.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return nil
	}
	s.left = true
	s.mu.Unlock()

	var errs []error
	if s.relay != nil {
		if err := s.relay.DisableCamera(ctx); err != nil {
			errs = append(errs, err)
		}
		s.relay.Close()
	}
	if s.turns != nil {
		s.turns.Stop()
	}
	s.end.Stop()
	if err := s.sub.Close(); err != nil {
		errs = append(errs, err)
	}
	log.Info().Str("module", "session").Str("room", string(s.Room().ID)).Msg("left room")
	return errors.Join(errs...)
}

// Record freezes the current state for the history archive.
func (s *Session) Record() domain.Record {
	room := s.Room()
	return domain.Record{
		ID:           s.recordID,
		RoomID:       room.ID,
		Topic:        room.Topic,
		Format:       room.Format,
		HostName:     room.HostName,
		Participants: s.registry.Participants(),
		Messages:     s.log.Messages(),
		CreatedAt:    room.CreatedAt,
		EndedAt:      room.EndedAt,
		Status:       room.Phase,
		Tags:         []string{string(room.Format), TagHumanVsHuman},
	}
}

func (s *Session) onMessage(payload []byte) {
	m, added := s.log.OnRemote(payload)
	if !added || s.turns == nil || !m.Role.IsDebater() {
		return
	}
	s.turns.OnRemoteMessage(m)
}

// onTurnsEnded routes the end of the round limit through end consensus, so both
// replicas complete by the mutual-request tie-break.
func (s *Session) onTurnsEnded() {
	ctx := context.Background()
	var err error
	if s.end.State() == consensus.Pending {
		err = s.end.ApproveEnd(ctx)
	} else {
		err = s.end.RequestEnd(ctx)
	}
	if err != nil && !errors.Is(err, domain.ErrInvalidState) {
		log.Warn().Err(err).Str("module", "session").Msg("round limit end request")
	}
}

func (s *Session) complete(req domain.EndRequest) {
	s.mu.Lock()
	if s.room.Phase == domain.PhaseCompleted {
		s.mu.Unlock()
		return
	}
	ended := s.deps.Clock.Now()
	s.room.Phase = domain.PhaseCompleted
	s.room.EndedAt = &ended
	watchers := slices.Clone(s.onPhase)
	s.mu.Unlock()

	if s.turns != nil {
		s.turns.Stop()
	}
	rec := s.Record()
	if s.deps.Archive != nil {
		s.deps.Archive.Submit(rec)
	}
	log.Info().Str("module", "session").Str("room", string(rec.RoomID)).
		Str("requested_by", string(req.RequestedBy)).Int("messages", len(rec.Messages)).Msg("debate completed")
	for _, fn := range watchers {
		fn(domain.PhaseCompleted)
	}
}

func (s *Session) notice(err error) {
	s.mu.RLock()
	watchers := slices.Clone(s.onNotice)
	s.mu.RUnlock()
	for _, fn := range watchers {
		fn(err)
	}
}

func (s *Session) selfSide() domain.Side {
	r := s.roles.Current()
	if !r.IsDebater() {
		return ""
	}
	return r.Side
}

// videoOnly is read on every camera change, so a role switch takes effect.
// Only debaters capture speech.
func (s *Session) videoOnly() bool { return !s.roles.Current().IsDebater() }

// nextSpeaker is the first debater on the other side.
func (s *Session) nextSpeaker() domain.ParticipantID {
	self := s.roles.Self().Role
	for _, p := range s.registry.Counterparts() {
		if !self.IsDebater() || p.Role.Side != self.Side {
			return p.ID
		}
	}
	return ""
}

func (s *Session) counterpartIDs() []domain.ParticipantID {
	ps := s.registry.Counterparts()
	out := make([]domain.ParticipantID, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func (s *Session) forgetDeparted(snap presence.Snapshot) {
	for _, id := range s.relay.Peers() {
		present := slices.ContainsFunc(snap.Participants, func(p domain.Participant) bool { return p.ID == id })
		if !present {
			s.relay.Forget(id)
		}
	}
}
