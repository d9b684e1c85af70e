// Package presence reconciles channel presence events into the room roster.
//
// A sync replaces the roster wholesale and corrects any lost deltas. A join only adds
// ids the registry has not seen, because delta payloads may be older than a role change
// that already arrived. If no sync ever arrives the registry keeps whatever deltas it saw.
package presence

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

// Snapshot is an immutable copy of the roster handed to watchers.
type Snapshot struct {
	Participants      []domain.Participant
	OpponentConnected bool
}

// RoleChange is the payload of the dedicated role-changed broadcast.
type RoleChange struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	DisplayName   string               `json:"name,omitempty"`
	Role          domain.Role          `json:"side"`
}

type Registry struct {
	self    domain.ParticipantID
	tracker core.PresenceTracker
	clock   core.Clock

	mu       sync.RWMutex
	byID     map[domain.ParticipantID]domain.Participant
	order    []domain.ParticipantID
	opponent bool
	watchers []func(Snapshot)
}

func NewRegistry(self domain.ParticipantID, tracker core.PresenceTracker, clock core.Clock) *Registry {
	if clock == nil {
		clock = core.RealClock()
	}
	return &Registry{
		self:    self,
		tracker: tracker,
		clock:   clock,
		byID:    make(map[domain.ParticipantID]domain.Participant),
	}
}

// Watch registers fn to run after every roster mutation.
func (r *Registry) Watch(fn func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// HandlePresence routes a channel presence event.
func (r *Registry) HandlePresence(ev core.PresenceEvent) {
	switch ev.Kind {
	case core.PresenceSync:
		r.OnSync(ev.Records)
	case core.PresenceJoin:
		r.OnJoin(ev.Records)
	case core.PresenceLeave:
		r.OnLeave(ev.Records)
	default:
		log.Warn().Str("module", "presence").Str("kind", string(ev.Kind)).Msg("unknown presence event")
	}
}

// OnSync replaces the registry with the authoritative roster.
func (r *Registry) OnSync(full []domain.Participant) {
	r.mu.Lock()
	r.byID = make(map[domain.ParticipantID]domain.Participant, len(full))
	r.order = r.order[:0]
	for _, p := range full {
		if !p.Valid() {
			log.Warn().Str("module", "presence").Msg("sync: dropping malformed record")
			continue
		}
		if _, dup := r.byID[p.ID]; !dup {
			r.order = append(r.order, p.ID)
		}
		r.byID[p.ID] = p
	}
	snap := r.mutatedLocked()
	r.mu.Unlock()

	log.Debug().Str("module", "presence").Int("count", len(snap.Participants)).Msg("sync")
	r.notify(snap)
}

// OnJoin adds ids not seen before; known entries keep their fields.
func (r *Registry) OnJoin(delta []domain.Participant) {
	r.mu.Lock()
	added := 0
	for _, p := range delta {
		if !p.Valid() {
			log.Warn().Str("module", "presence").Msg("join: dropping malformed record")
			continue
		}
		if _, ok := r.byID[p.ID]; ok {
			continue
		}
		r.byID[p.ID] = p
		r.order = append(r.order, p.ID)
		added++
	}
	snap := r.mutatedLocked()
	r.mu.Unlock()

	log.Debug().Str("module", "presence").Int("added", added).Msg("join")
	r.notify(snap)
}

func (r *Registry) OnLeave(delta []domain.Participant) {
	r.mu.Lock()
	for _, p := range delta {
		r.removeLocked(p.ID)
	}
	snap := r.mutatedLocked()
	r.mu.Unlock()

	r.notify(snap)
}

// SelfRegister stores the local record and re-publishes it as presence.
// The local copy is kept even if the channel rejects the publish.
func (r *Registry) SelfRegister(ctx context.Context, p domain.Participant) error {
	if p.ID != r.self {
		return fmt.Errorf("self register %s: %w", p.ID, domain.ErrPermissionDenied)
	}
	p.LastSeen = r.clock.Now()

	r.mu.Lock()
	if _, ok := r.byID[p.ID]; !ok {
		r.order = append(r.order, p.ID)
	}
	r.byID[p.ID] = p
	snap := r.mutatedLocked()
	r.mu.Unlock()

	r.notify(snap)

	if r.tracker == nil {
		return nil
	}
	if err := r.tracker.Track(ctx, p); err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("participant", string(p.ID)).Msg("track failed")
		return fmt.Errorf("track presence: %w: %w", domain.ErrTransient, err)
	}
	return nil
}

// ApplyRole records a role-changed broadcast. An unknown sender is added so a lost
// join does not hide a debater until the next sync.
func (r *Registry) ApplyRole(rc RoleChange) {
	if rc.ParticipantID == "" {
		return
	}
	r.mu.Lock()
	p, ok := r.byID[rc.ParticipantID]
	if !ok {
		p = domain.Participant{
			ID:          rc.ParticipantID,
			DisplayName: rc.DisplayName,
			IsActive:    true,
			JoinedAt:    r.clock.Now(),
		}
		r.order = append(r.order, p.ID)
	}
	p.Role = rc.Role
	p.LastSeen = r.clock.Now()
	r.byID[p.ID] = p
	snap := r.mutatedLocked()
	r.mu.Unlock()

	r.notify(snap)
}

// ApplyCamera records a camera-on/off broadcast for a known participant.
func (r *Registry) ApplyCamera(id domain.ParticipantID, on bool) {
	r.mu.Lock()
	p, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	p.CameraOn = on
	r.byID[id] = p
	snap := r.mutatedLocked()
	r.mu.Unlock()

	r.notify(snap)
}

func (r *Registry) Participants() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) Get(id domain.ParticipantID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// OpponentConnected reports whether another FOR/AGAINST participant is present.
func (r *Registry) OpponentConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opponent
}

// Counterparts returns the other debaters in roster order.
func (r *Registry) Counterparts() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Participant
	for _, id := range r.order {
		p := r.byID[id]
		if id != r.self && p.Role.IsDebater() {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) removeLocked(id domain.ParticipantID) {
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

func (r *Registry) mutatedLocked() Snapshot {
	r.opponent = false
	for id, p := range r.byID {
		if id != r.self && p.Role.IsDebater() {
			r.opponent = true
			break
		}
	}
	return Snapshot{Participants: r.listLocked(), OpponentConnected: r.opponent}
}

func (r *Registry) listLocked() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) notify(snap Snapshot) {
	r.mu.RLock()
	watchers := slices.Clone(r.watchers)
	r.mu.RUnlock()
	for _, fn := range watchers {
		fn(snap)
	}
}
