package hub

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

var (
	ErrRateLimited   = errors.New("rate limited")
	ErrNotSubscribed = errors.New("not subscribed")
)

// Hub ties the registry, the topics and the backpressure policy together.
type Hub struct {
	Registry *Registry
	Topics   core.TopicManager
	Policy   Policy
	Limiter  *RateLimiter
}

func New(limiter *RateLimiter) *Hub {
	return &Hub{
		Registry: NewRegistry(),
		Topics:   NewTopicManager(),
		Policy:   SimplePolicy{},
		Limiter:  limiter,
	}
}

// Join subscribes a connection to topic and sends it the current roster.
func (h *Hub) Join(sid core.SessionID, topic string, ms core.MemberSession, cancel func()) {
	t := h.Topics.GetOrCreate(topic)
	t.AddMember(sid, ms)
	h.Registry.Bind(sid, topic, ms, cancel)
	_ = ms.Signal().TrySend(presenceFrame(core.PresenceSync, t.PresenceSnapshot()))
}

// Track stores the member's presence record. The first track announces a join;
// every track is followed by a sync to the whole topic.
func (h *Hub) Track(sid core.SessionID, p domain.Participant) error {
	topic, ms, ok := h.Registry.TopicOf(sid)
	if !ok {
		return ErrNotSubscribed
	}
	if p.ID != ms.Meta().ID || !p.Valid() {
		return fmt.Errorf("track %s: %w", p.ID, domain.ErrPermissionDenied)
	}
	t := h.Topics.GetOrCreate(topic)
	first := !ms.Tracked()
	ms.UpdateMeta(p)
	if first {
		h.fanout(t, sid, presenceFrame(core.PresenceJoin, []domain.Participant{p}))
	}
	h.fanout(t, "", presenceFrame(core.PresenceSync, t.PresenceSnapshot()))
	return nil
}

func (h *Hub) Untrack(sid core.SessionID) {
	topic, ms, ok := h.Registry.TopicOf(sid)
	if !ok || !ms.Untrack() {
		return
	}
	t := h.Topics.GetOrCreate(topic)
	h.fanout(t, sid, presenceFrame(core.PresenceLeave, []domain.Participant{*ms.Meta()}))
	h.fanout(t, "", presenceFrame(core.PresenceSync, t.PresenceSnapshot()))
}

// Publish relays a named broadcast to every other member of the sender's topic.
func (h *Hub) Publish(sid core.SessionID, event string, payload json.RawMessage) error {
	topic, ms, ok := h.Registry.TopicOf(sid)
	if !ok {
		return ErrNotSubscribed
	}
	if h.Limiter != nil && !h.Limiter.Allow(ms.Meta().ID) {
		log.Warn().Str("module", "hub").Str("sid", string(sid)).Str("event", event).Msg("rate limited")
		return ErrRateLimited
	}
	t := h.Topics.GetOrCreate(topic)
	h.fanout(t, sid, encode(Frame{Type: FrameBroadcast, Event: event, Payload: payload}))
	return nil
}

// Leave removes a connection; the others see a leave and a fresh sync.
func (h *Hub) Leave(sid core.SessionID) {
	topic, _, ok := h.Registry.TopicOf(sid)
	if !ok {
		return
	}
	h.Registry.Unbind(sid)
	t, ok := h.Topics.Get(topic)
	if !ok {
		return
	}
	ms, ok := t.RemoveMember(sid)
	if ok && ms.Tracked() {
		if h.Limiter != nil {
			h.Limiter.Forget(ms.Meta().ID)
		}
		h.fanout(t, sid, presenceFrame(core.PresenceLeave, []domain.Participant{*ms.Meta()}))
		h.fanout(t, sid, presenceFrame(core.PresenceSync, t.PresenceSnapshot()))
	}
	if t.MemberCount() == 0 {
		h.Topics.StopTopic(topic)
		log.Info().Str("module", "hub").Str("topic", topic).Msg("topic closed")
	}
}

// Kick disconnects a member: its pumps stop and Leave runs.
func (h *Hub) Kick(sid core.SessionID) {
	h.Registry.Cancel(sid)
	h.Leave(sid)
}

// fanout sends to every member except from and applies the policy to slow ones.
func (h *Hub) fanout(t core.TopicService, from core.SessionID, frame core.Frame) {
	res := t.Broadcast(from, frame)
	if h.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch h.Policy.OnBackPressure(t, slow) {
		case KickMember:
			for _, snap := range h.Registry.MembersOf(t.Name()) {
				if snap.Session == slow {
					log.Warn().Str("module", "hub").Str("sid", string(snap.SID)).Msg("slow consumer kicked")
					h.Kick(snap.SID)
				}
			}
		case DropFrame, NoAction:
		}
	}
}
