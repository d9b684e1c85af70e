package hub

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/core"
)

type sessionEntry struct {
	Topic   string
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry maps live connections to the topic they subscribed to.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[core.SessionID]*sessionEntry)}
}

func (r *Registry) Bind(sid core.SessionID, topic string, sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Topic: topic, Session: sess, Cancel: cancel}
	log.Info().Str("module", "hub.registry").Str("sid", string(sid)).Str("topic", topic).Msg("bound session")
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "hub.registry").Str("sid", string(sid)).Msg("unbind session")
}

func (r *Registry) TopicOf(sid core.SessionID) (string, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return "", nil, false
	}
	return e.Topic, e.Session, true
}

type regSnap struct {
	SID     core.SessionID
	Session core.MemberSession
}

func (r *Registry) MembersOf(topic string) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.Topic == topic {
			out = append(out, regSnap{SID: sid, Session: e.Session})
		}
	}
	return out
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "hub.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
