package core

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/domain"
)

// topicImpl is a threadsafe in-memory topic.
// It never closes adapter-owned resources.
type topicImpl struct {
	name   string
	mu     sync.RWMutex
	bySID  map[SessionID]MemberSession
	byUser map[domain.ParticipantID]SessionID
}

func NewTopicService(name string) TopicService {
	return &topicImpl{
		name:   name,
		bySID:  make(map[SessionID]MemberSession),
		byUser: make(map[domain.ParticipantID]SessionID),
	}
}

func (t *topicImpl) Name() string { return t.name }

func (t *topicImpl) MemberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bySID)
}

func (t *topicImpl) AddMember(sid SessionID, ms MemberSession) {
	u := ms.Meta().ID
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bySID[sid] = ms
	t.byUser[u] = sid
	log.Info().Str("module", "core.topic").Str("topic", t.name).Str("sid", string(sid)).Str("participant", string(u)).Msg("member added")
}

func (t *topicImpl) RemoveMember(sid SessionID) (MemberSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ms, ok := t.bySID[sid]
	if ok {
		delete(t.byUser, ms.Meta().ID)
	}
	delete(t.bySID, sid)
	log.Info().Str("module", "core.topic").Str("topic", t.name).Str("sid", string(sid)).Msg("member removed")
	return ms, ok
}

func (t *topicImpl) Member(sid SessionID) (MemberSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ms, ok := t.bySID[sid]
	return ms, ok
}

func (t *topicImpl) Broadcast(from SessionID, data Frame) PublishResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range t.bySID {
		if sid == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.topic").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (t *topicImpl) PresenceSnapshot() []domain.Participant {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Participant, 0, len(t.bySID))
	for _, ms := range t.bySID {
		if !ms.Tracked() {
			continue
		}
		out = append(out, *ms.Meta())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
