package core

import (
	"sync"

	"github.com/dkeye/Debate/internal/domain"
)

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	mu      sync.RWMutex
	meta    domain.Participant
	tracked bool
	conn    SignalConnection
}

func NewMemberSession(id domain.ParticipantID, conn SignalConnection) MemberSession {
	return &memberSession{meta: domain.Participant{ID: id}, conn: conn}
}

func (m *memberSession) Meta() *domain.Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta := m.meta
	return &meta
}

func (m *memberSession) Signal() SignalConnection { return m.conn }

func (m *memberSession) Tracked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracked
}

func (m *memberSession) UpdateMeta(p domain.Participant) MemberSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = p
	m.tracked = true
	return m
}

func (m *memberSession) Untrack() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.tracked
	m.tracked = false
	return was
}
