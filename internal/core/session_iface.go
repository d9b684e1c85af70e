package core

import "github.com/dkeye/Debate/internal/domain"

type SessionID string

// MemberSession binds a presence record and its transport endpoint.
// This is what a hub topic stores and fans out to.
type MemberSession interface {
	Meta() *domain.Participant
	Signal() SignalConnection
	// Tracked reports whether the client published a presence record.
	Tracked() bool
	UpdateMeta(domain.Participant) MemberSession
	// Untrack withdraws the presence record but keeps the connection.
	Untrack() bool
}
