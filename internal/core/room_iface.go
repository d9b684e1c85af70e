package core

import (
	"github.com/dkeye/Debate/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// TopicService is the hub-facing API of one topic.
// It owns the membership set but never touches transport resources.
type TopicService interface {
	Name() string
	MemberCount() int
	// PresenceSnapshot lists the records of members that have tracked.
	PresenceSnapshot() []domain.Participant

	AddMember(sid SessionID, ms MemberSession)
	RemoveMember(sid SessionID) (MemberSession, bool)
	Member(sid SessionID) (MemberSession, bool)
	Broadcast(from SessionID, data Frame) PublishResult
}

type TopicInfo struct {
	Name        string `json:"name"`
	MemberCount int    `json:"client_count"`
}

type TopicManager interface {
	GetOrCreate(name string) TopicService
	Get(name string) (TopicService, bool)
	List() []TopicInfo
	StopTopic(name string)
}
