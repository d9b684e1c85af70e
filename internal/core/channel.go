package core

import (
	"context"

	"github.com/dkeye/Debate/internal/domain"
)

// Broadcast event names exchanged over a room topic.
const (
	EventDebateMessage   = "debate-message"
	EventSelectRole      = "select-role"
	EventEndRequest      = "end-request"
	EventEndApprove      = "end-approve"
	EventSignalingOffer  = "signaling-offer"
	EventSignalingAnswer = "signaling-answer"
	EventSignalingICE    = "signaling-ice"
	EventCameraOn        = "camera-on"
	EventCameraOff       = "camera-off"
	EventRequestRoomInfo = "request-room-info"
	EventRoomInfo        = "room-info"
)

type PresenceKind string

const (
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
	PresenceSync  PresenceKind = "sync"
)

// PresenceEvent is a join/leave delta or an authoritative sync of the full roster.
type PresenceEvent struct {
	Kind    PresenceKind         `json:"kind"`
	Records []domain.Participant `json:"records"`
}

// BroadcastHandler receives the raw payload of a named broadcast.
type BroadcastHandler func(payload []byte)

type PresenceHandler func(PresenceEvent)

// Channel is a pub/sub substrate with presence. Delivery is at-least-once with no
// ordering across senders; a sender never receives its own broadcasts.
type Channel interface {
	Subscribe(ctx context.Context, topic string, self domain.ParticipantID) (Subscription, error)
}

// Subscription is one client's handle on a topic.
// Handlers must be registered before Track; they may run on any goroutine.
type Subscription interface {
	// Publish is fire-and-forget; an error means the channel rejected the send.
	Publish(ctx context.Context, event string, payload any) error
	Track(ctx context.Context, self domain.Participant) error
	Snapshot() []domain.Participant
	On(event string, h BroadcastHandler)
	OnPresence(h PresenceHandler)
	Close() error
}

// Publisher is the narrow view most components need.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// PresenceTracker re-publishes the local presence record.
type PresenceTracker interface {
	Track(ctx context.Context, self domain.Participant) error
}
