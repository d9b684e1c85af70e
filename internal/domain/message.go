package domain

import (
	"time"

	"github.com/google/uuid"
)

type MessageID string

func NewMessageID() MessageID { return MessageID(uuid.NewString()) }

// TurnStamp fences structured-mode messages: Prev is the chain head the sender saw,
// Next is who the sender expects to speak after it.
type TurnStamp struct {
	Round int           `json:"round"`
	Next  ParticipantID `json:"next,omitempty"`
	Prev  MessageID     `json:"prev,omitempty"`
}

// Message is an entry of the replicated debate log. ID is the dedup key.
type Message struct {
	ID         MessageID     `json:"id"`
	RoomID     RoomID        `json:"roomId"`
	SenderID   ParticipantID `json:"senderId"`
	SenderName string        `json:"senderName"`
	Body       string        `json:"text"`
	Role       Role          `json:"side"`
	CreatedAt  time.Time     `json:"timestamp"`
	Turn       *TurnStamp    `json:"turn,omitempty"`
}

func (m Message) Valid() bool {
	return m.ID != "" && m.SenderID != ""
}
