package domain

import (
	"time"

	"github.com/google/uuid"
)

type Winner string

const (
	WinnerFor     Winner = "FOR"
	WinnerAgainst Winner = "AGAINST"
	WinnerDraw    Winner = "DRAW"
)

// Record is the frozen result handed to the history archive. The core never reads it back.
type Record struct {
	ID           string        `json:"id"`
	RoomID       RoomID        `json:"roomId"`
	Topic        string        `json:"topic"`
	Format       Format        `json:"format"`
	HostName     string        `json:"hostName"`
	Participants []Participant `json:"participants"`
	Messages     []Message     `json:"messages"`
	CreatedAt    time.Time     `json:"createdAt"`
	EndedAt      *time.Time    `json:"endedAt,omitempty"`
	Status       Phase         `json:"status"`
	Winner       Winner        `json:"winner,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
}

func NewRecordID() string { return uuid.NewString() }
