package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

type RoomID string

const (
	RoomIDLen      = 6
	roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// NewRoomID returns a short shareable identifier like "ABC123".
func NewRoomID() RoomID {
	b := make([]byte, RoomIDLen)
	max := big.NewInt(int64(len(roomIDAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = roomIDAlphabet[n.Int64()]
	}
	return RoomID(b)
}

// ParseRoomID accepts a typed room id in any case.
func ParseRoomID(s string) (RoomID, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != RoomIDLen {
		return "", fmt.Errorf("room id %q must have %d characters", s, RoomIDLen)
	}
	for _, r := range s {
		if !strings.ContainsRune(roomIDAlphabet, r) {
			return "", fmt.Errorf("room id %q: invalid character %q", s, r)
		}
	}
	return RoomID(s), nil
}

// Topic is the channel topic a room is replicated over.
func (id RoomID) Topic() string { return "debate-room-" + string(id) }

type Phase string

const (
	PhaseWaiting   Phase = "waiting"
	PhaseActive    Phase = "active"
	PhaseCompleted Phase = "completed"
)

type Format string

const (
	FormatFree Format = "free"
	Format1v1  Format = "1v1"
	Format3v3  Format = "3v3"
)

// Structured reports whether the format gates sending by turns.
func (f Format) Structured() bool { return f == Format1v1 || f == Format3v3 }

func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case FormatFree, Format1v1, Format3v3:
		return Format(s), true
	default:
		return "", false
	}
}

// Room is the descriptive part of a RoomSession; the live state lives in app/session.
type Room struct {
	ID        RoomID        `json:"roomId"`
	Topic     string        `json:"topic"`
	Format    Format        `json:"format"`
	HostID    ParticipantID `json:"hostId"`
	HostName  string        `json:"hostName"`
	Phase     Phase         `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	EndedAt   *time.Time    `json:"endedAt,omitempty"`
}
