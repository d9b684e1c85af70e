// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 36
	MaxDisplayNameLen   = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

type ParticipantID string

// Participant is one replica's view of a room member.
// The presence record published on the channel has the same shape.
type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"name"`
	Role        Role          `json:"side"`
	IsActive    bool          `json:"isActive"`
	CameraOn    bool          `json:"cameraOn,omitempty"`
	JoinedAt    time.Time     `json:"joinedAt"`
	LastSeen    time.Time     `json:"lastSeen"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(displayName string, now time.Time) (*Participant, error) {
	if err := validateDisplayName(displayName); err != nil {
		return nil, err
	}
	return &Participant{
		ID:          ParticipantID(uuid.NewString()),
		DisplayName: displayName,
		IsActive:    true,
		JoinedAt:    now,
		LastSeen:    now,
	}, nil
}

func (p *Participant) SetDisplayName(displayName string) error {
	if err := validateDisplayName(displayName); err != nil {
		return err
	}
	p.DisplayName = displayName
	return nil
}

// Valid reports whether a record received from the wire is usable.
func (p Participant) Valid() bool {
	return p.ID != "" && len(p.ID) <= MaxParticipantIDLen
}

func validateDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}
