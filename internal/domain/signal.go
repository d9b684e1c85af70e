package domain

import "encoding/json"

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// SignalingEnvelope carries an opaque media-negotiation payload between two peers.
// An empty TargetID addresses every participant.
type SignalingEnvelope struct {
	Kind     SignalKind      `json:"kind"`
	SenderID ParticipantID   `json:"senderId"`
	TargetID ParticipantID   `json:"targetId,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

func (e SignalingEnvelope) Valid() bool {
	switch e.Kind {
	case SignalOffer, SignalAnswer, SignalICECandidate:
	default:
		return false
	}
	return e.SenderID != "" && len(e.Payload) > 0
}

// CameraEvent is published on camera-on / camera-off.
type CameraEvent struct {
	ParticipantID ParticipantID `json:"participantId"`
	Observer      bool          `json:"isObserver,omitempty"`
}
