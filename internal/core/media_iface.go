package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Debate/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Signal is one opaque negotiation message produced or consumed by a MediaConnection.
type Signal struct {
	Kind domain.SignalKind
	Data json.RawMessage
}

// LocalStream is captured local media.
type LocalStream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	// Stop releases the capture devices.
	Stop()
}

// RemoteStream is media received from the peer.
type RemoteStream interface {
	ID() string
}

type MediaConstraints struct {
	Video bool
	Audio bool
}

// MediaDevices acquires local media (camera / microphone).
type MediaDevices interface {
	Acquire(ctx context.Context, c MediaConstraints) (LocalStream, error)
}

type ConnectionOptions struct {
	Initiator bool
	Local     LocalStream
	Remote    domain.ParticipantID
}

// MediaTransport creates peer connections.
type MediaTransport interface {
	CreateConnection(ctx context.Context, opts ConnectionOptions) (MediaConnection, error)
}

// MediaConnection is one peer-to-peer link. Callbacks must be set before the
// first ApplySignal; the initiator emits its offer from Start.
type MediaConnection interface {
	Start(ctx context.Context) error
	ApplySignal(Signal) error
	OnSignal(func(Signal))
	OnStream(func(RemoteStream))
	OnConnect(func())
	OnError(func(error))
	// Close should stop all underlying media resources.
	Close()
}
