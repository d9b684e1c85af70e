// Package hub is the relay server behind the websocket channel: it fans broadcasts
// out to a topic's members and maintains presence for them.
package hub

import (
	"encoding/json"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

// Frame types. Clients send track, untrack, broadcast and ping; the hub sends
// broadcast, presence, pong and error.
const (
	FrameTrack     = "track"
	FrameUntrack   = "untrack"
	FrameBroadcast = "broadcast"
	FramePing      = "ping"
	FramePresence  = "presence"
	FramePong      = "pong"
	FrameError     = "error"
)

// Frame is the single wire shape of the channel protocol.
type Frame struct {
	Type    string               `json:"type"`
	Event   string               `json:"event,omitempty"`
	Payload json.RawMessage      `json:"payload,omitempty"`
	Record  *domain.Participant  `json:"record,omitempty"`
	Kind    core.PresenceKind    `json:"kind,omitempty"`
	Records []domain.Participant `json:"records,omitempty"`
	Error   string               `json:"error,omitempty"`
}

func encode(f Frame) core.Frame {
	b, _ := json.Marshal(f)
	return b
}

func presenceFrame(kind core.PresenceKind, records []domain.Participant) core.Frame {
	if records == nil {
		records = []domain.Participant{}
	}
	return encode(Frame{Type: FramePresence, Kind: kind, Records: records})
}
