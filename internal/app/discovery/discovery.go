// Package discovery resolves a room id into its description with a request/reply
// exchange over the room's broadcast channel.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

type Request struct {
	CorrelationID string               `json:"correlationId"`
	RequesterID   domain.ParticipantID `json:"requesterId"`
	RequesterName string               `json:"requesterName"`
}

type Reply struct {
	CorrelationID string               `json:"correlationId"`
	RoomID        domain.RoomID        `json:"roomId"`
	Topic         string               `json:"topic"`
	HostID        domain.ParticipantID `json:"hostId"`
	HostName      string               `json:"hostName"`
	Format        domain.Format        `json:"format"`
	CreatedAt     time.Time            `json:"createdAt"`
}

// Room converts a reply into the room description it carries.
func (r Reply) Room() domain.Room {
	return domain.Room{
		ID:        r.RoomID,
		Topic:     r.Topic,
		Format:    r.Format,
		HostID:    r.HostID,
		HostName:  r.HostName,
		Phase:     domain.PhaseWaiting,
		CreatedAt: r.CreatedAt,
	}
}

// Client issues lookups and matches replies by correlation id.
type Client struct {
	pub     core.Publisher
	clock   core.Clock
	timeout time.Duration

	mu      sync.Mutex
	waiting map[string]chan Reply
}

func NewClient(pub core.Publisher, clock core.Clock, timeout time.Duration) *Client {
	if clock == nil {
		clock = core.RealClock()
	}
	return &Client{pub: pub, clock: clock, timeout: timeout, waiting: make(map[string]chan Reply)}
}

// Lookup asks the room host to describe the room. It fails with
// domain.ErrRoomNotFound when nobody answers within the timeout.
func (c *Client) Lookup(ctx context.Context, requester domain.Participant) (Reply, error) {
	req := Request{CorrelationID: uuid.NewString(), RequesterID: requester.ID, RequesterName: requester.DisplayName}
	ch := make(chan Reply, 1)
	c.mu.Lock()
	c.waiting[req.CorrelationID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, req.CorrelationID)
		c.mu.Unlock()
	}()

	expired := make(chan struct{})
	timer := c.clock.AfterFunc(c.timeout, func() { close(expired) })
	defer timer.Stop()

	if err := c.pub.Publish(ctx, core.EventRequestRoomInfo, req); err != nil {
		return Reply{}, fmt.Errorf("publish room info request: %w: %w", domain.ErrTransient, err)
	}
	log.Debug().Str("module", "discovery").Str("correlation", req.CorrelationID).Msg("room info requested")

	select {
	case reply := <-ch:
		return reply, nil
	case <-expired:
		return Reply{}, domain.ErrRoomNotFound
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// OnReply handles a room-info broadcast.
func (c *Client) OnReply(payload []byte) {
	var r Reply
	if err := json.Unmarshal(payload, &r); err != nil || r.CorrelationID == "" || r.RoomID == "" {
		log.Warn().Err(err).Str("module", "discovery").Msg("bad room-info payload")
		return
	}
	c.mu.Lock()
	ch, ok := c.waiting[r.CorrelationID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- r:
	default:
	}
}

// Responder answers lookups on behalf of the room host.
type Responder struct {
	pub  core.Publisher
	room func() domain.Room
}

func NewResponder(pub core.Publisher, room func() domain.Room) *Responder {
	return &Responder{pub: pub, room: room}
}

func (r *Responder) OnRequest(payload []byte) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil || req.CorrelationID == "" {
		log.Warn().Err(err).Str("module", "discovery").Msg("bad request-room-info payload")
		return
	}
	room := r.room()
	reply := Reply{
		CorrelationID: req.CorrelationID,
		RoomID:        room.ID,
		Topic:         room.Topic,
		HostID:        room.HostID,
		HostName:      room.HostName,
		Format:        room.Format,
		CreatedAt:     room.CreatedAt,
	}
	if err := r.pub.Publish(context.Background(), core.EventRoomInfo, reply); err != nil {
		log.Warn().Err(err).Str("module", "discovery").Str("room", string(room.ID)).Msg("room info reply not sent")
		return
	}
	log.Info().Str("module", "discovery").Str("room", string(room.ID)).Str("requester", req.RequesterName).Msg("room info sent")
}
