// Package wsclient is a core.Channel backed by the hub's websocket endpoint.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/adapters/hub"
	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

var ErrClosed = errors.New("subscription closed")

const writeWait = 5 * time.Second

// Client dials one hub. URL is the hub base, e.g. ws://localhost:8080.
type Client struct {
	URL        string
	PingPeriod time.Duration
	Dialer     *websocket.Dialer
}

func New(base string) *Client {
	return &Client{URL: base, PingPeriod: 30 * time.Second, Dialer: websocket.DefaultDialer}
}

func (c *Client) endpoint(topic string, self domain.ParticipantID) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.URL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/api/ws/channel"
	q := url.Values{}
	q.Set("topic", topic)
	q.Set("participant", string(self))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe dials the hub and waits for the initial roster before returning.
func (c *Client) Subscribe(ctx context.Context, topic string, self domain.ParticipantID) (core.Subscription, error) {
	endpoint, err := c.endpoint(topic, self)
	if err != nil {
		return nil, fmt.Errorf("hub url: %w", err)
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	s := &Subscription{
		conn:     conn,
		topic:    topic,
		self:     self,
		handlers: make(map[string][]core.BroadcastHandler),
		done:     make(chan struct{}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var first hub.Frame
	if err := conn.ReadJSON(&first); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read initial roster: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if first.Type == hub.FramePresence {
		s.applyRoster(first.Kind, first.Records)
	}

	log.Info().Str("module", "channel.ws").Str("topic", topic).Str("participant", string(self)).Msg("subscribed")
	go s.readLoop()
	go s.pingLoop(c.PingPeriod)
	return s, nil
}

// Subscription is one participant's connection to a hub topic.
type Subscription struct {
	conn  *websocket.Conn
	topic string
	self  domain.ParticipantID

	wmu sync.Mutex

	mu     sync.RWMutex
	roster []domain.Participant
	closed bool

	hmu      sync.RWMutex
	handlers map[string][]core.BroadcastHandler
	presence []core.PresenceHandler

	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) write(f hub.Frame) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(f)
}

func (s *Subscription) Publish(_ context.Context, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.write(hub.Frame{Type: hub.FrameBroadcast, Event: event, Payload: b})
}

func (s *Subscription) Track(_ context.Context, self domain.Participant) error {
	return s.write(hub.Frame{Type: hub.FrameTrack, Record: &self})
}

func (s *Subscription) Snapshot() []domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.roster)
}

func (s *Subscription) On(event string, h core.BroadcastHandler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handlers[event] = append(s.handlers[event], h)
}

func (s *Subscription) OnPresence(h core.PresenceHandler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.presence = append(s.presence, h)
}

// Done is closed when the connection to the hub is gone.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	s.wmu.Unlock()
	return s.conn.Close()
}

func (s *Subscription) applyRoster(kind core.PresenceKind, records []domain.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case core.PresenceSync:
		s.roster = slices.Clone(records)
	case core.PresenceJoin:
		for _, r := range records {
			s.roster = slices.DeleteFunc(s.roster, func(p domain.Participant) bool { return p.ID == r.ID })
			s.roster = append(s.roster, r)
		}
	case core.PresenceLeave:
		for _, r := range records {
			s.roster = slices.DeleteFunc(s.roster, func(p domain.Participant) bool { return p.ID == r.ID })
		}
	}
}

func (s *Subscription) readLoop() {
	defer s.closeOnce.Do(func() { close(s.done) })
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "channel.ws").Str("topic", s.topic).Msg("read error")
			}
			return
		}
		var f hub.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("module", "channel.ws").Msg("bad frame")
			continue
		}
		s.dispatch(f)
	}
}

func (s *Subscription) dispatch(f hub.Frame) {
	switch f.Type {
	case hub.FrameBroadcast:
		s.hmu.RLock()
		handlers := slices.Clone(s.handlers[f.Event])
		s.hmu.RUnlock()
		for _, h := range handlers {
			h(f.Payload)
		}
	case hub.FramePresence:
		s.applyRoster(f.Kind, f.Records)
		s.hmu.RLock()
		presence := slices.Clone(s.presence)
		s.hmu.RUnlock()
		ev := core.PresenceEvent{Kind: f.Kind, Records: f.Records}
		for _, h := range presence {
			h(ev)
		}
	case hub.FrameError:
		log.Warn().Str("module", "channel.ws").Str("topic", s.topic).Str("error", f.Error).Msg("hub rejected frame")
	case hub.FramePong:
	default:
		log.Warn().Str("module", "channel.ws").Str("type", f.Type).Msg("unknown frame")
	}
}

func (s *Subscription) pingLoop(period time.Duration) {
	if period <= 0 {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(hub.Frame{Type: hub.FramePing}); err != nil {
				return
			}
		}
	}
}
