// Package memory is an in-process core.Channel. Deliveries are queued and handed to
// subscribers by Flush (tests) or by the goroutine started with Run.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

var ErrClosed = errors.New("subscription closed")

type Option func(*Network)

// WithDuplicates delivers every broadcast twice.
func WithDuplicates() Option {
	return func(n *Network) { n.duplicate = true }
}

// WithReorder shuffles consecutive broadcasts before delivery.
func WithReorder(seed int64) Option {
	return func(n *Network) { n.rng = rand.New(rand.NewSource(seed)) }
}

type delivery struct {
	to       *Subscription
	event    string
	payload  []byte
	presence *core.PresenceEvent
}

// Network holds every topic of one in-process deployment.
type Network struct {
	mu        sync.Mutex
	topics    map[string]map[*Subscription]struct{}
	queue     []delivery
	duplicate bool
	rng       *rand.Rand
	failWith  error
	wake      chan struct{}
	flushMu   sync.Mutex
}

func NewNetwork(opts ...Option) *Network {
	n := &Network{
		topics: make(map[string]map[*Subscription]struct{}),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// FailPublish makes subsequent publishes and tracks fail with err; nil restores them.
func (n *Network) FailPublish(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failWith = err
}

func (n *Network) Subscribe(_ context.Context, topic string, self domain.ParticipantID) (core.Subscription, error) {
	s := &Subscription{net: n, topic: topic, self: self, handlers: make(map[string][]core.BroadcastHandler)}
	n.mu.Lock()
	subs, ok := n.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		n.topics[topic] = subs
	}
	subs[s] = struct{}{}
	n.mu.Unlock()
	log.Debug().Str("module", "channel.memory").Str("topic", topic).Str("participant", string(self)).Msg("subscribed")
	return s, nil
}

// Pending returns the number of queued deliveries.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Flush delivers queued events, including ones enqueued by handlers, until the queue is empty.
func (n *Network) Flush() {
	n.flushMu.Lock()
	defer n.flushMu.Unlock()
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		if n.rng != nil {
			n.shuffleHeadLocked()
		}
		d := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()

		d.to.deliver(d)
	}
}

// Run flushes in the background until ctx is done.
func (n *Network) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.wake:
			n.Flush()
		}
	}
}

// shuffleHeadLocked shuffles the leading run of broadcasts; presence keeps its order.
func (n *Network) shuffleHeadLocked() {
	end := 0
	for end < len(n.queue) && n.queue[end].presence == nil {
		end++
	}
	head := n.queue[:end]
	n.rng.Shuffle(len(head), func(i, j int) { head[i], head[j] = head[j], head[i] })
}

func (n *Network) enqueueLocked(ds ...delivery) {
	n.queue = append(n.queue, ds...)
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Network) rosterLocked(topic string) []domain.Participant {
	out := make([]domain.Participant, 0)
	for s := range n.topics[topic] {
		if s.tracked != nil {
			out = append(out, *s.tracked)
		}
	}
	slices.SortFunc(out, func(a, b domain.Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (n *Network) presenceLocked(topic string, kind core.PresenceKind, records []domain.Participant, skip *Subscription) {
	for s := range n.topics[topic] {
		if s == skip {
			continue
		}
		ev := core.PresenceEvent{Kind: kind, Records: slices.Clone(records)}
		n.enqueueLocked(delivery{to: s, presence: &ev})
	}
}

// Subscription is one participant's handle on a topic.
type Subscription struct {
	net   *Network
	topic string
	self  domain.ParticipantID

	// guarded by net.mu
	tracked *domain.Participant
	closed  bool

	hmu      sync.RWMutex
	handlers map[string][]core.BroadcastHandler
	presence []core.PresenceHandler
}

func (s *Subscription) Publish(_ context.Context, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if n.failWith != nil {
		return n.failWith
	}
	for peer := range n.topics[s.topic] {
		if peer == s {
			continue
		}
		n.enqueueLocked(delivery{to: peer, event: event, payload: b})
		if n.duplicate {
			n.enqueueLocked(delivery{to: peer, event: event, payload: b})
		}
	}
	return nil
}

// Track publishes or refreshes the presence record. The first track emits a join to
// the others; every track emits a sync of the full roster to everyone.
func (s *Subscription) Track(_ context.Context, self domain.Participant) error {
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if n.failWith != nil {
		return n.failWith
	}
	first := s.tracked == nil
	rec := self
	s.tracked = &rec
	if first {
		n.presenceLocked(s.topic, core.PresenceJoin, []domain.Participant{rec}, s)
	}
	n.presenceLocked(s.topic, core.PresenceSync, n.rosterLocked(s.topic), nil)
	return nil
}

func (s *Subscription) Snapshot() []domain.Participant {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	return s.net.rosterLocked(s.topic)
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

// Close leaves the topic; the others see a leave and a fresh sync.
func (s *Subscription) Close() error {
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	delete(n.topics[s.topic], s)
	if s.tracked != nil {
		n.presenceLocked(s.topic, core.PresenceLeave, []domain.Participant{*s.tracked}, nil)
		n.presenceLocked(s.topic, core.PresenceSync, n.rosterLocked(s.topic), nil)
	}
	if len(n.topics[s.topic]) == 0 {
		delete(n.topics, s.topic)
	}
	return nil
}

func (s *Subscription) deliver(d delivery) {
	s.net.mu.Lock()
	closed := s.closed
	s.net.mu.Unlock()
	if closed {
		return
	}

	s.hmu.RLock()
	var handlers []core.BroadcastHandler
	var presence []core.PresenceHandler
	if d.presence != nil {
		presence = slices.Clone(s.presence)
	} else {
		handlers = slices.Clone(s.handlers[d.event])
	}
	s.hmu.RUnlock()

	for _, h := range presence {
		h(*d.presence)
	}
	for _, h := range handlers {
		h(d.payload)
	}
}
