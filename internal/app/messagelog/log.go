// Package messagelog is the deduplicated, append-only debate message store.
package messagelog

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

// Author supplies the local participant at send time.
type Author interface {
	Self() domain.Participant
}

type sendOptions struct {
	turn *domain.TurnStamp
}

type SendOption func(*sendOptions)

// WithTurn attaches a fencing stamp to a structured-mode message.
func WithTurn(stamp domain.TurnStamp) SendOption {
	return func(o *sendOptions) { o.turn = &stamp }
}

// Log keeps at most one entry per message id, in local arrival order.
type Log struct {
	room   domain.RoomID
	author Author
	pub    core.Publisher
	clock  core.Clock

	mu       sync.RWMutex
	index    map[domain.MessageID]struct{}
	entries  []domain.Message
	watchers []func(domain.Message)
}

func New(room domain.RoomID, author Author, pub core.Publisher, clock core.Clock) *Log {
	if clock == nil {
		clock = core.RealClock()
	}
	return &Log{
		room:   room,
		author: author,
		pub:    pub,
		clock:  clock,
		index:  make(map[domain.MessageID]struct{}),
	}
}

// Watch registers fn to run for every newly appended message.
func (l *Log) Watch(fn func(domain.Message)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, fn)
}

// Append inserts m at the tail unless its id is already present.
func (l *Log) Append(m domain.Message) bool {
	l.mu.Lock()
	if _, ok := l.index[m.ID]; ok {
		l.mu.Unlock()
		return false
	}
	l.index[m.ID] = struct{}{}
	l.entries = append(l.entries, m)
	watchers := slices.Clone(l.watchers)
	l.mu.Unlock()

	for _, fn := range watchers {
		fn(m)
	}
	return true
}

// SendLocal authors a message as the local participant. Observers and unassigned
// participants are rejected. The entry is appended before publishing and stays in
// the log when the publish fails; the returned error then wraps domain.ErrTransient.
func (l *Log) SendLocal(ctx context.Context, body string, opts ...SendOption) (domain.Message, error) {
	self := l.author.Self()
	if !self.Role.CanAuthor() {
		return domain.Message{}, fmt.Errorf("send as %q: %w", self.Role.String(), domain.ErrPermissionDenied)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Message{}, fmt.Errorf("empty message: %w", domain.ErrInvalidState)
	}

	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	m := domain.Message{
		ID:         domain.NewMessageID(),
		RoomID:     l.room,
		SenderID:   self.ID,
		SenderName: self.DisplayName,
		Body:       body,
		Role:       self.Role,
		CreatedAt:  l.clock.Now(),
		Turn:       o.turn,
	}
	l.Append(m)

	if err := l.pub.Publish(ctx, core.EventDebateMessage, m); err != nil {
		log.Warn().Err(err).Str("module", "messagelog").Str("message", string(m.ID)).Msg("publish failed, entry kept")
		return m, fmt.Errorf("publish message: %w: %w", domain.ErrTransient, err)
	}
	return m, nil
}

// Resend republishes an entry that is already in the log, e.g. after a transient failure.
func (l *Log) Resend(ctx context.Context, id domain.MessageID) error {
	m, ok := l.Get(id)
	if !ok {
		return fmt.Errorf("resend %s: %w", id, domain.ErrInvalidState)
	}
	if err := l.pub.Publish(ctx, core.EventDebateMessage, m); err != nil {
		return fmt.Errorf("publish message: %w: %w", domain.ErrTransient, err)
	}
	return nil
}

// OnRemote decodes a debate-message broadcast and routes it through Append.
func (l *Log) OnRemote(payload []byte) (domain.Message, bool) {
	var m domain.Message
	if err := json.Unmarshal(payload, &m); err != nil || !m.Valid() {
		log.Warn().Err(err).Str("module", "messagelog").Msg("bad debate-message payload")
		return domain.Message{}, false
	}
	if m.RoomID != "" && m.RoomID != l.room {
		log.Warn().Str("module", "messagelog").Str("room", string(m.RoomID)).Msg("message for another room")
		return domain.Message{}, false
	}
	return m, l.Append(m)
}

func (l *Log) Get(id domain.MessageID) (domain.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.index[id]; !ok {
		return domain.Message{}, false
	}
	for _, m := range l.entries {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Message{}, false
}

func (l *Log) Messages() []domain.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.entries)
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
