// Package turn implements turn-taking for structured (live-format) debates.
//
// Each replica infers its own turn state; there is no shared clock. Messages carry a
// TurnStamp naming the chain head the sender saw (Prev). A receiver accepts the
// successor of its head, resolves two messages with the same Prev by the lower id,
// queues messages whose Prev it has not seen yet and drops stale ones. Both replicas
// apply the same rules, so a timeout reclaim racing a late reply converges.
//
// The turn belongs to a side. Every debater message enters the chain, teammates
// included; the side of the head decides whether the local replica may speak.
package turn

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

type State int

const (
	WaitingToStart State = iota
	MyTurn
	OpponentTurn
	Ended
)

func (s State) String() string {
	switch s {
	case WaitingToStart:
		return "waiting_to_start"
	case MyTurn:
		return "my_turn"
	case OpponentTurn:
		return "opponent_turn"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Config struct {
	// MaxRounds is the number of turn pairs before the debate ends.
	MaxRounds    int
	ReplyTimeout time.Duration
	// Side reports the local debater's side. Without it only the local
	// participant counts as its own side.
	Side func() domain.Side
}

// NextSpeaker names who the local participant expects to answer.
type NextSpeaker func() domain.ParticipantID

type Coordinator struct {
	self  domain.ParticipantID
	cfg   Config
	clock core.Clock
	next  NextSpeaker

	mu       sync.Mutex
	state    State
	turns    int
	head     domain.MessageID
	headPrev domain.MessageID
	seen     map[domain.MessageID]struct{}
	pending  map[domain.MessageID][]domain.Message
	timer    core.Timer
	gen      int

	onState  []func(State)
	onNotice []func(error)
	onEnded  []func()
}

func NewCoordinator(self domain.ParticipantID, cfg Config, clock core.Clock, next NextSpeaker) *Coordinator {
	if clock == nil {
		clock = core.RealClock()
	}
	if next == nil {
		next = func() domain.ParticipantID { return "" }
	}
	return &Coordinator{
		self:    self,
		cfg:     cfg,
		clock:   clock,
		next:    next,
		seen:    make(map[domain.MessageID]struct{}),
		pending: make(map[domain.MessageID][]domain.Message),
	}
}

func (c *Coordinator) OnState(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

// OnNotice receives dismissible notices: domain.ErrNoOpponentResponse, domain.ErrTurnConflict.
func (c *Coordinator) OnNotice(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNotice = append(c.onNotice, fn)
}

// OnEnded runs once when the round limit is reached.
func (c *Coordinator) OnEnded(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnded = append(c.onEnded, fn)
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Turns is the number of accepted turns, both sides included.
func (c *Coordinator) Turns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turns
}

// Head is the last accepted turn message.
func (c *Coordinator) Head() domain.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Rounds is the number of completed turn pairs.
func (c *Coordinator) Rounds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turns / 2
}

// Start leaves WaitingToStart: the room creator speaks first, a joiner waits.
func (c *Coordinator) Start(creator bool) {
	c.mu.Lock()
	if c.state != WaitingToStart {
		c.mu.Unlock()
		return
	}
	ev := c.newEffects()
	if creator {
		c.setStateLocked(MyTurn, ev)
	} else {
		c.enterOpponentTurnLocked(ev)
	}
	c.mu.Unlock()
	c.fire(ev)
}

// CanSend reports whether the local participant may author the next turn.
func (c *Coordinator) CanSend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case MyTurn:
		return nil
	case OpponentTurn:
		return domain.ErrNotYourTurn
	case Ended:
		return fmt.Errorf("turns: %w", domain.ErrSessionCompleted)
	default:
		return fmt.Errorf("turns not started: %w", domain.ErrInvalidState)
	}
}

// Stamp returns the fencing stamp for the next local message.
func (c *Coordinator) Stamp() domain.TurnStamp {
	next := c.next()
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.TurnStamp{Round: c.turns/2 + 1, Next: next, Prev: c.head}
}

// OnLocalSent records a local turn: MyTurn -> OpponentTurn and the turn counter grows.
func (c *Coordinator) OnLocalSent(m domain.Message) error {
	mine := c.side()
	c.mu.Lock()
	if c.state != MyTurn {
		c.mu.Unlock()
		return domain.ErrNotYourTurn
	}
	ev := c.newEffects()
	c.headPrev = c.head
	c.head = m.ID
	c.seen[m.ID] = struct{}{}
	c.turns++
	if !c.checkLimitLocked(ev) {
		c.enterOpponentTurnLocked(ev)
	}
	c.drainLocked(mine, ev)
	c.mu.Unlock()
	c.fire(ev)
	return nil
}

// OnRemoteMessage feeds a debater message from another replica, teammates included.
// It reports whether the message became the chain head.
func (c *Coordinator) OnRemoteMessage(m domain.Message) bool {
	if m.SenderID == c.self {
		return false
	}
	mine := c.side()
	c.mu.Lock()
	ev := c.newEffects()
	if c.state == WaitingToStart {
		c.enterOpponentTurnLocked(ev)
	}
	accepted := c.acceptLocked(m, mine, ev)
	if accepted {
		c.drainLocked(mine, ev)
	}
	c.mu.Unlock()
	c.fire(ev)
	return accepted
}

func (c *Coordinator) side() domain.Side {
	if c.cfg.Side == nil {
		return ""
	}
	return c.cfg.Side()
}

func (c *Coordinator) ownSide(m domain.Message, mine domain.Side) bool {
	if m.SenderID == c.self {
		return true
	}
	return mine != "" && m.Role.Side == mine
}

func (c *Coordinator) acceptLocked(m domain.Message, mine domain.Side, ev *effects) bool {
	if c.state == Ended {
		return false
	}
	if _, dup := c.seen[m.ID]; dup {
		return false
	}
	stamp := m.Turn
	if stamp == nil {
		// Unfenced sender: trust arrival when the turn is its side's.
		want := OpponentTurn
		if c.ownSide(m, mine) {
			want = MyTurn
		}
		if c.state != want {
			return false
		}
		c.advanceLocked(m, mine, ev)
		return true
	}
	switch {
	case stamp.Prev == c.head:
		c.advanceLocked(m, mine, ev)
		return true

	case c.head != "" && stamp.Prev == c.headPrev:
		c.seen[m.ID] = struct{}{}
		ev.notices = append(ev.notices, domain.ErrTurnConflict)
		if m.ID >= c.head {
			log.Info().Str("module", "turn").Str("message", string(m.ID)).Str("head", string(c.head)).Msg("concurrent turn lost tie-break")
			return false
		}
		log.Info().Str("module", "turn").Str("message", string(m.ID)).Str("head", string(c.head)).Msg("concurrent turn won tie-break")
		c.head = m.ID
		c.passLocked(m, mine, ev)
		return true

	default:
		if _, known := c.seen[stamp.Prev]; known || stamp.Prev == "" {
			c.seen[m.ID] = struct{}{}
			log.Info().Str("module", "turn").Str("message", string(m.ID)).Msg("stale turn dropped")
			return false
		}
		c.pending[stamp.Prev] = append(c.pending[stamp.Prev], m)
		log.Debug().Str("module", "turn").Str("message", string(m.ID)).Str("prev", string(stamp.Prev)).Msg("turn queued until predecessor arrives")
		return false
	}
}

func (c *Coordinator) advanceLocked(m domain.Message, mine domain.Side, ev *effects) {
	c.headPrev = c.head
	c.head = m.ID
	c.seen[m.ID] = struct{}{}
	c.turns++
	if !c.checkLimitLocked(ev) {
		c.passLocked(m, mine, ev)
	}
}

// passLocked hands the turn to the side that did not author head m.
func (c *Coordinator) passLocked(m domain.Message, mine domain.Side, ev *effects) {
	if c.ownSide(m, mine) {
		c.enterOpponentTurnLocked(ev)
		return
	}
	c.cancelTimerLocked()
	c.setStateLocked(MyTurn, ev)
}

func (c *Coordinator) drainLocked(mine domain.Side, ev *effects) {
	for {
		queued, ok := c.pending[c.head]
		if !ok {
			return
		}
		delete(c.pending, c.head)
		progressed := false
		for _, m := range queued {
			if c.acceptLocked(m, mine, ev) {
				progressed = true
				break
			}
		}
		if !progressed {
			return
		}
	}
}

func (c *Coordinator) checkLimitLocked(ev *effects) bool {
	if c.cfg.MaxRounds <= 0 || c.turns < 2*c.cfg.MaxRounds {
		return false
	}
	c.cancelTimerLocked()
	c.setStateLocked(Ended, ev)
	ev.ended = true
	return true
}

func (c *Coordinator) enterOpponentTurnLocked(ev *effects) {
	c.setStateLocked(OpponentTurn, ev)
	c.cancelTimerLocked()
	if c.cfg.ReplyTimeout <= 0 {
		return
	}
	c.gen++
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.cfg.ReplyTimeout, func() { c.expire(gen) })
}

// expire reclaims the turn after a stalled reply.
func (c *Coordinator) expire(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.state != OpponentTurn {
		c.mu.Unlock()
		return
	}
	ev := c.newEffects()
	c.timer = nil
	c.setStateLocked(MyTurn, ev)
	ev.notices = append(ev.notices, domain.ErrNoOpponentResponse)
	c.mu.Unlock()

	log.Info().Str("module", "turn").Str("participant", string(c.self)).Msg("no reply, turn reclaimed")
	c.fire(ev)
}

func (c *Coordinator) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
}

// Stop cancels the pending reply wait.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTimerLocked()
}

type effects struct {
	states   []State
	notices  []error
	ended    bool
	onState  []func(State)
	onNotice []func(error)
	onEnded  []func()
}

func (c *Coordinator) newEffects() *effects {
	return &effects{
		onState:  slices.Clone(c.onState),
		onNotice: slices.Clone(c.onNotice),
		onEnded:  slices.Clone(c.onEnded),
	}
}

func (c *Coordinator) setStateLocked(s State, ev *effects) {
	if c.state == s {
		return
	}
	c.state = s
	ev.states = append(ev.states, s)
}

// fire runs callbacks outside the lock.
func (c *Coordinator) fire(ev *effects) {
	for _, s := range ev.states {
		for _, fn := range ev.onState {
			fn(s)
		}
	}
	for _, n := range ev.notices {
		for _, fn := range ev.onNotice {
			fn(n)
		}
	}
	if ev.ended {
		for _, fn := range ev.onEnded {
			fn()
		}
	}
}
