// Package consensus closes a session with a two-phase request/approve handshake.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

type State int

const (
	None State = iota
	Requested
	Pending
	Completed
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Requested:
		return "requested"
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Counterpart reports whether another debater is present.
type Counterpart func() bool

// Handshake is the per-replica end-consensus state machine.
type Handshake struct {
	self        domain.ParticipantID
	pub         core.Publisher
	clock       core.Clock
	timeout     time.Duration
	counterpart Counterpart

	mu       sync.Mutex
	state    State
	request  *domain.EndRequest
	timer    core.Timer
	gen      int
	onState  []func(State)
	onNotice []func(error)
	onDone   []func(domain.EndRequest)
}

func New(self domain.ParticipantID, pub core.Publisher, clock core.Clock, timeout time.Duration, counterpart Counterpart) *Handshake {
	if clock == nil {
		clock = core.RealClock()
	}
	return &Handshake{self: self, pub: pub, clock: clock, timeout: timeout, counterpart: counterpart}
}

func (h *Handshake) OnState(fn func(State)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onState = append(h.onState, fn)
}

func (h *Handshake) OnNotice(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onNotice = append(h.onNotice, fn)
}

// OnComplete runs once, with the request that was resolved.
func (h *Handshake) OnComplete(fn func(domain.EndRequest)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDone = append(h.onDone, fn)
}

func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Request returns the open or resolved request, if any.
func (h *Handshake) Request() (domain.EndRequest, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.request == nil {
		return domain.EndRequest{}, false
	}
	return *h.request, true
}

// RequestEnd asks the counterpart to end. Without a live counterpart the session
// completes at once. A publish failure keeps the request open and is retriable.
func (h *Handshake) RequestEnd(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case None:
	case Completed:
		h.mu.Unlock()
		return fmt.Errorf("request end: %w", domain.ErrSessionCompleted)
	default:
		h.mu.Unlock()
		return fmt.Errorf("request end from %s: %w", h.state, domain.ErrInvalidState)
	}
	ev := h.effects()
	req := domain.EndRequest{RequestedBy: h.self, Timestamp: h.clock.Now()}
	h.request = &req

	if h.counterpart == nil || !h.counterpart() {
		h.completeLocked(h.self, ev)
		h.mu.Unlock()
		log.Info().Str("module", "consensus").Str("participant", string(h.self)).Msg("no counterpart, session ended")
		h.fire(ev)
		return nil
	}
	h.setStateLocked(Requested, ev)
	h.armLocked()
	h.mu.Unlock()
	h.fire(ev)

	log.Info().Str("module", "consensus").Str("participant", string(h.self)).Msg("end requested")
	if err := h.pub.Publish(ctx, core.EventEndRequest, req); err != nil {
		return fmt.Errorf("publish end request: %w: %w", domain.ErrTransient, err)
	}
	return nil
}

// ApproveEnd accepts the counterpart's pending request.
func (h *Handshake) ApproveEnd(ctx context.Context) error {
	h.mu.Lock()
	if h.state != Pending {
		st := h.state
		h.mu.Unlock()
		if st == Completed {
			return fmt.Errorf("approve end: %w", domain.ErrSessionCompleted)
		}
		return fmt.Errorf("approve end from %s: %w", st, domain.ErrInvalidState)
	}
	ev := h.effects()
	approval := domain.EndApproval{RequestedBy: h.request.RequestedBy, ApprovedBy: h.self, Timestamp: h.clock.Now()}
	h.completeLocked(h.self, ev)
	h.mu.Unlock()
	h.fire(ev)

	if err := h.pub.Publish(ctx, core.EventEndApprove, approval); err != nil {
		return fmt.Errorf("publish end approval: %w: %w", domain.ErrTransient, err)
	}
	return nil
}

// OnPeerRequest handles an end-request broadcast. A request that crosses our own
// resolves the session immediately.
func (h *Handshake) OnPeerRequest(payload []byte) {
	var req domain.EndRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.RequestedBy == "" {
		log.Warn().Err(err).Str("module", "consensus").Msg("bad end-request payload")
		return
	}
	if req.RequestedBy == h.self {
		return
	}

	h.mu.Lock()
	ev := h.effects()
	switch h.state {
	case None:
		h.request = &req
		h.setStateLocked(Pending, ev)
		h.armLocked()
		log.Info().Str("module", "consensus").Str("peer", string(req.RequestedBy)).Msg("end request pending approval")
	case Requested:
		log.Info().Str("module", "consensus").Str("peer", string(req.RequestedBy)).Msg("mutual end request, session ended")
		h.completeLocked(req.RequestedBy, ev)
	}
	h.mu.Unlock()
	h.fire(ev)
}

// OnPeerApproved handles an end-approve broadcast.
func (h *Handshake) OnPeerApproved(payload []byte) {
	var a domain.EndApproval
	if err := json.Unmarshal(payload, &a); err != nil || a.ApprovedBy == "" {
		log.Warn().Err(err).Str("module", "consensus").Msg("bad end-approve payload")
		return
	}
	if a.ApprovedBy == h.self {
		return
	}

	h.mu.Lock()
	ev := h.effects()
	switch h.state {
	case Requested:
		if a.RequestedBy == "" || a.RequestedBy == h.self {
			h.completeLocked(a.ApprovedBy, ev)
		}
	case Pending:
		// a third replica saw the same request approved by someone else
		if a.RequestedBy != "" && a.RequestedBy == h.request.RequestedBy {
			h.completeLocked(a.ApprovedBy, ev)
		}
	}
	h.mu.Unlock()
	h.fire(ev)
}

// Stop cancels the expiry timer.
func (h *Handshake) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelLocked()
}

func (h *Handshake) armLocked() {
	h.cancelLocked()
	if h.timeout <= 0 {
		return
	}
	gen := h.gen
	h.timer = h.clock.AfterFunc(h.timeout, func() { h.expire(gen) })
}

func (h *Handshake) cancelLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.gen++
}

func (h *Handshake) expire(gen int) {
	h.mu.Lock()
	if gen != h.gen || (h.state != Requested && h.state != Pending) {
		h.mu.Unlock()
		return
	}
	ev := h.effects()
	prev := h.state
	h.timer = nil
	h.request = nil
	h.setStateLocked(None, ev)
	ev.notices = append(ev.notices, domain.ErrEndRequestExpired)
	h.mu.Unlock()

	log.Info().Str("module", "consensus").Str("participant", string(h.self)).Str("from", prev.String()).Msg("end request expired")
	h.fire(ev)
}

func (h *Handshake) completeLocked(approvedBy domain.ParticipantID, ev *effects) {
	h.cancelLocked()
	h.request.Approved = true
	h.request.ApprovedBy = approvedBy
	h.setStateLocked(Completed, ev)
	done := *h.request
	ev.done = &done
}

type effects struct {
	states   []State
	notices  []error
	done     *domain.EndRequest
	onState  []func(State)
	onNotice []func(error)
	onDone   []func(domain.EndRequest)
}

func (h *Handshake) effects() *effects {
	return &effects{
		onState:  append([]func(State){}, h.onState...),
		onNotice: append([]func(error){}, h.onNotice...),
		onDone:   append([]func(domain.EndRequest){}, h.onDone...),
	}
}

func (h *Handshake) setStateLocked(s State, ev *effects) {
	if h.state == s {
		return
	}
	h.state = s
	ev.states = append(ev.states, s)
}

func (h *Handshake) fire(ev *effects) {
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
	if ev.done != nil {
		req := *ev.done
		for _, fn := range ev.onDone {
			fn(req)
		}
	}
}
