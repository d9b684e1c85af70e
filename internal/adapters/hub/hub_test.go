package hub

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return ErrBackpressure
	}
	var fr Frame
	if err := json.Unmarshal(f, &fr); err != nil {
		return err
	}
	c.frames = append(c.frames, fr)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) take() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.frames
	c.frames = nil
	return out
}

type member struct {
	sid      core.SessionID
	conn     *fakeConn
	canceled bool
}

func join(h *Hub, topic string, id domain.ParticipantID) *member {
	m := &member{sid: core.SessionID("ct/" + string(id)), conn: &fakeConn{}}
	h.Join(m.sid, topic, core.NewMemberSession(id, m.conn), func() { m.canceled = true })
	return m
}

func record(id domain.ParticipantID, name string) domain.Participant {
	return domain.Participant{ID: id, DisplayName: name, Role: domain.Observer(), IsActive: true, JoinedAt: time.Unix(int64(id[0]), 0)}
}

func lastSync(frames []Frame) []domain.Participant {
	var out []domain.Participant
	for _, f := range frames {
		if f.Type == FramePresence && f.Kind == core.PresenceSync {
			out = f.Records
		}
	}
	return out
}

func TestHub_JoinSendsEmptySync(t *testing.T) {
	h := New(nil)
	a := join(h, "ROOM01", "a")

	frames := a.conn.take()
	require.Len(t, frames, 1)
	assert.Equal(t, FramePresence, frames[0].Type)
	assert.Equal(t, core.PresenceSync, frames[0].Kind)
	assert.Empty(t, frames[0].Records)
}

func TestHub_TrackAnnouncesJoinAndSync(t *testing.T) {
	h := New(nil)
	a := join(h, "ROOM01", "a")
	b := join(h, "ROOM01", "b")
	a.conn.take()
	b.conn.take()

	require.NoError(t, h.Track(a.sid, record("a", "Ann")))
	require.NoError(t, h.Track(b.sid, record("b", "Bob")))

	framesA := a.conn.take()
	var joins []domain.ParticipantID
	for _, f := range framesA {
		if f.Kind == core.PresenceJoin {
			joins = append(joins, f.Records[0].ID)
		}
	}
	assert.Equal(t, []domain.ParticipantID{"b"}, joins, "own join is not echoed")
	roster := lastSync(framesA)
	require.Len(t, roster, 2)
	assert.Equal(t, domain.ParticipantID("a"), roster[0].ID)

	t.Run("retrack only syncs", func(t *testing.T) {
		b.conn.take()
		rec := record("a", "Ann")
		rec.CameraOn = true
		require.NoError(t, h.Track(a.sid, rec))
		for _, f := range b.conn.take() {
			assert.NotEqual(t, core.PresenceJoin, f.Kind)
		}
	})

	t.Run("foreign id rejected", func(t *testing.T) {
		err := h.Track(a.sid, record("b", "Mallory"))
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	})
}

func TestHub_PublishSkipsSenderAndTopics(t *testing.T) {
	h := New(nil)
	a := join(h, "ROOM01", "a")
	b := join(h, "ROOM01", "b")
	c := join(h, "ROOM02", "c")
	for _, m := range []*member{a, b, c} {
		m.conn.take()
	}

	require.NoError(t, h.Publish(a.sid, core.EventDebateMessage, json.RawMessage(`{"id":"m1"}`)))

	assert.Empty(t, a.conn.take())
	assert.Empty(t, c.conn.take())
	got := b.conn.take()
	require.Len(t, got, 1)
	assert.Equal(t, FrameBroadcast, got[0].Type)
	assert.Equal(t, core.EventDebateMessage, got[0].Event)
	assert.JSONEq(t, `{"id":"m1"}`, string(got[0].Payload))

	assert.ErrorIs(t, h.Publish("ct/nobody", "x", nil), ErrNotSubscribed)
}

func TestHub_LeaveAndUntrack(t *testing.T) {
	h := New(nil)
	a := join(h, "ROOM01", "a")
	b := join(h, "ROOM01", "b")
	require.NoError(t, h.Track(a.sid, record("a", "Ann")))
	require.NoError(t, h.Track(b.sid, record("b", "Bob")))
	a.conn.take()

	h.Untrack(b.sid)
	frames := a.conn.take()
	require.NotEmpty(t, frames)
	assert.Equal(t, core.PresenceLeave, frames[0].Kind)
	assert.Len(t, lastSync(frames), 1)

	h.Untrack(b.sid)
	assert.Empty(t, a.conn.take(), "second untrack is a no-op")

	h.Leave(a.sid)
	h.Leave(b.sid)
	_, ok := h.Topics.Get("ROOM01")
	assert.False(t, ok, "empty topic is stopped")
}

func TestHub_RoomsListing(t *testing.T) {
	h := New(nil)
	join(h, "B", "x")
	join(h, "A", "y")
	join(h, "A", "z")

	assert.Equal(t, []core.TopicInfo{{Name: "A", MemberCount: 2}, {Name: "B", MemberCount: 1}}, h.Topics.List())
}

func TestHub_SlowConsumerKicked(t *testing.T) {
	h := New(nil)
	a := join(h, "ROOM01", "a")
	b := join(h, "ROOM01", "b")
	require.NoError(t, h.Track(b.sid, record("b", "Bob")))
	b.conn.mu.Lock()
	b.conn.full = true
	b.conn.mu.Unlock()

	require.NoError(t, h.Publish(a.sid, "x", json.RawMessage(`1`)))

	assert.True(t, b.canceled)
	_, _, ok := h.Registry.TopicOf(b.sid)
	assert.False(t, ok)
	assert.Empty(t, lastSync(a.conn.take()))
}

func TestHub_RateLimit(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Unix(100, 0)
	rl.now = func() time.Time { return now }
	h := New(rl)
	a := join(h, "ROOM01", "a")

	require.NoError(t, h.Publish(a.sid, "x", nil))
	require.NoError(t, h.Publish(a.sid, "x", nil))
	assert.ErrorIs(t, h.Publish(a.sid, "x", nil), ErrRateLimited)

	now = now.Add(1100 * time.Millisecond)
	assert.NoError(t, h.Publish(a.sid, "x", nil))
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Second)
	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow("a"))
	}
}
