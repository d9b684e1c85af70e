package wsclient

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/dkeye/Debate/internal/adapters/http"
	"github.com/dkeye/Debate/internal/adapters/hub"
	"github.com/dkeye/Debate/internal/app/session"
	"github.com/dkeye/Debate/internal/config"
	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

const wait = 2 * time.Second

func startHub(t *testing.T) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cfg := &config.Config{
		Mode:       "test",
		StaticPath: t.TempDir(),
		Secret:     "test-secret",
		ReadLimit:  1 << 16,
		PingPeriod: time.Second,
		SendBuffer: 64,
	}
	srv := httptest.NewServer(httpadapter.SetupRouter(ctx, cfg, hub.New(nil)))
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

type recorder struct {
	mu       sync.Mutex
	payloads [][]byte
	presence []core.PresenceEvent
}

func (r *recorder) onBroadcast(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
}

func (r *recorder) onPresence(ev core.PresenceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence = append(r.presence, ev)
}

func (r *recorder) broadcasts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recorder) sawKind(kind core.PresenceKind, id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.presence {
		if ev.Kind != kind {
			continue
		}
		for _, rec := range ev.Records {
			if rec.ID == id {
				return true
			}
		}
	}
	return false
}

func participant(id domain.ParticipantID, name string) domain.Participant {
	return domain.Participant{ID: id, DisplayName: name, Role: domain.Observer(), IsActive: true, JoinedAt: time.Now()}
}

func TestSubscription_BroadcastAndPresence(t *testing.T) {
	client := startHub(t)
	ctx := context.Background()

	a, err := client.Subscribe(ctx, "debate-room-ABC123", "a")
	require.NoError(t, err)
	var ra recorder
	a.On("ping-test", ra.onBroadcast)
	a.OnPresence(ra.onPresence)
	require.NoError(t, a.Track(ctx, participant("a", "Ann")))

	b, err := client.Subscribe(ctx, "debate-room-ABC123", "b")
	require.NoError(t, err)
	var rb recorder
	b.On("ping-test", rb.onBroadcast)
	b.OnPresence(rb.onPresence)

	require.Eventually(t, func() bool { return len(b.Snapshot()) == 1 }, wait, 10*time.Millisecond,
		"a joiner starts from the current roster")

	require.NoError(t, b.Track(ctx, participant("b", "Bob")))
	require.Eventually(t, func() bool { return ra.sawKind(core.PresenceJoin, "b") }, wait, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(a.Snapshot()) == 2 }, wait, 10*time.Millisecond)

	require.NoError(t, b.Publish(ctx, "ping-test", map[string]string{"hello": "world"}))
	require.Eventually(t, func() bool { return ra.broadcasts() == 1 }, wait, 10*time.Millisecond)
	ra.mu.Lock()
	assert.JSONEq(t, `{"hello":"world"}`, string(ra.payloads[0]))
	ra.mu.Unlock()
	assert.Zero(t, rb.broadcasts(), "sender never receives its own broadcast")

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return ra.sawKind(core.PresenceLeave, "b") }, wait, 10*time.Millisecond)
	assert.Len(t, a.Snapshot(), 1)
	assert.ErrorIs(t, b.Publish(ctx, "ping-test", 1), ErrClosed)
	require.NoError(t, a.Close())
}

func TestSubscription_TopicsAreIsolated(t *testing.T) {
	client := startHub(t)
	ctx := context.Background()

	a, err := client.Subscribe(ctx, "debate-room-AAAAAA", "a")
	require.NoError(t, err)
	b, err := client.Subscribe(ctx, "debate-room-BBBBBB", "b")
	require.NoError(t, err)
	c, err := client.Subscribe(ctx, "debate-room-AAAAAA", "c")
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()
	defer c.Close()

	var rb, rc recorder
	b.On("x", rb.onBroadcast)
	c.On("x", rc.onBroadcast)

	require.NoError(t, a.Publish(ctx, "x", json.RawMessage(`1`)))
	require.Eventually(t, func() bool { return rc.broadcasts() == 1 }, wait, 10*time.Millisecond)
	assert.Zero(t, rb.broadcasts())
}

func TestSubscribe_BadURL(t *testing.T) {
	_, err := New("ws://127.0.0.1:1").Subscribe(context.Background(), "t", "a")
	assert.Error(t, err)
}

func TestSession_JoinOverHub(t *testing.T) {
	client := startHub(t)
	ctx := context.Background()
	opts := session.DefaultOptions()
	opts.JoinTimeout = wait

	host, err := session.Create(ctx, session.Deps{Channel: client}, opts, session.CreateParams{
		Topic:    "Cities should ban cars",
		Format:   domain.FormatFree,
		HostName: "Ann",
	})
	require.NoError(t, err)
	defer host.Leave(ctx)

	guest, err := session.Join(ctx, session.Deps{Channel: client}, opts, host.Room().ID, "Bob")
	require.NoError(t, err)
	defer guest.Leave(ctx)
	assert.Equal(t, "Cities should ban cars", guest.Room().Topic)
	assert.Equal(t, host.Self().ID, guest.Room().HostID)

	require.Eventually(t, func() bool { return len(host.Participants()) == 2 }, wait, 10*time.Millisecond)

	require.NoError(t, host.Start())
	require.NoError(t, guest.Start())
	require.NoError(t, guest.SelectRole(ctx, domain.Debater(domain.SideAgainst)))
	sent, err := guest.Send(ctx, "Cars keep suburbs alive")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, m := range host.Messages() {
			if m.ID == sent.ID {
				return true
			}
		}
		return false
	}, wait, 10*time.Millisecond)

	_, err = session.Join(ctx, session.Deps{Channel: client}, session.Options{JoinTimeout: 100 * time.Millisecond}, "ZZZZZZ", "Eve")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}
