package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/testutil"
)

const timeout = 120 * time.Second

type replica struct {
	h       *Handshake
	pub     *testutil.Recorder
	clock   *testutil.Clock
	notices []error
	done    []domain.EndRequest
}

func newReplica(self domain.ParticipantID, counterpart bool) *replica {
	r := &replica{pub: &testutil.Recorder{}, clock: testutil.NewClock()}
	r.h = New(self, r.pub, r.clock, timeout, func() bool { return counterpart })
	r.h.OnNotice(func(err error) { r.notices = append(r.notices, err) })
	r.h.OnComplete(func(req domain.EndRequest) { r.done = append(r.done, req) })
	return r
}

func last(t *testing.T, r *replica, event string) []byte {
	t.Helper()
	got := r.pub.Named(event)
	require.NotEmpty(t, got, event)
	return got[len(got)-1]
}

func TestHandshake_NoCounterpartCompletesImmediately(t *testing.T) {
	host := newReplica("host", false)

	require.NoError(t, host.h.RequestEnd(context.Background()))

	assert.Equal(t, Completed, host.h.State())
	assert.Empty(t, host.pub.Events())
	require.Len(t, host.done, 1)
	assert.Equal(t, domain.ParticipantID("host"), host.done[0].RequestedBy)
	assert.Equal(t, 0, host.clock.Pending())
}

func TestHandshake_RequestThenApprove(t *testing.T) {
	ctx := context.Background()
	host := newReplica("host", true)
	peer := newReplica("peer", true)

	require.NoError(t, host.h.RequestEnd(ctx))
	assert.Equal(t, Requested, host.h.State())

	peer.h.OnPeerRequest(last(t, host, core.EventEndRequest))
	assert.Equal(t, Pending, peer.h.State())
	req, ok := peer.h.Request()
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantID("host"), req.RequestedBy)

	require.NoError(t, peer.h.ApproveEnd(ctx))
	assert.Equal(t, Completed, peer.h.State())

	host.h.OnPeerApproved(last(t, peer, core.EventEndApprove))
	assert.Equal(t, Completed, host.h.State())
	require.Len(t, host.done, 1)
	assert.True(t, host.done[0].Approved)
	assert.Equal(t, domain.ParticipantID("peer"), host.done[0].ApprovedBy)
	assert.Len(t, peer.done, 1)
}

func TestHandshake_MutualRequestTieBreak(t *testing.T) {
	ctx := context.Background()
	host := newReplica("host", true)
	peer := newReplica("peer", true)

	require.NoError(t, host.h.RequestEnd(ctx))
	require.NoError(t, peer.h.RequestEnd(ctx))

	host.h.OnPeerRequest(last(t, peer, core.EventEndRequest))
	peer.h.OnPeerRequest(last(t, host, core.EventEndRequest))

	assert.Equal(t, Completed, host.h.State())
	assert.Equal(t, Completed, peer.h.State())
	assert.Len(t, host.done, 1)
	assert.Len(t, peer.done, 1)
	assert.Equal(t, 0, host.clock.Pending())
}

func TestHandshake_LoneRequestNeverCompletes(t *testing.T) {
	host := newReplica("host", true)
	require.NoError(t, host.h.RequestEnd(context.Background()))

	host.clock.Advance(timeout - time.Second)
	assert.Equal(t, Requested, host.h.State())

	host.clock.Advance(time.Second)
	assert.Equal(t, None, host.h.State())
	require.Len(t, host.notices, 1)
	assert.ErrorIs(t, host.notices[0], domain.ErrEndRequestExpired)
	assert.Empty(t, host.done)

	_, open := host.h.Request()
	assert.False(t, open)

	// a late approval after expiry must not complete
	host.h.OnPeerApproved([]byte(`{"requestedBy":"host","approvedBy":"peer"}`))
	assert.Equal(t, None, host.h.State())

	require.NoError(t, host.h.RequestEnd(context.Background()))
	assert.Equal(t, Requested, host.h.State())
}

func TestHandshake_PendingExpires(t *testing.T) {
	peer := newReplica("peer", true)
	peer.h.OnPeerRequest([]byte(`{"requestedBy":"host"}`))
	require.Equal(t, Pending, peer.h.State())

	peer.clock.Advance(timeout)
	assert.Equal(t, None, peer.h.State())
	assert.ErrorIs(t, peer.h.ApproveEnd(context.Background()), domain.ErrInvalidState)
}

func TestHandshake_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	r := newReplica("me", true)

	assert.ErrorIs(t, r.h.ApproveEnd(ctx), domain.ErrInvalidState)
	require.NoError(t, r.h.RequestEnd(ctx))
	assert.ErrorIs(t, r.h.RequestEnd(ctx), domain.ErrInvalidState)

	r.h.OnPeerApproved([]byte(`{"requestedBy":"me","approvedBy":"them"}`))
	require.Equal(t, Completed, r.h.State())
	assert.ErrorIs(t, r.h.RequestEnd(ctx), domain.ErrSessionCompleted)

	// duplicates after completion are ignored
	r.h.OnPeerApproved([]byte(`{"requestedBy":"me","approvedBy":"them"}`))
	r.h.OnPeerRequest([]byte(`{"requestedBy":"them"}`))
	assert.Len(t, r.done, 1)
}

func TestHandshake_IgnoresOwnEchoAndGarbage(t *testing.T) {
	r := newReplica("me", true)

	r.h.OnPeerRequest([]byte(`{"requestedBy":"me"}`))
	r.h.OnPeerRequest([]byte(`{not json`))
	r.h.OnPeerRequest([]byte(`{}`))
	r.h.OnPeerApproved([]byte(`[]`))

	assert.Equal(t, None, r.h.State())
}

func TestHandshake_ApprovalForAnotherRequester(t *testing.T) {
	r := newReplica("me", true)
	require.NoError(t, r.h.RequestEnd(context.Background()))

	r.h.OnPeerApproved([]byte(`{"requestedBy":"someone","approvedBy":"them"}`))
	assert.Equal(t, Requested, r.h.State())

	observer := newReplica("obs", true)
	observer.h.OnPeerRequest([]byte(`{"requestedBy":"host"}`))
	observer.h.OnPeerApproved([]byte(`{"requestedBy":"host","approvedBy":"peer"}`))
	assert.Equal(t, Completed, observer.h.State())
}

func TestHandshake_PublishFailureKeepsRequest(t *testing.T) {
	r := newReplica("me", true)
	r.pub.Err = errors.New("socket closed")

	err := r.h.RequestEnd(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, Requested, r.h.State())
	assert.Equal(t, 1, r.clock.Pending())
}
