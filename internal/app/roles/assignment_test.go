package roles

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Debate/internal/app/presence"
	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/testutil"
)

func newAssignment(rec *testutil.Recorder) (*Assignment, *presence.Registry) {
	self := domain.Participant{ID: "me", DisplayName: "Me", IsActive: true}
	reg := presence.NewRegistry(self.ID, rec, testutil.NewClock())
	return NewAssignment(self, reg, rec), reg
}

func TestAssignment_SelectRole(t *testing.T) {
	rec := &testutil.Recorder{}
	a, reg := newAssignment(rec)

	require.NoError(t, a.SelectRole(context.Background(), "me", domain.Debater(domain.SideFor)))

	assert.Equal(t, domain.Debater(domain.SideFor), a.Current())

	t.Run("re-publishes presence", func(t *testing.T) {
		tracked := rec.Tracked()
		require.NotEmpty(t, tracked)
		assert.Equal(t, domain.Debater(domain.SideFor), tracked[len(tracked)-1].Role)
		p, ok := reg.Get("me")
		require.True(t, ok)
		assert.Equal(t, domain.Debater(domain.SideFor), p.Role)
	})

	t.Run("emits role-changed event", func(t *testing.T) {
		payloads := rec.Named(core.EventSelectRole)
		require.Len(t, payloads, 1)
		var rc presence.RoleChange
		require.NoError(t, json.Unmarshal(payloads[0], &rc))
		assert.Equal(t, domain.ParticipantID("me"), rc.ParticipantID)
		assert.Equal(t, domain.Debater(domain.SideFor), rc.Role)
	})

	t.Run("one role at a time", func(t *testing.T) {
		require.NoError(t, a.SelectRole(context.Background(), "me", domain.Observer()))
		assert.Equal(t, domain.Observer(), a.Current())
		p, _ := reg.Get("me")
		assert.Equal(t, domain.Observer(), p.Role)
	})
}

func TestAssignment_SelectRoleErrors(t *testing.T) {
	t.Run("other participant", func(t *testing.T) {
		a, _ := newAssignment(&testutil.Recorder{})
		err := a.SelectRole(context.Background(), "them", domain.Observer())
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
		assert.Equal(t, domain.Unassigned(), a.Current())
	})

	t.Run("transient failure keeps new role", func(t *testing.T) {
		rec := &testutil.Recorder{Err: errors.New("offline")}
		a, _ := newAssignment(rec)
		err := a.SelectRole(context.Background(), "me", domain.Evaluator())
		assert.ErrorIs(t, err, domain.ErrTransient)
		assert.Equal(t, domain.Evaluator(), a.Current())
	})
}

func TestAssignment_OnRemoteRoleChanged(t *testing.T) {
	a, reg := newAssignment(&testutil.Recorder{})

	a.OnRemoteRoleChanged([]byte(`{"participantId":"them","name":"Them","side":"AGAINST"}`))
	assert.True(t, reg.OpponentConnected())

	a.OnRemoteRoleChanged([]byte(`{"participantId":`))
	a.OnRemoteRoleChanged([]byte(`{"participantId":"me","side":"FOR"}`))
	_, ok := reg.Get("me")
	assert.False(t, ok, "own echo must not touch the roster")
}
