// Package roles lets the local participant claim a side or a non-debating role.
package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/app/presence"
	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

// Assignment owns the local participant's role. Changes are fire-and-forget:
// presence is re-published and a dedicated select-role event is emitted.
type Assignment struct {
	registry *presence.Registry
	pub      core.Publisher

	mu       sync.RWMutex
	self     domain.Participant
	watchers []func(domain.Role)
}

func NewAssignment(self domain.Participant, registry *presence.Registry, pub core.Publisher) *Assignment {
	return &Assignment{registry: registry, pub: pub, self: self}
}

// Self returns the local participant record.
func (a *Assignment) Self() domain.Participant {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.self
}

func (a *Assignment) Current() domain.Role {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.self.Role
}

// Watch registers fn to run after every local role change.
func (a *Assignment) Watch(fn func(domain.Role)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watchers = append(a.watchers, fn)
}

// SelectRole switches the acting participant to role. Only the local participant can
// be changed. The local copy is updated before anything is published, so a transient
// error leaves the new role in place.
func (a *Assignment) SelectRole(ctx context.Context, id domain.ParticipantID, role domain.Role) error {
	a.mu.Lock()
	if id != a.self.ID {
		a.mu.Unlock()
		return fmt.Errorf("select role for %s: %w", id, domain.ErrPermissionDenied)
	}
	if role.Kind == domain.RoleDebater && role.Side != domain.SideFor && role.Side != domain.SideAgainst {
		a.mu.Unlock()
		return fmt.Errorf("select role side %q: %w", role.Side, domain.ErrInvalidState)
	}
	a.self.Role = role
	self := a.self
	watchers := append([]func(domain.Role){}, a.watchers...)
	a.mu.Unlock()

	log.Info().Str("module", "roles").Str("participant", string(self.ID)).Str("role", role.String()).Msg("role selected")
	for _, fn := range watchers {
		fn(role)
	}

	var errs []error
	if err := a.registry.SelfRegister(ctx, self); err != nil {
		errs = append(errs, err)
	}
	change := presence.RoleChange{ParticipantID: self.ID, DisplayName: self.DisplayName, Role: role}
	if err := a.pub.Publish(ctx, core.EventSelectRole, change); err != nil {
		errs = append(errs, fmt.Errorf("publish role: %w: %w", domain.ErrTransient, err))
	}
	return errors.Join(errs...)
}

// SetCamera updates the camera flag on the local record and re-publishes presence.
func (a *Assignment) SetCamera(ctx context.Context, on bool) error {
	a.mu.Lock()
	a.self.CameraOn = on
	self := a.self
	a.mu.Unlock()
	return a.registry.SelfRegister(ctx, self)
}

// OnRemoteRoleChanged applies a select-role broadcast from another replica.
func (a *Assignment) OnRemoteRoleChanged(payload []byte) {
	var rc presence.RoleChange
	if err := json.Unmarshal(payload, &rc); err != nil || rc.ParticipantID == "" {
		log.Warn().Err(err).Str("module", "roles").Msg("bad select-role payload")
		return
	}
	if rc.ParticipantID == a.Self().ID {
		return
	}
	a.registry.ApplyRole(rc)
}
