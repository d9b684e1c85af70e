package domain

import (
	"fmt"
	"strings"
)

type Side string

const (
	SideFor     Side = "FOR"
	SideAgainst Side = "AGAINST"
)

// Opposite returns the other debating side.
func (s Side) Opposite() Side {
	if s == SideFor {
		return SideAgainst
	}
	return SideFor
}

type RoleKind uint8

const (
	RoleUnassigned RoleKind = iota
	RoleDebater
	RoleObserver
	RoleEvaluator
)

// Role is a tagged union: Side is meaningful only when Kind == RoleDebater.
// On the wire it is the flat string the clients already use ("FOR", "OBSERVER", ...).
type Role struct {
	Kind RoleKind
	Side Side
}

func Unassigned() Role       { return Role{} }
func Debater(side Side) Role { return Role{Kind: RoleDebater, Side: side} }
func Observer() Role         { return Role{Kind: RoleObserver} }
func Evaluator() Role        { return Role{Kind: RoleEvaluator} }

func (r Role) IsDebater() bool { return r.Kind == RoleDebater }

// CanAuthor reports whether the role may write to the message log.
func (r Role) CanAuthor() bool {
	return r.Kind == RoleDebater || r.Kind == RoleEvaluator
}

func (r Role) String() string {
	switch r.Kind {
	case RoleDebater:
		return string(r.Side)
	case RoleObserver:
		return "OBSERVER"
	case RoleEvaluator:
		return "EVALUATOR"
	default:
		return ""
	}
}

// ParseRole accepts the wire names case-insensitively; empty means Unassigned.
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return Unassigned(), nil
	case string(SideFor):
		return Debater(SideFor), nil
	case string(SideAgainst):
		return Debater(SideAgainst), nil
	case "OBSERVER":
		return Observer(), nil
	case "EVALUATOR":
		return Evaluator(), nil
	default:
		return Role{}, fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
