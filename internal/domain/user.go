// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"fmt"
	"strings"
)

const (
	MaxUserIDLen    = 64
	MaxSessionIDLen = 128
)

var (
	ErrUserIDEmpty      = errors.New("user id empty")
	ErrUserIDTooLong    = errors.New("user id too long")
	ErrSessionIDEmpty   = errors.New("session id empty")
	ErrSessionIDTooLong = errors.New("session id too long")
	ErrUnknownRole      = errors.New("unknown role")
)

type UserID string

func (id UserID) Validate() error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}

// Role is fixed for the lifetime of a session. The patient always offers,
// the provider always answers.
type Role int

const (
	RolePatient Role = iota + 1
	RoleProvider
)

func (r Role) Offers() bool { return r == RolePatient }

func (r Role) String() string {
	switch r {
	case RolePatient:
		return "patient"
	case RoleProvider:
		return "provider"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole is only meant for config and CLI input.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient":
		return RolePatient, nil
	case "provider", "doctor":
		return RoleProvider, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Participant is one side of a call as seen by its own peer.
type Participant struct {
	ID   UserID
	Role Role
}
