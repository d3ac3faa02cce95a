// Package rbac resolves who is acting: the roles a user holds and whether the
// account may still change state.
package rbac

import (
	"errors"
	"strings"
)

// RoleStorekeeper may book receipts, adjustments and issuances.
const RoleStorekeeper = "storekeeper"

// Actor is the identity behind a state-changing call.
type Actor struct {
	ID     int64
	Roles  []string
	Active bool
}

// HasRole reports whether the actor holds role, ignoring case.
func (a Actor) HasRole(role string) bool {
	role = strings.TrimSpace(role)
	for _, r := range a.Roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

var (
	// ErrNotFound indicates that the requested user does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrInactiveActor is returned when a deactivated user attempts a change.
	ErrInactiveActor = errors.New("rbac: actor inactive")
)
