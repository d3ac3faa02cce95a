// Package approval resolves the ordered chain of review levels a material
// request has to pass and authorizes reviewers against it.
package approval

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Action enumerates reviewer decisions recorded against a level.
type Action string

const (
	ActionApproved Action = "APPROVED"
	ActionRejected Action = "REJECTED"
	ActionPending  Action = "PENDING"
)

// Valid reports whether the action is one of the known decisions.
func (a Action) Valid() bool {
	switch a {
	case ActionApproved, ActionRejected, ActionPending:
		return true
	}
	return false
}

// ActivationKind tags the predicate deciding whether a level joins the chain.
type ActivationKind string

const (
	// ActivateAlways puts the level in every chain.
	ActivateAlways ActivationKind = "always"
	// ActivateTotalAbove adds the level only when the request value exceeds Limit.
	ActivateTotalAbove ActivationKind = "total_above"
)

// Activation is the predicate attached to a level descriptor.
type Activation struct {
	Kind  ActivationKind
	Limit decimal.Decimal
}

// Active evaluates the predicate for a subject.
func (a Activation) Active(subj Subject) bool {
	switch a.Kind {
	case "", ActivateAlways:
		return true
	case ActivateTotalAbove:
		return subj.TotalValue.GreaterThan(a.Limit)
	}
	return false
}

// Level describes one review gate.
type Level struct {
	Number        int
	Code          string
	Name          string
	RequiredRoles []string
	Activation    Activation
}

// Subject carries the request facts the activation predicates look at.
type Subject struct {
	TotalValue decimal.Decimal
}

// Outcome of resolving a chain position.
type Outcome string

const (
	OutcomePending  Outcome = "PENDING"
	OutcomeComplete Outcome = "COMPLETE"
	OutcomeRejected Outcome = "REJECTED"
)

// Decision is the resolver answer: either the level now awaiting review or a
// terminal outcome.
type Decision struct {
	Outcome Outcome
	Level   Level
}

var (
	// ErrUnauthorizedTransition is returned when the reviewer holds none of the level roles.
	ErrUnauthorizedTransition = errors.New("approval: reviewer not authorized for level")
	// ErrUnknownLevel is returned for a level number missing from the configuration.
	ErrUnknownLevel = errors.New("approval: unknown level")
	// ErrInvalidConfig is returned when the chain configuration is malformed.
	ErrInvalidConfig = errors.New("approval: invalid chain configuration")
	// ErrInvalidAction is returned for an action outside the known set.
	ErrInvalidAction = errors.New("approval: invalid action")
)
