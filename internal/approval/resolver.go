package approval

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// Resolver answers which level a request must pass next. It holds no mutable
// state and is safe for concurrent use.
type Resolver struct {
	levels []Level
	roles  map[int]map[string]struct{}
}

// NewResolver validates cfg and builds a Resolver.
func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	levels := append([]Level(nil), cfg.Levels...)
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Number < levels[j].Number })
	roles := make(map[int]map[string]struct{}, len(levels))
	for _, lvl := range levels {
		set := make(map[string]struct{}, len(lvl.RequiredRoles))
		for _, role := range lvl.RequiredRoles {
			set[foldRole(role)] = struct{}{}
		}
		roles[lvl.Number] = set
	}
	return &Resolver{levels: levels, roles: roles}, nil
}

// Levels returns every configured level in order.
func (r *Resolver) Levels() []Level {
	return append([]Level(nil), r.levels...)
}

// Level looks up a descriptor by number.
func (r *Resolver) Level(number int) (Level, bool) {
	for _, lvl := range r.levels {
		if lvl.Number == number {
			return lvl, true
		}
	}
	return Level{}, false
}

// Chain returns the levels active for the subject, in order.
func (r *Resolver) Chain(subj Subject) []Level {
	chain := make([]Level, 0, len(r.levels))
	for _, lvl := range r.levels {
		if lvl.Activation.Active(subj) {
			chain = append(chain, lvl)
		}
	}
	return chain
}

// First resolves the level a freshly submitted request enters.
func (r *Resolver) First(subj Subject) Decision {
	return r.After(0, subj)
}

// After resolves the first active level strictly above current. A current of
// zero means no level has been passed yet.
func (r *Resolver) After(current int, subj Subject) Decision {
	for _, lvl := range r.levels {
		if lvl.Number <= current {
			continue
		}
		if lvl.Activation.Active(subj) {
			return Decision{Outcome: OutcomePending, Level: lvl}
		}
	}
	return Decision{Outcome: OutcomeComplete}
}

// Resolve applies action at the current level and returns where the chain goes.
func (r *Resolver) Resolve(current int, action Action, subj Subject) (Decision, error) {
	lvl, ok := r.Level(current)
	if !ok {
		return Decision{}, fmt.Errorf("%w: %d", ErrUnknownLevel, current)
	}
	switch action {
	case ActionRejected:
		return Decision{Outcome: OutcomeRejected, Level: lvl}, nil
	case ActionPending:
		return Decision{Outcome: OutcomePending, Level: lvl}, nil
	case ActionApproved:
		return r.After(current, subj), nil
	}
	return Decision{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
}

// RequiredRoles lists the roles accepted at a level.
func (r *Resolver) RequiredRoles(number int) ([]string, error) {
	lvl, ok := r.Level(number)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLevel, number)
	}
	return append([]string(nil), lvl.RequiredRoles...), nil
}

// Authorize succeeds when any of roles is required at the level.
func (r *Resolver) Authorize(number int, roles []string) error {
	required, ok := r.roles[number]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLevel, number)
	}
	for _, role := range roles {
		if _, hit := required[foldRole(role)]; hit {
			return nil
		}
	}
	return fmt.Errorf("%w: level %d", ErrUnauthorizedTransition, number)
}

func foldRole(role string) string {
	return cases.Fold().String(strings.TrimSpace(role))
}
