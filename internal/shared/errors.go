package shared

import "errors"

// ErrMissingActor occurs when a state-changing call carries no actor.
var ErrMissingActor = errors.New("actor required")
