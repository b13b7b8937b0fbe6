package engine

import "fmt"

// ForbiddenError means the caller's relationship to the quest does not permit
// the action. Deterministic: retrying cannot change the outcome.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string { return e.Reason }

// InvalidTransitionError means the action is not legal from the quest's
// current status.
type InvalidTransitionError struct {
	Status string
	Action string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("action %s not allowed from status %s", e.Action, e.Status)
}
