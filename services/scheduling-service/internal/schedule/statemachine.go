package schedule

import "github.com/medtransit/scheduling/services/scheduling-service/internal/model"

// allowedTransitions is the lifecycle state machine as a directed graph.
// completed and cancelled are terminal.
var allowedTransitions = map[model.Status][]model.Status{
	model.StatusScheduled:  {model.StatusInProgress, model.StatusCancelled},
	model.StatusInProgress: {model.StatusCompleted, model.StatusCancelled},
	model.StatusCompleted:  {},
	model.StatusCancelled:  {},
}

// CanTransition reports whether from -> to is a permitted status change.
// Self-transitions are not permitted; a repeated cancel is a caller mistake,
// not an idempotent no-op.
func CanTransition(from, to model.Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
