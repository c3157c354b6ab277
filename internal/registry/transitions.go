package registry

import "job-orchestrator/internal/models"

// allowed lists the forward edges of the job state machine.
var allowed = map[models.JobStatus][]models.JobStatus{
	models.StatusPosted:         {models.StatusInProgress, models.StatusFailed, models.StatusCancelled},
	models.StatusInProgress:     {models.StatusAwaitingCommit, models.StatusFailed, models.StatusCancelled},
	models.StatusAwaitingCommit: {models.StatusAwaitingReveal, models.StatusCancelled},
	models.StatusAwaitingReveal: {models.StatusCompleted, models.StatusFailed, models.StatusCancelled},
	models.StatusCompleted:      {models.StatusFinalized, models.StatusCancelled},
	models.StatusFailed:         {models.StatusFinalized, models.StatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.JobStatus) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}
