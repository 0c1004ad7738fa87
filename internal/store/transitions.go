package store

import "atende/queue-service/internal/models"

const (
	ActionCall         = "call"
	ActionStartService = "start_service"
	ActionComplete     = "complete"
	ActionSkip         = "skip"
	ActionCancel       = "cancel"
	ActionRequeue      = "requeue"
	ActionReset        = "reset"
)

var transitionMap = map[string][]string{
	ActionCall:         {models.StatusWaiting},
	ActionStartService: {models.StatusCalled},
	ActionComplete:     {models.StatusInService},
	ActionSkip:         {models.StatusCalled},
	ActionCancel:       {models.StatusWaiting},
	ActionRequeue:      {models.StatusCalled},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// MinSkipReasonLen guards the audit trail: skips must say why.
const MinSkipReasonLen = 3
