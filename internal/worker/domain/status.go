package domain

// Status represents the lifecycle state of a processing job
type Status string

const (
	StatusPending            Status = "pending"
	StatusProcessing         Status = "processing"
	StatusProcessed          Status = "processed"
	StatusError              Status = "error"
	StatusRetryPending       Status = "retry_pending"
	StatusRetryInProgress    Status = "retry_in_progress"
	StatusRetryExhausted     Status = "retry_exhausted"
	StatusCancelled          Status = "cancelled"
	StatusPartiallyProcessed Status = "partially_processed"
)

// statusEdges defines every legal status transition. Cancellation and
// exhaustion edges are added for all non-terminal states below.
var statusEdges = map[Status][]Status{
	StatusPending:         {StatusProcessing, StatusRetryPending},
	StatusProcessing:      {StatusProcessed, StatusPartiallyProcessed, StatusError},
	StatusError:           {StatusRetryPending},
	StatusRetryPending:    {StatusRetryInProgress, StatusPending},
	StatusRetryInProgress: {StatusProcessing, StatusPending},
}

// IsTerminal reports whether no further automated transition is allowed
func (s Status) IsTerminal() bool {
	switch s {
	case StatusProcessed, StatusPartiallyProcessed, StatusRetryExhausted, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> to is allowed by the
// job state machine. Any non-terminal state may move to cancelled
// (explicit cancellation) or retry_exhausted (retry budget spent).
func (s Status) CanTransitionTo(to Status) bool {
	if s.IsTerminal() {
		return false
	}
	if to == StatusCancelled || to == StatusRetryExhausted {
		return true
	}
	for _, next := range statusEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValidStatus reports whether s is a known job status
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusProcessed, StatusError,
		StatusRetryPending, StatusRetryInProgress, StatusRetryExhausted,
		StatusCancelled, StatusPartiallyProcessed:
		return true
	}
	return false
}
