package worker

// Outcome is the tagged result of processing one queue message. The
// ack/nack decision in the pool loop is driven entirely by this value so
// the decision is visible in code and tests, not implicit in a
// side-effecting ack call.
type Outcome int

const (
	// OutcomeSucceeded: the job reached a terminal success state (or the
	// message was a redelivery for an already completed job). Ack.
	OutcomeSucceeded Outcome = iota

	// OutcomeParked: the circuit breaker is open for the job's resource
	// key. The job is left pending for the sweeper to recover and the
	// message is acked anyway: redelivering it would only storm a
	// downstream dependency that is already failing.
	OutcomeParked

	// OutcomeFailedPermanently: the failure cannot succeed on
	// redelivery (validation failure, retry budget exhausted). Ack.
	OutcomeFailedPermanently

	// OutcomeFailedRetryable: a transient failure. Nack with requeue so
	// the broker redelivers, until its delivery limit dead-letters the
	// message.
	OutcomeFailedRetryable

	// OutcomeCancelled: the job was cancelled by an external actor. Ack
	// without further work.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeParked:
		return "parked"
	case OutcomeFailedPermanently:
		return "failed_permanently"
	case OutcomeFailedRetryable:
		return "failed_retryable"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}
