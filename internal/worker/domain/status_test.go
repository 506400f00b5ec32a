package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{name: "pending to processing", from: StatusPending, to: StatusProcessing, allowed: true},
		{name: "pending to retry_pending (sweeper pickup)", from: StatusPending, to: StatusRetryPending, allowed: true},
		{name: "pending to cancelled", from: StatusPending, to: StatusCancelled, allowed: true},
		{name: "pending to processed skips processing", from: StatusPending, to: StatusProcessed, allowed: false},
		{name: "processing to processed", from: StatusProcessing, to: StatusProcessed, allowed: true},
		{name: "processing to partially_processed", from: StatusProcessing, to: StatusPartiallyProcessed, allowed: true},
		{name: "processing to error", from: StatusProcessing, to: StatusError, allowed: true},
		{name: "processing to cancelled", from: StatusProcessing, to: StatusCancelled, allowed: true},
		{name: "error to retry_pending", from: StatusError, to: StatusRetryPending, allowed: true},
		{name: "error to processing directly", from: StatusError, to: StatusProcessing, allowed: false},
		{name: "retry_pending to retry_in_progress", from: StatusRetryPending, to: StatusRetryInProgress, allowed: true},
		{name: "retry_pending parked back to pending", from: StatusRetryPending, to: StatusPending, allowed: true},
		{name: "retry_in_progress to processing", from: StatusRetryInProgress, to: StatusProcessing, allowed: true},
		{name: "retry_in_progress to retry_exhausted", from: StatusRetryInProgress, to: StatusRetryExhausted, allowed: true},
		{name: "non-terminal to retry_exhausted", from: StatusError, to: StatusRetryExhausted, allowed: true},
		{name: "processed is terminal", from: StatusProcessed, to: StatusProcessing, allowed: false},
		{name: "processed cannot be cancelled", from: StatusProcessed, to: StatusCancelled, allowed: false},
		{name: "retry_exhausted is terminal", from: StatusRetryExhausted, to: StatusRetryPending, allowed: false},
		{name: "cancelled is terminal", from: StatusCancelled, to: StatusPending, allowed: false},
		{name: "partially_processed is terminal", from: StatusPartiallyProcessed, to: StatusProcessing, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []Status{StatusProcessed, StatusPartiallyProcessed, StatusRetryExhausted, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "expected %s to be terminal", s)
	}

	nonTerminal := []Status{StatusPending, StatusProcessing, StatusError, StatusRetryPending, StatusRetryInProgress}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "expected %s to be non-terminal", s)
	}
}
