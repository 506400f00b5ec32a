package domain

import (
	"errors"

	workerdomain "github.com/nmtria/docingest/internal/worker/domain"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrNotCancellable is returned when cancellation is requested for a
	// job already in a terminal state
	ErrNotCancellable = errors.New("job is not cancellable")
)

// IsValidStatusFilter reports whether s is usable as a list filter value
func IsValidStatusFilter(s string) bool {
	return workerdomain.IsValidStatus(workerdomain.Status(s))
}

// IsTerminalStatus reports whether s is one of the terminal job states
func IsTerminalStatus(s string) bool {
	return workerdomain.Status(s).IsTerminal()
}
