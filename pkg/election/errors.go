package election

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoCandidates is returned when the candidate set is empty at resolution time.
	ErrNoCandidates = errors.New("no candidates present")

	// ErrNotCandidate is returned when the local marker is missing from a non-empty candidate set.
	ErrNotCandidate = errors.New("local marker not in candidate set")

	// ErrAlreadyRegistered is returned by a second Volunteer call on the same participant.
	ErrAlreadyRegistered = errors.New("candidacy already registered")

	// ErrNotRegistered is returned when resolving before Volunteer succeeded.
	ErrNotRegistered = errors.New("candidacy not registered")

	// ErrInterrupted wraps context cancellation of a blocking coordination call.
	ErrInterrupted = errors.New("operation interrupted")
)

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrInterrupted, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
