package coalesce

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned before a request enters the table when
	// its prompt or parameters are missing or malformed.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrDownstreamFailure is delivered to every waiter of a group whose
	// batched backend call failed or returned an unusable result.
	ErrDownstreamFailure = errors.New("downstream batched completion failed")

	// ErrResultCountMismatch is a downstream failure where the backend
	// returned a different number of choices than prompts times n.
	ErrResultCountMismatch = fmt.Errorf("%w: result count mismatch", ErrDownstreamFailure)

	// ErrAbandoned is returned to a caller that stopped waiting.
	ErrAbandoned = errors.New("waiter abandoned")

	// ErrClosed is returned once the table has been shut down.
	ErrClosed = errors.New("coalescer closed")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
