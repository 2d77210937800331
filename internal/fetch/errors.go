package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"

	"segmentd/internal/classify"
)

var (
	// ErrNotADownloadableFile means the final response is a page, not a file.
	ErrNotADownloadableFile = classify.ErrNotADownloadableFile
	ErrNoResponseAnalyzer   = errors.New("no response analyzer available")
	ErrInvalidURL           = errors.New("invalid URL provided")
	ErrCancelled            = errors.New("download cancelled")
)

type Kind string

const (
	KindNetwork Kind = "network"
	KindTimeout Kind = "timeout"
	KindStatus  Kind = "status"
)

// Error is a transport failure. Callers use errors.As to inspect Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("download timed out: %v", e.Err)
	case KindStatus:
		return fmt.Sprintf("unexpected server response: %v", e.Err)
	default:
		return fmt.Sprintf("network error occurred: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether retrying the same request may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindTimeout
}

func transportError(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled {
		return ErrCancelled
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindNetwork, Err: err}
}
