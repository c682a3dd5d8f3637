package chat

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrUnauthenticated means no viewer identity could be resolved.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound means the conversation or message is absent or not visible to the viewer.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by stores when a direct pairing already exists.
	ErrConflict = errors.New("conflict")
	// ErrTransient wraps network and backend failures on otherwise valid requests.
	ErrTransient = errors.New("transient backend failure")
	// ErrInvalidArgument rejects malformed requests before they reach the backend.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrRateLimited is returned by Send when the per-conversation throttle denies it.
	ErrRateLimited = errors.New("rate limited")
	// ErrClosed is returned by operations on a timeline that has been closed.
	ErrClosed = errors.New("timeline closed")
)

// Transient marks err as a retryable backend failure. Errors that already
// carry a taxonomy sentinel and context errors are returned unchanged.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrInvalidArgument) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsRetryable reports whether the caller may retry the operation that produced err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

// Code maps err onto a gRPC status code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrUnauthenticated):
		return codes.Unauthenticated
	case errors.Is(err, ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrConflict):
		return codes.AlreadyExists
	case errors.Is(err, ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, ErrRateLimited):
		return codes.ResourceExhausted
	case errors.Is(err, ErrClosed):
		return codes.FailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, ErrTransient):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// GRPCStatus converts err into a gRPC status so it can cross a transport boundary.
func GRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	return status.New(Code(err), err.Error())
}
