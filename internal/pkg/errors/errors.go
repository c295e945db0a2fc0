package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is a generic sentinel for requests without a valid session.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is a generic sentinel for requests on resources the caller does not own.
	ErrForbidden = errors.New("forbidden")
	// ErrRateLimited is a generic sentinel for requests rejected by the rate limit gate.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConflict is a generic sentinel for state conflicts (e.g. duplicate producer).
	ErrConflict = errors.New("conflict")
)
