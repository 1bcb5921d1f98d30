// Package errs contains sentinel errors shared by the gateway layers.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a request without valid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidToken indicates a token that failed parsing or verification.
	ErrInvalidToken = errors.New("invalid token")

	// ErrAlreadyAuthenticated is returned for a second IDENTIFY on one session.
	ErrAlreadyAuthenticated = errors.New("already authenticated")

	// ErrNotAuthenticated is returned for ops that need an identified session.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrMalformed indicates a frame that could not be decoded.
	ErrMalformed = errors.New("malformed payload")

	// ErrStorageUnavailable wraps failures of the relational store.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrBackpressure indicates a connection whose outbound queue is full.
	ErrBackpressure = errors.New("send queue full")

	// ErrClosed indicates an operation on a closed connection or client.
	ErrClosed = errors.New("closed")

	// ErrDuplicate indicates a unique key already in use.
	ErrDuplicate = errors.New("duplicate")
)
