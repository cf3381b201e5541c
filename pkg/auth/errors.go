package auth

import "errors"

var (
	// ErrInvalidToken is returned when a token cannot be validated.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingToken is returned when a required Authorization header
	// is absent.
	ErrMissingToken = errors.New("missing authorization token")
)
