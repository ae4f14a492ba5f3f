package identity

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to wire codes).
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("not_found")
	ErrConfig       = errors.New("invalid_config")
)
