package domain

import "errors"

// Sentinel errors classified at the API edge. Validation failures map to 400,
// state conflicts to 409.
var (
	ErrValidation   = errors.New("validation failed")
	ErrInvalidState = errors.New("invalid state for operation")
)
