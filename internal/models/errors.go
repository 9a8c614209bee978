package models

import "errors"

// ErrValidation indicates a request failed validation before any work started.
// Validation failures are always surfaced synchronously to the caller.
var ErrValidation = errors.New("validation error")
