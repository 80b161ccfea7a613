package auth

import "errors"

// Errors returned by LinkService. Storage failures wrap ErrStorage together
// with the underlying cause so callers can match either.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidPlatform    = errors.New("invalid platform")
	ErrValidation         = errors.New("validation error")
	ErrInvalidID          = errors.New("invalid link request id")
	ErrAuthRequired       = errors.New("authentication required")
	ErrCodeNotFound       = errors.New("code not found")
	ErrCodeExpired        = errors.New("code expired")
	ErrCodeAlreadyUsed    = errors.New("code already used")
	ErrNotFound           = errors.New("not found")
	ErrStorage            = errors.New("storage error")
	ErrDeviceTokenInvalid = errors.New("invalid device token")
)
