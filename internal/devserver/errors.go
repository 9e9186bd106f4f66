package devserver

import "errors"

// Sentinel errors for development API operations.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUnknownTheme       = errors.New("unknown theme")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrTaskNotFound       = errors.New("task not found")
	ErrSubjectRequired    = errors.New("subject id required")
)
