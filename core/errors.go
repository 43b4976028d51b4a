package core

import "errors"

// Common errors for pipeline operations.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExists      = errors.New("session already exists")
	ErrSessionClosed      = errors.New("session closed")
	ErrStreamNotConnected = errors.New("media stream not connected")
)
