package core

import "errors"

// Runtime errors
var (
	ErrNilBiote        = errors.New("biote is nil")
	ErrUnknownBiote    = errors.New("unknown biote")
	ErrBioteStopping   = errors.New("biote is shutting down")
	ErrManagerStopped  = errors.New("biote manager is shutting down")
	ErrOutsideContext  = errors.New("called outside the biote's execution context")
	ErrInvalidDelay    = errors.New("timer delay must be positive")
	ErrShutdownTimeout = errors.New("timed out waiting for shutdown")
)

// Name directory errors
var (
	ErrInvalidName = errors.New("biote name cannot be empty")
	ErrNameTaken   = errors.New("biote name already registered")
	ErrUnknownName = errors.New("unknown biote name")
)
