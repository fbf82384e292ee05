package network

import "errors"

// Bridge errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrServerRunning    = errors.New("server is already running")
	ErrVersionRejected  = errors.New("client version rejected")
	ErrHelloRequired    = errors.New("hello frame required")
)
