package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrNotConnected    = errors.New("not connected")
	ErrStreamClosed    = errors.New("stream closed")
	ErrWSDisconnect    = errors.New("websocket disconnected")
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrRateLimited     = errors.New("rate limited")
)
