package rpc

import "errors"

var (
	// ErrTimeout is returned when a call's deadline elapses before a
	// matching response arrives. Only that call fails.
	ErrTimeout = errors.New("rpc: timeout")

	// ErrProcessTerminated is the rejection applied to every call still
	// pending when the endpoint stops.
	ErrProcessTerminated = errors.New("rpc: process terminated")

	// ErrNotReady is returned when the worker never signals readiness
	// within the endpoint's wait window.
	ErrNotReady = errors.New("rpc: worker not ready")

	// ErrEndpointClosed is returned for calls issued against a stopped
	// endpoint.
	ErrEndpointClosed = errors.New("rpc: endpoint closed")
)
