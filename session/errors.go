package session

import "errors"

// Errors returned by Context and Registry operations. They are wrapped with
// additional detail; test with errors.Is.
var (
	// ErrProtocolMismatch indicates the peer runs a different runtime minor version.
	ErrProtocolMismatch = errors.New("runtime version mismatch between client and server")
	// ErrProtocolVersion indicates the peer speaks a different wire protocol version.
	ErrProtocolVersion = errors.New("client installation incompatible with server protocol")
	// ErrAlreadyConnected is returned by Connect on a connected, non-init context.
	ErrAlreadyConnected = errors.New("client is already connected")
	// ErrConnectInProgress is returned when another Connect on the same context is still running.
	ErrConnectInProgress = errors.New("connect already in progress for this context")
	// ErrNotConnected is returned by ambient calls on a context without a connection.
	ErrNotConnected = errors.New("client is not connected; connect or init first")
	// ErrUnknownClient is returned by Lookup for ids that are not registered.
	ErrUnknownClient = errors.New("client does not exist; it may have been shut down")
	// ErrDoubleInit is returned when Init is called on a context that already owns a local server.
	ErrDoubleInit = errors.New("trying to start two local servers from the same context")
	// ErrConnectionExhausted is returned when every dial attempt failed.
	ErrConnectionExhausted = errors.New("connection retries exhausted")
	// ErrNoLocalServer is returned by Init when no LocalServer was configured.
	ErrNoLocalServer = errors.New("no local server configured")
)
