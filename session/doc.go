// Package session implements the lifecycle of client sessions to remote
// compute clusters and the registry that tracks them.
//
// A Context is one logical connection. It moves through
//
//	Fresh -> Connecting -> Connected -> Disconnected
//
// and may be reused after a disconnect by connecting again. Connecting dials
// the cluster through a transport.Dialer with a bounded retry budget, pushes
// the job configuration, pulls the peer's connection info, validates runtime
// and protocol compatibility, applies serialization extensions, and finally
// registers the session under a freshly assigned id. A failure at any step
// after the dial unwinds everything that was set up, so a failed Connect
// leaves no connection open and no registry entry behind.
//
// A Registry owns the process-wide bookkeeping: the map of connected sessions,
// the distinguished default Context, and the ambient interception flag that is
// raised while at least one session is connected. It is the only shared
// mutable state and its lock is never held across network calls.
//
// Contexts created with Init additionally own an embedded local server
// started through a LocalServer; Shutdown stops it after disconnecting.
package session
