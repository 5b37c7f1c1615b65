// Package transport defines the contract between a client session and the
// wire connection it owns. The session layer orchestrates the lifecycle of a
// connection (dial, init, handshake, close) but never its internals; concrete
// transports live in sub-packages (wstransport) and tests use transporttest.
package transport

import (
	"context"
	"crypto/tls"
	"errors"

	"github.com/ggoodman/clusterclient-go/credentials"
	"github.com/ggoodman/clusterclient-go/jobconfig"
)

// Methods understood by cluster endpoints through Conn.Invoke.
const (
	MethodPut  = "put"
	MethodGet  = "get"
	MethodCall = "call"
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
	// ErrForeignRef is reported by a peer asked for an object that another
	// client owns.
	ErrForeignRef = errors.New("transport: object ref is not from this client")
)

// ConnectionInfo is reported by the peer once the job has been initialized.
type ConnectionInfo struct {
	DashboardURL    string `json:"dashboard_url"`
	RuntimeVersion  string `json:"runtime_version"`
	SystemVersion   string `json:"system_version"`
	CommitID        string `json:"commit_id"`
	ProtocolVersion string `json:"protocol_version"`
	NumClients      int    `json:"num_clients"`
}

// ObjectRef names a value held by the cluster on behalf of one client.
type ObjectRef struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
}

// DialOptions carries per-connection settings for a single dial attempt.
type DialOptions struct {
	// ClientID is the id the session will adopt if the handshake succeeds.
	ClientID string
	// Secure selects a TLS-protected channel.
	Secure bool
	// TLSConfig is used when Secure is set. Nil means system defaults.
	TLSConfig *tls.Config
	// Credentials, when non-nil, supplies a bearer token for the attempt.
	Credentials credentials.Source
	// Metadata is sent to the peer alongside the connection request.
	Metadata map[string]string
}

// Dialer opens connections. Dial performs exactly one attempt; retry policy
// belongs to the caller.
type Dialer interface {
	Dial(ctx context.Context, address string, opts DialOptions) (Conn, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context, address string, opts DialOptions) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, address string, opts DialOptions) (Conn, error) {
	return f(ctx, address, opts)
}

// Conn is an established connection to a cluster endpoint. It is exclusively
// owned by one session. Implementations MUST be safe for concurrent use.
type Conn interface {
	// PushInit sends the job configuration and init options to the peer.
	PushInit(ctx context.Context, job *jobconfig.JobConfig, initOptions map[string]any) error
	// ConnectionInfo pulls version and dashboard details from the peer.
	ConnectionInfo(ctx context.Context) (ConnectionInfo, error)
	// Invoke performs a request/response exchange. result may be nil.
	Invoke(ctx context.Context, method string, params, result any) error
	// IsConnected reports whether the connection is still usable.
	IsConnected() bool
	// Close releases the connection. It is idempotent.
	Close() error
}
