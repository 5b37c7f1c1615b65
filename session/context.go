package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/clusterclient-go/credentials"
	"github.com/ggoodman/clusterclient-go/internal/logctx"
	"github.com/ggoodman/clusterclient-go/jobconfig"
	"github.com/ggoodman/clusterclient-go/transport"
	"github.com/google/uuid"
)

// State is the lifecycle state of a Context.
type State int32

const (
	StateFresh State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnectOptions configure a single Connect call.
type ConnectOptions struct {
	// JobConfig is pushed to the cluster during init. Optional.
	JobConfig *jobconfig.JobConfig
	// Secure selects a TLS channel.
	Secure bool
	// TLSConfig is used with Secure.
	TLSConfig *tls.Config
	// Metadata is sent with every dial attempt.
	Metadata map[string]string
	// Retries is the dial attempt budget. Zero means DefaultRetries.
	Retries int
	// Namespace, when set, overrides the job config namespace.
	Namespace string
	// IgnoreVersion downgrades version mismatches to warnings.
	IgnoreVersion bool
	// Credentials supply a bearer token for each dial attempt.
	Credentials credentials.Source
	// InitOptions are forwarded to the cluster's init call.
	InitOptions map[string]any
}

// Context is one client session. All methods are safe for concurrent use;
// at most one Connect may be in flight per Context.
type Context struct {
	reg *Registry
	log *slog.Logger

	// initMu serializes Init and Shutdown so a context starts at most one
	// embedded server.
	initMu sync.Mutex

	mu       sync.Mutex
	state    State
	id       string
	address  string
	info     transport.ConnectionInfo
	conn     transport.Conn
	server   ServerHandle
	addrInfo AddressInfo
	viaInit  bool
}

// ID returns the client id, or "" when not connected.
func (c *Context) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Address returns the address of the current or last connection attempt.
func (c *Context) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// Info returns the connection info reported by the peer.
func (c *Context) Info() transport.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// ConnectedViaInit reports whether the session was established by Init.
func (c *Context) ConnectedViaInit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viaInit
}

// IsConnected reports whether the context holds a live connection.
func (c *Context) IsConnected() bool {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	return state == StateConnected && conn != nil && conn.IsConnected()
}

// IsInitialized reports whether the cluster behind this session is usable.
// It never fails; a disconnected context is simply not initialized.
func (c *Context) IsInitialized() bool { return c.IsConnected() }

// API returns the capability handle of a connected session.
func (c *Context) API() (transport.Conn, error) {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// Invoke forwards a call to the session's capability handle.
func (c *Context) Invoke(ctx context.Context, method string, params, result any) error {
	api, err := c.API()
	if err != nil {
		return err
	}
	return api.Invoke(ctx, method, params, result)
}

// Connect establishes the session. See the package documentation for the
// handshake sequence. On failure the context is returned to Fresh and the
// error is returned unchanged.
func (c *Context) Connect(ctx context.Context, address string, opts ConnectOptions) (transport.ConnectionInfo, error) {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		info, viaInit := c.info, c.viaInit
		c.mu.Unlock()
		if viaInit {
			return info, nil
		}
		return transport.ConnectionInfo{}, ErrAlreadyConnected
	case StateConnecting:
		c.mu.Unlock()
		return transport.ConnectionInfo{}, ErrConnectInProgress
	}
	c.state = StateConnecting
	c.address = address
	c.mu.Unlock()

	pendingID := uuid.NewString()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{ClientID: pendingID, Address: address, State: StateConnecting.String()})

	info, err := c.handshake(ctx, address, pendingID, opts)
	if err != nil {
		c.rollback(ctx)
		c.log.InfoContext(ctx, "session.connect.fail", slog.String("err", err.Error()))
		return transport.ConnectionInfo{}, err
	}
	c.log.InfoContext(ctx, "session.connect.ok", slog.Int("num_clients", info.NumClients))
	return info, nil
}

func (c *Context) handshake(ctx context.Context, address, id string, opts ConnectOptions) (transport.ConnectionInfo, error) {
	var zero transport.ConnectionInfo
	if c.reg.opts.Dialer == nil {
		return zero, errors.New("session: no transport dialer configured")
	}

	job := opts.JobConfig
	if opts.Namespace != "" {
		job = job.Clone()
		job.SetNamespace(opts.Namespace)
	}
	if job.NeedsInstall() {
		c.log.WarnContext(ctx, "session.runtime_env.install",
			slog.String("msg", "runtime env requests pip or conda packages; connecting may take a while"))
	}

	conn, err := c.dial(ctx, address, id, opts)
	if err != nil {
		return zero, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := conn.PushInit(ctx, job, opts.InitOptions); err != nil {
		return zero, err
	}
	info, err := conn.ConnectionInfo(ctx)
	if err != nil {
		return zero, err
	}
	override := opts.IgnoreVersion || envOverride()
	if err := checkVersions(ctx, c.log, c.reg.opts.RuntimeVersion, info, override); err != nil {
		return zero, err
	}
	for _, ext := range c.reg.opts.Extensions {
		if err := ext(ctx, c); err != nil {
			return zero, fmt.Errorf("session: register serialization extension: %w", err)
		}
	}

	c.mu.Lock()
	c.id = id
	c.info = info
	c.state = StateConnected
	c.mu.Unlock()

	if err := c.reg.Register(ctx, id, c); err != nil {
		return zero, err
	}
	return info, nil
}

// dial performs up to opts.Retries attempts, waiting n*RetryBackoff before
// attempt n. Cancellation of ctx ends the loop early.
func (c *Context) dial(ctx context.Context, address, id string, opts ConnectOptions) (transport.Conn, error) {
	attempts := opts.Retries
	if attempts <= 0 {
		attempts = DefaultRetries
	}
	dopts := transport.DialOptions{
		ClientID:    id,
		Secure:      opts.Secure,
		TLSConfig:   opts.TLSConfig,
		Credentials: opts.Credentials,
		Metadata:    opts.Metadata,
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			t := time.NewTimer(time.Duration(i) * c.reg.opts.RetryBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		conn, err := c.reg.opts.Dialer.Dial(ctx, address, dopts)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.log.DebugContext(ctx, "session.dial.retry", slog.Int("attempt", i+1), slog.Int("budget", attempts), slog.String("err", err.Error()))
	}
	return nil, fmt.Errorf("%w: %d attempts to %s: %w", ErrConnectionExhausted, attempts, address, lastErr)
}

// rollback tears down partial handshake state and returns the context to
// Fresh.
func (c *Context) rollback(ctx context.Context) {
	c.mu.Lock()
	conn, id := c.conn, c.id
	c.conn = nil
	c.id = ""
	c.info = transport.ConnectionInfo{}
	c.state = StateFresh
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.log.DebugContext(ctx, "session.rollback.close.fail", slog.String("err", err.Error()))
		}
	}
	c.reg.Remove(ctx, id)
}

// Disconnect closes the transport connection and removes the session from
// the registry. It is idempotent. A context with a Connect in flight cannot
// be disconnected; the failed or completed Connect settles its state.
func (c *Context) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	case StateFresh, StateDisconnected:
		c.mu.Unlock()
		return nil
	}
	conn, id := c.conn, c.id
	c.conn = nil
	c.id = ""
	c.info = transport.ConnectionInfo{}
	c.viaInit = false
	c.state = StateDisconnected
	c.mu.Unlock()

	c.reg.Remove(ctx, id)

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.log.InfoContext(logctx.WithSessionData(ctx, &logctx.SessionData{ClientID: id, Address: c.Address(), State: StateDisconnected.String()}), "session.disconnect")
	return err
}

// Init starts an embedded server through the configured LocalServer and
// connects to it. The resulting session reports ConnectedViaInit, and a
// later Connect on it returns the cached connection info. If connecting
// fails the embedded server is stopped again.
func (c *Context) Init(ctx context.Context, opts ConnectOptions) (AddressInfo, error) {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	started := c.server != nil
	c.mu.Unlock()
	if started {
		return AddressInfo{}, ErrDoubleInit
	}
	ls := c.reg.opts.LocalServer
	if ls == nil {
		return AddressInfo{}, ErrNoLocalServer
	}

	handle, addrInfo, err := ls.StartLocal(ctx, c.reg.opts.InitAddress, opts.InitOptions)
	if err != nil {
		return AddressInfo{}, err
	}
	address := addrInfo.Address
	if address == "" {
		address = c.reg.opts.InitAddress
	}

	c.mu.Lock()
	c.server = handle
	c.mu.Unlock()

	if _, err := c.Connect(ctx, address, opts); err != nil {
		c.mu.Lock()
		c.server = nil
		c.mu.Unlock()
		if serr := ls.StopLocal(handle, false); serr != nil {
			c.log.WarnContext(ctx, "session.init.stop.fail", slog.String("err", serr.Error()))
		}
		return AddressInfo{}, err
	}

	c.mu.Lock()
	c.viaInit = true
	c.addrInfo = addrInfo
	c.mu.Unlock()
	return addrInfo, nil
}

// AddressInfo returns the embedded server details of an Init session.
func (c *Context) AddressInfo() AddressInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addrInfo
}

// Shutdown disconnects and, when this context started an embedded server,
// stops it. exitingProcess is forwarded to the server so it can skip
// graceful draining.
func (c *Context) Shutdown(ctx context.Context, exitingProcess bool) error {
	err := c.Disconnect(ctx)

	c.initMu.Lock()
	defer c.initMu.Unlock()
	c.mu.Lock()
	handle := c.server
	c.server = nil
	c.addrInfo = AddressInfo{}
	c.mu.Unlock()
	if handle == nil {
		return err
	}
	if serr := c.reg.opts.LocalServer.StopLocal(handle, exitingProcess); serr != nil {
		return errors.Join(err, serr)
	}
	return err
}
