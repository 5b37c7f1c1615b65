package clusterclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/clusterclient-go/internal/wire"
	"github.com/ggoodman/clusterclient-go/session"
	"github.com/ggoodman/clusterclient-go/sessiondir"
	"github.com/ggoodman/clusterclient-go/transport"
)

// Option configures a Client.
type Option func(*config)

type config struct {
	reg    session.Options
	driver Driver
}

// WithLogger sets the logger used by the client and its sessions.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.reg.Logger = l }
}

// WithDialer sets the transport used to reach clusters.
func WithDialer(d transport.Dialer) Option {
	return func(c *config) { c.reg.Dialer = d }
}

// WithLocalServer sets the embedded server launcher used by Init.
func WithLocalServer(ls session.LocalServer) Option {
	return func(c *config) { c.reg.LocalServer = ls }
}

// WithInitAddress overrides where Init starts the embedded server.
func WithInitAddress(addr string) Option {
	return func(c *config) { c.reg.InitAddress = addr }
}

// WithDirectory publishes live sessions to dir.
func WithDirectory(dir sessiondir.Directory) Option {
	return func(c *config) { c.reg.Directory = dir }
}

// WithInterceptor replaces the ambient interception toggle.
func WithInterceptor(i session.Interceptor) Option {
	return func(c *config) { c.reg.Interceptor = i }
}

// WithDriver sets the local driver consulted when a guard disconnects a
// session that is not connected.
func WithDriver(d Driver) Option {
	return func(c *config) { c.driver = d }
}

// WithRuntimeVersion overrides the local runtime version used in the
// handshake check.
func WithRuntimeVersion(v string) Option {
	return func(c *config) { c.reg.RuntimeVersion = v }
}

// WithRetryBackoff sets the base delay between dial attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *config) { c.reg.RetryBackoff = d }
}

// WithExtensions appends hooks run during every handshake before the
// session is committed.
func WithExtensions(ext ...session.ExtensionFunc) Option {
	return func(c *config) { c.reg.Extensions = append(c.reg.Extensions, ext...) }
}

// Client is the session facade. It is safe for concurrent use.
type Client struct {
	reg    *session.Registry
	log    *slog.Logger
	driver Driver
}

// New constructs a Client with its own registry.
func New(opts ...Option) *Client {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}
	reg := session.NewRegistry(cfg.reg)
	return &Client{reg: reg, log: reg.Logger(), driver: cfg.driver}
}

// Registry exposes the underlying session registry.
func (cl *Client) Registry() *session.Registry { return cl.reg }

// Connect connects the active session to address.
func (cl *Client) Connect(ctx context.Context, address string, opts session.ConnectOptions) (transport.ConnectionInfo, error) {
	return cl.Context(ctx).Connect(ctx, address, opts)
}

// Init starts an embedded cluster and connects the active session to it.
func (cl *Client) Init(ctx context.Context, opts session.ConnectOptions) (session.AddressInfo, error) {
	return cl.Context(ctx).Init(ctx, opts)
}

// Disconnect disconnects the active session. When the active session is the
// default context every registered session is disconnected as well.
func (cl *Client) Disconnect(ctx context.Context) error {
	return cl.teardown(ctx, "disconnect", func(c *session.Context) error {
		return c.Disconnect(ctx)
	})
}

// Shutdown is Disconnect that also stops embedded servers owned by the
// affected sessions.
func (cl *Client) Shutdown(ctx context.Context, exitingProcess bool) error {
	return cl.teardown(ctx, "shutdown", func(c *session.Context) error {
		return c.Shutdown(ctx, exitingProcess)
	})
}

// teardown applies op to the active session, or to every registered session
// plus the default when the default is active. Sessions are drained from the
// registry first so no network call runs under the registry lock.
func (cl *Client) teardown(ctx context.Context, name string, op func(*session.Context) error) error {
	active := cl.Context(ctx)
	if !cl.reg.IsDefault(active) {
		return op(active)
	}
	var errs []error
	drained := cl.reg.Drain(ctx)
	for _, c := range drained {
		if c == active {
			continue
		}
		errs = append(errs, op(c))
	}
	errs = append(errs, op(active))
	cl.log.DebugContext(ctx, "client.broadcast", slog.String("op", name), slog.Int("sessions", len(drained)))
	return errors.Join(errs...)
}

// IsConnected reports whether the active session is connected.
func (cl *Client) IsConnected(ctx context.Context) bool { return cl.Context(ctx).IsConnected() }

// IsInitialized reports whether the active session's cluster is usable.
func (cl *Client) IsInitialized(ctx context.Context) bool { return cl.Context(ctx).IsInitialized() }

// NumConnected returns the number of live sessions.
func (cl *Client) NumConnected() int { return cl.reg.Count() }

// ContextFromClientID returns a guard for the session registered under id.
func (cl *Client) ContextFromClientID(id string) (*ManagedContext, error) {
	c, err := cl.reg.Lookup(id)
	if err != nil {
		return nil, err
	}
	return cl.Manage(c), nil
}

// Invoke forwards a raw call to the active session.
func (cl *Client) Invoke(ctx context.Context, method string, params, result any) error {
	return cl.Context(ctx).Invoke(ctx, method, params, result)
}

// Put stores value in the active session's cluster.
func (cl *Client) Put(ctx context.Context, value any) (transport.ObjectRef, error) {
	c := cl.Context(ctx)
	if _, err := c.API(); err != nil {
		return transport.ObjectRef{}, err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return transport.ObjectRef{}, fmt.Errorf("clusterclient: encode value: %w", err)
	}
	var ref transport.ObjectRef
	if err := c.Invoke(ctx, transport.MethodPut, wire.PutParams{Value: b}, &ref); err != nil {
		return transport.ObjectRef{}, err
	}
	return ref, nil
}

// Get fetches the value behind ref into out. A ref created by a different
// session fails with ErrForeignRef without contacting the cluster.
func (cl *Client) Get(ctx context.Context, ref transport.ObjectRef, out any) error {
	c := cl.Context(ctx)
	if _, err := c.API(); err != nil {
		return err
	}
	if ref.ClientID != c.ID() {
		return fmt.Errorf("%w: ref %s", ErrForeignRef, ref.ID)
	}
	return c.Invoke(ctx, transport.MethodGet, wire.GetParams{Ref: ref}, out)
}

// RemoteFunc is a handle to a named cluster function. It may be created
// before any session is connected; the active session is resolved on Call.
type RemoteFunc struct {
	cl   *Client
	name string
}

// Remote returns a handle to the cluster function name.
func (cl *Client) Remote(name string) *RemoteFunc { return &RemoteFunc{cl: cl, name: name} }

// Name returns the function name.
func (r *RemoteFunc) Name() string { return r.name }

// Call invokes the function on the active session and returns a ref to the
// result.
func (r *RemoteFunc) Call(ctx context.Context, args ...any) (transport.ObjectRef, error) {
	c := r.cl.Context(ctx)
	if _, err := c.API(); err != nil {
		return transport.ObjectRef{}, err
	}
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return transport.ObjectRef{}, fmt.Errorf("clusterclient: encode arg %d of %s: %w", i, r.name, err)
		}
		raw[i] = b
	}
	var ref transport.ObjectRef
	if err := c.Invoke(ctx, transport.MethodCall, wire.CallParams{Name: r.name, Args: raw}, &ref); err != nil {
		return transport.ObjectRef{}, err
	}
	return ref, nil
}
