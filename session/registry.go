package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ggoodman/clusterclient-go/internal/logctx"
	"github.com/ggoodman/clusterclient-go/sessiondir"
	"github.com/ggoodman/clusterclient-go/transport"
)

// DefaultRetries is the dial attempt budget used when ConnectOptions.Retries
// is zero.
const DefaultRetries = 3

// ExtensionFunc registers a client-side serialization extension. Extensions
// run once per successful handshake, before the session becomes usable.
type ExtensionFunc func(ctx context.Context, c *Context) error

// Options configure a Registry and every Context it creates.
type Options struct {
	// Dialer opens transport connections. Required for Connect.
	Dialer transport.Dialer
	// LocalServer starts embedded servers for Init. Optional.
	LocalServer LocalServer
	// InitAddress is the embedded server address. Defaults to DefaultInitAddress.
	InitAddress string
	// Interceptor is raised while any session is connected. Defaults to a Flag.
	Interceptor Interceptor
	// Directory, when set, receives published entries for live sessions.
	Directory sessiondir.Directory
	// Extensions run during every handshake.
	Extensions []ExtensionFunc
	// RuntimeVersion is the local runtime version compared against the
	// peer's. Defaults to LocalRuntimeVersion().
	RuntimeVersion string
	// RetryBackoff is the base delay between dial attempts; attempt n waits
	// n*RetryBackoff. Defaults to 500ms.
	RetryBackoff time.Duration
	// Logger receives lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.InitAddress == "" {
		o.InitAddress = DefaultInitAddress
	}
	if o.Interceptor == nil {
		o.Interceptor = &Flag{}
	}
	if o.RuntimeVersion == "" {
		o.RuntimeVersion = LocalRuntimeVersion()
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	o.Logger = logctx.Wrap(o.Logger)
}

// Registry tracks connected sessions by id. A single mutex guards the map and
// the interception flag; it is never held across network calls. Registry is safe
// for concurrent use.
type Registry struct {
	opts Options
	def  *Context

	mu       sync.Mutex
	contexts map[string]*Context
}

// NewRegistry builds a Registry and its default context.
func NewRegistry(opts Options) *Registry {
	opts.applyDefaults()
	r := &Registry{
		opts:     opts,
		contexts: make(map[string]*Context),
	}
	r.def = r.NewContext()
	return r
}

// NewContext returns a Fresh context bound to this registry. It is not
// registered until it connects.
func (r *Registry) NewContext() *Context {
	return &Context{reg: r, log: r.opts.Logger, state: StateFresh}
}

// Default returns the distinguished default context. It is never removed
// from the registry's ownership, only reset to Fresh by disconnects.
func (r *Registry) Default() *Context { return r.def }

// IsDefault reports whether c is the default context.
func (r *Registry) IsDefault(c *Context) bool { return c == r.def }

// Interceptor returns the ambient interception toggle.
func (r *Registry) Interceptor() Interceptor { return r.opts.Interceptor }

// Directory returns the configured directory, or nil.
func (r *Registry) Directory() sessiondir.Directory { return r.opts.Directory }

// Logger returns the registry logger.
func (r *Registry) Logger() *slog.Logger { return r.opts.Logger }

// Register inserts c under id and raises the ambient interception flag.
func (r *Registry) Register(ctx context.Context, id string, c *Context) error {
	r.mu.Lock()
	if _, exists := r.contexts[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("session: duplicate client id %s", id)
	}
	r.contexts[id] = c
	r.opts.Interceptor.Enable()
	r.mu.Unlock()

	r.publish(ctx, id, c)
	return nil
}

// Remove deletes id. It reports whether an entry was removed; removing an
// unknown id is a no-op. When the map becomes empty the ambient interception
// flag is cleared.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	_, ok := r.contexts[id]
	delete(r.contexts, id)
	if len(r.contexts) == 0 {
		r.opts.Interceptor.Disable()
	}
	r.mu.Unlock()

	if ok {
		r.withdraw(ctx, id)
	}
	return ok
}

// Drain empties the registry and returns what it held. The ambient
// interception flag is cleared.
func (r *Registry) Drain(ctx context.Context) []*Context {
	r.mu.Lock()
	out := make([]*Context, 0, len(r.contexts))
	ids := make([]string, 0, len(r.contexts))
	for id, c := range r.contexts {
		out = append(out, c)
		ids = append(ids, id)
	}
	r.contexts = make(map[string]*Context)
	r.opts.Interceptor.Disable()
	r.mu.Unlock()

	for _, id := range ids {
		r.withdraw(ctx, id)
	}
	return out
}

// Lookup returns the context registered under id.
func (r *Registry) Lookup(id string) (*Context, error) {
	r.mu.Lock()
	c, ok := r.contexts[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	return c, nil
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

func (r *Registry) publish(ctx context.Context, id string, c *Context) {
	dir := r.opts.Directory
	if dir == nil {
		return
	}
	e := sessiondir.Entry{
		ID:          id,
		Address:     c.Address(),
		Info:        c.Info(),
		PID:         os.Getpid(),
		ConnectedAt: time.Now().UTC(),
	}
	if err := dir.Publish(ctx, e); err != nil {
		r.opts.Logger.WarnContext(ctx, "registry.directory.publish.fail", slog.String("id", id), slog.String("err", err.Error()))
	}
}

func (r *Registry) withdraw(ctx context.Context, id string) {
	dir := r.opts.Directory
	if dir == nil {
		return
	}
	if err := dir.Withdraw(ctx, id); err != nil {
		r.opts.Logger.WarnContext(ctx, "registry.directory.withdraw.fail", slog.String("id", id), slog.String("err", err.Error()))
	}
}
