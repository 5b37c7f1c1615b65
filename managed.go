package clusterclient

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ggoodman/clusterclient-go/session"
	"github.com/ggoodman/clusterclient-go/transport"
)

// Driver is this process's local attachment to a cluster, independent of
// client sessions. clusterfile.Driver is the stock implementation.
type Driver interface {
	// Attached reports whether the process is attached to a cluster.
	Attached() bool
	// IsHead reports whether the process started that cluster.
	IsHead() bool
	// Shutdown detaches the process from the cluster.
	Shutdown(ctx context.Context) error
}

// ManagedContext is a guard over one session. Entering it makes the session
// active for a scope; exiting restores whatever was active before.
type ManagedContext struct {
	cl     *Client
	target *session.Context
	info   transport.ConnectionInfo
}

// Manage returns a guard for c with a snapshot of its connection info.
func (cl *Client) Manage(c *session.Context) *ManagedContext {
	return &ManagedContext{cl: cl, target: c, info: c.Info()}
}

// Info is the connection info captured when the guard was created.
func (m *ManagedContext) Info() transport.ConnectionInfo { return m.info }

// Context returns the guarded session.
func (m *ManagedContext) Context() *session.Context { return m.target }

// ID returns the guarded session's client id.
func (m *ManagedContext) ID() (string, error) {
	if m.target == nil {
		return "", ErrContextGone
	}
	id := m.target.ID()
	if id == "" {
		return "", ErrContextGone
	}
	return id, nil
}

// Binding is an entered guard. Exit must be called exactly once; further
// calls return the first result.
type Binding struct {
	m    *ManagedContext
	ctx  context.Context
	prev *session.Context

	once sync.Once
	err  error
}

// Enter makes the guarded session active in ctx's scope.
func (m *ManagedContext) Enter(ctx context.Context) (*Binding, error) {
	prev, err := m.cl.SetContext(ctx, m.target)
	if err != nil {
		return nil, err
	}
	return &Binding{m: m, ctx: ctx, prev: prev}, nil
}

// Exit applies the non-forced disconnect policy and restores the previously
// active session. The restore happens even when the policy fails.
func (b *Binding) Exit() error {
	b.once.Do(func() {
		defer func() {
			_, _ = b.m.cl.SetContext(b.ctx, b.prev)
		}()
		b.err = b.m.disconnect(b.ctx, false)
	})
	return b.err
}

// Run enters the guard, calls fn, and exits. The previous session is
// restored if fn returns an error or panics.
func (m *ManagedContext) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	b, err := m.Enter(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if xerr := b.Exit(); err == nil {
			err = xerr
		}
	}()
	return fn(ctx)
}

// Disconnect force-disconnects the guarded session without changing which
// session is active for ctx.
func (m *ManagedContext) Disconnect(ctx context.Context) error {
	if !m.cl.Bound(ctx) {
		ctx = m.cl.Bind(ctx)
	}
	prev, err := m.cl.SetContext(ctx, m.target)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = m.cl.SetContext(ctx, prev)
	}()
	return m.disconnect(ctx, true)
}

// disconnect runs with the target active in ctx's scope. A connected target
// is disconnected only when it is the default context or force is set. An
// unconnected target falls back to the local driver, which is shut down
// unless this process is the cluster's head.
func (m *ManagedContext) disconnect(ctx context.Context, force bool) error {
	cl := m.cl
	if cl.IsConnected(ctx) {
		if cl.IsDefault(ctx) || force {
			return cl.Disconnect(ctx)
		}
		return nil
	}
	d := cl.driver
	if d == nil || !d.Attached() {
		return nil
	}
	if d.IsHead() {
		cl.log.DebugContext(ctx, "managed.disconnect.head",
			slog.String("msg", "the current cluster is scoped to this process; disconnecting is not possible as it would shut the cluster down"))
		return ErrHeadProcess
	}
	return d.Shutdown(ctx)
}
