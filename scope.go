package clusterclient

import (
	"context"
	"sync"

	"github.com/ggoodman/clusterclient-go/session"
)

// scopeKey is keyed by client so two Clients never see each other's scopes.
type scopeKey struct{ cl *Client }

type scope struct {
	mu     sync.Mutex
	active *session.Context
}

// Bind returns a ctx carrying a new scope. The scope's active session starts
// as the default context. Binding an already bound ctx shadows the outer
// scope; the two are independent.
func (cl *Client) Bind(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{cl}, &scope{})
}

// Bound reports whether ctx carries a scope of this client.
func (cl *Client) Bound(ctx context.Context) bool { return cl.scopeOf(ctx) != nil }

func (cl *Client) scopeOf(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{cl}).(*scope)
	return s
}

// Context returns the session active for ctx's scope.
func (cl *Client) Context(ctx context.Context) *session.Context {
	s := cl.scopeOf(ctx)
	if s == nil {
		return cl.reg.Default()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		s.active = cl.reg.Default()
	}
	return s.active
}

// SetContext makes c the active session of ctx's scope and returns the
// previously active one. A nil c installs a fresh, unregistered context.
func (cl *Client) SetContext(ctx context.Context, c *session.Context) (*session.Context, error) {
	s := cl.scopeOf(ctx)
	if s == nil {
		return nil, ErrUnboundScope
	}
	if c == nil {
		c = cl.reg.NewContext()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.active
	if prev == nil {
		prev = cl.reg.Default()
	}
	s.active = c
	return prev, nil
}

// IsDefault reports whether the active session is the default context.
func (cl *Client) IsDefault(ctx context.Context) bool {
	return cl.reg.IsDefault(cl.Context(ctx))
}
