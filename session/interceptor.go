package session

import "sync/atomic"

// Interceptor toggles process-wide ambient interception: while enabled,
// unqualified calls are routed to client sessions. The registry calls Enable
// and Disable while holding its lock, so implementations must not call back
// into the registry.
type Interceptor interface {
	Enable()
	Disable()
	Enabled() bool
}

// Flag is the default Interceptor, a process-local boolean.
type Flag struct {
	on atomic.Bool
}

func (f *Flag) Enable()       { f.on.Store(true) }
func (f *Flag) Disable()      { f.on.Store(false) }
func (f *Flag) Enabled() bool { return f.on.Load() }

var _ Interceptor = (*Flag)(nil)
