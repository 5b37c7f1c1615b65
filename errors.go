package clusterclient

import (
	"errors"

	"github.com/ggoodman/clusterclient-go/session"
	"github.com/ggoodman/clusterclient-go/transport"
)

// Session errors, re-exported so callers need not import session.
var (
	ErrProtocolMismatch    = session.ErrProtocolMismatch
	ErrProtocolVersion     = session.ErrProtocolVersion
	ErrAlreadyConnected    = session.ErrAlreadyConnected
	ErrConnectInProgress   = session.ErrConnectInProgress
	ErrNotConnected        = session.ErrNotConnected
	ErrUnknownClient       = session.ErrUnknownClient
	ErrDoubleInit          = session.ErrDoubleInit
	ErrConnectionExhausted = session.ErrConnectionExhausted
)

var (
	// ErrUnboundScope is returned by SetContext on a ctx that carries no scope.
	ErrUnboundScope = errors.New("clusterclient: ctx has no scope; use Client.Bind")
	// ErrHeadProcess is returned when disconnecting would stop a cluster this
	// process started.
	ErrHeadProcess = errors.New("clusterclient: cluster is scoped to this process; disconnecting would shut it down")
	// ErrForeignRef is returned by Get for a ref created by another session,
	// whether caught locally or rejected by the cluster.
	ErrForeignRef = transport.ErrForeignRef
	// ErrContextGone is returned by ManagedContext.ID when the session behind
	// the guard has disconnected.
	ErrContextGone = errors.New("clusterclient: context has been disconnected")
	// ErrUnknownScheme is returned by Builder for addresses with an
	// unsupported scheme.
	ErrUnknownScheme = errors.New("clusterclient: unknown address scheme")
	// ErrUnexpectedInitArgs is returned by Builder.InitArgs for keys that are
	// not init options.
	ErrUnexpectedInitArgs = errors.New("clusterclient: unexpected init args")
	// ErrMultipleClientsActive is returned by a single-session connect while
	// sessions opened with AllowMultiple are live.
	ErrMultipleClientsActive = errors.New("clusterclient: already connected with allow multiple; set AllowMultiple to proceed")
)
