// Package localserver is an embeddable cluster endpoint. It serves the
// websocket protocol spoken by wstransport so a process can start a
// single-node cluster in-process (session Init) or stand one up for tests.
//
// The server keeps a small object store and a table of named functions;
// objects are owned by the client that created them and cannot be read
// through another client's connection.
package localserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/clusterclient-go/internal/logctx"
	"github.com/ggoodman/clusterclient-go/internal/wire"
	"github.com/ggoodman/clusterclient-go/session"
	"github.com/ggoodman/clusterclient-go/transport"
	"github.com/ggoodman/clusterclient-go/transport/wstransport"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Func is a function callable by clients. Its result is stored as an object
// owned by the caller.
type Func func(ctx context.Context, args []json.RawMessage) (any, error)

// Config configures a Server.
type Config struct {
	// SystemVersion is reported to clients. Defaults to "dev".
	SystemVersion string
	// CommitID is reported to clients.
	CommitID string
	// RuntimeVersion is reported to clients. Defaults to the local Go version.
	RuntimeVersion string
	// ProtocolVersion is reported to clients. Defaults to session.ProtocolVersion.
	ProtocolVersion string
	// Auth enables token verification when non-nil.
	Auth *AuthConfig
	// Funcs are registered at start.
	Funcs map[string]Func
	// ShutdownTimeout bounds graceful stop. Defaults to 5s.
	ShutdownTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.SystemVersion == "" {
		c.SystemVersion = "dev"
	}
	if c.RuntimeVersion == "" {
		c.RuntimeVersion = session.LocalRuntimeVersion()
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = session.ProtocolVersion
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	c.Logger = logctx.Wrap(c.Logger)
}

type object struct {
	owner string
	data  json.RawMessage
}

// Server is a running embedded endpoint.
type Server struct {
	cfg    Config
	log    *slog.Logger
	nodeID string
	ln     net.Listener
	srv    *http.Server
	auth   *verifier
	cancel context.CancelFunc

	upgrader websocket.Upgrader
	clients  atomic.Int64

	mu      sync.Mutex
	funcs   map[string]Func
	objects map[string]object
	conns   map[*websocket.Conn]struct{}
	stopped bool
}

var _ session.ServerHandle = (*Server)(nil)

// Start listens on address ("host:port"; port 0 picks a free port) and
// serves until Stop.
func Start(ctx context.Context, address string, cfg Config) (*Server, error) {
	cfg.applyDefaults()

	// The JWKS refresher lives as long as the server, not the start call.
	life, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		nodeID:  uuid.NewString(),
		cancel:  cancel,
		funcs:   make(map[string]Func),
		objects: make(map[string]object),
		conns:   make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for name, fn := range cfg.Funcs {
		s.funcs[name] = fn
	}
	if cfg.Auth != nil {
		v, err := newVerifier(life, cfg.Auth)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("localserver: auth: %w", err)
		}
		s.auth = v
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("localserver: listen %s: %w", address, err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("localserver.serve.fail", slog.String("err", err.Error()))
		}
	}()
	s.log.Info("localserver.start", slog.String("addr", s.Addr()), slog.String("node_id", s.nodeID))
	return s, nil
}

func (s *Server) routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET(wstransport.Path, s.handleWS)
	r.GET("/api/version", s.handleVersion)
	return r
}

// Addr returns the bound "host:port".
func (s *Server) Addr() string { return s.ln.Addr().String() }

// DashboardURL is the HTTP base URL of the server.
func (s *Server) DashboardURL() string { return "http://" + s.Addr() }

// NodeID identifies this server instance.
func (s *Server) NodeID() string { return s.nodeID }

// NumClients returns the number of connected clients.
func (s *Server) NumClients() int { return int(s.clients.Load()) }

// AddressInfo describes the server for session.Init.
func (s *Server) AddressInfo() session.AddressInfo {
	return session.AddressInfo{Address: s.Addr(), DashboardURL: s.DashboardURL(), NodeID: s.nodeID}
}

// Register adds or replaces a named function.
func (s *Server) Register(name string, fn Func) {
	s.mu.Lock()
	s.funcs[name] = fn
	s.mu.Unlock()
}

// Stop shuts the server down. With exitingProcess set, connections are
// dropped immediately instead of drained.
func (s *Server) Stop(exitingProcess bool) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	defer s.cancel()
	// Hijacked websocket connections are invisible to http.Server.Shutdown.
	for _, c := range conns {
		if !exitingProcess {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping")
			_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = c.Close()
	}
	s.log.Info("localserver.stop", slog.String("addr", s.Addr()), slog.Bool("exiting", exitingProcess))
	if exitingProcess {
		return s.srv.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) info() transport.ConnectionInfo {
	return transport.ConnectionInfo{
		DashboardURL:    s.DashboardURL(),
		RuntimeVersion:  s.cfg.RuntimeVersion,
		SystemVersion:   s.cfg.SystemVersion,
		CommitID:        s.cfg.CommitID,
		ProtocolVersion: s.cfg.ProtocolVersion,
		NumClients:      s.NumClients(),
	}
}

var (
	jsonMediaType     = contenttype.NewMediaType("application/json")
	textMediaType     = contenttype.NewMediaType("text/plain")
	versionMediaTypes = []contenttype.MediaType{jsonMediaType, textMediaType}
)

// handleVersion reports node and version details as JSON, or as plain text
// when the client prefers it.
func (s *Server) handleVersion(c *gin.Context) {
	info := s.info()
	mt, _, err := contenttype.GetAcceptableMediaType(c.Request, versionMediaTypes)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotAcceptable, gin.H{"error": "not acceptable"})
		return
	}
	if mt.Matches(textMediaType) {
		c.String(http.StatusOK, "node %s\nsystem %s (%s)\nruntime %s\nprotocol %s\nclients %d\n",
			s.nodeID, info.SystemVersion, info.CommitID, info.RuntimeVersion, info.ProtocolVersion, info.NumClients)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"node_id": s.nodeID,
		"info":    info,
	})
}

func (s *Server) handleWS(c *gin.Context) {
	clientID := c.GetHeader(wire.HeaderClientID)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if s.auth != nil {
		tok := strings.TrimPrefix(c.GetHeader(wire.HeaderAuthorization), "Bearer ")
		if err := s.auth.verify(tok, clientID); err != nil {
			s.log.Warn("localserver.auth.fail", slog.String("client_id", clientID), slog.String("err", err.Error()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("localserver.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.conns[ws] = struct{}{}
	s.mu.Unlock()
	s.clients.Add(1)

	ctx := logctx.WithSessionData(c.Request.Context(), &logctx.SessionData{ClientID: clientID, Address: c.Request.RemoteAddr, State: "connected"})
	s.log.DebugContext(ctx, "localserver.client.connect")
	defer func() {
		s.clients.Add(-1)
		s.mu.Lock()
		delete(s.conns, ws)
		s.mu.Unlock()
		_ = ws.Close()
		s.log.DebugContext(ctx, "localserver.client.disconnect")
	}()

	sess := &clientSession{id: clientID, owner: clientID}
	if s.auth == nil {
		// Without auth the id is caller-chosen, so objects stay with this
		// connection.
		sess.owner = uuid.NewString()
	}
	for {
		var req wire.Frame
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		resp := s.dispatch(ctx, sess, &req)
		if err := ws.WriteJSON(resp); err != nil {
			return
		}
	}
}

type clientSession struct {
	id          string
	owner       string // keys the objects this session may read
	initialized bool
}

func (s *Server) dispatch(ctx context.Context, sess *clientSession, req *wire.Frame) *wire.Frame {
	ctx = logctx.WithCallData(ctx, &logctx.CallData{Method: req.Method})
	switch req.Method {
	case wire.MethodInit:
		var p wire.InitParams
		if err := decode(req.Params, &p); err != nil {
			return wire.NewError(req.Seq, wire.CodeBadRequest, err.Error())
		}
		sess.initialized = true
		ns := ""
		if p.JobConfig != nil {
			ns = p.JobConfig.Namespace
		}
		s.log.DebugContext(ctx, "localserver.job.init", slog.String("namespace", ns))
		return wire.NewResult(req.Seq, nil)
	case wire.MethodConnectionInfo:
		return wire.NewResult(req.Seq, s.info())
	}

	if !sess.initialized {
		return wire.NewError(req.Seq, wire.CodeNotInitialized, "init must precede "+req.Method)
	}

	switch req.Method {
	case transport.MethodPut:
		var p wire.PutParams
		if err := decode(req.Params, &p); err != nil {
			return wire.NewError(req.Seq, wire.CodeBadRequest, err.Error())
		}
		return wire.NewResult(req.Seq, s.store(sess, p.Value))
	case transport.MethodGet:
		var p wire.GetParams
		if err := decode(req.Params, &p); err != nil {
			return wire.NewError(req.Seq, wire.CodeBadRequest, err.Error())
		}
		s.mu.Lock()
		obj, ok := s.objects[p.Ref.ID]
		s.mu.Unlock()
		if !ok {
			return wire.NewError(req.Seq, wire.CodeNotFound, "object "+p.Ref.ID+" not found")
		}
		if obj.owner != sess.owner {
			return wire.NewError(req.Seq, wire.CodeForeignRef, "object ref is not from this client")
		}
		return &wire.Frame{Seq: req.Seq, Result: obj.data}
	case transport.MethodCall:
		var p wire.CallParams
		if err := decode(req.Params, &p); err != nil {
			return wire.NewError(req.Seq, wire.CodeBadRequest, err.Error())
		}
		s.mu.Lock()
		fn, ok := s.funcs[p.Name]
		s.mu.Unlock()
		if !ok {
			return wire.NewError(req.Seq, wire.CodeNotFound, "function "+p.Name+" not registered")
		}
		out, err := fn(logctx.WithCallData(ctx, &logctx.CallData{Method: req.Method, Name: p.Name}), p.Args)
		if err != nil {
			return wire.NewError(req.Seq, wire.CodeInternal, err.Error())
		}
		b, err := json.Marshal(out)
		if err != nil {
			return wire.NewError(req.Seq, wire.CodeInternal, err.Error())
		}
		return wire.NewResult(req.Seq, s.store(sess, b))
	default:
		return wire.NewError(req.Seq, wire.CodeBadRequest, "unknown method "+req.Method)
	}
}

func (s *Server) store(sess *clientSession, data json.RawMessage) transport.ObjectRef {
	id := uuid.NewString()
	s.mu.Lock()
	s.objects[id] = object{owner: sess.owner, data: append(json.RawMessage(nil), data...)}
	s.mu.Unlock()
	return transport.ObjectRef{ID: id, ClientID: sess.id}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Launcher starts embedded servers for session.Init.
type Launcher struct {
	Config Config
}

var _ session.LocalServer = (*Launcher)(nil)

// StartLocal implements session.LocalServer.
func (l *Launcher) StartLocal(ctx context.Context, address string, initOptions map[string]any) (session.ServerHandle, session.AddressInfo, error) {
	s, err := Start(ctx, address, l.Config)
	if err != nil {
		return nil, session.AddressInfo{}, err
	}
	if len(initOptions) > 0 {
		s.log.DebugContext(ctx, "localserver.init_options", slog.Int("count", len(initOptions)))
	}
	return s, s.AddressInfo(), nil
}

// StopLocal implements session.LocalServer.
func (l *Launcher) StopLocal(h session.ServerHandle, exitingProcess bool) error {
	s, ok := h.(*Server)
	if !ok {
		return fmt.Errorf("localserver: foreign server handle %T", h)
	}
	return s.Stop(exitingProcess)
}
