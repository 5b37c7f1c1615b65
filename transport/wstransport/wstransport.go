// Package wstransport implements transport.Dialer over a websocket carrying
// JSON frames. Requests are issued in lockstep: one outstanding frame per
// connection at a time.
package wstransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/clusterclient-go/internal/wire"
	"github.com/ggoodman/clusterclient-go/jobconfig"
	"github.com/ggoodman/clusterclient-go/transport"
	"github.com/gorilla/websocket"
)

// Path is the websocket endpoint path served by cluster endpoints.
const Path = "/ws"

// Config tunes the dialer.
type Config struct {
	// HandshakeTimeout bounds the websocket upgrade. Defaults to 10s.
	HandshakeTimeout time.Duration
	// ReadLimit bounds a single inbound frame. Defaults to 64 MiB.
	ReadLimit int64
}

// Dialer dials cluster endpoints over websocket.
type Dialer struct {
	cfg Config
}

// New returns a Dialer with cfg defaults applied.
func New(cfg Config) *Dialer {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = 64 << 20
	}
	return &Dialer{cfg: cfg}
}

var _ transport.Dialer = (*Dialer)(nil)

// URL returns the websocket URL for a "host:port" address.
func URL(address string, secure bool) string {
	if strings.Contains(address, "://") {
		return address
	}
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return scheme + "://" + address + Path
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, address string, opts transport.DialOptions) (transport.Conn, error) {
	hdr := http.Header{}
	if opts.ClientID != "" {
		hdr.Set(wire.HeaderClientID, opts.ClientID)
	}
	for k, v := range opts.Metadata {
		hdr.Set(wire.MetadataPrefix+k, v)
	}
	if opts.Credentials != nil {
		tok, err := opts.Credentials.Token(ctx, opts.ClientID)
		if err != nil {
			return nil, fmt.Errorf("wstransport: credentials: %w", err)
		}
		hdr.Set(wire.HeaderAuthorization, "Bearer "+tok)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if opts.Secure {
		dialer.TLSClientConfig = opts.TLSConfig
	}

	ws, resp, err := dialer.DialContext(ctx, URL(address, opts.Secure), hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wstransport: dial %s: %w (status %d)", address, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("wstransport: dial %s: %w", address, err)
	}
	ws.SetReadLimit(d.cfg.ReadLimit)
	return &conn{ws: ws}, nil
}

type conn struct {
	// mu serializes request/response exchanges.
	mu     sync.Mutex
	ws     *websocket.Conn
	seq    uint64
	closed atomic.Bool
}

func (c *conn) PushInit(ctx context.Context, job *jobconfig.JobConfig, initOptions map[string]any) error {
	return c.Invoke(ctx, wire.MethodInit, wire.InitParams{JobConfig: job, InitOptions: initOptions}, nil)
}

func (c *conn) ConnectionInfo(ctx context.Context) (transport.ConnectionInfo, error) {
	var info transport.ConnectionInfo
	err := c.Invoke(ctx, wire.MethodConnectionInfo, nil, &info)
	return info, err
}

func (c *conn) Invoke(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.seq++
	req, err := wire.NewRequest(c.seq, method, params)
	if err != nil {
		return err
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
		_ = c.ws.SetReadDeadline(dl)
	}
	// Cancellation expires the socket deadlines so a blocked read returns.
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = c.ws.NetConn().SetDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			<-fired
		}
		_ = c.ws.SetWriteDeadline(time.Time{})
		_ = c.ws.SetReadDeadline(time.Time{})
	}()

	if err := c.ws.WriteJSON(req); err != nil {
		return c.fail(ctx, fmt.Errorf("wstransport: write %s: %w", method, err))
	}
	var resp wire.Frame
	if err := c.ws.ReadJSON(&resp); err != nil {
		return c.fail(ctx, fmt.Errorf("wstransport: read %s: %w", method, err))
	}
	if resp.Seq != req.Seq {
		return c.fail(ctx, fmt.Errorf("wstransport: out of order response %d for request %d", resp.Seq, req.Seq))
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("wstransport: decode %s result: %w", method, err)
		}
	}
	return nil
}

// fail marks the connection unusable after an I/O error. An exchange cut
// short by ctx reports ctx's error.
func (c *conn) fail(ctx context.Context, err error) error {
	if !c.closed.Swap(true) {
		_ = c.ws.Close()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	if errors.Is(err, net.ErrClosed) {
		return transport.ErrClosed
	}
	return err
}

func (c *conn) IsConnected() bool { return !c.closed.Load() }

// Close may run concurrently with an in-flight Invoke; closing the socket
// unblocks its read.
func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if err := c.ws.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}
