// Package transporttest provides a scriptable in-memory transport.Dialer for
// exercising session lifecycle code without a network.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/clusterclient-go/jobconfig"
	"github.com/ggoodman/clusterclient-go/transport"
)

// ErrDialRefused is the default error returned for scripted dial failures.
var ErrDialRefused = errors.New("transporttest: connection refused")

// Func is a remote function served by the fake cluster.
type Func func(args []json.RawMessage) (any, error)

// Dialer is a fake cluster endpoint. Exported fields may be set before use and
// must not be mutated while dials are in flight.
type Dialer struct {
	// Info is returned from ConnectionInfo on every connection.
	Info transport.ConnectionInfo
	// FailDials makes the first N dial attempts fail with DialErr.
	FailDials int
	// DialErr is returned for failed dials. Defaults to ErrDialRefused.
	DialErr error
	// PushInitErr, when set, fails every PushInit.
	PushInitErr error
	// InfoErr, when set, fails every ConnectionInfo.
	InfoErr error
	// Funcs are served through transport.MethodCall.
	Funcs map[string]Func

	mu      sync.Mutex
	dials   int
	conns   []*Conn
	objects map[string]storedObject
	nextRef atomic.Int64
}

type storedObject struct {
	owner string
	data  json.RawMessage
}

// NewDialer returns a Dialer that reports info from ConnectionInfo.
func NewDialer(info transport.ConnectionInfo) *Dialer {
	return &Dialer{Info: info, Funcs: map[string]Func{}}
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, address string, opts transport.DialOptions) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.FailDials {
		if d.DialErr != nil {
			return nil, d.DialErr
		}
		return nil, ErrDialRefused
	}
	c := &Conn{d: d, Address: address, Opts: opts}
	d.conns = append(d.conns, c)
	return c, nil
}

// Dials returns the number of dial attempts observed.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Conns returns every connection handed out, open or closed.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// OpenConns counts connections that have not been closed.
func (d *Dialer) OpenConns() int {
	n := 0
	for _, c := range d.Conns() {
		if c.IsConnected() {
			n++
		}
	}
	return n
}

// Conn is a fake connection.
type Conn struct {
	d       *Dialer
	Address string
	Opts    transport.DialOptions

	mu          sync.Mutex
	job         *jobconfig.JobConfig
	initOptions map[string]any
	closed      atomic.Bool
}

var _ transport.Conn = (*Conn)(nil)

// Job returns the job config pushed during init.
func (c *Conn) Job() *jobconfig.JobConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job
}

// InitOptions returns the init options pushed during init.
func (c *Conn) InitOptions() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initOptions
}

func (c *Conn) PushInit(ctx context.Context, job *jobconfig.JobConfig, initOptions map[string]any) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	if c.d.PushInitErr != nil {
		return c.d.PushInitErr
	}
	c.mu.Lock()
	c.job = job
	c.initOptions = initOptions
	c.mu.Unlock()
	return nil
}

func (c *Conn) ConnectionInfo(ctx context.Context) (transport.ConnectionInfo, error) {
	if c.closed.Load() {
		return transport.ConnectionInfo{}, transport.ErrClosed
	}
	if c.d.InfoErr != nil {
		return transport.ConnectionInfo{}, c.d.InfoErr
	}
	return c.d.Info, nil
}

func (c *Conn) Invoke(ctx context.Context, method string, params, result any) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	out, err := c.d.serve(c.Opts.ClientID, method, raw)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, result)
}

func (c *Conn) IsConnected() bool { return !c.closed.Load() }

func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

func (d *Dialer) serve(clientID, method string, raw json.RawMessage) (any, error) {
	switch method {
	case transport.MethodPut:
		var p struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return d.store(clientID, p.Value), nil
	case transport.MethodGet:
		var p struct {
			Ref transport.ObjectRef `json:"ref"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		d.mu.Lock()
		obj, ok := d.objects[p.Ref.ID]
		d.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("transporttest: unknown object %s", p.Ref.ID)
		}
		if obj.owner != clientID {
			return nil, fmt.Errorf("transporttest: object %s is not owned by %s: %w", p.Ref.ID, clientID, transport.ErrForeignRef)
		}
		return obj.data, nil
	case transport.MethodCall:
		var p struct {
			Name string            `json:"name"`
			Args []json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		fn, ok := d.Funcs[p.Name]
		if !ok {
			return nil, fmt.Errorf("transporttest: unknown function %q", p.Name)
		}
		v, err := fn(p.Args)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return d.store(clientID, b), nil
	default:
		return nil, fmt.Errorf("transporttest: unknown method %q", method)
	}
}

func (d *Dialer) store(owner string, data json.RawMessage) transport.ObjectRef {
	id := "obj-" + strconv.FormatInt(d.nextRef.Add(1), 10)
	d.mu.Lock()
	if d.objects == nil {
		d.objects = make(map[string]storedObject)
	}
	d.objects[id] = storedObject{owner: owner, data: append(json.RawMessage(nil), data...)}
	d.mu.Unlock()
	return transport.ObjectRef{ID: id, ClientID: owner}
}
