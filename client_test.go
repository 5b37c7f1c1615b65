package clusterclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	clusterclient "github.com/ggoodman/clusterclient-go"
	"github.com/ggoodman/clusterclient-go/session"
	"github.com/ggoodman/clusterclient-go/transport"
	"github.com/ggoodman/clusterclient-go/transport/transporttest"
)

func goodInfo() transport.ConnectionInfo {
	return transport.ConnectionInfo{
		DashboardURL:    "http://localhost:8265",
		RuntimeVersion:  "3.8.10",
		SystemVersion:   "2.0.0",
		ProtocolVersion: session.ProtocolVersion,
		NumClients:      1,
	}
}

func newTestClient(t *testing.T, opts ...clusterclient.Option) (*clusterclient.Client, *transporttest.Dialer) {
	t.Helper()
	d := transporttest.NewDialer(goodInfo())
	d.Funcs["hello"] = func(args []json.RawMessage) (any, error) { return "world", nil }
	base := []clusterclient.Option{
		clusterclient.WithDialer(d),
		clusterclient.WithRuntimeVersion("3.8"),
		clusterclient.WithRetryBackoff(time.Millisecond),
		clusterclient.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return clusterclient.New(append(base, opts...)...), d
}

// connectMultiple opens an extra session the way AllowMultiple builders do.
func connectMultiple(t *testing.T, cl *clusterclient.Client) *clusterclient.ManagedContext {
	t.Helper()
	m, err := cl.Builder("cluster://head:10001").AllowMultiple().Connect(context.Background())
	if err != nil {
		t.Fatalf("connect multiple: %v", err)
	}
	return m
}

func TestUnboundCtxUsesDefault(t *testing.T) {
	cl, _ := newTestClient(t)
	ctx := context.Background()
	if !cl.IsDefault(ctx) {
		t.Fatalf("unbound ctx should resolve to the default context")
	}
	if cl.Context(ctx) != cl.Registry().Default() {
		t.Fatalf("unexpected active context")
	}
	if _, err := cl.SetContext(ctx, nil); !errors.Is(err, clusterclient.ErrUnboundScope) {
		t.Fatalf("expected ErrUnboundScope, got %v", err)
	}
}

func TestSetContextNilInstallsFreshContext(t *testing.T) {
	cl, _ := newTestClient(t)
	ctx := cl.Bind(context.Background())
	prev, err := cl.SetContext(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if prev != cl.Registry().Default() {
		t.Fatalf("previous context should be the default")
	}
	if cl.IsDefault(ctx) || cl.Context(ctx).State() != session.StateFresh {
		t.Fatalf("expected a fresh non-default context")
	}
	if cl.NumConnected() != 0 {
		t.Fatalf("fresh context must not be registered")
	}
}

func TestScopesAreIndependent(t *testing.T) {
	cl, _ := newTestClient(t)
	a := connectMultiple(t, cl)
	b := connectMultiple(t, cl)

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, 2)
	for _, m := range []*clusterclient.ManagedContext{a, b} {
		wg.Add(1)
		go func(m *clusterclient.ManagedContext) {
			defer wg.Done()
			ctx := cl.Bind(context.Background())
			<-start
			for i := 0; i < 200; i++ {
				if _, err := cl.SetContext(ctx, m.Context()); err != nil {
					errs <- err
					return
				}
				if cl.Context(ctx) != m.Context() {
					errs <- errors.New("observed another scope's context")
					return
				}
			}
		}(m)
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestBroadcastDisconnectFromDefault(t *testing.T) {
	cl, d := newTestClient(t)
	ctx := context.Background()
	if _, err := cl.Connect(ctx, "head:10001", session.ConnectOptions{}); err != nil {
		t.Fatalf("connect default: %v", err)
	}
	for i := 0; i < 3; i++ {
		connectMultiple(t, cl)
	}
	if got := cl.NumConnected(); got != 4 {
		t.Fatalf("NumConnected = %d, want 4", got)
	}
	if !cl.Registry().Interceptor().Enabled() {
		t.Fatalf("interception should be enabled")
	}

	if err := cl.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if got := cl.NumConnected(); got != 0 {
		t.Fatalf("NumConnected = %d, want 0", got)
	}
	if cl.Registry().Interceptor().Enabled() {
		t.Fatalf("interception should be cleared")
	}
	if n := d.OpenConns(); n != 0 {
		t.Fatalf("%d connections left open", n)
	}
}

func TestDisconnectFromNonDefaultScopeOnlyAffectsActive(t *testing.T) {
	cl, _ := newTestClient(t)
	a := connectMultiple(t, cl)
	connectMultiple(t, cl)

	ctx := cl.Bind(context.Background())
	if _, err := cl.SetContext(ctx, a.Context()); err != nil {
		t.Fatal(err)
	}
	if err := cl.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if got := cl.NumConnected(); got != 1 {
		t.Fatalf("NumConnected = %d, want 1", got)
	}
	if a.Context().IsConnected() {
		t.Fatalf("active context should be disconnected")
	}
	if _, err := a.ID(); !errors.Is(err, clusterclient.ErrContextGone) {
		t.Fatalf("expected ErrContextGone, got %v", err)
	}
}

func TestAmbientCallsRequireConnection(t *testing.T) {
	cl, _ := newTestClient(t)
	ctx := context.Background()
	hello := cl.Remote("hello")

	if cl.IsConnected(ctx) || cl.IsInitialized(ctx) {
		t.Fatalf("fresh client should report not connected")
	}
	if _, err := hello.Call(ctx); !errors.Is(err, clusterclient.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected from Call, got %v", err)
	}
	if _, err := cl.Put(ctx, 1); !errors.Is(err, clusterclient.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected from Put, got %v", err)
	}

	if _, err := cl.Connect(ctx, "head:10001", session.ConnectOptions{}); err != nil {
		t.Fatal(err)
	}
	defer cl.Disconnect(ctx)
	ref, err := hello.Call(ctx)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var out string
	if err := cl.Get(ctx, ref, &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out != "world" {
		t.Fatalf("out = %q", out)
	}
}

func TestGetRejectsForeignRef(t *testing.T) {
	cl, _ := newTestClient(t)
	a := connectMultiple(t, cl)
	b := connectMultiple(t, cl)
	ctx := cl.Bind(context.Background())

	var ref transport.ObjectRef
	err := a.Run(ctx, func(ctx context.Context) error {
		var err error
		ref, err = cl.Put(ctx, 42)
		return err
	})
	if err != nil {
		t.Fatalf("put under a: %v", err)
	}
	err = b.Run(ctx, func(ctx context.Context) error {
		var v int
		return cl.Get(ctx, ref, &v)
	})
	if !errors.Is(err, clusterclient.ErrForeignRef) {
		t.Fatalf("expected ErrForeignRef, got %v", err)
	}
	err = a.Run(ctx, func(ctx context.Context) error {
		var v int
		if err := cl.Get(ctx, ref, &v); err != nil {
			return err
		}
		if v != 42 {
			return errors.New("wrong value")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("get under a: %v", err)
	}
}

func TestGetMapsClusterForeignRef(t *testing.T) {
	cl, _ := newTestClient(t)
	a := connectMultiple(t, cl)
	b := connectMultiple(t, cl)
	ctx := cl.Bind(context.Background())

	var ref transport.ObjectRef
	err := a.Run(ctx, func(ctx context.Context) error {
		var err error
		ref, err = cl.Put(ctx, 42)
		return err
	})
	if err != nil {
		t.Fatalf("put under a: %v", err)
	}
	bID, err := b.ID()
	if err != nil {
		t.Fatal(err)
	}
	// Relabelled refs pass the local check; the cluster still refuses them.
	forged := transport.ObjectRef{ID: ref.ID, ClientID: bID}
	err = b.Run(ctx, func(ctx context.Context) error {
		var v int
		return cl.Get(ctx, forged, &v)
	})
	if !errors.Is(err, clusterclient.ErrForeignRef) {
		t.Fatalf("expected ErrForeignRef, got %v", err)
	}
}

func TestContextFromClientID(t *testing.T) {
	cl, _ := newTestClient(t)
	a := connectMultiple(t, cl)
	id, err := a.ID()
	if err != nil {
		t.Fatal(err)
	}
	m, err := cl.ContextFromClientID(id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if m.Context() != a.Context() || m.Info() != goodInfo() {
		t.Fatalf("unexpected guard")
	}
	if _, err := cl.ContextFromClientID("nope"); !errors.Is(err, clusterclient.ErrUnknownClient) {
		t.Fatalf("expected ErrUnknownClient, got %v", err)
	}
}

func TestShutdownBroadcast(t *testing.T) {
	cl, _ := newTestClient(t)
	connectMultiple(t, cl)
	connectMultiple(t, cl)
	if err := cl.Shutdown(context.Background(), false); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if cl.NumConnected() != 0 {
		t.Fatalf("expected drained registry")
	}
}
