// Package clusterclient lets a process hold several simultaneous sessions to
// remote compute clusters and route unqualified ("ambient") calls to the one
// that is active for the caller.
//
// A Client owns a session.Registry. The active session is tracked per scope:
// Bind attaches a fresh scope to a context.Context and every facade method
// resolves the active session from the scope carried by its ctx. A ctx with
// no scope resolves to the registry's default context, so single-session
// programs never need to bind:
//
//	cl := clusterclient.New(clusterclient.WithDialer(wstransport.New(wstransport.Config{})))
//	if _, err := cl.Connect(ctx, "10.0.0.5:10001", session.ConnectOptions{}); err != nil {
//		return err
//	}
//	defer cl.Disconnect(ctx)
//	ref, err := cl.Remote("add").Call(ctx, 1, 2)
//
// Programs that talk to several clusters opt in through the Builder with
// AllowMultiple and switch between sessions with ManagedContext:
//
//	a, _ := cl.Builder("cluster://a:10001").AllowMultiple().Connect(ctx)
//	b, _ := cl.Builder("cluster://b:10001").AllowMultiple().Connect(ctx)
//	err := a.Run(cl.Bind(ctx), func(ctx context.Context) error {
//		_, err := cl.Put(ctx, "hello")
//		return err
//	})
//
// Scopes are never shared implicitly. Two goroutines that each Bind their own
// ctx may be active on unrelated sessions at the same time.
package clusterclient
