// Package sessiondirtest is a conformance suite for sessiondir.Directory
// implementations.
package sessiondirtest

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/clusterclient-go/sessiondir"
	"github.com/ggoodman/clusterclient-go/transport"
)

// DirectoryFactory creates a new, empty Directory for one subtest.
type DirectoryFactory func(t *testing.T) sessiondir.Directory

// RunDirectoryTests runs the complete Directory test suite against the provided factory.
func RunDirectoryTests(t *testing.T, factory DirectoryFactory) {
	t.Run("PublishThenList", func(t *testing.T) { testPublishThenList(t, factory) })
	t.Run("PublishReplacesEntry", func(t *testing.T) { testPublishReplaces(t, factory) })
	t.Run("WithdrawRemovesEntry", func(t *testing.T) { testWithdraw(t, factory) })
	t.Run("WithdrawUnknownIsNoop", func(t *testing.T) { testWithdrawUnknown(t, factory) })
	t.Run("ConcurrentPublish", func(t *testing.T) { testConcurrentPublish(t, factory) })
}

func entry(id string) sessiondir.Entry {
	return sessiondir.Entry{
		ID:      id,
		Address: "localhost:50051",
		Info: transport.ConnectionInfo{
			RuntimeVersion:  "1.24.1",
			ProtocolVersion: "2021-09-02",
			NumClients:      1,
		},
		PID:         42,
		ConnectedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func ids(entries []sessiondir.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	sort.Strings(out)
	return out
}

func testPublishThenList(t *testing.T, factory DirectoryFactory) {
	d := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range []string{"a", "b"} {
		if err := d.Publish(ctx, entry(id)); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	got, err := d.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if g := ids(got); len(g) != 2 || g[0] != "a" || g[1] != "b" {
		t.Fatalf("expected [a b], got %v", g)
	}
	for _, e := range got {
		if e.Info.ProtocolVersion != "2021-09-02" || e.Address != "localhost:50051" {
			t.Fatalf("entry not round-tripped: %+v", e)
		}
	}
}

func testPublishReplaces(t *testing.T, factory DirectoryFactory) {
	d := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e := entry("a")
	if err := d.Publish(ctx, e); err != nil {
		t.Fatalf("publish: %v", err)
	}
	e.Info.NumClients = 7
	if err := d.Publish(ctx, e); err != nil {
		t.Fatalf("republish: %v", err)
	}
	got, err := d.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Info.NumClients != 7 {
		t.Fatalf("expected single replaced entry, got %+v", got)
	}
}

func testWithdraw(t *testing.T, factory DirectoryFactory) {
	d := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = d.Publish(ctx, entry("a"))
	_ = d.Publish(ctx, entry("b"))
	if err := d.Withdraw(ctx, "a"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	got, err := d.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if g := ids(got); len(g) != 1 || g[0] != "b" {
		t.Fatalf("expected [b], got %v", g)
	}
}

func testWithdrawUnknown(t *testing.T, factory DirectoryFactory) {
	d := factory(t)
	if err := d.Withdraw(context.Background(), "missing"); err != nil {
		t.Fatalf("withdraw unknown: %v", err)
	}
}

func testConcurrentPublish(t *testing.T, factory DirectoryFactory) {
	d := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := d.Publish(ctx, entry(string(rune('a'+i)))); err != nil {
				t.Errorf("publish %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	got, err := d.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 16 {
		t.Fatalf("expected 16 entries, got %d", len(got))
	}
}
