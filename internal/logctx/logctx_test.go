package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsSessionGroup(t *testing.T) {
	var buf bytes.Buffer
	log := Wrap(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := WithSessionData(context.Background(), &SessionData{ClientID: "abc", Address: "localhost:1", State: "connected"})
	ctx = WithCallData(ctx, &CallData{Method: "call", Name: "hello"})
	log.With("k", "v").InfoContext(ctx, "session.connect.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	sess, ok := rec["sess"].(map[string]any)
	if !ok || sess["id"] != "abc" || sess["state"] != "connected" {
		t.Fatalf("missing sess group: %v", rec)
	}
	call, ok := rec["call"].(map[string]any)
	if !ok || call["name"] != "hello" {
		t.Fatalf("missing call group: %v", rec)
	}
	if rec["k"] != "v" {
		t.Fatalf("WithAttrs lost: %v", rec)
	}
}

func TestWrapIsIdempotent(t *testing.T) {
	l := Wrap(nil)
	if Wrap(l) != l {
		t.Fatalf("expected Wrap to return an already wrapped logger unchanged")
	}
}
