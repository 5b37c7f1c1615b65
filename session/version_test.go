package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/ggoodman/clusterclient-go/transport"
)

func TestCheckVersions(t *testing.T) {
	tests := []struct {
		name     string
		local    string
		peer     transport.ConnectionInfo
		override bool
		wantErr  error
	}{
		{name: "same minor with patch", local: "3.8", peer: transport.ConnectionInfo{RuntimeVersion: "3.8.10", ProtocolVersion: ProtocolVersion}},
		{name: "exact minor", local: "3.8.1", peer: transport.ConnectionInfo{RuntimeVersion: "3.8", ProtocolVersion: ProtocolVersion}},
		{name: "minor mismatch", local: "3.8", peer: transport.ConnectionInfo{RuntimeVersion: "3.9.0", ProtocolVersion: ProtocolVersion}, wantErr: ErrProtocolMismatch},
		{name: "prefix is not a minor match", local: "3.8", peer: transport.ConnectionInfo{RuntimeVersion: "3.80.1", ProtocolVersion: ProtocolVersion}, wantErr: ErrProtocolMismatch},
		{name: "minor mismatch overridden", local: "3.8", peer: transport.ConnectionInfo{RuntimeVersion: "3.9.0", ProtocolVersion: ProtocolVersion}, override: true},
		{name: "protocol mismatch", local: "3.8", peer: transport.ConnectionInfo{RuntimeVersion: "3.8.0", ProtocolVersion: "2020-01-01"}, wantErr: ErrProtocolVersion},
		{name: "protocol mismatch overridden", local: "3.8", peer: transport.ConnectionInfo{RuntimeVersion: "3.8.0", ProtocolVersion: "2020-01-01"}, override: true},
		{name: "empty protocol", local: "3.8", peer: transport.ConnectionInfo{RuntimeVersion: "3.8.0"}, wantErr: ErrProtocolVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkVersions(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), tt.local, tt.peer, tt.override)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCheckVersionsOverrideLogsBothWarnings(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	info := transport.ConnectionInfo{RuntimeVersion: "3.9.0", ProtocolVersion: "other"}
	if err := checkVersions(context.Background(), log, "3.8", info, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "handshake.runtime.mismatch") || !strings.Contains(out, "handshake.protocol.mismatch") {
		t.Fatalf("expected both warnings, got %q", out)
	}
}

func TestMajorMinor(t *testing.T) {
	for in, want := range map[string]string{"1.24.3": "1.24", "3.8": "3.8", "7": "7", "": ""} {
		if got := MajorMinor(in); got != want {
			t.Errorf("MajorMinor(%q) = %q, want %q", in, got, want)
		}
	}
	if v := LocalRuntimeVersion(); strings.HasPrefix(v, "go") {
		t.Fatalf("LocalRuntimeVersion kept prefix: %q", v)
	}
}
