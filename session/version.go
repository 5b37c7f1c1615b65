package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/ggoodman/clusterclient-go/transport"
)

// ProtocolVersion is bumped on breaking wire changes that require upgrading
// the client.
const ProtocolVersion = "2021-09-02"

// EnvIgnoreVersionMismatch, when present in the environment with any value,
// downgrades version mismatches to warnings for the whole process.
const EnvIgnoreVersionMismatch = "CLUSTER_IGNORE_VERSION_MISMATCH"

// LocalRuntimeVersion returns the running Go toolchain version without the
// "go" prefix, e.g. "1.24.3".
func LocalRuntimeVersion() string {
	v := runtime.Version()
	v = strings.TrimPrefix(v, "go")
	if i := strings.IndexAny(v, " -"); i >= 0 {
		v = v[:i]
	}
	return v
}

// MajorMinor truncates a dotted version to its first two components.
func MajorMinor(v string) string {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return v
	}
	return parts[0] + "." + parts[1]
}

func envOverride() bool {
	_, ok := os.LookupEnv(EnvIgnoreVersionMismatch)
	return ok
}

// sameMinor reports whether peer starts with the local major.minor.
func sameMinor(local, peer string) bool {
	mm := MajorMinor(local)
	return peer == mm || strings.HasPrefix(peer, mm+".")
}

// checkVersions validates the peer's runtime and protocol versions. With
// override set, mismatches are logged instead of returned.
func checkVersions(ctx context.Context, log *slog.Logger, localRuntime string, info transport.ConnectionInfo, override bool) error {
	if !sameMinor(localRuntime, info.RuntimeVersion) {
		err := fmt.Errorf("%w: client is %s, server is %s", ErrProtocolMismatch, localRuntime, info.RuntimeVersion)
		if !override {
			return err
		}
		log.WarnContext(ctx, "handshake.runtime.mismatch", slog.String("err", err.Error()))
	}
	if info.ProtocolVersion != ProtocolVersion {
		err := fmt.Errorf("%w: client is %s, server is %s", ErrProtocolVersion, ProtocolVersion, info.ProtocolVersion)
		if !override {
			return err
		}
		log.WarnContext(ctx, "handshake.protocol.mismatch", slog.String("err", err.Error()))
	}
	return nil
}
