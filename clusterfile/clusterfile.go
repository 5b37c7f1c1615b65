// Package clusterfile reads and writes the "current cluster" record that a
// process starting a cluster leaves in the temp dir, so later processes on
// the same host can find and attach to it.
package clusterfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/clusterclient-go/internal/logctx"
)

// FileName is the record's base name inside os.TempDir().
const FileName = "cluster_current_cluster"

// ErrNoRecord is returned when no current-cluster record exists.
var ErrNoRecord = errors.New("clusterfile: no current cluster")

// Record describes the cluster started on this host.
type Record struct {
	Address   string    `json:"address"`
	HeadPID   int32     `json:"head_pid,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// DefaultPath returns the record location in the user temp dir.
func DefaultPath() string { return filepath.Join(os.TempDir(), FileName) }

// Read loads the record at path.
func Read(path string) (Record, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNoRecord
	}
	if err != nil {
		return Record{}, fmt.Errorf("clusterfile: read %s: %w", path, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("clusterfile: decode %s: %w", path, err)
	}
	if rec.Address == "" {
		return Record{}, ErrNoRecord
	}
	return rec, nil
}

// Write replaces the record at path atomically.
func Write(path string, rec Record) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("clusterfile: write %s: %w", path, err)
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("clusterfile: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("clusterfile: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("clusterfile: write %s: %w", path, err)
	}
	return nil
}

// Remove deletes the record. A missing record is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clusterfile: remove %s: %w", path, err)
	}
	return nil
}

// Watch calls fn with the current record (or ErrNoRecord) once at start and
// again every time the record changes. It blocks until ctx is done. Watcher
// errors are logged to log; a nil log uses slog.Default().
//
// The parent directory is watched rather than the file so that atomic
// replaces and deletes are observed.
func Watch(ctx context.Context, path string, log *slog.Logger, fn func(Record, error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("clusterfile: watch: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("clusterfile: watch %s: %w", path, err)
	}

	fn(Read(path))
	return watchLoop(ctx, path, w.Events, w.Errors, logctx.Wrap(log), fn)
}

func watchLoop(ctx context.Context, path string, events <-chan fsnotify.Event, errs <-chan error, log *slog.Logger, fn func(Record, error)) error {
	name := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			fn(Read(path))
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			log.DebugContext(ctx, "clusterfile.watch.error", slog.String("err", err.Error()))
		}
	}
}
