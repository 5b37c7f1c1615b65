package clusterfile

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/ggoodman/clusterclient-go/internal/logctx"
	"github.com/shirou/gopsutil/v3/process"
)

// Driver reports this process's relationship to the cluster recorded at
// Path. It satisfies clusterclient.Driver.
type Driver struct {
	// Path defaults to DefaultPath().
	Path string
	// PID is the process considered "this process". Defaults to os.Getpid().
	PID int32
	// OnShutdown, when set, is run when this process detaches.
	OnShutdown func(ctx context.Context, rec Record) error
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (d *Driver) path() string {
	if d.Path == "" {
		return DefaultPath()
	}
	return d.Path
}

func (d *Driver) pid() int32 {
	if d.PID == 0 {
		return int32(os.Getpid())
	}
	return d.PID
}

// record returns the current record, ignoring records whose head process is
// gone.
func (d *Driver) record(ctx context.Context) (Record, bool) {
	rec, err := Read(d.path())
	if err != nil {
		return Record{}, false
	}
	if rec.HeadPID != 0 {
		alive, err := process.PidExistsWithContext(ctx, rec.HeadPID)
		if err == nil && !alive {
			return Record{}, false
		}
	}
	return rec, true
}

// Watch follows the record at Path, logging watcher errors to Logger.
func (d *Driver) Watch(ctx context.Context, fn func(Record, error)) error {
	return Watch(ctx, d.path(), d.Logger, fn)
}

// Attached reports whether a live cluster record exists.
func (d *Driver) Attached() bool {
	_, ok := d.record(context.Background())
	return ok
}

// IsHead reports whether this process, or its parent, started the recorded
// cluster.
func (d *Driver) IsHead() bool {
	ctx := context.Background()
	rec, ok := d.record(ctx)
	if !ok || rec.HeadPID == 0 {
		return false
	}
	pid := d.pid()
	if rec.HeadPID == pid {
		return true
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false
	}
	ppid, err := p.PpidWithContext(ctx)
	return err == nil && ppid == rec.HeadPID
}

// Shutdown detaches this process from the recorded cluster. The record is
// removed only when it names this process as head; records left by other
// processes are shared and stay in place.
func (d *Driver) Shutdown(ctx context.Context) error {
	log := logctx.Wrap(d.Logger)
	rec, err := Read(d.path())
	if errors.Is(err, ErrNoRecord) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.OnShutdown != nil {
		if err := d.OnShutdown(ctx, rec); err != nil {
			return err
		}
	}
	owner := rec.HeadPID != 0 && rec.HeadPID == d.pid()
	log.InfoContext(ctx, "clusterfile.driver.shutdown",
		slog.String("address", rec.Address),
		slog.Bool("owner", owner),
	)
	if !owner {
		return nil
	}
	return Remove(d.path())
}
