// Package filedir serves a sessions.Directory from a JSON file that is
// reloaded whenever it changes on disk. It targets development clusters and
// static deployments where acceptor assignment is configured rather than
// registered.
//
// The file maps user ids to records:
//
//	{
//	  "alice": {"acceptor_instance_id": "acceptor-a", "metadata": {"region": "eu"}},
//	  "bob":   {"acceptor_instance_id": "acceptor-b"}
//	}
package filedir

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/im-dispatch/sessions"
)

type record struct {
	AcceptorInstanceID string            `json:"acceptor_instance_id"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Directory is a file-backed sessions.Directory. Lookups read an immutable
// snapshot; reloads swap the snapshot atomically.
type Directory struct {
	path     string
	log      *slog.Logger
	snapshot atomic.Pointer[map[string]record]
	reloads  atomic.Int64
}

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the logger used for reload reporting.
func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) {
		if l != nil {
			d.log = l
		}
	}
}

// Open loads path and returns a Directory serving its contents.
func Open(path string, opts ...Option) (*Directory, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	d := &Directory{path: abs, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the file. On failure the previous snapshot stays in place.
func (d *Directory) Reload() error {
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read sessions file: %w", err)
	}
	m := make(map[string]record)
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("parse sessions file: %w", err)
	}
	d.snapshot.Store(&m)
	d.reloads.Add(1)
	return nil
}

// Reloads reports how many snapshots have been loaded successfully.
func (d *Directory) Reloads() int64 { return d.reloads.Load() }

// Get implements sessions.Directory.
func (d *Directory) Get(ctx context.Context, userID string) (*sessions.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := d.snapshot.Load()
	rec, ok := (*m)[userID]
	if !ok {
		return nil, nil
	}
	s := &sessions.Session{UserID: userID, AcceptorInstanceID: rec.AcceptorInstanceID}
	if len(rec.Metadata) > 0 {
		s.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			s.Metadata[k] = v
		}
	}
	return s, nil
}

// Watch reloads the file on change until ctx ends. The parent directory is
// watched so that editors replacing the file via rename are observed.
func (d *Directory) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(filepath.Dir(d.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(d.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != d.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := d.Reload(); err != nil {
				d.log.WarnContext(ctx, "sessions file reload failed; keeping previous snapshot",
					slog.String("path", d.path), slog.String("err", err.Error()))
				continue
			}
			d.log.InfoContext(ctx, "sessions file reloaded", slog.String("path", d.path), slog.Int64("reloads", d.Reloads()))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.log.DebugContext(ctx, "fsnotify error", slog.String("err", err.Error()))
		}
	}
}

// Interface compliance
var _ sessions.Directory = (*Directory)(nil)
