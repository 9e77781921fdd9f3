// Package filesource watches a PEM bundle on the local filesystem.
//
// The parent directory is watched rather than the file itself so that
// atomic replacements (write to a temp file, rename over the target) and
// the kubelet's "..data" symlink swap for mounted Secrets are both seen.
package filesource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sufield/pkiwatch/internal/pemcodec"
	"github.com/sufield/pkiwatch/internal/ports"
)

// kubeletDataDir is the symlink the kubelet swaps when a mounted Secret or
// ConfigMap changes.
const kubeletDataDir = "..data"

const defaultSettle = 100 * time.Millisecond

var (
	// ErrIsDirectory indicates the configured path names a directory.
	ErrIsDirectory = errors.New("path is a directory")
	// ErrClosed indicates the source was closed.
	ErrClosed = errors.New("file source closed")
)

var _ ports.Source = (*Source)(nil)

// Source reads one PEM bundle file and reports changes to it.
type Source struct {
	name   string
	path   string
	settle time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSettle sets how long Wait keeps absorbing events after the first
// relevant one, so a burst of writes yields a single retrieval.
func WithSettle(d time.Duration) Option {
	return func(s *Source) { s.settle = d }
}

// New returns a source for path. Nothing is opened until the first Wait.
func New(name, path string, opts ...Option) (*Source, error) {
	if path == "" {
		return nil, errors.New("file source path must be set")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if name == "" {
		name = string(ports.SourceKindFile)
	}

	s := &Source{
		name:   name,
		path:   filepath.Clean(abs),
		settle: defaultSettle,
		logger: slog.Default(),
		closed: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Source) Name() string          { return s.name }
func (s *Source) Kind() ports.SourceKind { return ports.SourceKindFile }

// Path returns the absolute path being watched.
func (s *Source) Path() string { return s.path }

// Wait returns immediately on the first call, once the directory watch is
// in place. Later calls block until the file is created, written, renamed
// or removed.
func (s *Source) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w, fresh, err := s.ensureWatcher()
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ports.Fatal(s.name, ErrClosed)
		case ev, ok := <-w.Events:
			if !ok {
				s.dropWatcher(w)
				return ports.Retryable(s.name, errors.New("watcher event channel closed"))
			}
			if !s.relevant(ev) {
				continue
			}
			s.logger.Debug("file changed", "source", s.name, "event", ev.String())
			s.absorb(ctx, w)
			return nil
		case werr, ok := <-w.Errors:
			if !ok {
				s.dropWatcher(w)
				return ports.Retryable(s.name, errors.New("watcher error channel closed"))
			}
			return ports.Retryable(s.name, fmt.Errorf("watch %s: %w", filepath.Dir(s.path), werr))
		}
	}
}

// Retrieve reads and decodes the file.
func (s *Source) Retrieve(ctx context.Context) (ports.Delta, error) {
	if err := ctx.Err(); err != nil {
		return ports.Delta{}, err
	}

	info, err := os.Stat(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ports.Delta{}, ports.Retryable(s.name, fmt.Errorf("%s does not exist yet: %w", s.path, err))
	case err != nil:
		return ports.Delta{}, ports.Retryable(s.name, fmt.Errorf("stat %s: %w", s.path, err))
	case info.IsDir():
		return ports.Delta{}, ports.Fatal(s.name, fmt.Errorf("%w: %s", ErrIsDirectory, s.path))
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return ports.Delta{}, ports.Retryable(s.name, fmt.Errorf("read %s: %w", s.path, err))
	}

	set, err := pemcodec.DecodeBytes(data)
	if err != nil {
		return ports.Delta{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return ports.Delta{Objects: set}, nil
}

// Close stops the watch. It is idempotent.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.watcher != nil {
			s.closeErr = s.watcher.Close()
			s.watcher = nil
		}
	})
	return s.closeErr
}

// ensureWatcher returns the active watcher, creating it if needed. fresh is
// true when the watcher was just created, meaning an initial read is due.
func (s *Source) ensureWatcher() (*fsnotify.Watcher, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return nil, false, ports.Fatal(s.name, ErrClosed)
	default:
	}
	if s.watcher != nil {
		return s.watcher, false, nil
	}

	if info, err := os.Stat(s.path); err == nil && info.IsDir() {
		return nil, false, ports.Fatal(s.name, fmt.Errorf("%w: %s", ErrIsDirectory, s.path))
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, false, ports.Retryable(s.name, fmt.Errorf("create watcher: %w", err))
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, false, ports.Retryable(s.name, fmt.Errorf("watch %s: %w", dir, err))
	}

	s.logger.Debug("watching directory", "source", s.name, "dir", dir, "file", filepath.Base(s.path))
	s.watcher = w
	return w, true, nil
}

func (s *Source) dropWatcher(w *fsnotify.Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == w {
		_ = w.Close()
		s.watcher = nil
	}
}

func (s *Source) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	name := filepath.Clean(ev.Name)
	return name == s.path || filepath.Base(name) == kubeletDataDir
}

// absorb drains events until none arrive for the settle period.
func (s *Source) absorb(ctx context.Context, w *fsnotify.Watcher) {
	if s.settle <= 0 {
		return
	}
	t := time.NewTimer(s.settle)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			return
		case _, ok := <-w.Events:
			if !ok {
				return
			}
			t.Reset(s.settle)
		}
	}
}
