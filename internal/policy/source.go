package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Source provides the policy in force.
type Source interface {
	Current() *Policy
}

// Static is a Source that never changes.
type Static struct {
	p *Policy
}

// NewStatic wraps p.
func NewStatic(p *Policy) *Static {
	return &Static{p: p}
}

// Current returns the wrapped policy.
func (s *Static) Current() *Policy { return s.p }

// FileSource serves a policy loaded from a CUE file and can hot-reload it.
// A document that fails to parse leaves the previous policy in force.
type FileSource struct {
	path    string
	current atomic.Pointer[Policy]
	logger  *slog.Logger

	// debounce collapses the burst of events editors produce on save.
	debounce time.Duration
	onReload func(*Policy, error)
}

// FileSourceOption configures a FileSource.
type FileSourceOption func(*FileSource)

// WithLogger sets the logger used for reload reports.
func WithLogger(l *slog.Logger) FileSourceOption {
	return func(s *FileSource) { s.logger = l }
}

// WithDebounce sets the reload debounce delay.
func WithDebounce(d time.Duration) FileSourceOption {
	return func(s *FileSource) { s.debounce = d }
}

// WithReloadHook registers fn to run after every reload attempt.
func WithReloadHook(fn func(*Policy, error)) FileSourceOption {
	return func(s *FileSource) { s.onReload = fn }
}

// NewFileSource loads path once.
func NewFileSource(path string, opts ...FileSourceOption) (*FileSource, error) {
	s := &FileSource{path: path, logger: slog.Default(), debounce: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(s)
	}
	p, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	s.current.Store(p)
	return s, nil
}

// Current returns the most recently loaded policy.
func (s *FileSource) Current() *Policy {
	return s.current.Load()
}

// Reload re-reads the file. On error the previous policy stays in force.
func (s *FileSource) Reload() error {
	p, err := LoadFile(s.path)
	if err == nil {
		s.current.Store(p)
		s.logger.Info("qc policy reloaded", "path", s.path, "version", p.Version)
	} else {
		s.logger.Warn("qc policy reload failed, keeping previous", "path", s.path, "error", err)
	}
	if s.onReload != nil {
		s.onReload(p, err)
	}
	return err
}

// Watch reloads the policy whenever its file is written, until ctx is done.
// It returns once the watcher is installed.
func (s *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors often replace the file rather than write it.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch policy directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(s.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(s.debounce, func() { _ = s.Reload() })
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("qc policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
