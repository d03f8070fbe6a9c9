package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader is a Command engine whose YAML config is watched and reloaded on
// change. A run in progress keeps the Command it started with. An invalid
// file is logged and the previous Command stays active.
type Reloader struct {
	path     string
	current  atomic.Pointer[Command]
	watcher  *fsnotify.Watcher
	reloads  atomic.Int64
	stopChan chan struct{}
	done     chan struct{}
}

// NewReloader loads path and starts watching its directory.
func NewReloader(path string) (*Reloader, error) {
	r := &Reloader{
		path:     filepath.Clean(path),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := r.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch engine config directory: %w", err)
	}
	r.watcher = watcher

	go r.watch()
	return r, nil
}

func (r *Reloader) load() error {
	cfg, err := LoadConfig(r.path)
	if err != nil {
		return err
	}
	cmd, err := NewCommand(cfg)
	if err != nil {
		return err
	}
	r.current.Store(cmd)
	return nil
}

func (r *Reloader) watch() {
	defer close(r.done)

	debounce := time.NewTimer(0)
	<-debounce.C

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce.Reset(100 * time.Millisecond)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("engine config watcher error", "error", err)

		case <-debounce.C:
			if err := r.load(); err != nil {
				slog.Error("engine config reload failed, keeping previous config", "path", r.path, "error", err)
				continue
			}
			r.reloads.Add(1)
			slog.Info("engine config reloaded", "path", r.path)

		case <-r.stopChan:
			return
		}
	}
}

// Current returns the active Command.
func (r *Reloader) Current() *Command {
	return r.current.Load()
}

// Reloads returns how many successful reloads happened since start.
func (r *Reloader) Reloads() int64 {
	return r.reloads.Load()
}

// Close stops watching.
func (r *Reloader) Close() {
	select {
	case <-r.stopChan:
		return
	default:
	}
	close(r.stopChan)
	r.watcher.Close()
	<-r.done
}

func (r *Reloader) Create(ctx context.Context, req CreateRequest, sink Sink) (*Result, error) {
	return r.Current().Create(ctx, req, sink)
}

func (r *Reloader) Edit(ctx context.Context, req EditRequest, sink Sink) (*Result, error) {
	return r.Current().Edit(ctx, req, sink)
}

func (r *Reloader) Revert(ctx context.Context, req RevertRequest, sink Sink) (*Result, error) {
	return r.Current().Revert(ctx, req, sink)
}
