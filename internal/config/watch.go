package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// PolicyWatcher monitors the configured cache policy file and invokes the
// supplied callback whenever the document changes. Stop must be called to
// release filesystem resources.
type PolicyWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *PolicyWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchPolicy wires fsnotify around the cache policy file and re-parses it
// on any relevant change. The watch is placed on the parent directory so
// editors that replace the file via rename (the common atomic-save idiom)
// still trigger a reload.
func WatchPolicy(ctx context.Context, path string, onChange func(PolicyDocument), onError func(error)) (*PolicyWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch policy requires a change callback")
	}
	if path == "" {
		return nil, fmt.Errorf("config: no policy file configured for watching")
	}

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve policy file: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch policy: %w", err)
	}
	if err := watcher.Add(filepath.Dir(resolved)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("config: watch policy dir: %w", err)
	}

	done := make(chan struct{})
	w := &PolicyWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch policy close: %w", err))
			}
		}()

		reload := func() {
			doc, err := LoadPolicy(resolved)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(doc)
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != resolved {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if err != nil && onError != nil {
					onError(fmt.Errorf("config: watch policy: %w", err))
				}
			}
		}
	}()

	return w, nil
}
