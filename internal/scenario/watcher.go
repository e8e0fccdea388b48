package scenario

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback receives the batch of scenario files that changed within
// one debounce window
type ChangeCallback func(changedFiles []string)

// Watcher monitors a scenarios directory and batches rapid changes. Editors
// tend to fire several events per save; only the debounced set is reported.
type Watcher struct {
	watcher  *fsnotify.Watcher
	callback ChangeCallback
	dir      string

	mu       sync.Mutex
	debounce time.Duration
	pending  map[string]struct{}
	timer    *time.Timer

	cancel context.CancelFunc
}

// NewWatcher creates a watcher for one scenarios directory
func NewWatcher(dir string, callback ChangeCallback) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fsw,
		callback: callback,
		dir:      dir,
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]struct{}),
	}, nil
}

// Start begins watching. The directory must exist.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case _, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Stop stops watching
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

// SetDebounce sets the batching window
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isScenarioFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[event.Name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if w.callback == nil || len(pending) == 0 {
		return
	}
	files := make([]string, 0, len(pending))
	for f := range pending {
		files = append(files, f)
	}
	w.callback(files)
}

// Watch imports every change under dir as it happens: the returned watcher
// re-imports each changed file through the importer until Stop is called
func (im *Importer) Watch(ctx context.Context, dir string) (*Watcher, error) {
	w, err := NewWatcher(dir, func(changed []string) {
		for _, path := range changed {
			if _, err := im.ImportFile(path); err != nil {
				// Half-written or broken files stay out of the store; the
				// next save re-imports them.
				log.Printf("scenario: %v", err)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		w.watcher.Close()
		return nil, err
	}
	return w, nil
}
