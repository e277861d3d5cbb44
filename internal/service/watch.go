package service

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/packlane/packlane/internal/logging"
	"github.com/packlane/packlane/internal/pool"
)

// debounceDelay batches bursts of filesystem events (editor saves, git
// checkouts) into a single trigger.
const debounceDelay = 500 * time.Millisecond

// watcher maps filesystem events on watched directories to pool triggers for
// the workers that stage them.
type watcher struct {
	fsw *fsnotify.Watcher
	log *logging.Logger

	mu       sync.Mutex
	tasks    map[string][]string // watched dir -> task names
	debounce map[string]*time.Timer
}

func newWatcher(log *logging.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &watcher{
		fsw:      fsw,
		log:      log,
		tasks:    make(map[string][]string),
		debounce: make(map[string]*time.Timer),
	}
	return w, nil
}

// Watch registers dir and its subdirectories; events trigger the named pool
// task. The event loop starts with the first watch.
func (w *watcher) Watch(dir, task string, p *pool.Pool) error {
	w.mu.Lock()
	first := len(w.tasks) == 0
	w.tasks[dir] = append(w.tasks[dir], task)
	w.mu.Unlock()

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil // unreadable entries are skipped, not fatal
		}
		return w.fsw.Add(path)
	})
	if err != nil {
		return err
	}

	if first {
		go w.loop(p)
	}
	return nil
}

func (w *watcher) loop(p *pool.Pool) {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.trigger(event.Name, p)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warnf("watch error: %v", err)
		}
	}
}

// trigger finds the watched directories containing path and schedules their
// tasks, debounced per task.
func (w *watcher) trigger(path string, p *pool.Pool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for dir, tasks := range w.tasks {
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == ".." || filepath.IsAbs(rel) || (len(rel) > 1 && rel[:2] == "..") {
			continue
		}

		for _, task := range tasks {
			if t, ok := w.debounce[task]; ok {
				t.Reset(debounceDelay)
				continue
			}
			w.debounce[task] = time.AfterFunc(debounceDelay, func() {
				w.mu.Lock()
				delete(w.debounce, task)
				w.mu.Unlock()

				w.log.Debugf("change detected, triggering %q", task)
				if err := p.Trigger(task); err != nil {
					w.log.Warnf("failed to trigger %q: %v", task, err)
				}
			})
		}
	}
}

func (w *watcher) Close() error {
	return w.fsw.Close()
}
