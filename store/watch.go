package store

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/waypointhq/waypoint/core"
	"github.com/waypointhq/waypoint/logging"
)

// Watcher observes a behaviour graph file and reports parsed replacements.
// Editors tend to fire several events per save, so changes are debounced
// before the file is re-read. Invalid intermediate states are logged and
// skipped. Development use only.
type Watcher struct {
	path    string
	fsw     *fsnotify.Watcher
	logger  logging.Logger
	onSwap  func(*core.BehaviourGraph)
	done    chan struct{}
	settled time.Duration
}

// Watch starts observing path, invoking onSwap for each valid rewrite.
func Watch(path string, logger logging.Logger, onSwap func(*core.BehaviourGraph)) (*Watcher, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// watch the directory so replace-by-rename saves keep being seen
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		fsw:     fsw,
		logger:  logger,
		onSwap:  onSwap,
		done:    make(chan struct{}),
		settled: 200 * time.Millisecond,
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var pending *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.settled, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("behaviour watch error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	fs := NewFileStore(filepath.Dir(w.path), w.logger)
	name := filepath.Base(w.path)
	graph, err := fs.LoadGraph(context.Background(), name[:len(name)-len(filepath.Ext(name))])
	if err != nil {
		w.logger.Warn("behaviour file changed but does not parse, keeping the current graph", "error", err)
		return
	}
	w.logger.Info("behaviour file changed, staging reload", "path", w.path)
	w.onSwap(graph)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
