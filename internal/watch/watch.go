// Package watch monitors a capture directory for newly arrived frames.
// Capture software writes large FITS files in chunks, so raw create/write
// notifications are debounced per path before an arrival is reported.
package watch

import (
	"context"
	"os"
	"sync"
	"time"

	"log/slog"

	"github.com/fsnotify/fsnotify"

	"astrostack/internal/fsutil"
	"astrostack/internal/storage"
)

// Event reports one settled frame arrival or change.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted"
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// Watcher observes one directory and reports debounced frame events.
type Watcher struct {
	dir      string
	debounce time.Duration
	store    *storage.Store
	log      *slog.Logger

	fsw    *fsnotify.Watcher
	Events chan Event

	mu      sync.Mutex
	pending map[string]*pendingEvent
}

type pendingEvent struct {
	op    string
	timer *time.Timer
}

// New creates a watcher over dir. store may be nil when persistence is not
// wanted.
func New(dir string, debounce time.Duration, store *storage.Store, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		store:    store,
		log:      logger,
		fsw:      fsw,
		Events:   make(chan Event, 100),
		pending:  map[string]*pendingEvent{},
	}, nil
}

// Run watches until ctx is cancelled. The Events channel is closed on return.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.fsw.Add(w.dir); err != nil {
		w.fsw.Close()
		close(w.Events)
		return err
	}
	w.log.Info("watching capture directory", "dir", w.dir, "debounce", w.debounce)

	defer func() {
		w.fsw.Close()
		w.mu.Lock()
		for _, p := range w.pending {
			p.timer.Stop()
		}
		w.pending = map[string]*pendingEvent{}
		w.mu.Unlock()
		close(w.Events)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			op, relevant := classify(event.Op)
			if !relevant || !fsutil.IsFrameFile(event.Name) {
				continue
			}
			w.schedule(event.Name, op)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("filesystem watcher error", "error", err)
		}
	}
}

// schedule arms (or re-arms) the per-path debounce timer. Repeated writes to
// the same file keep pushing the flush back until the capture app finishes.
func (w *Watcher) schedule(path, op string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[path]; ok {
		// deletion wins over a pending create/modify for the same path
		if op == "deleted" {
			p.op = op
		}
		p.timer.Reset(w.debounce)
		return
	}

	p := &pendingEvent{op: op}
	p.timer = time.AfterFunc(w.debounce, func() { w.flush(path) })
	w.pending[path] = p
}

func (w *Watcher) flush(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	delete(w.pending, path)
	w.mu.Unlock()
	if !ok {
		return
	}

	ev := Event{Path: path, Operation: p.op, Time: time.Now()}
	if p.op != "deleted" {
		if info, err := os.Stat(path); err == nil {
			ev.Size = info.Size()
		}
	}

	if w.store != nil {
		if err := w.store.RecordFrameEvent(storage.FrameEvent{
			FilePath:  ev.Path,
			EventType: ev.Operation,
			EventTime: ev.Time,
			FileSize:  ev.Size,
		}); err != nil {
			w.log.Error("recording frame event", "path", path, "error", err)
		}
	}

	select {
	case w.Events <- ev:
	default:
		w.log.Warn("event buffer full, dropping event", "path", path)
	}
}

func classify(op fsnotify.Op) (string, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return "created", true
	case op.Has(fsnotify.Write):
		return "modified", true
	case op.Has(fsnotify.Remove):
		return "deleted", true
	case op.Has(fsnotify.Rename):
		return "deleted", true
	default:
		return "", false
	}
}
