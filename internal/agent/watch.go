package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of filesystem events into one wake-up.
const DefaultDebounce = 250 * time.Millisecond

// Watcher turns filesystem events in the watched directories into wake-ups
// for the poll loop. Events only shorten the sleep; discovery still reads
// the directories, so a missed event costs at most one poll interval.
type Watcher struct {
	fs       *fsnotify.Watcher
	wake     chan struct{}
	debounce time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher watches dirs. Directories that do not exist yet are created.
func NewWatcher(dirs []string, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			fw.Close()
			return nil, err
		}
		if err := fw.Add(d); err != nil {
			fw.Close()
			return nil, err
		}
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{fs: fw, wake: make(chan struct{}, 1), debounce: debounce, log: log}, nil
}

// Wake is the channel to hand to Runner.Wake.
func (w *Watcher) Wake() <-chan struct{} { return w.wake }

// Run forwards events until ctx ends, then closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if relevant(ev) {
				w.schedule()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.schedule()
				continue
			}
			w.log.Warn("watch error", "err", err)
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	base := filepath.Base(ev.Name)
	// temp files from atomic writes
	if strings.HasPrefix(base, ".") {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Write)
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	})
}
