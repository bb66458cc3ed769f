package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/claudedeck/claudedeck/log"
)

// Watcher observes the projects directory and coalesces filesystem churn
// into "something changed" ticks, so connected clients can be pushed a
// fresh session list without polling the disk.
type Watcher struct {
	root     string
	debounce time.Duration
}

// NewWatcher creates a watcher over the projects root.
func NewWatcher(root string) *Watcher {
	return &Watcher{root: root, debounce: 500 * time.Millisecond}
}

// Run watches until ctx is cancelled, sending a tick on changed after each
// quiet period. New session subdirectories are added to the watch as they
// appear. A missing root is retried; agent runtimes create it lazily.
func (w *Watcher) Run(ctx context.Context, changed chan<- struct{}) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error().Err(err).Msg("failed to create filesystem watcher")
		return
	}
	defer fsw.Close()

	w.addAll(fsw)

	var timer *time.Timer
	var timerC <-chan time.Time

	retry := time.NewTicker(30 * time.Second)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := fsw.Add(event.Name); err != nil {
						log.Debug().Err(err).Str("dir", event.Name).Msg("failed to watch new session dir")
					}
				}
			}
			if !relevantEvent(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			select {
			case changed <- struct{}{}:
			case <-ctx.Done():
				return
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("filesystem watcher error")

		case <-retry.C:
			// Picks up a root created after startup
			w.addAll(fsw)
		}
	}
}

func (w *Watcher) addAll(fsw *fsnotify.Watcher) {
	if err := fsw.Add(w.root); err != nil {
		log.Debug().Err(err).Str("root", w.root).Msg("projects root not watchable yet")
		return
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			fsw.Add(filepath.Join(w.root, entry.Name()))
		}
	}
}

// relevantEvent filters to changes that can alter the session list.
func relevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Base(event.Name)
	return strings.HasSuffix(name, ".jsonl") || name == "session.json" || !strings.Contains(name, ".")
}
