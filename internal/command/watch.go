package command

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cjenaro/opencode-acp/internal/logging"
)

// debounce coalesces bursts of file events (editors often write a file
// several times per save).
const debounce = 100 * time.Millisecond

// Watch reloads the catalog whenever the command directory changes on disk
// and calls onChange after each reload. It watches the real filesystem and
// returns immediately when the directory does not exist. The watcher stops
// when ctx is cancelled.
func (c *Catalog) Watch(ctx context.Context, onChange func()) error {
	root := c.CommandDir()
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		logging.Debug().Str("dir", root).Msg("No command directory, watcher disabled")
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addTree(w, root); err != nil {
		w.Close()
		return err
	}

	go c.watchLoop(ctx, w, onChange)
	return nil
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

func (c *Catalog) watchLoop(ctx context.Context, w *fsnotify.Watcher, onChange func()) {
	defer w.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addTree(w, ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := c.Reload(); err != nil {
				logging.Warn().Err(err).Str("dir", c.dir).Msg("Failed to reload project commands")
			}
			logging.Debug().Str("dir", c.dir).Int("commands", len(c.Names())).Msg("Command catalog reloaded")
			if onChange != nil {
				onChange()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("Command watcher error")
		}
	}
}
