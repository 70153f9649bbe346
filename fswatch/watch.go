package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Watch tails filesystem notifications of the tree and feeds observed
// changes until |ctx| is cancelled. Events arriving within ApplyDelay of one
// another coalesce into a single write. Watch requires an operating-system
// backed afero.Fs; use Rescan and Refresh directly against in-memory
// filesystems.
func (f *Feeder) Watch(ctx context.Context) error {
	var w, err = fsnotify.NewWatcher()
	if err != nil {
		return errors.WithMessage(err, "creating watcher")
	}
	defer w.Close()

	if err = f.watchTree(w, f.root, nil); err != nil {
		return err
	}
	if err = f.Rescan(); err != nil {
		return err
	}

	var dirty = make(map[string]struct{})
	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed unexpectedly")
			}
			// A created directory must itself be watched, and may already
			// hold files raced ahead of the watch.
			if ev.Op&fsnotify.Create != 0 {
				if info, err := f.fs.Stat(ev.Name); err == nil && info.IsDir() {
					if err = f.watchTree(w, ev.Name, dirty); err != nil {
						return err
					}
				}
			}
			// Directories are watched, never fed. A removed path no longer
			// stats and is fed as a removal.
			if rel, ok := f.relPath(ev.Name); ok && !f.isDir(ev.Name) {
				dirty[rel] = struct{}{}
			}
			if timer == nil && len(dirty) != 0 {
				timer = time.NewTimer(f.spec.ApplyDelay)
				timerCh = timer.C
			}

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed unexpectedly")
			}
			log.WithFields(log.Fields{"root": f.root, "err": err}).
				Warn("filesystem watch error")

		case <-timerCh:
			timer, timerCh = nil, nil

			var paths = make([]string, 0, len(dirty))
			for rel := range dirty {
				paths = append(paths, rel)
				delete(dirty, rel)
			}
			if err = f.Refresh(paths...); err != nil {
				return err
			}
		}
	}
}

// watchTree adds |dir| and its subdirectories to |w|, and collects files
// found along the way into |dirty| (when non-nil).
func (f *Feeder) watchTree(w *fsnotify.Watcher, dir string, dirty map[string]struct{}) error {
	return filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // Raced a concurrent removal.
			}
			return errors.WithMessagef(err, "walking %s", dir)
		}
		if info.IsDir() {
			return errors.WithMessagef(w.Add(p), "watching %s", p)
		}
		if dirty != nil {
			if rel, ok := f.relPath(p); ok {
				dirty[rel] = struct{}{}
			}
		}
		return nil
	})
}
