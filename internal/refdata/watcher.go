package refdata

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay is how long the watcher waits for the file to settle before
// reloading. Editors and atomic-rename writers fire several events per save.
const debounceDelay = 500 * time.Millisecond

// Watcher hot-reloads the clinic offers file when it changes on disk, so the
// scheduler's next re-check tick sees the new slots without a restart.
type Watcher struct {
	provider *Provider
	logger   *slog.Logger
}

// NewWatcher creates a watcher over the provider's data directory.
func NewWatcher(provider *Provider, logger *slog.Logger) *Watcher {
	return &Watcher{provider: provider, logger: logger}
}

// Run watches until ctx is cancelled. Watch setup failure is returned;
// event-handling failures are logged and watching continues.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.provider.dir); err != nil {
		return err
	}
	w.logger.Info("refdata: watching for clinic offer changes", "dir", w.provider.dir)

	var pending *time.Timer
	var pendingC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(evt.Name) != offersFile {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(debounceDelay)
				pendingC = pending.C
			} else {
				pending.Reset(debounceDelay)
			}
		case <-pendingC:
			pending = nil
			pendingC = nil
			if err := w.provider.Load(); err != nil {
				w.logger.Warn("refdata: reload failed, keeping previous offers", "error", err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("refdata: watch error", "error", err)
		}
	}
}
