package recording

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"
)

// debounceDefault is the default debounce interval for control file events.
const debounceDefault = 50 * time.Millisecond

// pollDefault is the default polling interval when fsnotify is unavailable.
const pollDefault = time.Second

// Watcher re-evaluates the control directory whenever a control file is
// created or removed.
type Watcher struct {
	ctl      *Controller
	debounce time.Duration
}

// NewWatcher creates an fsnotify watcher for the controller's directory.
func NewWatcher(ctl *Controller) *Watcher {
	return &Watcher{ctl: ctl, debounce: debounceDefault}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.ctl.Dir()); err != nil {
		return err
	}

	// Files may already be present.
	w.ctl.Sync()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			w.ctl.Sync()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isControlFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("control watcher: %v", err)
		}
	}
}

func isControlFile(path string) bool {
	name := filepath.Base(path)
	return name == StartFile || name == StopFile
}

// PollWatcher re-evaluates the control directory on a fixed interval.
// Used when fsnotify is unavailable (e.g., NFS).
type PollWatcher struct {
	ctl      *Controller
	interval time.Duration
	clock    clockz.Clock
}

// NewPollWatcher creates a polling watcher. A zero interval uses the default.
func NewPollWatcher(ctl *Controller, interval time.Duration, clock clockz.Clock) *PollWatcher {
	if interval <= 0 {
		interval = pollDefault
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	return &PollWatcher{ctl: ctl, interval: interval, clock: clock}
}

// Run polls until ctx is cancelled.
func (w *PollWatcher) Run(ctx context.Context) error {
	for {
		w.ctl.Sync()
		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(w.interval):
		}
	}
}

// Watch runs the fsnotify watcher and falls back to polling if it cannot
// be started. Blocks until ctx is cancelled.
func Watch(ctx context.Context, ctl *Controller, poll time.Duration) error {
	err := NewWatcher(ctl).Run(ctx)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	log.Warnf("control watcher unavailable (%v), polling %s every %s", err, ctl.Dir(), poll)
	return NewPollWatcher(ctl, poll, nil).Run(ctx)
}
