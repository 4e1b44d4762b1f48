package config

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultWatchDebounce is the quiet period before a change triggers a reload.
const DefaultWatchDebounce = 500 * time.Millisecond

// ReloadFunc receives the reloaded configuration, or the error that kept it
// from loading. The previous configuration stays current on error.
type ReloadFunc func(cfg *Config, err error)

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	watcher       *fsnotify.Watcher
	path          string
	callback      ReloadFunc
	debounceDelay time.Duration
	logger        zerolog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopCh  chan struct{}
	stopped bool
}

// NewWatcher watches the loaded configuration file. Load must have been
// called with a non-empty path.
//
// The parent directory is watched rather than the file so that editors which
// replace the file by rename are still observed.
func NewWatcher(callback ReloadFunc, logger zerolog.Logger) (*Watcher, error) {
	path := Path()
	if path == "" {
		return nil, errors.New("config path not set")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	cw := &Watcher{
		watcher:       w,
		path:          filepath.Clean(path),
		callback:      callback,
		debounceDelay: DefaultWatchDebounce,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
	logger.Debug().Str("path", path).Msg("config_watcher: watching")

	go cw.loop()
	return cw, nil
}

func (cw *Watcher) loop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			cw.logger.Debug().
				Str("op", event.Op.String()).
				Msg("config_watcher: file changed")

			cw.schedule()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error().Err(err).Msg("config_watcher: watcher error")

		case <-cw.stopCh:
			return
		}
	}
}

// schedule resets the debounce timer.
func (cw *Watcher) schedule() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.stopped {
		return
	}
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounceDelay, cw.fire)
}

func (cw *Watcher) fire() {
	cw.mu.Lock()
	stopped := cw.stopped
	cw.mu.Unlock()
	if stopped {
		return
	}

	cfg, err := Reload()
	if err != nil {
		cw.logger.Warn().Err(err).Msg("config_watcher: reload failed")
	} else {
		cw.logger.Info().Str("path", cw.path).Msg("config_watcher: reloaded")
	}
	if cw.callback != nil {
		cw.callback(cfg, err)
	}
}

// SetDebounceDelay sets the debounce delay.
func (cw *Watcher) SetDebounceDelay(d time.Duration) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.debounceDelay = d
}

// Close stops the watcher. It is safe to call more than once.
func (cw *Watcher) Close() error {
	cw.mu.Lock()
	if cw.stopped {
		cw.mu.Unlock()
		return nil
	}
	cw.stopped = true
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.mu.Unlock()

	close(cw.stopCh)
	return cw.watcher.Close()
}
