package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher watches the config file and invokes onChange with the freshly
// loaded config after edits settle. Used for log-level hot reload; a
// full restart is still required for storage and gateway changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	loader   *Loader
	logger   zerolog.Logger
	onChange func(*Config)
	debounce time.Duration
	timer    *time.Timer
	path     string
	stopCh   chan struct{}
}

// NewWatcher creates a watcher for the loader's config file.
func NewWatcher(loader *Loader, logger zerolog.Logger, onChange func(*Config)) (*Watcher, error) {
	path, err := loader.Path()
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsw,
		loader:   loader,
		logger:   logger,
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		path:     path,
		stopCh:   make(chan struct{}),
	}

	// Watch the directory: editors replace files on save, which drops
	// a watch registered on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()

	return w, nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Config change detected")

				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// scheduleReload debounces the reload
func (w *Watcher) scheduleReload() {
	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(w.debounce, func() {
		cfg, err := w.loader.Load()
		if err != nil {
			w.logger.Warn().Err(err).Msg("Config reload failed, keeping previous config")
			return
		}
		w.logger.Info().Msg("Config reloaded")
		w.onChange(cfg)
	})
}
