package server

import (
	"path/filepath"

	"plyr/internal/config"
	"plyr/internal/logging"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// startConfigWatcher watches the config file and hot-reloads the log level.
func (qs *QueueServer) startConfigWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	qs.watcher = watcher

	// Watch the directory: editors replace the file rather than write in place.
	if err := watcher.Add(filepath.Dir(qs.configPath)); err != nil {
		watcher.Close()
		return err
	}

	go qs.watchConfig()

	qs.logger.WithField("config_path", qs.configPath).Info("Config watcher started")
	return nil
}

// watchConfig selects on watcher channels and dispatches events.
func (qs *QueueServer) watchConfig() {
	for {
		select {
		case event, ok := <-qs.watcher.Events:
			if !ok {
				return
			}
			qs.handleConfigEvent(event)

		case err, ok := <-qs.watcher.Errors:
			if !ok {
				return
			}
			qs.logger.WithError(err).Error("Config watcher error")
		}
	}
}

// handleConfigEvent reloads the config when the watched file is written.
func (qs *QueueServer) handleConfigEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(qs.configPath) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	qs.reloadConfig()
}

// reloadConfig applies the reloadable subset of the config file. Everything
// else takes effect on restart.
func (qs *QueueServer) reloadConfig() {
	cfg, err := config.LoadConfig(qs.configPath)
	if err != nil {
		qs.logger.WithError(err).Warn("Ignoring invalid config change")
		return
	}

	if err := logging.SetLevel(qs.logger, cfg.Logging.Level); err != nil {
		qs.logger.WithError(err).Warn("Ignoring invalid log level")
		return
	}

	qs.logger.WithFields(logrus.Fields{
		"level": cfg.Logging.Level,
	}).Info("Config reloaded")
}

// stopConfigWatcher closes the watcher (idempotent).
func (qs *QueueServer) stopConfigWatcher() {
	if qs.watcher != nil {
		qs.watcher.Close()
	}
}
