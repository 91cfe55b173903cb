package config

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"waflow/internal/models"
)

// Watcher polls the config file for changes and notifies callbacks with the
// freshly loaded configuration. Reload failures keep the previous config.
type Watcher struct {
	path      string
	interval  time.Duration
	logger    *logrus.Logger
	callbacks []func(*models.Config)

	mu      sync.RWMutex
	current *models.Config
	modTime time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatcher(path string, interval time.Duration, logger *logrus.Logger) (*Watcher, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     path,
		interval: interval,
		logger:   logger,
		current:  cfg,
		done:     make(chan struct{}),
	}

	if info, err := os.Stat(path); err == nil {
		w.modTime = info.ModTime()
	}

	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *models.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked after each successful reload.
// Must be called before Start.
func (w *Watcher) OnChange(cb func(*models.Config)) {
	w.callbacks = append(w.callbacks, cb)
}

func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.checkForChanges()
			}
		}
	}()
}

func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Watcher) checkForChanges() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("config file stat failed, keeping current config")
		return
	}
	if !info.ModTime().After(w.modTime) {
		return
	}

	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("config reload failed, keeping current config")
		return
	}

	w.mu.Lock()
	previous := w.current
	w.current = cfg
	w.modTime = info.ModTime()
	w.mu.Unlock()

	w.logChanges(previous, cfg)

	for _, cb := range w.callbacks {
		cb(cfg)
	}
}

func (w *Watcher) logChanges(old, new *models.Config) {
	fields := logrus.Fields{}
	if old.LogLevel != new.LogLevel {
		fields["log_level"] = new.LogLevel
	}
	if old.Retention.Days != new.Retention.Days {
		fields["retention_days"] = new.Retention.Days
	}
	if old.Retention.CleanupIntervalHours != new.Retention.CleanupIntervalHours {
		fields["cleanup_interval_hours"] = new.Retention.CleanupIntervalHours
	}
	w.logger.WithFields(fields).Info("configuration reloaded")
}
