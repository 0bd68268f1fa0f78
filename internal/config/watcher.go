package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// WatchThresholds watches the CONFIG_FILE for edits and invokes apply with the
// freshly parsed per-group thresholds. Only thresholds are hot-reloaded; every
// other field requires a restart. The watcher stops when ctx is cancelled.
func WatchThresholds(ctx context.Context, apply func(def float64, groups map[string]float64)) error {
	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Editors fire several events per save; coalesce them.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, func() {
					reloadThresholds(path, apply)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithField("error", err).Warn("config watcher error")
			}
		}
	}()
	return nil
}

func reloadThresholds(path string, apply func(float64, map[string]float64)) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.WithField("error", err).Warn("config reload failed")
		return
	}
	var partial struct {
		GroupThresholdDefault float64            `yaml:"group_threshold_default"`
		GroupThresholds       map[string]float64 `yaml:"group_thresholds"`
	}
	if err := yaml.Unmarshal(data, &partial); err != nil {
		log.WithField("error", err).Warn("config reload: bad yaml")
		return
	}
	if partial.GroupThresholdDefault <= 0 {
		partial.GroupThresholdDefault = 0.2
	}
	apply(partial.GroupThresholdDefault, partial.GroupThresholds)
	log.WithField("groups", len(partial.GroupThresholds)).Info("group thresholds reloaded")
}
