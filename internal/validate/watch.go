package validate

import (
	"context"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/shellgate-io/shellgate/internal/logger"
)

// LoadRulesFile parses a YAML rule list and installs it on the validator.
func (v *Validator) LoadRulesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}
	return v.Reload(rules)
}

// Watch reloads the rule file whenever it changes, until ctx is done.
// A bad edit keeps the previous rule set active.
func (v *Validator) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := v.LoadRulesFile(path); err != nil {
					logger.Warn("rules reload failed, keeping previous set", "path", path, "error", err)
					continue
				}
				logger.Info("deny rules reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("rules watcher error", "error", err)
			}
		}
	}()
	return nil
}
