package feed

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultFetchTimeout = 300
	defaultMinBytes     = 1000
	reloadDebounce      = 500 * time.Millisecond
)

type ConfigCache struct {
	feedsDir string
	cache    map[string]*Config
	validate *validator.Validate
	mu       sync.RWMutex
}

func NewConfigCache(feedsDir string) *ConfigCache {
	return &ConfigCache{
		feedsDir: feedsDir,
		cache:    make(map[string]*Config),
		validate: validator.New(),
	}
}

func (cc *ConfigCache) Run() error {
	if _, err := os.Stat(cc.feedsDir); os.IsNotExist(err) {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(cc.feedsDir, "*.yml"))
	if err != nil {
		return errors.Wrap(err, "failed to find YML files")
	}

	for _, file := range files {
		feedName := feedNameFromPath(file)

		config, err := cc.LoadConfig(feedName)
		if err != nil {
			return errors.Wrapf(err, "error loading %s", file)
		}

		slog.Debug("Configuration loaded", "feed", feedName, "enabled", config.Settings.Enabled, "priority", config.Settings.Priority)
	}

	return nil
}

func (cc *ConfigCache) LoadConfig(feedName string) (*Config, error) {
	configFile := cc.getConfigFilePath(feedName)
	feedConfig, err := cc.parseConfig(configFile)
	if err != nil {
		return nil, err
	}

	// Set feed name from parameter
	feedConfig.Name = feedName

	if err := cc.validateConfig(feedConfig); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", configFile)
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache[feedConfig.Name] = feedConfig

	return feedConfig, nil
}

func (cc *ConfigCache) RemoveConfig(feedName string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	delete(cc.cache, feedName)
}

func (cc *ConfigCache) GetConfig(feedName string) (*Config, error) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	feedConfig, ok := cc.cache[feedName]
	if !ok {
		return nil, errors.Newf("feed config with name '%s' not found", feedName)
	}
	return feedConfig, nil
}

func (cc *ConfigCache) GetConfigs() map[string]*Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	configsCopy := make(map[string]*Config, len(cc.cache))
	for k, v := range cc.cache {
		configsCopy[k] = v
	}
	return configsCopy
}

// GetEnabledConfigs returns enabled feeds in corpus order: priority, then name.
func (cc *ConfigCache) GetEnabledConfigs() []*Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	enabled := make([]*Config, 0, len(cc.cache))
	for _, v := range cc.cache {
		if v.Settings.Enabled {
			enabled = append(enabled, v)
		}
	}

	sort.Slice(enabled, func(i, j int) bool {
		if enabled[i].Settings.Priority != enabled[j].Settings.Priority {
			return enabled[i].Settings.Priority < enabled[j].Settings.Priority
		}
		return enabled[i].Name < enabled[j].Name
	})
	return enabled
}

func (cc *ConfigCache) GetConfigCount() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.cache)
}

// Watch reloads feed files as they change until ctx is done.
// onChange is called with the feed name after each successful reload or removal.
func (cc *ConfigCache) Watch(ctx context.Context, onChange func(feedName string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := watcher.Add(cc.feedsDir); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "failed to watch feeds directory %s", cc.feedsDir)
	}

	go func() {
		defer watcher.Close()

		var (
			mu      sync.Mutex
			pending = make(map[string]*time.Timer)
		)

		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				for _, t := range pending {
					t.Stop()
				}
				mu.Unlock()
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(event.Name) != ".yml" {
					continue
				}

				feedName := feedNameFromPath(event.Name)
				mu.Lock()
				if t, ok := pending[feedName]; ok {
					t.Stop()
				}
				pending[feedName] = time.AfterFunc(reloadDebounce, func() {
					mu.Lock()
					delete(pending, feedName)
					mu.Unlock()
					cc.reload(feedName, onChange)
				})
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Feed config watcher error", "error", err)
			}
		}
	}()

	return nil
}

func (cc *ConfigCache) reload(feedName string, onChange func(string)) {
	if _, err := os.Stat(cc.getConfigFilePath(feedName)); os.IsNotExist(err) {
		cc.RemoveConfig(feedName)
		slog.Info("Feed config removed", "feed", feedName)
	} else if _, err := cc.LoadConfig(feedName); err != nil {
		slog.Error("Feed config reload failed", "feed", feedName, "error", err)
		return
	} else {
		slog.Info("Feed config reloaded", "feed", feedName)
	}

	if onChange != nil {
		onChange(feedName)
	}
}

func (cc *ConfigCache) parseConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read file")
	}

	var feedConfig Config
	if err := yaml.Unmarshal(data, &feedConfig); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML")
	}

	if feedConfig.Settings.Timeout == 0 {
		feedConfig.Settings.Timeout = defaultFetchTimeout
	}
	if feedConfig.Settings.MinBytes == 0 {
		feedConfig.Settings.MinBytes = defaultMinBytes
	}

	return &feedConfig, nil
}

func (cc *ConfigCache) validateConfig(feedConfig *Config) error {
	if feedConfig == nil {
		return errors.New("feedConfig is nil")
	}

	if err := cc.validate.Struct(feedConfig); err != nil {
		return err
	}

	for i, filter := range feedConfig.Filters {
		if len(filter.Includes) == 0 && len(filter.Excludes) == 0 {
			return errors.Newf("filter at index %d must have at least one include or exclude rule", i)
		}
	}

	return nil
}

func (cc *ConfigCache) getConfigFilePath(feedName string) string {
	return filepath.Join(cc.feedsDir, feedName+".yml")
}

func feedNameFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".yml")
}
