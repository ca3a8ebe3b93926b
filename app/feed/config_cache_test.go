package feed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFeedFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".yml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestConfigCacheLoadValidConfig(t *testing.T) {
	tempDir := t.TempDir()

	writeFeedFile(t, tempDir, "acme", `
url: "https://acme.example/jobs.xml"

settings:
  enabled: true
  timeout: 60
  min_bytes: 500
  item_element: "position"
  locale: "de"
  priority: 2

filters:
  - field: "title"
    excludes:
      - "praktikum"
`)

	configCache := NewConfigCache(tempDir)
	if err := configCache.Run(); err != nil {
		t.Fatal(err)
	}

	if configCache.GetConfigCount() != 1 {
		t.Errorf("Expected 1 feedConfig, got %d", configCache.GetConfigCount())
	}

	feedConfig, err := configCache.GetConfig("acme")
	if err != nil {
		t.Fatal(err)
	}

	if feedConfig.Name != "acme" {
		t.Errorf("Expected name 'acme', got '%s'", feedConfig.Name)
	}
	if feedConfig.Settings.Timeout != 60 {
		t.Errorf("Expected timeout 60, got %d", feedConfig.Settings.Timeout)
	}
	if feedConfig.Settings.MinBytes != 500 {
		t.Errorf("Expected min bytes 500, got %d", feedConfig.Settings.MinBytes)
	}
	if feedConfig.Settings.ItemElement != "position" {
		t.Errorf("Expected item element 'position', got '%s'", feedConfig.Settings.ItemElement)
	}
	if feedConfig.Settings.Locale != "de" {
		t.Errorf("Expected locale 'de', got '%s'", feedConfig.Settings.Locale)
	}
	if len(feedConfig.Filters) != 1 {
		t.Errorf("Expected 1 filter, got %d", len(feedConfig.Filters))
	}
}

func TestConfigCacheLoadConfigWithDefaults(t *testing.T) {
	tempDir := t.TempDir()

	writeFeedFile(t, tempDir, "minimal", `
url: "https://example.com/feed.xml"

settings:
  enabled: true
`)

	configCache := NewConfigCache(tempDir)
	if err := configCache.Run(); err != nil {
		t.Fatal(err)
	}

	feedConfig, err := configCache.GetConfig("minimal")
	if err != nil {
		t.Fatal(err)
	}

	if feedConfig.Settings.Timeout != 300 {
		t.Errorf("Expected default timeout 300, got %d", feedConfig.Settings.Timeout)
	}
	if feedConfig.Settings.MinBytes != 1000 {
		t.Errorf("Expected default min bytes 1000, got %d", feedConfig.Settings.MinBytes)
	}
}

func TestConfigCacheInvalidConfigs(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{
			name:    "missing url",
			content: "settings:\n  enabled: true\n",
			errPart: "URL",
		},
		{
			name:    "malformed url",
			content: "url: \"not a url\"\n",
			errPart: "URL",
		},
		{
			name:    "unknown filter field",
			content: "url: \"https://example.com/feed.xml\"\nfilters:\n  - field: \"salary\"\n    includes: [\"x\"]\n",
			errPart: "Field",
		},
		{
			name:    "filter without rules",
			content: "url: \"https://example.com/feed.xml\"\nfilters:\n  - field: \"title\"\n",
			errPart: "at least one include or exclude",
		},
		{
			name:    "negative timeout",
			content: "url: \"https://example.com/feed.xml\"\nsettings:\n  timeout: -5\n",
			errPart: "Timeout",
		},
		{
			name:    "broken yaml",
			content: "url: [unterminated\n",
			errPart: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tempDir := t.TempDir()
			writeFeedFile(t, tempDir, "bad", tt.content)

			err := NewConfigCache(tempDir).Run()
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("Expected error to contain %q, got %v", tt.errPart, err)
			}
		})
	}
}

func TestConfigCacheMissingDirectory(t *testing.T) {
	configCache := NewConfigCache(filepath.Join(t.TempDir(), "missing"))
	if err := configCache.Run(); err != nil {
		t.Errorf("Expected nil error for missing directory, got %v", err)
	}
	if configCache.GetConfigCount() != 0 {
		t.Errorf("Expected 0 configs, got %d", configCache.GetConfigCount())
	}
}

func TestConfigCacheGetConfigNotFound(t *testing.T) {
	configCache := NewConfigCache(t.TempDir())
	if _, err := configCache.GetConfig("nope"); err == nil {
		t.Error("Expected error for unknown feed")
	}
}

func TestConfigCacheEnabledConfigsOrder(t *testing.T) {
	tempDir := t.TempDir()

	writeFeedFile(t, tempDir, "zeta", "url: \"https://zeta.example/feed\"\nsettings:\n  enabled: true\n  priority: 1\n")
	writeFeedFile(t, tempDir, "alpha", "url: \"https://alpha.example/feed\"\nsettings:\n  enabled: true\n  priority: 1\n")
	writeFeedFile(t, tempDir, "first", "url: \"https://first.example/feed\"\nsettings:\n  enabled: true\n")
	writeFeedFile(t, tempDir, "off", "url: \"https://off.example/feed\"\nsettings:\n  enabled: false\n")

	configCache := NewConfigCache(tempDir)
	if err := configCache.Run(); err != nil {
		t.Fatal(err)
	}

	enabled := configCache.GetEnabledConfigs()
	var names []string
	for _, c := range enabled {
		names = append(names, c.Name)
	}

	if got := strings.Join(names, ","); got != "first,alpha,zeta" {
		t.Errorf("Expected order first,alpha,zeta, got %s", got)
	}
	if len(configCache.GetConfigs()) != 4 {
		t.Errorf("Expected 4 configs, got %d", len(configCache.GetConfigs()))
	}
}

func TestConfigCacheWatchReloads(t *testing.T) {
	tempDir := t.TempDir()
	writeFeedFile(t, tempDir, "acme", "url: \"https://acme.example/v1\"\nsettings:\n  enabled: true\n")

	configCache := NewConfigCache(tempDir)
	if err := configCache.Run(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan string, 4)
	if err := configCache.Watch(ctx, func(name string) { changed <- name }); err != nil {
		t.Fatal(err)
	}

	writeFeedFile(t, tempDir, "acme", "url: \"https://acme.example/v2\"\nsettings:\n  enabled: true\n")

	select {
	case name := <-changed:
		if name != "acme" {
			t.Errorf("Expected change for acme, got %s", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}

	feedConfig, err := configCache.GetConfig("acme")
	if err != nil {
		t.Fatal(err)
	}
	if feedConfig.URL != "https://acme.example/v2" {
		t.Errorf("Expected reloaded URL, got %s", feedConfig.URL)
	}
}
