package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

func resetLogging() {
	CloseAll()
	logsDir = ""
	stateDir = ""
	config = loggingConfig{}
	logLevel = LevelInfo
}

func TestDebugModeWritesCategoryFiles(t *testing.T) {
	defer resetLogging()
	tempDir := t.TempDir()

	writeTestConfig(t, tempDir, `
logging:
  debug_mode: true
  level: debug
`)

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Store("element upserted fingerprint=%s", "abc123")
	Resolver("resolution started")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(tempDir, "logs"))
	if err != nil {
		t.Fatalf("Logs directory not created: %v", err)
	}

	var found bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "store") {
			found = true
		}
	}
	if !found {
		t.Error("Expected a store category log file")
	}
}

func TestProductionModeIsSilent(t *testing.T) {
	defer resetLogging()
	tempDir := t.TempDir()

	// No config file at all = production mode
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if IsDebugMode() {
		t.Error("Expected debug mode off with no config")
	}

	// Must not panic or create files
	Store("this should go nowhere")
	Generator("neither should this")

	if _, err := os.Stat(filepath.Join(tempDir, "logs")); !os.IsNotExist(err) {
		t.Error("Logs directory should not exist in production mode")
	}
}

func TestCategoryFiltering(t *testing.T) {
	defer resetLogging()
	tempDir := t.TempDir()

	writeTestConfig(t, tempDir, `
logging:
  debug_mode: true
  level: debug
  categories:
    store: true
    resolver: false
`)

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if !IsCategoryEnabled(CategoryStore) {
		t.Error("store category should be enabled")
	}
	if IsCategoryEnabled(CategoryResolver) {
		t.Error("resolver category should be disabled")
	}
	// Unlisted categories default to enabled
	if !IsCategoryEnabled(CategoryScraper) {
		t.Error("unlisted category should default to enabled")
	}
}

func TestNoOpLoggerIsSafe(t *testing.T) {
	defer resetLogging()

	// Without Initialize, Get must return a usable no-op logger
	l := Get(CategoryAPI)
	l.Debug("debug %d", 1)
	l.Info("info")
	l.Warn("warn")
	l.Error("error")
}
