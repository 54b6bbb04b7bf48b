package cmd

import (
	"path/filepath"
	"testing"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/config"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
)

// setupTestLogger creates a test logger with error level (quiet)
func setupTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{
		Level:  "error",
		Format: "console",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// setupTestConfig returns a config that keeps everything on local disk or
// in memory: fs object store and archive, memory queue and index.
func setupTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	c := config.DefaultConfig()
	c.Logger.Level = "error"
	c.ObjectStore.Backend = "fs"
	c.ObjectStore.Path = filepath.Join(dir, "outbox")
	c.Ingest.ArchiveBackend = "fs"
	c.Ingest.ArchivePath = filepath.Join(dir, "archive")
	c.Ingest.QueueBackend = "memory"
	c.Ingest.PublicKeysPath = filepath.Join(dir, "public_keys.json")
	c.Ingest.GeoIPDBPath = ""
	c.Ingest.CVERulesPath = filepath.Join(dir, "cve_rules.yaml")
	c.Index.Backend = "memory"
	c.Scanner.SigningKeyPath = filepath.Join(dir, "scanner.key")
	c.Telemetry.Enabled = false
	return c
}
