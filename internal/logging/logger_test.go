package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "logs", "chatvaultd.log")

	logger, err := New(path, "work", "")
	if err != nil {
		t.Fatal(err)
	}
	logger.Named("store").Info("opened")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", line)
	}
	if entry["profile"] != "work" || entry["logger"] != "store" || entry["msg"] != "opened" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["pid"]; !ok {
		t.Error("missing pid field")
	}
}

func TestNewLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatvaultd.log")

	logger, err := New(path, "work", "warn")
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "hidden") || !strings.Contains(string(data), "shown") {
		t.Errorf("log file = %q", data)
	}

	if _, err := New(path, "work", "chatty"); err == nil {
		t.Error("New() accepted an unknown level")
	}
}
