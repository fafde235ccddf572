package observability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/taogames/pollio/config"
)

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pollio.log")
	logger, err := NewLogger(config.LogConfig{
		Level:   "warning",
		Format:  "json",
		Outputs: []string{path},
	})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("dropped")
	logger.Sugar().Warnw("transport error", "sid", "abc")
	if err := logger.Sync(); err != nil {
		t.Fatal(err)
	}

	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(bs)), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["msg"] != "transport error" || entry["sid"] != "abc" || entry["level"] != "warn" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestNewLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	rotated := filepath.Join(dir, "rotated.log")
	logger, err := NewLogger(config.LogConfig{
		Level:   "debug",
		Outputs: []string{filepath.Join(dir, "ignored.log")},
		Rotation: config.RotationConfig{
			Enable:   true,
			Filename: rotated,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hello")
	logger.Sync()

	bs, err := os.ReadFile(rotated)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(bs), "hello") {
		t.Fatalf("content = %q", bs)
	}
}

func TestNewLoggerBadLevel(t *testing.T) {
	if _, err := NewLogger(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatalf("accepted unknown level")
	}
}
