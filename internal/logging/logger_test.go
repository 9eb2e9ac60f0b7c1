package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewWritesJSONFileAndConsole(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var console bytes.Buffer
	logger, closer, err := New(Options{Dir: dir, Instance: "desk", Level: "debug", Console: &console})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("message delivered", zap.String("message_id", "m1"))
	_ = logger.Sync()
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	all, err := filepath.Glob(filepath.Join(dir, FileName+".*"))
	if err != nil {
		t.Fatal(err)
	}
	var matches []string
	for _, m := range all {
		if !strings.HasSuffix(m, "_lock") && !strings.HasSuffix(m, "_symlink") {
			matches = append(matches, m)
		}
	}
	if len(matches) != 1 {
		t.Fatalf("rotated files = %v", all)
	}
	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("log file is empty")
	}
	var line map[string]any
	if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["msg"] != "message delivered" || line["instance"] != "desk" || line["message_id"] != "m1" {
		t.Errorf("line = %v", line)
	}
	if _, ok := line["pid"]; !ok {
		t.Error("pid field missing")
	}
	if !strings.Contains(console.String(), "message delivered") {
		t.Errorf("console = %q", console.String())
	}
}

func TestNewLevelFilters(t *testing.T) {
	var console bytes.Buffer
	logger, closer, err := New(Options{Dir: t.TempDir(), Level: "warn", Console: &console})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown")
	_ = logger.Sync()
	if strings.Contains(console.String(), "hidden") || !strings.Contains(console.String(), "shown") {
		t.Errorf("console = %q", console.String())
	}
}
