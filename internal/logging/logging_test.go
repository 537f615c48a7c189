package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, Config{Level: "debug", Format: "json"}).With(String("component", "loop"))
	l.Debug(context.Background(), "tick", Int("n", 3), Err(errors.New("boom")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	for k, want := range map[string]any{"msg": "tick", "component": "loop", "n": float64(3), "error": "boom"} {
		if rec[k] != want {
			t.Errorf("%s = %v, want %v", k, rec[k], want)
		}
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, Config{Level: "warn"})
	l.Info(context.Background(), "hidden")
	l.Warn(context.Background(), "shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn not logged: %q", buf.String())
	}
}

func TestFileCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "latest.log")
	New(Config{File: path}).Info(context.Background(), "starting")
	New(Config{File: path}).Info(context.Background(), "stopping")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, "msg=starting") || !strings.Contains(got, "msg=stopping") {
		t.Errorf("log file = %q, want both records appended", got)
	}
}

func TestUnwritableFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "logs")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	l := New(Config{File: filepath.Join(blocker, "latest.log")})
	if l == nil {
		t.Fatal("New returned nil")
	}
	l.Info(context.Background(), "still logging")
}
