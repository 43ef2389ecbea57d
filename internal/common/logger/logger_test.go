package logger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filestore.log")

	l, err := New(Config{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Info("hello", zap.String("component", "test"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log file = %q, want json entry for hello", data)
	}
	if !strings.Contains(string(data), `"timestamp"`) {
		t.Errorf("log file = %q, want timestamp key", data)
	}
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "verbose", Format: "console", Output: "stderr"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if l.Core().Enabled(zap.DebugLevel) {
		t.Error("debug should be disabled when level is invalid")
	}
	if !l.Core().Enabled(zap.InfoLevel) {
		t.Error("info should be enabled when level is invalid")
	}
}

func TestWithComponent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Set(zap.New(core))
	t.Cleanup(func() { Set(nil) })

	WithComponent("FileService").Info("uploaded")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["component"]; got != "FileService" {
		t.Errorf("component = %v, want FileService", got)
	}
}

func TestL_ConcurrentFallback(t *testing.T) {
	Set(nil)
	t.Cleanup(func() { Set(nil) })

	const callers = 16
	got := make([]*zap.Logger, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = L()
		}(i)
	}
	wg.Wait()

	for i, l := range got {
		if l == nil {
			t.Fatalf("caller %d got a nil logger", i)
		}
		if l != got[0] {
			t.Errorf("caller %d got a different fallback logger", i)
		}
	}
	if L() != got[0] {
		t.Error("fallback logger should stay installed")
	}
}
