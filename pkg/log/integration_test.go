package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
)

// TestLoggerInterface tests the Logger interface implementation
func TestLoggerInterface(t *testing.T) {
	testLogger, buffer := NewTestLogger(LevelDebug)

	testLogger.Debug("debug message", "key1", "value1", "number", 42)
	testLogger.Info("info message", OperationKey, OperationFit)
	testLogger.Warn("warning message", NComponentsKey, 3)
	testLogger.Error("error message", "error", fmt.Errorf("test error"))

	if buffer.String() == "" {
		t.Fatal("Expected log output, got empty string")
	}

	for _, msg := range []string{"debug message", "info message", "warning message", "error message"} {
		if !testLogger.ContainsMessage(msg) {
			t.Errorf("%q not found in output", msg)
		}
	}

	if !testLogger.ContainsField("key1", "value1") {
		t.Error("Expected field key1=value1 not found")
	}

	if !testLogger.ContainsField("number", 42.0) { // JSON unmarshaling converts numbers to float64
		t.Error("Expected field number=42 not found")
	}

	if !testLogger.ContainsField("error", "test error") {
		t.Error("Expected error to be rendered as its message")
	}
}

// TestLoggerWith tests the With method for context-aware logging
func TestLoggerWith(t *testing.T) {
	testLogger, _ := NewTestLogger(LevelDebug)

	contextLogger := testLogger.With(
		CropKey, "carrots",
		TargetKey, "antioxidants",
	)
	contextLogger.Info("fold scored", FoldKey, 2, R2ScoreKey, 0.91)

	if !testLogger.ContainsField(CropKey, "carrots") {
		t.Error("crop context not found")
	}
	if !testLogger.ContainsField(TargetKey, "antioxidants") {
		t.Error("target context not found")
	}
	if !testLogger.ContainsField(R2ScoreKey, 0.91) {
		t.Error("r2 field not found")
	}
}

// TestLoggerEnabled tests the Enabled method
func TestLoggerEnabled(t *testing.T) {
	testLogger, _ := NewTestLogger(LevelInfo)
	ctx := context.Background()

	if !testLogger.Enabled(ctx, LevelInfo) {
		t.Error("Logger should be enabled for Info level")
	}
	if testLogger.Enabled(ctx, LevelDebug) {
		t.Error("Logger should not be enabled for Debug level")
	}

	testLogger.Debug("this should not appear")
	testLogger.Info("this should appear")

	if testLogger.ContainsMessage("this should not appear") {
		t.Error("Debug message should not appear when level is Info")
	}
	if !testLogger.ContainsMessage("this should appear") {
		t.Error("Info message should appear when level is Info")
	}
}

func TestProviderSwap(t *testing.T) {
	provider, buffer := NewTestLoggerProvider(LevelDebug)
	SetProvider(provider)
	defer SetProvider(&slogProvider{})

	GetLoggerWithName("model_selection").Info("named logger message")

	if !strings.Contains(buffer.String(), "named logger message") {
		t.Error("named logger message not found")
	}
	if !provider.logger.ContainsField(ComponentKey, "model_selection") {
		t.Error("component name not found in named logger output")
	}
}

func TestSlogLoggerAddsStacktrace(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	SetupLoggerWithWriter(&buf, "debug")
	defer slog.SetDefault(prev)

	logger := GetLogger().With(CropKey, "kale")
	logger.Error("training failed", ErrAttr(errors.New("boom")))

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["message"] != "training failed" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["severity"] != "ERROR" {
		t.Errorf("severity = %v", entry["severity"])
	}
	if entry[CropKey] != "kale" {
		t.Errorf("crop = %v", entry[CropKey])
	}
	if _, ok := entry[StacktraceAttrKey]; !ok {
		t.Error("expected stacktrace attribute for cockroachdb error")
	}
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"debug", "info", "warn", "error"} {
		if _, err := ParseLevel(name); err != nil {
			t.Errorf("ParseLevel(%q) failed: %v", name, err)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

// TestConcurrentLogging tests thread safety of the capturing logger
func TestConcurrentLogging(t *testing.T) {
	testLogger, _ := NewTestLogger(LevelInfo)

	const workers, perWorker = 4, 5
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				testLogger.Info(fmt.Sprintf("worker %d task %d", id, j), "worker", id)
			}
		}(i)
	}
	wg.Wait()

	entries, err := testLogger.GetLogEntries()
	if err != nil {
		t.Fatalf("Failed to parse log entries: %v", err)
	}
	if len(entries) != workers*perWorker {
		t.Errorf("Expected %d log entries, got %d", workers*perWorker, len(entries))
	}
}
