package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// keep the environment from overriding the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureReportLevelAndFile(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	log := Logger()
	path := filepath.Join(t.TempDir(), "app.log")
	if err := log.Configure("report", "text", path, 1); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if log.GetLevel().String() != "info" {
		t.Fatalf("report level should log at info, got %s", log.GetLevel())
	}
}

func TestJSONFieldNames(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.WithComponent("reader").Info("hello")

	var out map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["message"] != "hello" || out["component"] != "reader" {
		t.Fatalf("unexpected log line: %v", out)
	}
	if _, ok := out["timestamp"]; !ok {
		t.Fatalf("timestamp key missing: %v", out)
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestCountersFromComponents(t *testing.T) {
	before := ReportFields()
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.WithComponent("html_reader").Warn("page failed")
	IncrementCycle(3)
	IncrementDelivery(false)

	after := ReportFields()
	if after["warns_reader"].(int64) != before["warns_reader"].(int64)+1 {
		t.Fatalf("reader warn not counted")
	}
	if after["signals"].(int64) != before["signals"].(int64)+3 {
		t.Fatalf("signals not counted")
	}
	if after["deliveries_err"].(int64) != before["deliveries_err"].(int64)+1 {
		t.Fatalf("delivery error not counted")
	}
}
