package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFieldsAreEncoded(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)
	l.Info("forecast served",
		String("market_id", "m1"),
		Int("steps", 12),
		Float64("latency_ms", 1.5),
		Bool("fallback", true),
		Error(errors.New("boom")),
	)

	var got map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if got["market_id"] != "m1" || got["steps"] != float64(12) || got["latency_ms"] != 1.5 {
		t.Fatalf("unexpected fields: %v", got)
	}
	if got["fallback"] != true || got["error"] != "boom" || got["message"] != "forecast served" {
		t.Fatalf("unexpected fields: %v", got)
	}
}

func TestWithCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf).With(String("component", "breaker"))
	l.Warn("opened")

	var got map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["component"] != "breaker" || got["level"] != "warn" {
		t.Fatalf("unexpected fields: %v", got)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(&Config{Level: "loud", Output: "stdout"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestNewRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, err := New(&Config{Level: "info", Format: "json", Output: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Info("hello")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Contains(b, []byte("hello")) {
		t.Fatalf("log file missing entry: %s", b)
	}
}

func TestNopDiscards(t *testing.T) {
	Nop().Error("ignored", String("k", "v"))
}
