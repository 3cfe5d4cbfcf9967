package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerTo_Formats(t *testing.T) {
	var buf bytes.Buffer
	WithSessionID(NewLoggerTo(&buf, "info", "json"), "abc").Info("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json output not parseable: %v (%q)", err, buf.String())
	}
	if rec["session_id"] != "abc" || rec["msg"] != "hello" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	WithComponent(NewLoggerTo(&buf, "info", "text"), "fetch").Info("hi")
	if !strings.Contains(buf.String(), "component=fetch") {
		t.Errorf("text output = %q", buf.String())
	}

	// auto on a non-file writer falls back to json
	buf.Reset()
	NewLoggerTo(&buf, "info", "auto").Info("x")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("auto output = %q, want json", buf.String())
	}
}

func TestNewLoggerTo_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn", "text")
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn not logged: %q", buf.String())
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := SanitizeToken("short"); got != "****" {
		t.Errorf("SanitizeToken(short) = %q", got)
	}
	if got := SanitizeToken("abcdefghijkl"); got != "abcd...ijkl" {
		t.Errorf("SanitizeToken(long) = %q", got)
	}
}

func TestSanitizePath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" || home == "/" {
		t.Skip("no usable home directory")
	}
	in := filepath.Join(home, "clips", "a.mp4")
	want := "~" + string(os.PathSeparator) + filepath.Join("clips", "a.mp4")
	if got := SanitizePath(in); got != want {
		t.Errorf("SanitizePath(%q) = %q, want %q", in, got, want)
	}
	if got := SanitizePath("/elsewhere/a.mp4"); strings.HasPrefix(home, "/elsewhere") || got != "/elsewhere/a.mp4" {
		t.Errorf("SanitizePath(outside) = %q", got)
	}
}
