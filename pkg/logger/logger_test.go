package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"fatal":   zerolog.FatalLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.log")

	if err := Init(LogConfig{Level: "debug", Format: "json", File: path}); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer Close()

	Info().Str("component", "test").Msg("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected log output in file")
	}
}

func TestInitBadFilePath(t *testing.T) {
	err := Init(LogConfig{Level: "info", File: filepath.Join(t.TempDir(), "missing", "courier.log")})
	if err == nil {
		t.Error("expected error for unwritable log file")
	}
}

func TestGetBeforeInit(t *testing.T) {
	mu.Lock()
	initialized = false
	mu.Unlock()

	if l := Get(); l == nil {
		t.Fatal("expected fallback logger")
	}
}
