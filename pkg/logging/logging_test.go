package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"WARN":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", raw, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("ENVIRONMENT", "development")
	cfg := ConfigFromEnv()
	if cfg.Level != "debug" || !cfg.Development {
		t.Fatalf("unexpected config %+v", cfg)
	}

	t.Setenv("LOG_FORMAT", "json")
	if ConfigFromEnv().Development {
		t.Fatal("LOG_FORMAT=json should force production encoding")
	}

	t.Setenv("LOG_FORMAT", "")
	t.Setenv("ENVIRONMENT", "production")
	if ConfigFromEnv().Development {
		t.Fatal("production should use json encoding")
	}
}

func TestNew(t *testing.T) {
	for _, dev := range []bool{true, false} {
		logger, err := New(Config{Level: "warn", Development: dev})
		if err != nil {
			t.Fatalf("New(dev=%v): %v", dev, err)
		}
		if logger.Core().Enabled(zapcore.InfoLevel) {
			t.Fatal("info should be disabled at warn level")
		}
		if !logger.Core().Enabled(zapcore.ErrorLevel) {
			t.Fatal("error should be enabled at warn level")
		}
	}
	if _, err := New(Config{Level: "nope"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}
