package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel}, // default case
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestSetupSetsGlobalLevel(t *testing.T) {
	defer Setup("info", "console")
	Setup("warn", "console")
	if got := zerolog.GlobalLevel(); got != zerolog.WarnLevel {
		t.Errorf("expected %v, got %v", zerolog.WarnLevel, got)
	}
}

func TestJSONFields(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	l := New(&buf, "json")
	l.Info("forward", "layer", "conv1", "power", 1.5)

	out := buf.String()
	for _, want := range []string{`"message":"forward"`, `"layer":"conv1"`, `"power":1.5`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
}

func TestWithCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json").With("layer", "conv2")
	l.Warn("non-finite output", "nans", 3)

	out := buf.String()
	if !strings.Contains(out, `"layer":"conv2"`) {
		t.Errorf("expected child logger field in %s", out)
	}
	if !strings.Contains(out, `"nans":3`) {
		t.Errorf("expected event field in %s", out)
	}
}

func TestOddArgsDropOrphanKey(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json")
	l.Error("odd args", "key1", "value1", "orphan_key")

	if strings.Contains(buf.String(), "orphan_key") {
		t.Errorf("expected orphan key to be dropped, got %s", buf.String())
	}
}

func TestNonStringKey(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json")
	l.Info("non-string key", 123, "value")

	if !strings.Contains(buf.String(), `"123":"value"`) {
		t.Errorf("expected non-string key to be converted, got %s", buf.String())
	}
}
