package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	isTerminalFn = func(int) bool { return false }
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "subscription",
		Output:    &buf,
	})

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}

	log.Info().Str("user_id", "u1").Msg("hello")
	event := readJSONLine(t, &buf)
	if event["component"] != "subscription" {
		t.Fatalf("expected component field, got %v", event["component"])
	}
	if event["user_id"] != "u1" {
		t.Fatalf("expected user_id field, got %v", event["user_id"])
	}
}

func TestInitConsoleFormatUsesConsoleWriter(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "console", Output: &buf})

	mu.RLock()
	_, ok := baseWriter.(zerolog.ConsoleWriter)
	mu.RUnlock()
	if !ok {
		t.Fatalf("expected console writer, got %T", baseWriter)
	}
}

func TestAutoFormatFallsBackToJSONWhenNotTerminal(t *testing.T) {
	t.Cleanup(resetLoggingState)
	isTerminalFn = func(int) bool { return false }

	var buf bytes.Buffer
	Init(Config{Format: "auto", Output: &buf})

	mu.RLock()
	defer mu.RUnlock()
	if baseWriter != &buf {
		t.Fatalf("expected raw writer for non-terminal output, got %T", baseWriter)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestWithRequestIDGeneratesWhenEmpty(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  ")
	if id == "" {
		t.Fatal("expected generated request id")
	}
	if got := RequestIDFromContext(ctx); got != id {
		t.Fatalf("expected %q from context, got %q", id, got)
	}

	_, id = WithRequestID(context.Background(), "fixed")
	if id != "fixed" {
		t.Fatalf("expected fixed id, got %q", id)
	}
}

func TestFromContextAddsRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "json", Output: &buf})

	ctx, _ := WithRequestID(context.Background(), "req-42")
	logger := FromContext(ctx)
	logger.Info().Msg("scoped")

	event := readJSONLine(t, &buf)
	if event["request_id"] != "req-42" {
		t.Fatalf("expected request_id req-42, got %v", event["request_id"])
	}
}

func TestFromContextAddsUserID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "json", Output: &buf})

	ctx := WithUserID(context.Background(), " u-7 ")
	logger := FromContext(ctx)
	logger.Info().Msg("scoped")

	event := readJSONLine(t, &buf)
	if event["user_id"] != "u-7" {
		t.Fatalf("expected user_id u-7, got %v", event["user_id"])
	}
	if _, ok := event["request_id"]; ok {
		t.Fatal("request_id should be absent")
	}
}
