package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewZapLogger_WritesJSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewZapLogger(Config{Level: DebugLevel, Format: JSONFormat, Output: &buf, Service: "taskguard"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	log.Info("task completed", "task_name", "send_report", "attempt", 2)
	_ = log.Sync()

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log entry: %v (%q)", err, buf.String())
	}
	if entry["message"] != "task completed" {
		t.Fatalf("unexpected message: %v", entry["message"])
	}
	if entry["task_name"] != "send_report" {
		t.Fatalf("expected task_name field, got %v", entry["task_name"])
	}
	if entry["service"] != "taskguard" {
		t.Fatalf("expected service field, got %v", entry["service"])
	}
}

func TestNewZapLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewZapLogger(Config{Level: WarnLevel, Format: JSONFormat, Output: &buf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("visible")

	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("expected debug/info to be filtered, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected warn entry, got %q", buf.String())
	}
}

func TestZapLogger_WithContextAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewZapLogger(Config{Level: InfoLevel, Format: JSONFormat, Output: &buf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithTaskKey(ctx, "tg:v1:send_report:abc")
	ctx = ContextWithWorkerID(ctx, "worker-a")

	log.WithContext(ctx).Info("running")

	out := buf.String()
	for _, want := range []string{`"request_id":"req-1"`, `"task_key":"tg:v1:send_report:abc"`, `"worker_id":"worker-a"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %q", want, out)
		}
	}
}

func TestZapLogger_WithContextWithoutFieldsReturnsSameLogger(t *testing.T) {
	log, err := NewZapLogger(DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := log.WithContext(context.Background()); got != Logger(log) {
		t.Fatalf("expected same logger instance")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{in: "debug", want: DebugLevel},
		{in: "INFO", want: InfoLevel},
		{in: "warning", want: WarnLevel},
		{in: "error", want: ErrorLevel},
		{in: "trace", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseLogLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseLogFormat(t *testing.T) {
	if got, err := ParseLogFormat("console"); err != nil || got != TextFormat {
		t.Fatalf("ParseLogFormat(console) = %q, %v", got, err)
	}
	if _, err := ParseLogFormat("xml"); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
