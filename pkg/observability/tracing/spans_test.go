package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func attributeValue(span sdktrace.ReadOnlySpan, key string) (string, bool) {
	for _, attr := range span.Attributes() {
		if string(attr.Key) == key {
			return attr.Value.Emit(), true
		}
	}
	return "", false
}

func TestStartDatabaseSpan_NameAndAttributes(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartDatabaseSpan(context.Background(), SpanOperationDBInsert, WithDBTable("taskguard_idempotency_records"), WithDBSystem("postgresql"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Name() != "DB db.insert taskguard_idempotency_records" {
		t.Fatalf("unexpected span name %q", ended[0].Name())
	}
	if v, ok := attributeValue(ended[0], "db.system"); !ok || v != "postgresql" {
		t.Fatalf("expected db.system attribute, got %q", v)
	}
}

func TestStartTaskSpan_RecordsTaskAttributes(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartTaskSpan(context.Background(), "send_report", "tg:v1:send_report:global:abc", 2)
	RecordSuccess(span)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Name() != "TASK send_report" {
		t.Fatalf("unexpected span name %q", ended[0].Name())
	}
	if v, _ := attributeValue(ended[0], "task.attempt"); v != "2" {
		t.Fatalf("expected attempt attribute 2, got %q", v)
	}
	if ended[0].Status().Code != codes.Ok {
		t.Fatalf("expected OK status, got %v", ended[0].Status().Code)
	}
}

func TestRecordError_SetsErrorStatus(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartLockSpan(context.Background(), SpanOperationLockAcquire, "redis", "k")
	RecordError(span, errors.New("connection refused"))
	span.End()

	ended := recorder.Ended()
	if ended[0].Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", ended[0].Status().Code)
	}
	if ended[0].Status().Description != "connection refused" {
		t.Fatalf("unexpected status description %q", ended[0].Status().Description)
	}
}

func TestRecordError_NilIsNoop(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartCacheSpan(context.Background(), SpanOperationCacheGet, WithCacheSystem("redis"), WithCacheKey("k"))
	RecordError(span, nil)
	span.End()

	if recorder.Ended()[0].Status().Code != codes.Unset {
		t.Fatalf("expected unset status")
	}
}
