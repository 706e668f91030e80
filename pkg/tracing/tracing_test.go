package tracing

import (
	"context"
	"testing"
)

func TestInitNoneIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "test", Config{Exporter: "none"})
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	_, span := StartSpan(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Error("expected noop span")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), "test", Config{Exporter: "zipkin"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
