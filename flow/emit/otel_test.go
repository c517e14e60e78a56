package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*tracetest.InMemoryExporter, *OTel) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, NewOTel(tp.Tracer("test"))
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitCreatesSpan(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		Type:     NodeCompleted,
		RunID:    "run-001",
		Seq:      7,
		VertexID: "fetch",
		Port:     "TrueBranch",
		Duration: 250 * time.Millisecond,
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != string(NodeCompleted) {
		t.Errorf("span name = %q, want %q", span.Name, NodeCompleted)
	}
	attrs := attributeMap(span.Attributes)
	if attrs["flow.run_id"] != "run-001" {
		t.Errorf("run_id attr = %v", attrs["flow.run_id"])
	}
	if attrs["flow.seq"] != int64(7) {
		t.Errorf("seq attr = %v", attrs["flow.seq"])
	}
	if attrs["flow.vertex_id"] != "fetch" {
		t.Errorf("vertex_id attr = %v", attrs["flow.vertex_id"])
	}
	if attrs["flow.port"] != "TrueBranch" {
		t.Errorf("port attr = %v", attrs["flow.port"])
	}
	if attrs["flow.duration_ms"] != int64(250) {
		t.Errorf("duration attr = %v", attrs["flow.duration_ms"])
	}
	if !span.EndTime.After(span.StartTime) {
		t.Error("span was not ended")
	}
}

func TestOTelEmitErrorStatus(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		Type:     NodeFailed,
		RunID:    "run-001",
		VertexID: "charge",
		Err:      "card declined",
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status.Code != codes.Error {
		t.Errorf("status = %v, want error", span.Status.Code)
	}
	if span.Status.Description != "card declined" {
		t.Errorf("status description = %q", span.Status.Description)
	}
}

func TestOTelOptionalAttributesOmitted(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{Type: WorkflowStarted, RunID: "run-001", Seq: 1})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrs := attributeMap(spans[0].Attributes)
	for _, key := range []string{"flow.vertex_id", "flow.port", "flow.duration_ms", "flow.percent"} {
		if _, present := attrs[key]; present {
			t.Errorf("attribute %s should be absent on a workflow-level event", key)
		}
	}
}

func TestOTelNilTracerDiscards(t *testing.T) {
	emitter := NewOTel(nil)
	emitter.Emit(Event{Type: WorkflowStarted, RunID: "run-001"}) // must not panic
}
