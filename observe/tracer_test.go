package observe

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer() (Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return NewTracer(tp.Tracer("test")), recorder
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOperation_SpanName(t *testing.T) {
	if got := (Operation{Name: "populate"}).SpanName(); got != "pagecache.populate" {
		t.Errorf("SpanName = %q", got)
	}
}

func TestTracer_SpanAttributes(t *testing.T) {
	tr, recorder := newRecordingTracer()
	ctx := WithCorrelationID(context.Background(), "corr-1")

	op := Operation{Name: "populate", Route: "/products/{id}", Key: "PageCache:/products/" + strings.Repeat("x", 300)}
	_, span := tr.StartSpan(ctx, op)
	tr.EndSpan(span, nil)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "pagecache.populate" {
		t.Errorf("name = %q", s.Name())
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("status = %v", s.Status().Code)
	}
	if v, _ := spanAttr(s, "pagecache.route"); v.AsString() != "/products/{id}" {
		t.Errorf("route = %q", v.AsString())
	}
	if v, _ := spanAttr(s, "pagecache.correlation_id"); v.AsString() != "corr-1" {
		t.Errorf("correlation_id = %q", v.AsString())
	}
	if v, _ := spanAttr(s, "pagecache.key"); !strings.HasSuffix(v.AsString(), "…[truncated]") {
		t.Errorf("expected truncated key attribute, got %q", v.AsString())
	}
}

func TestTracer_EndSpanRecordsError(t *testing.T) {
	tr, recorder := newRecordingTracer()

	_, span := tr.StartSpan(context.Background(), Operation{Name: "populate"})
	tr.EndSpan(span, errors.New("render failed"))

	s := recorder.Ended()[0]
	if s.Status().Code != codes.Error || s.Status().Description != "render failed" {
		t.Errorf("status = %+v", s.Status())
	}
	if v, _ := spanAttr(s, "pagecache.error"); !v.AsBool() {
		t.Error("expected pagecache.error=true")
	}
	if len(s.Events()) == 0 {
		t.Error("expected error event")
	}
}

func TestNoopTracer(t *testing.T) {
	tr := NewNoopTracer()
	ctx, span := tr.StartSpan(context.Background(), Operation{Name: "populate"})
	if ctx == nil || span == nil {
		t.Fatal("expected usable context and span")
	}
	tr.EndSpan(span, errors.New("ignored"))
}
