package tracing_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/onnwee/diverge/internal/middleware"
	"github.com/onnwee/diverge/internal/tracing"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return recorder
}

// TestEndToEndTracing follows a request through the HTTP middleware into an
// operation span, a store transaction and a projection write.
func TestEndToEndTracing(t *testing.T) {
	recorder := installRecorder(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, endOp := tracing.StartSpan(r.Context(), "ledger.record_session")
		tracing.SetAttributes(ctx, tracing.AttrKind.String("KINESIO"))

		_, endTxn := tracing.StartStoreSpan(ctx, "memory", "update")
		endTxn(nil)

		_, endInsert := tracing.StartDBSpan(ctx, "sessions", tracing.DBOperationInsert)
		endInsert(nil)

		tracing.AddEvent(ctx, "session_recorded", tracing.AttrSessionID.Int64(1))
		endOp(nil)

		w.WriteHeader(http.StatusCreated)
	})

	rr := httptest.NewRecorder()
	middleware.Tracing("ledger-api")(handler).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions", nil))

	if rr.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rr.Code)
	}

	spans := recorder.Ended()
	names := make(map[string]sdktrace.ReadOnlySpan)
	for _, s := range spans {
		names[s.Name()] = s
	}
	for _, want := range []string{"POST /v1/sessions", "ledger.record_session", "kv.update", "insert sessions"} {
		if _, ok := names[want]; !ok {
			t.Errorf("missing span %q, got %d spans", want, len(spans))
		}
	}

	if len(spans) > 0 {
		traceID := spans[0].SpanContext().TraceID()
		for _, s := range spans {
			if s.SpanContext().TraceID() != traceID {
				t.Errorf("span %q has trace %s, want %s", s.Name(), s.SpanContext().TraceID(), traceID)
			}
		}
	}

	op, ok := names["ledger.record_session"]
	if !ok {
		return
	}
	for _, child := range []string{"kv.update", "insert sessions"} {
		if s, ok := names[child]; ok && s.Parent().SpanID() != op.SpanContext().SpanID() {
			t.Errorf("span %q is not a child of the operation span", child)
		}
	}
	if len(op.Events()) != 1 || op.Events()[0].Name != "session_recorded" {
		t.Errorf("operation events = %v", op.Events())
	}
}

// TestTracingDisabled checks the helpers are safe without a configured
// provider.
func TestTracingDisabled(t *testing.T) {
	provider, err := tracing.NewProvider(tracing.Config{
		ServiceName: "ledger-api",
		Enabled:     false,
	})
	if err != nil {
		t.Fatalf("failed to create disabled provider: %v", err)
	}
	if provider.IsEnabled() {
		t.Error("expected tracing to be disabled")
	}

	ctx, endSpan := tracing.StartSpan(context.Background(), "ledger.get_monthly_count")
	tracing.SetAttributes(ctx, tracing.AttrKind.String("KINESIO"))
	tracing.AddEvent(ctx, "noop")
	endSpan(nil)
}

// TestTraceContextPropagation checks that an incoming W3C traceparent is
// continued by the middleware.
func TestTraceContextPropagation(t *testing.T) {
	installRecorder(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var captured string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = middleware.GetTraceID(r)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/1", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	middleware.Tracing("ledger-api")(handler).ServeHTTP(httptest.NewRecorder(), req)

	if captured != traceID {
		t.Errorf("trace id = %q, want %q", captured, traceID)
	}
}
