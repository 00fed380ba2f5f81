package kafkax

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" kafka-1:9092, ,kafka-2:9092 ")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", got)
	}
	if len(SplitBrokers("")) != 0 {
		t.Fatalf("empty input should yield no brokers")
	}
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled, Remote: true})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), sc)

	headers := InjectTraceHeaders(ctx, EventHeaders("evt-1", "scheduling.booking.created.v1"))
	if HeaderValue(headers, HeaderEventID) != "evt-1" {
		t.Fatalf("event headers lost: %v", headers)
	}
	if HeaderValue(headers, "traceparent") == "" {
		t.Fatalf("expected a traceparent header, got %v", headers)
	}

	got := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), kafka.Message{Headers: headers}))
	if got.TraceID() != traceID || got.SpanID() != spanID {
		t.Fatalf("trace context not restored: %v", got)
	}
}

func TestInjectOverwritesExistingHeader(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	c := &headerCarrier{headers: []kafka.Header{{Key: "traceparent", Value: []byte("stale")}}}
	c.Set("traceparent", "fresh")
	if len(c.headers) != 1 || c.Get("traceparent") != "fresh" {
		t.Fatalf("expected one overwritten header, got %v", c.headers)
	}
}

func TestReadyCheckFailures(t *testing.T) {
	if err := ReadyCheck(" , ")(context.Background()); err == nil {
		t.Fatalf("expected an error without brokers")
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	_ = lis.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = ReadyCheck(addr)(ctx)
	if err == nil || !strings.Contains(err.Error(), addr) {
		t.Fatalf("expected an error naming %s, got %v", addr, err)
	}
}
