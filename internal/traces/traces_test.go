package traces

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func attr(span sdktrace.ReadOnlySpan, key attribute.Key) attribute.Value {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpanAndEnd(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSpan(context.Background(), "escrow.SyncOrder", OrderID("ord_1"), EscrowOrderID(7), Milestone(2))
	End(span, errors.New("chain unavailable"))

	_, ok := StartSpan(context.Background(), "escrow.GetOrder")
	End(ok, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "escrow.SyncOrder", spans[0].Name())
	assert.Equal(t, "ord_1", attr(spans[0], "order.id").AsString())
	assert.Equal(t, int64(7), attr(spans[0], "escrow.order_id").AsInt64())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1, "error recorded as an event")
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	rec := recordSpans(t)
	_, err := Init(context.Background(), "", "test", slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	var inner trace.SpanContext
	r.GET("/v1/escrow/:orderId", func(c *gin.Context) {
		inner = trace.SpanContextFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})
	r.POST("/v1/escrow/:orderId/sync", func(c *gin.Context) {
		c.Status(http.StatusServiceUnavailable)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/escrow/ord_1", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	r.ServeHTTP(httptest.NewRecorder(), req)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/escrow/ord_1/sync", nil))

	spans := rec.Ended()
	require.Len(t, spans, 2)

	get := spans[0]
	assert.Equal(t, "GET /v1/escrow/:orderId", get.Name())
	assert.Equal(t, trace.SpanKindServer, get.SpanKind())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", get.SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", get.Parent().SpanID().String())
	assert.Equal(t, get.SpanContext().SpanID(), inner.SpanID(), "handlers see the request span")
	assert.Equal(t, int64(200), attr(get, "http.response.status_code").AsInt64())

	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
