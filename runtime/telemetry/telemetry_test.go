package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"goa.design/clue/log"
)

func TestFieldersPairsKeysAndValues(t *testing.T) {
	fs := fielders("hello", []any{"a", 1, 2, "skipped", "err", errors.New("boom"), "dangling"})
	require.Equal(t, []log.Fielder{
		log.KV{K: "msg", V: "hello"},
		log.KV{K: "a", V: 1},
		log.KV{K: "err", V: "boom"},
		log.KV{K: "dangling", V: nil},
	}, fs)
}

func TestTagsToAttrs(t *testing.T) {
	attrs := tagsToAttrs([]string{"outcome", "converged", "step"})
	require.Equal(t, []attribute.KeyValue{
		attribute.String("outcome", "converged"),
		attribute.String("step", ""),
	}, attrs)
}

func TestKVToAttrs(t *testing.T) {
	attrs := kvToAttrs([]any{"s", "x", "i", 2, "b", true, "e", errors.New("bad"), 3, "ignored"})
	require.Equal(t, []attribute.KeyValue{
		attribute.String("s", "x"),
		attribute.Int("i", 2),
		attribute.Bool("b", true),
		attribute.String("e", "bad"),
	}, attrs)
}

func TestNoopImplementations(t *testing.T) {
	ctx := context.Background()
	NewNoopLogger().Info(ctx, "msg", "k", "v")
	NewNoopMetrics().IncCounter("c", 1)
	NewNoopMetrics().RecordTimer("t", time.Second)
	got, span := NewNoopTracer().Start(ctx, "span")
	require.Equal(t, ctx, got)
	span.SetStatus(codes.Ok, "")
	span.End()
}

func TestOtelImplementationsUseGlobalProviders(t *testing.T) {
	ctx, span := NewOtelTracer().Start(context.Background(), "span")
	require.NotNil(t, ctx)
	span.AddEvent("event", "k", "v")
	span.RecordError(errors.New("boom"))
	span.End()
	NewOtelMetrics().IncCounter("converge.test", 1, "k", "v")
	NewOtelMetrics().RecordTimer("converge.test.duration", time.Millisecond)
}
