package observer

import (
	"context"
	"time"

	"github.com/redbtn-io/ai/engine"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedToolClient wraps an engine.ToolClient (the subprocess tool pool,
// C6) with OTEL instrumentation, so every tool call a graph's tool step
// makes emits a span/metric/log regardless of which tool was invoked.
type ObservedToolClient struct {
	inner engine.ToolClient
	inst  *Instruments
}

// WrapToolClient returns an instrumented ToolClient.
func WrapToolClient(inner engine.ToolClient, inst *Instruments) *ObservedToolClient {
	return &ObservedToolClient{inner: inner, inst: inst}
}

func (o *ObservedToolClient) CallTool(ctx context.Context, name string, args map[string]any, meta map[string]string) (map[string]any, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.call", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.CallTool(ctx, name, args, meta)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrToolStatus.String(status))

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool call completed"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

var _ engine.ToolClient = (*ObservedToolClient)(nil)
