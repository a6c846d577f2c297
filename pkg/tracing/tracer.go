// Package tracing provides the OTel span helper used by the graph engines.
//
// When no TracerProvider is registered (tests, local runs without an OTLP
// endpoint) the global no-op provider is used and every call is inert.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/emergent-company/graphcore/pkg/tenant"
)

const tracerName = "graphcore"

// Start creates a span as a child of the span in ctx. The caller must End it.
// The tenant scope carried by ctx, if any, is recorded on the span.
//
//	ctx, span := tracing.Start(ctx, "graph.merge.dry_run",
//	    attribute.String("graph.merge.source", src.String()),
//	)
//	defer span.End()
func Start(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if scope, err := tenant.From(ctx); err == nil {
		if scope.AllTenants() {
			attrs = append(attrs, attribute.Bool("graph.all_tenants", true))
		} else {
			attrs = append(attrs,
				attribute.String("graph.project_id", scope.ProjectID.String()),
				attribute.String("graph.branch_id", scope.BranchID.String()),
			)
		}
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it. Intended for
// `defer func() { tracing.End(span, err) }()` with a named error result.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
