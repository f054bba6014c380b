// Package dispatch decodes raw queue messages and hands them to the
// storage sink.
package dispatch

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"widgetconsumer/internal/observability/tracing"
	"widgetconsumer/internal/sink"
	"widgetconsumer/internal/source"
	"widgetconsumer/internal/widget"
)

// ReasonMalformedPayload is the outcome reason for bodies that cannot be
// decoded into a widget request.
const ReasonMalformedPayload = "malformed_payload"

// Dispatcher decodes message bodies and invokes the storage sink. It holds
// no per-message state, so a single Dispatcher is safe to share across
// workers.
type Dispatcher struct {
	sink sink.StorageSink
}

// New creates a Dispatcher over the given sink.
func New(storage sink.StorageSink) *Dispatcher {
	return &Dispatcher{sink: storage}
}

// Process decodes the message body and applies it to the sink. A body that
// does not decode into a valid widget request is a permanent failure and
// never reaches the sink; everything else passes the sink's own
// classification through unchanged.
func (d *Dispatcher) Process(ctx context.Context, msg source.Message) sink.Outcome {
	ctx, span := tracing.Start(ctx, "dispatch.Process",
		trace.WithAttributes(
			attribute.String("messaging.message_id", msg.ID),
			attribute.Int("messaging.delivery_count", msg.DeliveryCount),
		))
	defer span.End()

	req, err := widget.DecodeRequest(msg.Body)
	if err != nil {
		span.RecordError(err)
		return sink.Permanent(ReasonMalformedPayload, err)
	}

	span.SetAttributes(
		attribute.String("widget.request_type", string(req.Type)),
		attribute.String("widget.id", req.WidgetID),
	)

	outcome := d.sink.Handle(ctx, req)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
	}
	return outcome
}
