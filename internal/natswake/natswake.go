// Package natswake publishes and consumes cross-instance "speed up polling"
// notifications over NATS. It is a best-effort fast path layered on top of
// the worker pool's own bounded polling interval (pkg/workerpool never
// depends on this package being reachable): a nil *nats.Conn simply disables
// the fast path.
package natswake

import (
	"context"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Subject returns the NATS subject used to announce a speed-up for taskName.
func Subject(taskName string) string {
	return fmt.Sprintf("reactivetask.speedup.%s", taskName)
}

// Publish injects the trace context into NATS headers and publishes a
// zero-payload speed-up notification for taskName. Errors are the caller's
// to swallow or log — this is a best-effort signal, never a delivery
// guarantee.
func Publish(ctx context.Context, nc *nats.Conn, taskName string) error {
	if nc == nil {
		return nil
	}
	hdr := nats.Header{}
	carrier := propagation.HeaderCarrier(hdr)
	propagator.Inject(ctx, carrier)
	msg := &nats.Msg{Subject: Subject(taskName), Header: hdr}
	return nc.PublishMsg(msg)
}

// Subscribe wraps nc.Subscribe for every speed-up subject and extracts the
// trace context for each message, starting a child span before invoking
// handler with the decoded task name.
func Subscribe(nc *nats.Conn, handler func(ctx context.Context, taskName string)) (*nats.Subscription, error) {
	if nc == nil {
		return nil, nil
	}
	return nc.Subscribe("reactivetask.speedup.*", func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("reactivetask-natswake")
		ctx, span := tr.Start(ctx, "natswake.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		taskName := m.Subject[len("reactivetask.speedup."):]
		handler(ctx, taskName)
	})
}
