// Package telemetry exposes the connectivity-layer instruments. Counters are
// registered against the global meter provider; without a configured SDK they
// are no-ops.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/openalgo/exio"

type instruments struct {
	ordersSubmitted metric.Int64Counter
	ordersRejected  metric.Int64Counter
	eventsEmitted   metric.Int64Counter
	eventsDropped   metric.Int64Counter
	wsReconnects    metric.Int64Counter
	restErrors      metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     instruments
)

func get() instruments {
	instOnce.Do(func() {
		meter := otel.Meter(meterName)
		inst.ordersSubmitted, _ = meter.Int64Counter("exio.orders.submitted",
			metric.WithDescription("Orders submitted to an exchange"))
		inst.ordersRejected, _ = meter.Int64Counter("exio.orders.rejected",
			metric.WithDescription("Order submissions rejected before or by the exchange"))
		inst.eventsEmitted, _ = meter.Int64Counter("exio.events.emitted",
			metric.WithDescription("Events delivered to the consumer channel"))
		inst.eventsDropped, _ = meter.Int64Counter("exio.events.dropped",
			metric.WithDescription("Events dropped because the consumer channel was full"))
		inst.wsReconnects, _ = meter.Int64Counter("exio.ws.reconnects",
			metric.WithDescription("Websocket reconnect attempts"))
		inst.restErrors, _ = meter.Int64Counter("exio.rest.errors",
			metric.WithDescription("REST requests that returned an error"))
	})
	return inst
}

func exchangeAttrs(exchange string) metric.AddOption {
	return metric.WithAttributes(attribute.String("exchange", exchange))
}

// OrderSubmitted counts one order submission.
func OrderSubmitted(ctx context.Context, exchange string) {
	if c := get().ordersSubmitted; c != nil {
		c.Add(ctx, 1, exchangeAttrs(exchange))
	}
}

// OrderRejected counts one rejected submission.
func OrderRejected(ctx context.Context, exchange string) {
	if c := get().ordersRejected; c != nil {
		c.Add(ctx, 1, exchangeAttrs(exchange))
	}
}

// EventEmitted counts one event delivered to a consumer.
func EventEmitted(ctx context.Context, exchange string, eventType string) {
	if c := get().eventsEmitted; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(
			attribute.String("exchange", exchange),
			attribute.String("type", eventType)))
	}
}

// EventDropped counts one event lost to backpressure.
func EventDropped(ctx context.Context, exchange string, eventType string) {
	if c := get().eventsDropped; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(
			attribute.String("exchange", exchange),
			attribute.String("type", eventType)))
	}
}

// WSReconnect counts one websocket reconnect attempt.
func WSReconnect(ctx context.Context, exchange string) {
	if c := get().wsReconnects; c != nil {
		c.Add(ctx, 1, exchangeAttrs(exchange))
	}
}

// RESTError counts one failed REST call.
func RESTError(ctx context.Context, exchange string, code string) {
	if c := get().restErrors; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(
			attribute.String("exchange", exchange),
			attribute.String("code", code)))
	}
}
