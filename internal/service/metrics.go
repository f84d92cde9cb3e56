package service

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/mmeshcher/entitlement-engine/internal/service"

var tracer trace.Tracer = otel.Tracer(instrumentationName)

type metrics struct {
	redemptions        metric.Int64Counter
	orderTransitions   metric.Int64Counter
	projectionFailures metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter(instrumentationName)
	return &metrics{
		redemptions: counter(meter, "entitlement.redemptions",
			"Redemption attempts by outcome"),
		orderTransitions: counter(meter, "entitlement.order_transitions",
			"Order status transitions by target status"),
		projectionFailures: counter(meter, "entitlement.projection_failures",
			"Enrollment writes that failed after an authoritative state change"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}
