package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// FSMMetrics holds the metric instruments of the deferred-operation
// coordinator and its movers.
type FSMMetrics struct {
	IntentsCounter      metric.Int64Counter
	HeldBackCounter     metric.Int64Counter
	DispatchedCounter   metric.Int64Counter
	QueueDepth          metric.Int64UpDownCounter
	MoverDuration       metric.Int64Histogram
	MoverFailureCounter metric.Int64Counter
}

// NewFSMMetrics creates and registers the coordinator metrics on meter.
func NewFSMMetrics(meter metric.Meter) (*FSMMetrics, error) {
	intents, err := meter.Int64Counter(
		"gojods.fsm.intents_total",
		metric.WithDescription("Total number of intents registered, by operation."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	heldBack, err := meter.Int64Counter(
		"gojods.fsm.held_back_total",
		metric.WithDescription("Entities left queued because their dataset lock was unavailable."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	dispatched, err := meter.Int64Counter(
		"gojods.fsm.dispatched_total",
		metric.WithDescription("Entities handed to movers, by operation."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64UpDownCounter(
		"gojods.fsm.queue_depth",
		metric.WithDescription("Entities waiting in the deferred queue."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	moverDuration, err := meter.Int64Histogram(
		"gojods.movers.duration",
		metric.WithDescription("Time taken by a mover to process one batch."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	moverFailures, err := meter.Int64Counter(
		"gojods.movers.failures_total",
		metric.WithDescription("Entities whose tier operation failed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &FSMMetrics{
		IntentsCounter:      intents,
		HeldBackCounter:     heldBack,
		DispatchedCounter:   dispatched,
		QueueDepth:          queueDepth,
		MoverDuration:       moverDuration,
		MoverFailureCounter: moverFailures,
	}, nil
}

// NoopFSMMetrics returns instruments that record nothing.
func NoopFSMMetrics() *FSMMetrics {
	m, _ := NewFSMMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
