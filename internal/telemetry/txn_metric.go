package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TxnMetrics holds the metric instruments for the transaction coordinator.
type TxnMetrics struct {
	TxnsBegunCounter     metric.Int64Counter
	TxnsCompletedCounter metric.Int64Counter
	HeuristicsCounter    metric.Int64Counter
	PhaseLatencyHist     metric.Int64Histogram
	ActiveTxnsUpDown     metric.Int64UpDownCounter
	InboundCallsCounter  metric.Int64Counter
}

// NewTxnMetrics creates and registers all the coordinator metrics.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	txnsBegun, err := meter.Int64Counter(
		"vantus.txn.begun_total",
		metric.WithDescription("Total number of transactions begun or imported."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsCompleted, err := meter.Int64Counter(
		"vantus.txn.completed_total",
		metric.WithDescription("Total number of transactions that reached a terminal state, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	heuristics, err := meter.Int64Counter(
		"vantus.txn.heuristics_total",
		metric.WithDescription("Total number of heuristic outcomes recorded."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	phaseLatency, err := meter.Int64Histogram(
		"vantus.txn.phase.duration",
		metric.WithDescription("The latency of two-phase-commit phases."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeTxns, err := meter.Int64UpDownCounter(
		"vantus.txn.active",
		metric.WithDescription("Number of transactions currently in flight."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	inboundCalls, err := meter.Int64Counter(
		"vantus.propagation.inbound_total",
		metric.WithDescription("Total number of inbound propagation calls, by operation."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		TxnsBegunCounter:     txnsBegun,
		TxnsCompletedCounter: txnsCompleted,
		HeuristicsCounter:    heuristics,
		PhaseLatencyHist:     phaseLatency,
		ActiveTxnsUpDown:     activeTxns,
		InboundCallsCounter:  inboundCalls,
	}, nil
}

// RecordBegun counts a new transaction and bumps the in-flight gauge.
func (m *TxnMetrics) RecordBegun(ctx context.Context, imported bool) {
	m.TxnsBegunCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("imported", imported)))
	m.ActiveTxnsUpDown.Add(ctx, 1)
}

// RecordCompleted counts a terminal outcome and drops the in-flight gauge.
func (m *TxnMetrics) RecordCompleted(ctx context.Context, outcome string) {
	m.TxnsCompletedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.ActiveTxnsUpDown.Add(ctx, -1)
}

// RecordHeuristic counts a heuristic outcome.
func (m *TxnMetrics) RecordHeuristic(ctx context.Context, outcome string) {
	m.HeuristicsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPhase records the latency of one two-phase-commit phase.
func (m *TxnMetrics) RecordPhase(ctx context.Context, phase string, elapsed time.Duration) {
	m.PhaseLatencyHist.Record(ctx, elapsed.Milliseconds(),
		metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordInbound counts one inbound propagation call.
func (m *TxnMetrics) RecordInbound(ctx context.Context, op string) {
	m.InboundCallsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
