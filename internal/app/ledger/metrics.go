package ledger

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/gridmarket/internal/infra/telemetry"
)

type engineMetrics struct {
	commands        metric.Int64Counter
	rejections      metric.Int64Counter
	duration        metric.Float64Histogram
	journalErrors   metric.Int64Counter
	journalDuration metric.Float64Histogram
	publishErrors   metric.Int64Counter
	locksSwept      metric.Int64Counter
}

func newEngineMetrics(e *Engine) engineMetrics {
	meter := otel.Meter("ledger")
	var m engineMetrics
	m.commands, _ = meter.Int64Counter("ledger.commands",
		metric.WithDescription("Number of ledger commands processed"),
		metric.WithUnit("{command}"))
	m.rejections, _ = meter.Int64Counter("ledger.rejections",
		metric.WithDescription("Number of ledger commands rejected by error code"),
		metric.WithUnit("{command}"))
	m.duration, _ = meter.Float64Histogram("ledger.command.duration",
		metric.WithDescription("Ledger command apply latency"),
		metric.WithUnit("ms"))
	m.journalErrors, _ = meter.Int64Counter("ledger.journal.errors",
		metric.WithDescription("Number of commits the journal failed to record"),
		metric.WithUnit("{commit}"))
	m.journalDuration, _ = meter.Float64Histogram("ledger.journal.duration",
		metric.WithDescription("Journal write latency"),
		metric.WithUnit("ms"))
	m.publishErrors, _ = meter.Int64Counter("ledger.publish.errors",
		metric.WithDescription("Number of market events the publisher rejected"),
		metric.WithUnit("{event}"))
	m.locksSwept, _ = meter.Int64Counter("ledger.locks.swept",
		metric.WithDescription("Number of expired offer locks cleared by the sweeper"),
		metric.WithUnit("{lock}"))
	_, _ = meter.Int64ObservableGauge("ledger.sequence",
		metric.WithDescription("Sequence of the latest applied commit"),
		metric.WithUnit("{commit}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(e.Sequence()))
			return nil
		}))
	return m
}

func (m engineMetrics) recordCommand(ctx context.Context, op, result string, started time.Time) {
	attrs := metric.WithAttributes(telemetry.OperationAttributes(telemetry.Environment(), op, result)...)
	if m.commands != nil {
		m.commands.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
	}
}

func (m engineMetrics) recordRejection(ctx context.Context, op, code string) {
	if m.rejections != nil {
		m.rejections.Add(ctx, 1, metric.WithAttributes(telemetry.RejectionAttributes(telemetry.Environment(), op, code)...))
	}
}
