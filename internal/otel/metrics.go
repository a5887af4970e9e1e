package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all tasksync metric instruments.
type Metrics struct {
	CycleDuration   metric.Float64Histogram
	OpsDrained      metric.Int64Counter
	OpsFailed       metric.Int64Counter
	OpsRejected     metric.Int64Counter
	OpRetries       metric.Int64Counter
	Conflicts       metric.Int64Counter
	PullBatchSize   metric.Int64Histogram
	PendingOps      metric.Int64UpDownCounter
	CyclesCoalesced metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CycleDuration, err = meter.Float64Histogram("tasksync.cycle.duration",
		metric.WithDescription("Sync cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OpsDrained, err = meter.Int64Counter("tasksync.ops.drained",
		metric.WithDescription("Operations confirmed by the server"),
	)
	if err != nil {
		return nil, err
	}

	m.OpsFailed, err = meter.Int64Counter("tasksync.ops.failed",
		metric.WithDescription("Operations that reached the terminal failed state"),
	)
	if err != nil {
		return nil, err
	}

	m.OpsRejected, err = meter.Int64Counter("tasksync.ops.rejected",
		metric.WithDescription("Operations dropped on permanent server rejection"),
	)
	if err != nil {
		return nil, err
	}

	m.OpRetries, err = meter.Int64Counter("tasksync.ops.retries",
		metric.WithDescription("Push attempts that failed transiently and were rescheduled"),
	)
	if err != nil {
		return nil, err
	}

	m.Conflicts, err = meter.Int64Counter("tasksync.conflicts",
		metric.WithDescription("Stale-version rejections resolved locally"),
	)
	if err != nil {
		return nil, err
	}

	m.PullBatchSize, err = meter.Int64Histogram("tasksync.pull.batch_size",
		metric.WithDescription("Records applied per pull"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingOps, err = meter.Int64UpDownCounter("tasksync.ops.pending",
		metric.WithDescription("Operations currently queued"),
	)
	if err != nil {
		return nil, err
	}

	m.CyclesCoalesced, err = meter.Int64Counter("tasksync.cycle.coalesced",
		metric.WithDescription("Sync triggers folded into an already-running cycle"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
