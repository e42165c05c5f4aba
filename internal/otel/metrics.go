package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestra metrics instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	TaskDuration      metric.Float64Histogram
	WaveDuration      metric.Float64Histogram
	TaskRetries       metric.Int64Counter
	ActiveExecutions  metric.Int64UpDownCounter
	LockWaitDuration  metric.Float64Histogram
	LockTimeouts      metric.Int64Counter
	HITLRequests      metric.Int64Counter
	RetrievalDuration metric.Float64Histogram
	SubscriberCount   metric.Int64UpDownCounter
	DroppedEvents     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("orchestra.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("orchestra.task.duration",
		metric.WithDescription("Per-task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WaveDuration, err = meter.Float64Histogram("orchestra.wave.duration",
		metric.WithDescription("Wave execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("orchestra.task.retries",
		metric.WithDescription("Total task retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveExecutions, err = meter.Int64UpDownCounter("orchestra.execution.active",
		metric.WithDescription("Number of currently running workflow executions"),
	)
	if err != nil {
		return nil, err
	}

	m.LockWaitDuration, err = meter.Float64Histogram("orchestra.lock.wait_duration",
		metric.WithDescription("Time spent waiting to acquire a file lock, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LockTimeouts, err = meter.Int64Counter("orchestra.lock.timeouts",
		metric.WithDescription("Number of lock acquisitions that timed out"),
	)
	if err != nil {
		return nil, err
	}

	m.HITLRequests, err = meter.Int64Counter("orchestra.hitl.requests",
		metric.WithDescription("Number of human-approval gates raised"),
	)
	if err != nil {
		return nil, err
	}

	m.RetrievalDuration, err = meter.Float64Histogram("orchestra.retrieval.duration",
		metric.WithDescription("Per-source retrieval duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SubscriberCount, err = meter.Int64UpDownCounter("orchestra.subscription.active",
		metric.WithDescription("Number of currently live (connected) subscriptions"),
	)
	if err != nil {
		return nil, err
	}

	m.DroppedEvents, err = meter.Int64Counter("orchestra.events.dropped",
		metric.WithDescription("Number of status events dropped due to a full buffer"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
