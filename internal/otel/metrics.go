package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the hub's metric instruments.
type Metrics struct {
	TasksCreated     metric.Int64Counter
	TasksDispatched  metric.Int64Counter
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	ActiveAgents     metric.Int64UpDownCounter
	FramesReceived   metric.Int64Counter
	RateLimitRejects metric.Int64Counter
	DispatchDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksCreated, err = meter.Int64Counter("taskhub.tasks.created",
		metric.WithDescription("Tasks created by chat or API submission"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("taskhub.tasks.dispatched",
		metric.WithDescription("Task frames written to agent connections"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("taskhub.tasks.completed",
		metric.WithDescription("Tasks that reached the completed status"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("taskhub.tasks.failed",
		metric.WithDescription("Tasks that reached the failed status"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAgents, err = meter.Int64UpDownCounter("taskhub.agents.active",
		metric.WithDescription("Currently registered agent connections"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesReceived, err = meter.Int64Counter("taskhub.frames.received",
		metric.WithDescription("Inbound WebSocket frames by type"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("taskhub.ratelimit.rejects",
		metric.WithDescription("API requests rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("taskhub.dispatch.duration",
		metric.WithDescription("Approval-to-dispatch latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
