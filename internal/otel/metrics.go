package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all hookbridge metrics instruments.
type Metrics struct {
	ApprovalsRequested metric.Int64Counter
	ApprovalsApproved  metric.Int64Counter
	ApprovalsDenied    metric.Int64Counter
	ApprovalsTimedOut  metric.Int64Counter
	DecisionLatency    metric.Float64Histogram
	NotificationsSent  metric.Int64Counter
	NotificationErrors metric.Int64Counter
	MessagesQueued     metric.Int64Counter
	MessagesDrained    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ApprovalsRequested, err = meter.Int64Counter("hookbridge.approvals.requested",
		metric.WithDescription("Approval requests received"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsApproved, err = meter.Int64Counter("hookbridge.approvals.approved",
		metric.WithDescription("Approval requests resolved approve"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsDenied, err = meter.Int64Counter("hookbridge.approvals.denied",
		metric.WithDescription("Approval requests resolved deny"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsTimedOut, err = meter.Int64Counter("hookbridge.approvals.timed_out",
		metric.WithDescription("Approval requests denied by timeout"),
	)
	if err != nil {
		return nil, err
	}

	m.DecisionLatency, err = meter.Float64Histogram("hookbridge.approvals.latency",
		metric.WithDescription("Time from approval creation to decision in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsSent, err = meter.Int64Counter("hookbridge.notifications.sent",
		metric.WithDescription("Notifications relayed to the operator"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationErrors, err = meter.Int64Counter("hookbridge.notifications.errors",
		metric.WithDescription("Notification sends that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesQueued, err = meter.Int64Counter("hookbridge.messages.queued",
		metric.WithDescription("Operator messages queued for agents"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesDrained, err = meter.Int64Counter("hookbridge.messages.drained",
		metric.WithDescription("Queued messages delivered to agents"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
