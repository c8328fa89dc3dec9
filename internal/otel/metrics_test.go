package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.ApprovalsRequested == nil {
		t.Error("ApprovalsRequested is nil")
	}
	if m.ApprovalsApproved == nil {
		t.Error("ApprovalsApproved is nil")
	}
	if m.ApprovalsDenied == nil {
		t.Error("ApprovalsDenied is nil")
	}
	if m.ApprovalsTimedOut == nil {
		t.Error("ApprovalsTimedOut is nil")
	}
	if m.DecisionLatency == nil {
		t.Error("DecisionLatency is nil")
	}
	if m.NotificationsSent == nil {
		t.Error("NotificationsSent is nil")
	}
	if m.NotificationErrors == nil {
		t.Error("NotificationErrors is nil")
	}
	if m.MessagesQueued == nil {
		t.Error("MessagesQueued is nil")
	}
	if m.MessagesDrained == nil {
		t.Error("MessagesDrained is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics on noop meter: %v", err)
	}
	// Recording on noop instruments must not panic.
	m.ApprovalsRequested.Add(context.Background(), 1)
	m.DecisionLatency.Record(context.Background(), 0.5)
}
