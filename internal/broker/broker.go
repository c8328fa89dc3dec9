// Package broker is the approval coordination core: it accepts blocking
// approval requests from agent hooks, routes them to the operator through a
// Messenger, and resolves each request exactly once via operator decision or
// timeout default deny.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/hookbridge/internal/audit"
	"github.com/basket/hookbridge/internal/bus"
	"github.com/basket/hookbridge/internal/mailbox"
	"github.com/basket/hookbridge/internal/mode"
	"github.com/basket/hookbridge/internal/otel"
	"github.com/basket/hookbridge/internal/registry"
	"github.com/basket/hookbridge/internal/shared"
)

// Decision is the wire value of an operator decision.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
	// DecisionApproveAll approves the request and switches the owning
	// agent into an auto-approve session.
	DecisionApproveAll Decision = "approve-all"
)

// ParseDecision maps intake input to a Decision.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved", "yes":
		return DecisionApprove, nil
	case "deny", "denied", "no":
		return DecisionDeny, nil
	case "approve-all", "approve_all", "all":
		return DecisionApproveAll, nil
	default:
		return "", fmt.Errorf("unknown decision %q (expected approve, deny, or approve-all)", s)
	}
}

// Outcome is what a waiting agent hook receives.
type Outcome struct {
	RequestID    string   `json:"request_id"`
	Decision     Decision `json:"decision"`
	Reason       string   `json:"reason"`
	Instructions []string `json:"instructions,omitempty"`
}

// Prompt carries everything a Messenger needs to render a decision prompt.
type Prompt struct {
	RequestID    string
	AgentID      string
	AgentName    string
	Action       string
	Instructions []string
	Timeout      time.Duration
}

// Messenger is the outbound side of the operator channel. The broker never
// depends on a concrete chat client.
type Messenger interface {
	// SendPrompt delivers a decision prompt with control affordances.
	SendPrompt(ctx context.Context, p Prompt) error
	// SendNotification delivers a lifecycle/status event, best effort.
	SendNotification(ctx context.Context, agentID, agentName, kind, payload string) error
	// SendNotice delivers a plain operator notice, best effort.
	SendNotice(ctx context.Context, text string) error
}

// Summary is a snapshot of a live pending approval for operator inspection.
type Summary struct {
	RequestID string    `json:"request_id"`
	AgentID   string    `json:"agent_id"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

type pendingApproval struct {
	id           string
	agentID      string
	action       string
	createdAt    time.Time
	deadline     time.Time
	instructions []string

	// Guarded by Broker.mu. status leaves "PENDING" exactly once;
	// done closes in the same critical section.
	status   string
	reason   string
	operator string
	done     chan struct{}
}

// Config wires the broker's collaborators.
type Config struct {
	Registry       *registry.Registry
	Mailbox        *mailbox.Mailbox
	Modes          *mode.Controller
	Messenger      Messenger
	Bus            *bus.Bus
	Metrics        *otel.Metrics
	Logger         *slog.Logger
	DefaultTimeout time.Duration
}

const defaultApprovalTimeout = 60 * time.Second

// Broker owns the live pending-approval table.
type Broker struct {
	cfg Config

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

func New(cfg Config) *Broker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultApprovalTimeout
	}
	return &Broker{
		cfg:     cfg,
		pending: map[string]*pendingApproval{},
	}
}

// Request blocks until the operator decides, the timeout elapses (default
// deny), or ctx is cancelled. Unknown agent ids are registered lazily.
func (b *Broker) Request(ctx context.Context, agentID, action string, timeout time.Duration) Outcome {
	agent := b.cfg.Registry.Upsert(agentID, "")
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.ApprovalsRequested.Add(ctx, 1)
	}

	// Routing is fixed here; later mode switches do not affect this request.
	switch b.cfg.Modes.Get() {
	case mode.Local:
		audit.Record("approve", agent.ID, action, "", "local mode")
		return Outcome{Decision: DecisionApprove, Reason: "local mode"}
	case mode.NotifyOnly:
		b.Notify(ctx, agent.ID, "info", "requested: "+action)
		audit.Record("approve", agent.ID, action, "", "notify-only mode")
		return Outcome{Decision: DecisionApprove, Reason: "notify-only mode"}
	}

	if b.cfg.Registry.AutoApprove(agent.ID) {
		audit.Record("approve", agent.ID, action, "", "auto-approve session")
		return Outcome{Decision: DecisionApprove, Reason: "auto-approve session"}
	}

	rec := &pendingApproval{
		id:      shared.NewRequestID(),
		agentID: agent.ID,
		action:  action,
		status:  "PENDING",
		done:    make(chan struct{}),
	}

	// Drain queue and create the entry as one critical section so a
	// message enqueued before creation cannot miss this prompt.
	b.mu.Lock()
	rec.instructions = b.cfg.Mailbox.Drain(agent.ID)
	rec.createdAt = time.Now().UTC()
	rec.deadline = rec.createdAt.Add(timeout)
	b.pending[rec.id] = rec
	b.mu.Unlock()

	if b.cfg.Metrics != nil && len(rec.instructions) > 0 {
		b.cfg.Metrics.MessagesDrained.Add(ctx, int64(len(rec.instructions)))
	}
	b.cfg.Logger.Info("approval pending",
		"request_id", rec.id, "agent_id", agent.ID,
		"timeout_s", int(timeout/time.Second), "trace_id", shared.TraceID(ctx))
	b.cfg.Bus.Publish(bus.TopicApprovalRequested, bus.ApprovalRequested{
		RequestID: rec.id,
		AgentID:   agent.ID,
		AgentName: agent.DisplayName,
		Action:    action,
		TimeoutS:  int(timeout / time.Second),
	})

	// A failed send is not fatal: the request still exists and still
	// times out to denied if the operator could never be reached.
	if err := b.cfg.Messenger.SendPrompt(ctx, Prompt{
		RequestID:    rec.id,
		AgentID:      agent.ID,
		AgentName:    agent.DisplayName,
		Action:       action,
		Instructions: rec.instructions,
		Timeout:      timeout,
	}); err != nil {
		b.cfg.Logger.Warn("approval prompt send failed", "request_id", rec.id, "agent_id", agent.ID, "error", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rec.done:
		return b.finish(ctx, rec)
	case <-timer.C:
		if b.expire(ctx, rec) {
			return Outcome{RequestID: rec.id, Decision: DecisionDeny, Reason: "timeout"}
		}
		// A decision won the race; done is already closed.
		<-rec.done
		return b.finish(ctx, rec)
	case <-ctx.Done():
		b.mu.Lock()
		if rec.status == "PENDING" {
			rec.status = "DENIED"
			rec.reason = "canceled"
			delete(b.pending, rec.id)
		}
		b.mu.Unlock()
		return Outcome{RequestID: rec.id, Decision: DecisionDeny, Reason: "canceled"}
	}
}

// finish reads the settled resolution and builds the caller's outcome.
func (b *Broker) finish(ctx context.Context, rec *pendingApproval) Outcome {
	b.mu.Lock()
	status, reason, operator := rec.status, rec.reason, rec.operator
	instructions := rec.instructions
	createdAt := rec.createdAt
	b.mu.Unlock()

	if b.cfg.Metrics != nil {
		b.cfg.Metrics.DecisionLatency.Record(ctx, time.Since(createdAt).Seconds())
	}

	out := Outcome{RequestID: rec.id, Reason: reason, Instructions: instructions}
	if operator != "" {
		out.Instructions = append(out.Instructions, operator)
	}
	if status == "APPROVED" {
		out.Decision = DecisionApprove
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.ApprovalsApproved.Add(ctx, 1)
		}
	} else {
		out.Decision = DecisionDeny
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.ApprovalsDenied.Add(ctx, 1)
		}
	}
	return out
}

// expire attempts the timeout transition. Returns false if a decision
// already won.
func (b *Broker) expire(ctx context.Context, rec *pendingApproval) bool {
	b.mu.Lock()
	if rec.status != "PENDING" {
		b.mu.Unlock()
		return false
	}
	rec.status = "DENIED"
	rec.reason = "timeout"
	close(rec.done)
	delete(b.pending, rec.id)
	b.mu.Unlock()

	audit.Record("deny", rec.agentID, rec.action, rec.id, "timeout")
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.ApprovalsTimedOut.Add(ctx, 1)
		b.cfg.Metrics.ApprovalsDenied.Add(ctx, 1)
	}
	b.cfg.Bus.Publish(bus.TopicApprovalTimeout, bus.ApprovalTimeout{
		RequestID: rec.id,
		AgentID:   rec.agentID,
		TimeoutS:  int(rec.deadline.Sub(rec.createdAt) / time.Second),
	})
	if err := b.cfg.Messenger.SendNotice(ctx, fmt.Sprintf("⏰ Approval request %s timed out, denied by default.", rec.id)); err != nil {
		b.cfg.Logger.Warn("timeout notice send failed", "request_id", rec.id, "error", err)
	}
	b.cfg.Logger.Info("approval timed out, default deny", "request_id", rec.id, "agent_id", rec.agentID)
	return true
}

// Resolve is the Decision Intake entry point. instructions is optional
// operator text attached to an approval. A DecisionApproveAll flips the
// owning agent's auto-approve session before resolving as approved.
func (b *Broker) Resolve(requestID string, decision Decision, instructions string) error {
	b.mu.Lock()
	rec, ok := b.pending[requestID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	agentID := rec.agentID

	if decision == DecisionApproveAll {
		// The session flag flips before the waiting caller wakes, so a
		// follow-up request from the same agent takes the fast path.
		b.mu.Unlock()
		if err := b.cfg.Registry.SetAutoApprove(agentID, true); err != nil {
			b.cfg.Logger.Warn("approve-all for unregistered agent", "agent_id", agentID)
		}
		b.mu.Lock()
		if rec.status != "PENDING" {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyResolved, requestID)
		}
	}

	approved := decision != DecisionDeny
	if approved {
		rec.status = "APPROVED"
		rec.reason = "operator approved"
	} else {
		rec.status = "DENIED"
		rec.reason = "operator denied"
	}
	if decision == DecisionApproveAll {
		rec.reason = "operator approved all"
	}
	rec.operator = strings.TrimSpace(instructions)
	close(rec.done)
	delete(b.pending, requestID)
	b.mu.Unlock()

	if approved {
		audit.Record("approve", agentID, rec.action, requestID, rec.reason)
	} else {
		audit.Record("deny", agentID, rec.action, requestID, rec.reason)
	}
	b.cfg.Bus.Publish(bus.TopicApprovalResolved, bus.ApprovalResolved{
		RequestID: requestID,
		AgentID:   agentID,
		Approved:  approved,
		Reason:    rec.reason,
	})
	b.cfg.Logger.Info("approval resolved", "request_id", requestID, "agent_id", agentID, "decision", string(decision))
	return nil
}

// ResolveAll resolves every currently live request with the given decision.
// Requests created after the sweep takes the lock are not included.
func (b *Broker) ResolveAll(decision Decision) int {
	approved := decision != DecisionDeny
	reason := "operator denied all"
	if approved {
		reason = "operator approved all"
	}

	b.mu.Lock()
	swept := make([]*pendingApproval, 0, len(b.pending))
	for id, rec := range b.pending {
		if approved {
			rec.status = "APPROVED"
		} else {
			rec.status = "DENIED"
		}
		rec.reason = reason
		close(rec.done)
		delete(b.pending, id)
		swept = append(swept, rec)
	}
	b.mu.Unlock()

	for _, rec := range swept {
		if approved {
			audit.Record("approve", rec.agentID, rec.action, rec.id, reason)
		} else {
			audit.Record("deny", rec.agentID, rec.action, rec.id, reason)
		}
		b.cfg.Bus.Publish(bus.TopicApprovalResolved, bus.ApprovalResolved{
			RequestID: rec.id,
			AgentID:   rec.agentID,
			Approved:  approved,
			Reason:    reason,
		})
	}
	return len(swept)
}

// ResolveLatest resolves the most recently created pending request for the
// given agent, or the most recent overall when agentID is empty. Free-text
// replies with no request id route here.
func (b *Broker) ResolveLatest(agentID string, decision Decision, instructions string) (string, error) {
	b.mu.Lock()
	var latest *pendingApproval
	for _, rec := range b.pending {
		if agentID != "" && rec.agentID != agentID {
			continue
		}
		if latest == nil || rec.createdAt.After(latest.createdAt) {
			latest = rec
		}
	}
	b.mu.Unlock()
	if latest == nil {
		return "", fmt.Errorf("%w: no pending request for %q", ErrRequestNotFound, agentID)
	}
	return latest.id, b.Resolve(latest.id, decision, instructions)
}

// ListPending returns live requests ordered oldest first.
func (b *Broker) ListPending() []Summary {
	b.mu.Lock()
	out := make([]Summary, 0, len(b.pending))
	for _, rec := range b.pending {
		out = append(out, Summary{
			RequestID: rec.id,
			AgentID:   rec.agentID,
			Action:    rec.action,
			CreatedAt: rec.createdAt,
			Deadline:  rec.deadline,
		})
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingCount reports the live table size.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// CheckAutoApprove is a pure read of the agent's session flag.
func (b *Broker) CheckAutoApprove(agentID string) bool {
	return b.cfg.Registry.AutoApprove(agentID)
}

// Notify forwards a lifecycle event to the operator, best effort. Gateway
// failures are logged and swallowed; they never block or fail the caller.
func (b *Broker) Notify(ctx context.Context, agentID, kind, payload string) {
	agent := b.cfg.Registry.Upsert(agentID, "")
	err := b.cfg.Messenger.SendNotification(ctx, agent.ID, agent.DisplayName, kind, payload)
	if b.cfg.Metrics != nil {
		if err != nil {
			b.cfg.Metrics.NotificationErrors.Add(ctx, 1)
		} else {
			b.cfg.Metrics.NotificationsSent.Add(ctx, 1)
		}
	}
	if err != nil {
		b.cfg.Logger.Warn("notification send failed", "agent_id", agent.ID, "kind", kind, "error", err)
	}
}
