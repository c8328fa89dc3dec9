// Package mailbox holds operator-to-agent instruction queues. Messages are
// strict FIFO per agent and delivered at most once: a drain removes what it
// returns, and nothing else.
package mailbox

import (
	"context"
	"sync"
	"time"

	"github.com/basket/hookbridge/internal/bus"
)

// Mailbox owns the per-agent message queues.
type Mailbox struct {
	mu      sync.Mutex
	queues  map[string][]string
	signals map[string]chan struct{}
	bus     *bus.Bus
}

// New creates an empty Mailbox. The bus may be nil (tests).
func New(b *bus.Bus) *Mailbox {
	return &Mailbox{
		queues:  make(map[string][]string),
		signals: make(map[string]chan struct{}),
		bus:     b,
	}
}

// Enqueue appends a message to the agent's queue. It never blocks.
func (m *Mailbox) Enqueue(agentID, text string) {
	m.mu.Lock()
	m.queues[agentID] = append(m.queues[agentID], text)
	sig := m.signal(agentID)
	m.mu.Unlock()

	// Wake at most one waiter; the buffer of 1 coalesces bursts.
	select {
	case sig <- struct{}{}:
	default:
	}

	if m.bus != nil {
		m.bus.Publish(bus.TopicMessageQueued, bus.MessageQueued{AgentID: agentID, Text: text})
	}
}

// Drain atomically removes and returns all queued messages for the agent in
// FIFO order. Messages enqueued after the snapshot is taken are not included.
func (m *Mailbox) Drain(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	queued := m.queues[agentID]
	if len(queued) == 0 {
		return nil
	}
	delete(m.queues, agentID)
	return queued
}

// Wait drains the agent's queue, blocking up to maxWait for at least one
// message to arrive. It returns nil on timeout or context cancellation.
// The wait is signal-driven, not a poll loop.
func (m *Mailbox) Wait(ctx context.Context, agentID string, maxWait time.Duration) []string {
	if msgs := m.Drain(agentID); msgs != nil {
		return msgs
	}

	m.mu.Lock()
	sig := m.signal(agentID)
	m.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return nil
		case <-sig:
			if msgs := m.Drain(agentID); msgs != nil {
				return msgs
			}
			// A concurrent drain won the race; keep waiting.
		}
	}
}

// Depths returns the current queue length per agent. Empty queues are omitted.
func (m *Mailbox) Depths() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.queues))
	for id, q := range m.queues {
		if len(q) > 0 {
			out[id] = len(q)
		}
	}
	return out
}

// Forget drops the agent's queue and wake signal, e.g. on unregister.
func (m *Mailbox) Forget(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, agentID)
	delete(m.signals, agentID)
}

// signal returns the agent's wake channel, creating it if needed.
// Caller must hold m.mu.
func (m *Mailbox) signal(agentID string) chan struct{} {
	sig, ok := m.signals[agentID]
	if !ok {
		sig = make(chan struct{}, 1)
		m.signals[agentID] = sig
	}
	return sig
}
