// Package mode holds the process-wide decision routing policy.
package mode

import (
	"fmt"
	"strings"
	"sync"
)

// Mode selects where approval decisions are made.
type Mode string

const (
	// Delegated routes every decision to the remote operator.
	Delegated Mode = "delegated"
	// Local answers approvals locally (approve) with no gateway contact.
	Local Mode = "local"
	// NotifyOnly approves locally but still notifies the operator.
	NotifyOnly Mode = "notify-only"
)

// Parse maps operator input to a Mode. "notify" is accepted for notify-only.
func Parse(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "delegated", "remote":
		return Delegated, nil
	case "local":
		return Local, nil
	case "notify", "notify-only", "notify_only":
		return NotifyOnly, nil
	default:
		return "", fmt.Errorf("unknown mode %q (expected delegated, local, or notify)", s)
	}
}

// Controller is the process-wide mode switch. Transitions are unconditional
// and affect only approvals created afterwards; in-flight requests keep the
// routing decided at their creation.
type Controller struct {
	mu   sync.RWMutex
	mode Mode
}

// NewController creates a Controller starting in the given mode.
func NewController(initial Mode) *Controller {
	if initial == "" {
		initial = Delegated
	}
	return &Controller{mode: initial}
}

// Get returns the current mode.
func (c *Controller) Get() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Set switches the mode.
func (c *Controller) Set(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}
